package alarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/rules"
	"github.com/t77yq/telemetry-hub/internal/storage"
	"github.com/t77yq/telemetry-hub/internal/tenant"
	"github.com/t77yq/telemetry-hub/internal/testutil"
)

type recordingPublisher struct {
	mu     sync.Mutex
	alarms []model.Alarm
}

func (p *recordingPublisher) PublishAlarm(ctx context.Context, alarm *model.Alarm) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alarms = append(p.alarms, *alarm)
	return nil
}

func (p *recordingPublisher) statuses() []model.AlarmStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.AlarmStatus
	for _, a := range p.alarms {
		out = append(out, a.Status)
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	alarms []*model.Alarm
	rules  []*model.AlertRule
}

func (n *recordingNotifier) Notify(alarm *model.Alarm, rule *model.AlertRule) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alarms = append(n.alarms, alarm)
	n.rules = append(n.rules, rule)
}

type fixture struct {
	store     *storage.SQLiteStore
	manager   *Manager
	publisher *recordingPublisher
	notifier  *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewSQLiteStore(zaptest.NewLogger(t), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})

	f := &fixture{
		store:     store,
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
	}
	f.manager = NewManager(store, zaptest.NewLogger(t), WithPublisher(f.publisher), WithNotifier(f.notifier))
	return f
}

func thresholdRule() *model.AlertRule {
	return &model.AlertRule{
		ID:              "r1",
		TenantID:        "acme",
		DeviceID:        "D1",
		Name:            "High temperature",
		AlarmType:       "high_temperature",
		Type:            model.RuleTypeSimple,
		Severity:        model.SeverityMajor,
		Conditions:      []model.Condition{{Field: "temperature", Operator: model.OpGreater, Threshold: model.Number(30)}},
		CooldownMinutes: 5,
		Active:          true,
	}
}

func proposal(rule *model.AlertRule, ts time.Time, temperature float64) rules.Proposal {
	return rules.Proposal{
		Rule: rule,
		Reading: &model.TelemetryReading{
			TenantID:  rule.TenantID,
			DeviceID:  "D1",
			Timestamp: ts,
			Metrics:   map[string]model.MetricValue{"temperature": model.Number(temperature)},
		},
		Matched: []rules.MatchedCondition{{
			Field:     "temperature",
			Operator:  model.OpGreater,
			Threshold: model.Number(30),
			Value:     model.Number(temperature),
		}},
		FiredAt: ts,
	}
}

func historyActions(t *testing.T, alarm *model.Alarm) []string {
	t.Helper()

	history, ok := alarm.Context["history"].([]interface{})
	require.True(t, ok, "history missing from context")

	var actions []string
	for _, entry := range history {
		actions = append(actions, entry.(map[string]interface{})["action"].(string))
	}
	return actions
}

func TestManager_RaiseFromProposal(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TenantContext(t, "acme")
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rule := thresholdRule()

	alarm, created, err := f.manager.Raise(ctx, proposal(rule, t0, 32))
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, model.AlarmStatusActive, alarm.Status)
	assert.Equal(t, model.SeverityMajor, alarm.Severity)
	assert.Equal(t, "r1", alarm.RuleID)
	assert.Equal(t, "D1", alarm.DeviceID)
	assert.Equal(t, "high_temperature", alarm.AlarmType)
	assert.Equal(t, "High temperature on D1: temperature gt 30 (value 32)", alarm.Message)
	assert.Equal(t, t0, alarm.FiredAt)

	stored, err := f.manager.Get(ctx, alarm.ID)
	require.NoError(t, err)
	matched := stored.Context["matched"].([]interface{})
	require.Len(t, matched, 1)
	assert.Equal(t, "temperature", matched[0].(map[string]interface{})["field"])
	assert.Equal(t, 32.0, matched[0].(map[string]interface{})["value"])
	assert.Equal(t, []string{"raised"}, historyActions(t, stored))

	assert.Equal(t, []model.AlarmStatus{model.AlarmStatusActive}, f.publisher.statuses())
	require.Len(t, f.notifier.alarms, 1)
	assert.Same(t, rule, f.notifier.rules[0])
}

func TestManager_RaiseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TenantContext(t, "acme")
	t0 := time.Now().UTC()

	first, created, err := f.manager.Raise(ctx, proposal(thresholdRule(), t0, 32))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.manager.Raise(ctx, proposal(thresholdRule(), t0, 32))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	summary, err := f.manager.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Len(t, f.notifier.alarms, 1)
}

func TestManager_RaiseRejectsForeignProposal(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.manager.Raise(testutil.TenantContext(t, "globex"), proposal(thresholdRule(), time.Now(), 32))
	require.ErrorIs(t, err, tenant.ErrTenantMismatch)

	_, _, err = f.manager.Raise(context.Background(), proposal(thresholdRule(), time.Now(), 32))
	require.ErrorIs(t, err, tenant.ErrUnboundScope)
}

func TestManager_LifecycleMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TenantContext(t, "acme")

	alarm, _, err := f.manager.Raise(ctx, proposal(thresholdRule(), time.Now().UTC(), 35))
	require.NoError(t, err)

	acked, err := f.manager.Acknowledge(ctx, alarm.ID, "alice", "looking into it")
	require.NoError(t, err)
	assert.Equal(t, model.AlarmStatusAcknowledged, acked.Status)
	assert.Equal(t, "alice", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.Equal(t, 2, acked.Version)

	_, err = f.manager.Acknowledge(ctx, alarm.ID, "bob", "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	cleared, err := f.manager.Clear(ctx, alarm.ID, "", "fixed")
	require.NoError(t, err)
	assert.Equal(t, model.AlarmStatusCleared, cleared.Status)
	assert.Equal(t, "tester", cleared.ClearedBy, "empty actor falls back to the bound user")

	_, err = f.manager.Acknowledge(ctx, alarm.ID, "alice", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.manager.Clear(ctx, alarm.ID, "alice", "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := f.manager.Get(ctx, alarm.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlarmStatusCleared, stored.Status)
	assert.Equal(t, []string{"raised", "acknowledged", "cleared"}, historyActions(t, stored))

	history := stored.Context["history"].([]interface{})
	assert.Equal(t, "looking into it", history[1].(map[string]interface{})["comment"])

	assert.Equal(t, []model.AlarmStatus{
		model.AlarmStatusActive,
		model.AlarmStatusAcknowledged,
		model.AlarmStatusCleared,
	}, f.publisher.statuses())
}

func TestManager_ClearFromActive(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TenantContext(t, "acme")

	alarm, _, err := f.manager.Raise(ctx, proposal(thresholdRule(), time.Now().UTC(), 35))
	require.NoError(t, err)

	cleared, err := f.manager.Clear(ctx, alarm.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, model.AlarmStatusCleared, cleared.Status)
	assert.Nil(t, cleared.AcknowledgedAt)
}

func TestManager_DeleteOnlyCleared(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TenantContext(t, "acme")

	alarm, _, err := f.manager.Raise(ctx, proposal(thresholdRule(), time.Now().UTC(), 35))
	require.NoError(t, err)

	require.ErrorIs(t, f.manager.Delete(ctx, alarm.ID), ErrInvalidState)

	_, err = f.manager.Acknowledge(ctx, alarm.ID, "alice", "")
	require.NoError(t, err)
	require.ErrorIs(t, f.manager.Delete(ctx, alarm.ID), ErrInvalidState)

	_, err = f.manager.Clear(ctx, alarm.ID, "alice", "")
	require.NoError(t, err)
	require.NoError(t, f.manager.Delete(ctx, alarm.ID))

	_, err = f.manager.Get(ctx, alarm.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, f.manager.Delete(ctx, alarm.ID), ErrNotFound)
}

func TestManager_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	acme := testutil.TenantContext(t, "acme")
	globex := testutil.TenantContext(t, "globex")

	alarm, _, err := f.manager.Raise(acme, proposal(thresholdRule(), time.Now().UTC(), 35))
	require.NoError(t, err)

	_, err = f.manager.Get(globex, alarm.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.manager.Acknowledge(globex, alarm.ID, "mallory", "")
	require.ErrorIs(t, err, ErrNotFound)

	alarms, err := f.manager.List(globex, model.AlarmFilter{})
	require.NoError(t, err)
	assert.Empty(t, alarms)

	_, err = f.manager.Get(context.Background(), alarm.ID)
	require.ErrorIs(t, err, tenant.ErrUnboundScope)
}

func TestManager_CreateManual(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TenantContext(t, "acme")

	tests := []struct {
		name    string
		input   ManualAlarm
		wantErr error
	}{
		{name: "Valid", input: ManualAlarm{DeviceID: "D1", Severity: model.SeverityWarning, Message: "door open"}},
		{name: "FleetWide", input: ManualAlarm{Severity: model.SeverityCritical, Message: "site offline", AlarmType: "site"}},
		{name: "BadSeverity", input: ManualAlarm{Severity: "LOUD", Message: "x"}, wantErr: ErrInvalidInput},
		{name: "NoMessage", input: ManualAlarm{Severity: model.SeverityMinor}, wantErr: ErrInvalidInput},
		{name: "BadDevice", input: ManualAlarm{DeviceID: "d/1", Severity: model.SeverityMinor, Message: "x"}, wantErr: ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alarm, err := f.manager.CreateManual(ctx, tt.input)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, alarm.Manual())
			assert.Equal(t, model.AlarmStatusActive, alarm.Status)
			assert.Equal(t, tt.input.DeviceID, alarm.DeviceID)
			assert.Equal(t, []string{"created"}, historyActions(t, alarm))
		})
	}

	manual, err := f.manager.List(ctx, model.AlarmFilter{AlarmType: manualAlarmType})
	require.NoError(t, err)
	assert.Len(t, manual, 1)
	assert.Len(t, f.notifier.alarms, 2)
	assert.Nil(t, f.notifier.rules[0])
}

func TestManager_ListAndSummary(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TenantContext(t, "acme")
	t0 := time.Now().UTC()

	first, _, err := f.manager.Raise(ctx, proposal(thresholdRule(), t0, 31))
	require.NoError(t, err)
	_, _, err = f.manager.Raise(ctx, proposal(thresholdRule(), t0.Add(10*time.Minute), 32))
	require.NoError(t, err)
	_, err = f.manager.CreateManual(ctx, ManualAlarm{DeviceID: "D2", Severity: model.SeverityCritical, Message: "smoke"})
	require.NoError(t, err)
	_, err = f.manager.Acknowledge(ctx, first.ID, "alice", "")
	require.NoError(t, err)

	active, err := f.manager.List(ctx, model.AlarmFilter{Status: model.AlarmStatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	d1, err := f.manager.List(ctx, model.AlarmFilter{DeviceID: "D1", Severity: model.SeverityMajor})
	require.NoError(t, err)
	assert.Len(t, d1, 2)

	_, err = f.manager.List(ctx, model.AlarmFilter{Status: "OPEN"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.manager.List(ctx, model.AlarmFilter{Limit: -1})
	require.ErrorIs(t, err, ErrInvalidInput)

	summary, err := f.manager.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.ByStatus[model.AlarmStatusActive])
	assert.Equal(t, 1, summary.ByStatus[model.AlarmStatusAcknowledged])
	assert.Equal(t, 2, summary.BySeverity[model.SeverityMajor])
	assert.Equal(t, 1, summary.BySeverity[model.SeverityCritical])
}

// racingStore lets a competing transition land between the read and the conditional write
type racingStore struct {
	*storage.SQLiteStore
	once   sync.Once
	before func()
}

func (s *racingStore) UpdateAlarm(ctx context.Context, alarm *model.Alarm, expected model.AlarmStatus, expectedVersion int) error {
	s.once.Do(s.before)
	return s.SQLiteStore.UpdateAlarm(ctx, alarm, expected, expectedVersion)
}

func TestManager_ConcurrentTransitionsResolveDeterministically(t *testing.T) {
	tests := []struct {
		name       string
		competitor model.AlarmStatus
		attempt    model.AlarmStatus
		wantErr    error
		final      model.AlarmStatus
	}{
		{name: "ClearBeatsAcknowledge", competitor: model.AlarmStatusCleared, attempt: model.AlarmStatusAcknowledged, wantErr: ErrInvalidTransition, final: model.AlarmStatusCleared},
		{name: "AcknowledgeBeatsClear", competitor: model.AlarmStatusAcknowledged, attempt: model.AlarmStatusCleared, wantErr: ErrConflict, final: model.AlarmStatusAcknowledged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := testutil.TenantContext(t, "acme")

			alarm, _, err := f.manager.Raise(ctx, proposal(thresholdRule(), time.Now().UTC(), 35))
			require.NoError(t, err)

			store := &racingStore{SQLiteStore: f.store}
			store.before = func() {
				var err error
				if tt.competitor == model.AlarmStatusCleared {
					_, err = f.manager.Clear(ctx, alarm.ID, "bob", "")
				} else {
					_, err = f.manager.Acknowledge(ctx, alarm.ID, "bob", "")
				}
				require.NoError(t, err)
			}
			racing := NewManager(store, zaptest.NewLogger(t))

			if tt.attempt == model.AlarmStatusCleared {
				_, err = racing.Clear(ctx, alarm.ID, "alice", "")
			} else {
				_, err = racing.Acknowledge(ctx, alarm.ID, "alice", "")
			}
			require.ErrorIs(t, err, tt.wantErr)

			stored, err := f.manager.Get(ctx, alarm.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.final, stored.Status)
			assert.Equal(t, "bob", stored.AcknowledgedBy+stored.ClearedBy)
		})
	}
}

func TestManager_ParallelAcknowledgeAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TenantContext(t, "acme")

	alarm, _, err := f.manager.Raise(ctx, proposal(thresholdRule(), time.Now().UTC(), 35))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ackErr, clearErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, ackErr = f.manager.Acknowledge(ctx, alarm.ID, "alice", "")
	}()
	go func() {
		defer wg.Done()
		_, clearErr = f.manager.Clear(ctx, alarm.ID, "bob", "")
	}()
	wg.Wait()

	for _, err := range []error{ackErr, clearErr} {
		if err != nil {
			assert.True(t, errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrConflict), "unexpected error %v", err)
		}
	}
	assert.False(t, ackErr != nil && clearErr != nil, "one operation must succeed")

	stored, err := f.manager.Get(ctx, alarm.ID)
	require.NoError(t, err)
	if clearErr != nil {
		assert.Equal(t, model.AlarmStatusAcknowledged, stored.Status)
	} else {
		assert.Equal(t, model.AlarmStatusCleared, stored.Status)
	}
}

// Rule D1: temperature gt 30, MAJOR, cooldown 5 minutes
func TestScenario_ThresholdAlarmLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TenantContext(t, "acme")
	require.NoError(t, f.store.PutRule(ctx, thresholdRule()))

	engine := rules.NewEngine(f.store, rules.EngineConfig{CacheTTL: time.Minute}, zaptest.NewLogger(t))
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	raise := func(ts time.Time, temperature float64) []*model.Alarm {
		reading := &model.TelemetryReading{
			TenantID:  "acme",
			DeviceID:  "D1",
			Timestamp: ts,
			Metrics:   map[string]model.MetricValue{"temperature": model.Number(temperature)},
		}
		proposals, err := engine.Evaluate(ctx, reading)
		require.NoError(t, err)

		var raised []*model.Alarm
		for _, p := range proposals {
			alarm, created, err := f.manager.Raise(ctx, p)
			require.NoError(t, err)
			require.True(t, created)
			raised = append(raised, alarm)
		}
		return raised
	}

	raised := raise(t0, 32)
	require.Len(t, raised, 1)
	alarm := raised[0]
	assert.Equal(t, model.AlarmStatusActive, alarm.Status)
	assert.Equal(t, model.SeverityMajor, alarm.Severity)

	assert.Empty(t, raise(t0.Add(time.Minute), 33), "cooldown suppresses the second reading")

	require.ErrorIs(t, f.manager.Delete(ctx, alarm.ID), ErrInvalidState)

	acked, err := f.manager.Acknowledge(ctx, alarm.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, model.AlarmStatusAcknowledged, acked.Status)

	cleared, err := f.manager.Clear(ctx, alarm.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, model.AlarmStatusCleared, cleared.Status)

	require.NoError(t, f.manager.Delete(ctx, alarm.ID))
	_, err = f.manager.Get(ctx, alarm.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestComposeMessage(t *testing.T) {
	matched := []rules.MatchedCondition{
		{Field: "temperature", Operator: model.OpGreater, Threshold: model.Number(40), Value: model.Number(41.5)},
		{Field: "humidity", Operator: model.OpGreater, Threshold: model.Number(80), Value: model.Number(90)},
	}

	rule := &model.AlertRule{ID: "c1", Type: model.RuleTypeComplex, Logic: model.LogicOr, Severity: model.SeverityCritical}
	assert.Equal(t, "c1 on fleet: temperature gt 40 (value 41.5) or humidity gt 80 (value 90)", ComposeMessage(rule, "", matched))

	rule.MessageTemplate = "[{severity}] {rule} {device}: {field}={value} over {threshold}"
	assert.Equal(t, "[CRITICAL] c1 D7: temperature=41.5 over 40", ComposeMessage(rule, "D7", matched))
}
