package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/telemetry-hub/internal/alarm"
	"github.com/t77yq/telemetry-hub/internal/fanout"
	"github.com/t77yq/telemetry-hub/internal/ingest"
	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/rules"
	"github.com/t77yq/telemetry-hub/internal/storage"
	"github.com/t77yq/telemetry-hub/internal/tenant"
	"github.com/t77yq/telemetry-hub/internal/testutil"
)

type recordingDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (r *recordingDeadLetters) DeadLetter(ctx context.Context, dl DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.letters = append(r.letters, dl)
	return nil
}

// flakyTelemetry fails the first n appends with a transient error
type flakyTelemetry struct {
	storage.TelemetryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyTelemetry) Append(ctx context.Context, reading *model.TelemetryReading) (bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()

	if fail {
		return false, fmt.Errorf("%w: database is locked", storage.ErrStorageTransient)
	}
	return f.TelemetryStore.Append(ctx, reading)
}

// flakyRaiser fails the first n raises with a permanent error
type flakyRaiser struct {
	AlarmRaiser
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyRaiser) Raise(ctx context.Context, p rules.Proposal) (*model.Alarm, bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()

	if fail {
		return nil, false, errors.New("alarm table unavailable")
	}
	return f.AlarmRaiser.Raise(ctx, p)
}

type harness struct {
	store       *storage.SQLiteStore
	telemetry   *flakyTelemetry
	manager     *alarm.Manager
	raiser      *flakyRaiser
	registry    *fanout.Registry
	deadLetters *recordingDeadLetters
	processor   *Processor
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		Strategy:    &ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2},
		MaxAttempts: 5,
	}
}

func newHarness(t *testing.T, rulesToSeed ...*model.AlertRule) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := storage.NewSQLiteStore(logger, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})

	for _, rule := range rulesToSeed {
		require.NoError(t, store.PutRule(testutil.TenantContext(t, rule.TenantID), rule))
	}

	h := &harness{
		store:       store,
		telemetry:   &flakyTelemetry{TelemetryStore: store},
		registry:    fanout.NewRegistry(16, logger),
		deadLetters: &recordingDeadLetters{},
	}
	publisher := fanout.NewPublisher(nil, h.registry, time.Second, logger)
	h.manager = alarm.NewManager(store, logger, alarm.WithPublisher(publisher))
	h.raiser = &flakyRaiser{AlarmRaiser: h.manager}

	h.processor = NewProcessor(Dependencies{
		Validator:   ingest.NewValidator(ingest.Config{MaxSkew: time.Minute, RetentionFloor: 24 * time.Hour}, logger),
		Guard:       tenant.NewGuard(logger),
		Telemetry:   h.telemetry,
		Devices:     store,
		Rules:       rules.NewEngine(store, rules.EngineConfig{CacheTTL: time.Minute}, logger),
		Alarms:      h.raiser,
		Publisher:   publisher,
		DeadLetters: h.deadLetters,
	}, ProcessorConfig{Retry: fastRetry(), StageTimeout: time.Second}, logger)
	return h
}

func hotRule(tenantID string) *model.AlertRule {
	return &model.AlertRule{
		ID:              "hot",
		TenantID:        tenantID,
		DeviceID:        "d1",
		Type:            model.RuleTypeSimple,
		Severity:        model.SeverityMajor,
		Conditions:      []model.Condition{{Field: "temperature", Operator: model.OpGreater, Threshold: model.Number(30)}},
		CooldownMinutes: 5,
		Active:          true,
	}
}

func payload(t *testing.T, ts time.Time, temperature float64) []byte {
	t.Helper()

	data, err := json.Marshal(map[string]interface{}{
		"timestamp":   ts.Format(time.RFC3339Nano),
		"temperature": temperature,
		"battery":     88,
	})
	require.NoError(t, err)
	return data
}

func (h *harness) alarms(t *testing.T, tenantID string) []*model.Alarm {
	t.Helper()

	alarms, err := h.manager.List(testutil.TenantContext(t, tenantID), model.AlarmFilter{})
	require.NoError(t, err)
	return alarms
}

func TestProcessor_IdempotentIngestion(t *testing.T) {
	h := newHarness(t, hotRule("acme"))
	now := time.Now().UTC()
	raw := payload(t, now.Add(-time.Second), 32)

	assert.Equal(t, ResultStored, h.processor.Process(context.Background(), "acme.devices.d1.telemetry", raw, now))
	assert.Equal(t, ResultDuplicate, h.processor.Process(context.Background(), "acme.devices.d1.telemetry", raw, now.Add(time.Second)))

	readings, err := h.store.Recent(testutil.TenantContext(t, "acme"), "d1", 10)
	require.NoError(t, err)
	assert.Len(t, readings, 1)
	assert.Len(t, h.alarms(t, "acme"), 1)

	device, err := h.store.GetDevice(testutil.TenantContext(t, "acme"), "d1")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatusOnline, device.Status)
}

func TestProcessor_RedeliveryAfterStoreRaisesAlarm(t *testing.T) {
	h := newHarness(t, hotRule("acme"))
	now := time.Now().UTC()
	subject := "acme.devices.d1.telemetry"
	raw := payload(t, now.Add(-time.Second), 32)

	// The reading was stored but the process stopped before raising
	reading, err := h.processor.deps.Validator.Validate(raw, subject, now)
	require.NoError(t, err)
	inserted, err := h.store.Append(testutil.TenantContext(t, "acme"), reading)
	require.NoError(t, err)
	require.True(t, inserted)

	assert.Equal(t, ResultDuplicate, h.processor.Process(context.Background(), subject, raw, now.Add(time.Second)))
	alarms := h.alarms(t, "acme")
	require.Len(t, alarms, 1)
	assert.Equal(t, "hot", alarms[0].RuleID)

	// A further redelivery still raises nothing new
	assert.Equal(t, ResultDuplicate, h.processor.Process(context.Background(), subject, raw, now.Add(2*time.Second)))
	assert.Len(t, h.alarms(t, "acme"), 1)
	assert.Empty(t, h.deadLetters.letters)
}

func TestProcessor_FailedRaiseKeepsRuleArmed(t *testing.T) {
	h := newHarness(t, hotRule("acme"))
	h.raiser.failures = 1
	subject := "acme.devices.d1.telemetry"
	t0 := time.Now().UTC().Add(-time.Hour)

	assert.Equal(t, ResultDeadLettered, h.processor.Process(context.Background(), subject, payload(t, t0, 32), t0))
	require.Len(t, h.deadLetters.letters, 1)
	assert.Equal(t, StageAlarm, h.deadLetters.letters[0].Stage)
	assert.Equal(t, "hot", h.deadLetters.letters[0].RuleID)
	assert.Empty(t, h.alarms(t, "acme"))

	// Inside the cooldown window, but no alarm exists yet
	t1 := t0.Add(time.Minute)
	assert.Equal(t, ResultStored, h.processor.Process(context.Background(), subject, payload(t, t1, 33), t1))
	assert.Len(t, h.alarms(t, "acme"), 1)

	t2 := t0.Add(2 * time.Minute)
	assert.Equal(t, ResultStored, h.processor.Process(context.Background(), subject, payload(t, t2, 34), t2))
	assert.Len(t, h.alarms(t, "acme"), 1)
}

func TestProcessor_CooldownAcrossReadings(t *testing.T) {
	tests := []struct {
		name   string
		gap    time.Duration
		alarms int
	}{
		{name: "TwoMinutes", gap: 2 * time.Minute, alarms: 1},
		{name: "SixMinutes", gap: 6 * time.Minute, alarms: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, hotRule("acme"))
			t0 := time.Now().UTC().Add(-time.Hour)

			for _, ts := range []time.Time{t0, t0.Add(tt.gap)} {
				result := h.processor.Process(context.Background(), "acme.devices.d1.telemetry", payload(t, ts, 32), ts)
				require.Equal(t, ResultStored, result)
			}
			assert.Len(t, h.alarms(t, "acme"), tt.alarms)
		})
	}
}

func TestProcessor_TenantIsolation(t *testing.T) {
	h := newHarness(t, hotRule("acme"))
	now := time.Now().UTC()

	viewer, err := h.registry.Subscribe(testutil.TenantContext(t, "globex"), "d1")
	require.NoError(t, err)
	defer h.registry.Unsubscribe(viewer)

	require.Equal(t, ResultStored, h.processor.Process(context.Background(), "acme.devices.d1.telemetry", payload(t, now, 35), now))

	readings, err := h.store.Recent(testutil.TenantContext(t, "globex"), "d1", 10)
	require.NoError(t, err)
	assert.Empty(t, readings)
	assert.Empty(t, h.alarms(t, "globex"))
	assert.Empty(t, viewer.C())

	// The same device id under globex raises nothing: acme's rule does not apply
	require.Equal(t, ResultStored, h.processor.Process(context.Background(), "globex.devices.d1.telemetry", payload(t, now, 35), now))
	assert.Empty(t, h.alarms(t, "globex"))
	assert.Len(t, h.alarms(t, "acme"), 1)
	assert.Len(t, viewer.C(), 1)
}

func TestProcessor_Rejections(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()

	tests := []struct {
		name    string
		subject string
		raw     string
	}{
		{name: "NotJSON", subject: "acme.devices.d1.telemetry", raw: "temperature=32"},
		{name: "NoMetrics", subject: "acme.devices.d1.telemetry", raw: `{"timestamp": 1714564800}`},
		{name: "IdentityMismatch", subject: "acme.devices.d1.telemetry", raw: `{"tenant_id": "globex", "temperature": 1}`},
		{name: "BadSubject", subject: "acme.sensors.d1.telemetry", raw: `{"temperature": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ResultRejected, h.processor.Process(context.Background(), tt.subject, []byte(tt.raw), now))
		})
	}
	assert.Empty(t, h.deadLetters.letters)
}

func TestProcessor_TransientFailureIsRetried(t *testing.T) {
	h := newHarness(t, hotRule("acme"))
	h.telemetry.failures = 2
	now := time.Now().UTC()

	assert.Equal(t, ResultStored, h.processor.Process(context.Background(), "acme.devices.d1.telemetry", payload(t, now, 32), now))
	assert.Equal(t, 3, h.telemetry.calls)
	assert.Empty(t, h.deadLetters.letters)
	assert.Len(t, h.alarms(t, "acme"), 1)
}

func TestProcessor_ExhaustedRetriesDeadLetter(t *testing.T) {
	h := newHarness(t, hotRule("acme"))
	h.telemetry.failures = 100
	now := time.Now().UTC()
	raw := payload(t, now, 32)

	assert.Equal(t, ResultDeadLettered, h.processor.Process(context.Background(), "acme.devices.d1.telemetry", raw, now))
	assert.Equal(t, 5, h.telemetry.calls)

	require.Len(t, h.deadLetters.letters, 1)
	dl := h.deadLetters.letters[0]
	assert.Equal(t, StageStore, dl.Stage)
	assert.Equal(t, "acme", dl.TenantID)
	assert.Equal(t, "d1", dl.DeviceID)
	assert.Equal(t, 5, dl.Attempts)
	assert.Equal(t, raw, dl.Payload)
	assert.Contains(t, dl.Error, "database is locked")

	// No alarm was raised for a reading that was never stored
	assert.Empty(t, h.alarms(t, "acme"))

	// The pipeline continues with the next message
	h.telemetry.failures = 0
	later := now.Add(time.Second)
	assert.Equal(t, ResultStored, h.processor.Process(context.Background(), "acme.devices.d1.telemetry", payload(t, later, 20), later))
}

func TestProcessor_MultipleRulesRaiseIndependentAlarms(t *testing.T) {
	composite := &model.AlertRule{
		ID:       "muggy",
		TenantID: "acme",
		Type:     model.RuleTypeComplex,
		Severity: model.SeverityCritical,
		Logic:    model.LogicOr,
		Conditions: []model.Condition{
			{Field: "temperature", Operator: model.OpGreater, Threshold: model.Number(40)},
			{Field: "humidity", Operator: model.OpGreater, Threshold: model.Number(80)},
		},
		Active: true,
	}
	h := newHarness(t, hotRule("acme"), composite)
	now := time.Now().UTC()

	raw := []byte(fmt.Sprintf(`{"timestamp": %q, "temperature": 41, "humidity": 90}`, now.Format(time.RFC3339Nano)))
	require.Equal(t, ResultStored, h.processor.Process(context.Background(), "acme.devices.d1.telemetry", raw, now))

	alarms := h.alarms(t, "acme")
	require.Len(t, alarms, 2)

	for _, a := range alarms {
		if a.RuleID == "muggy" {
			assert.Equal(t, model.SeverityCritical, a.Severity)
			assert.Len(t, a.Context["matched"], 2)
		}
	}
}
