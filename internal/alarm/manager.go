package alarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/monitor"
	"github.com/t77yq/telemetry-hub/internal/rules"
	"github.com/t77yq/telemetry-hub/internal/storage"
	"github.com/t77yq/telemetry-hub/internal/tenant"
)

const (
	defaultAlarmType = "threshold"
	manualAlarmType  = "manual"
	maxListLimit     = 1000
)

// Publisher receives every alarm state change
type Publisher interface {
	PublishAlarm(ctx context.Context, alarm *model.Alarm) error
}

// Notifier is offered newly raised alarms. rule is nil for manual alarms.
type Notifier interface {
	Notify(alarm *model.Alarm, rule *model.AlertRule)
}

// ManualAlarm is an operator-created alarm
type ManualAlarm struct {
	DeviceID  string                 `json:"device_id,omitempty"`
	AlarmType string                 `json:"alarm_type,omitempty"`
	Severity  model.Severity         `json:"severity"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Option configures a Manager
type Option func(*Manager)

// WithPublisher sets the sink for alarm state changes
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithNotifier sets the notification dispatcher
func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

// WithClock overrides the transition clock
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns the alarm state machine
type Manager struct {
	logger    *zap.Logger
	store     storage.AlarmStore
	publisher Publisher
	notifier  Notifier
	now       func() time.Time
}

// NewManager creates a new alarm manager
func NewManager(store storage.AlarmStore, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger: logger.Named("alarm-manager"),
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Raise creates the ACTIVE alarm for a rule fire. The alarm id is derived from the rule and
// the reading, so raising the same proposal twice returns the existing alarm with created=false.
func (m *Manager) Raise(ctx context.Context, p rules.Proposal) (*model.Alarm, bool, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, false, err
	}
	if p.Rule.TenantID != tenantID || p.Reading.TenantID != tenantID {
		return nil, false, fmt.Errorf("%w: proposal outside scope %s", tenant.ErrTenantMismatch, tenantID)
	}

	alarmType := p.Rule.AlarmType
	if alarmType == "" {
		alarmType = defaultAlarmType
	}

	metrics := make(map[string]interface{}, len(p.Reading.Metrics))
	for name, value := range p.Reading.Metrics {
		metrics[name] = metricInterface(value)
	}

	now := m.now()
	alarm := &model.Alarm{
		ID:        raisedAlarmID(tenantID, p),
		TenantID:  tenantID,
		RuleID:    p.Rule.ID,
		DeviceID:  p.Reading.DeviceID,
		AlarmType: alarmType,
		Severity:  p.Rule.Severity,
		Status:    model.AlarmStatusActive,
		Message:   ComposeMessage(p.Rule, p.Reading.DeviceID, p.Matched),
		Context: map[string]interface{}{
			"matched":           matchedContext(p.Matched),
			"metrics":           metrics,
			"reading_timestamp": p.Reading.Timestamp.Format(time.RFC3339Nano),
		},
		FiredAt:   p.FiredAt,
		Version:   1,
		UpdatedAt: now,
	}
	appendHistory(alarm, "raised", tenant.SystemUser, "", now)

	if err := m.store.CreateAlarm(ctx, alarm); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			existing, err := m.Get(ctx, alarm.ID)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	monitor.IncAlarmEvent("raised")
	m.logger.Info("Alarm raised",
		zap.String("tenant_id", tenantID),
		zap.String("alarm_id", alarm.ID),
		zap.String("rule_id", p.Rule.ID),
		zap.String("device_id", alarm.DeviceID),
		zap.String("severity", string(alarm.Severity)))

	m.publish(ctx, alarm)
	if m.notifier != nil {
		m.notifier.Notify(alarm, p.Rule)
	}
	return alarm, true, nil
}

// CreateManual creates an ACTIVE alarm that no rule raised
func (m *Manager) CreateManual(ctx context.Context, input ManualAlarm) (*model.Alarm, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	if !input.Severity.Valid() {
		return nil, fmt.Errorf("%w: severity %q", ErrInvalidInput, input.Severity)
	}
	if strings.TrimSpace(input.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if input.DeviceID != "" && !tenant.ValidIdentifier(input.DeviceID) {
		return nil, fmt.Errorf("%w: device id %q", ErrInvalidInput, input.DeviceID)
	}
	alarmType := input.AlarmType
	if alarmType == "" {
		alarmType = manualAlarmType
	}

	alarmCtx := make(map[string]interface{}, len(input.Context)+1)
	for k, v := range input.Context {
		if k == "history" {
			continue
		}
		alarmCtx[k] = v
	}

	now := m.now()
	actor := tenant.Actor(ctx)
	alarm := &model.Alarm{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		DeviceID:  input.DeviceID,
		AlarmType: alarmType,
		Severity:  input.Severity,
		Status:    model.AlarmStatusActive,
		Message:   input.Message,
		Context:   alarmCtx,
		FiredAt:   now,
		Version:   1,
		UpdatedAt: now,
	}
	appendHistory(alarm, "created", actor, "", now)

	if err := m.store.CreateAlarm(ctx, alarm); err != nil {
		return nil, err
	}

	monitor.IncAlarmEvent("created")
	m.logger.Info("Manual alarm created",
		zap.String("tenant_id", tenantID),
		zap.String("alarm_id", alarm.ID),
		zap.String("actor", actor))

	m.publish(ctx, alarm)
	if m.notifier != nil {
		m.notifier.Notify(alarm, nil)
	}
	return alarm, nil
}

// Acknowledge moves an ACTIVE alarm to ACKNOWLEDGED. An empty actor falls back to the bound user.
func (m *Manager) Acknowledge(ctx context.Context, id, actor, comment string) (*model.Alarm, error) {
	return m.transition(ctx, id, model.AlarmStatusAcknowledged, actor, comment)
}

// Clear moves an ACTIVE or ACKNOWLEDGED alarm to CLEARED
func (m *Manager) Clear(ctx context.Context, id, actor, comment string) (*model.Alarm, error) {
	return m.transition(ctx, id, model.AlarmStatusCleared, actor, comment)
}

func (m *Manager) transition(ctx context.Context, id string, next model.AlarmStatus, actor, comment string) (*model.Alarm, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if actor == "" {
		actor = tenant.Actor(ctx)
	}

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next)
	}

	now := m.now()
	updated := cloneAlarm(current)
	updated.Status = next
	updated.UpdatedAt = now

	action := "acknowledged"
	switch next {
	case model.AlarmStatusAcknowledged:
		updated.AcknowledgedAt = &now
		updated.AcknowledgedBy = actor
	case model.AlarmStatusCleared:
		action = "cleared"
		updated.ClearedAt = &now
		updated.ClearedBy = actor
	}
	appendHistory(updated, action, actor, comment, now)

	if err := m.store.UpdateAlarm(ctx, updated, current.Status, current.Version); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, m.resolveConflict(ctx, id, next)
		}
		return nil, err
	}

	monitor.IncAlarmEvent(action)
	m.logger.Info("Alarm transitioned",
		zap.String("tenant_id", tenantID),
		zap.String("alarm_id", id),
		zap.String("from", string(current.Status)),
		zap.String("to", string(next)),
		zap.String("actor", actor))

	m.publish(ctx, updated)
	return updated, nil
}

// resolveConflict reports why a conditional update lost: the alarm moved to a state the
// operation no longer applies to, or it was changed while still eligible.
func (m *Manager) resolveConflict(ctx context.Context, id string, next model.AlarmStatus) error {
	monitor.IncAlarmEvent("conflict")

	latest, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if !latest.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, latest.Status, next)
	}
	return fmt.Errorf("%w: alarm %s", ErrConflict, id)
}

// Delete removes a CLEARED alarm
func (m *Manager) Delete(ctx context.Context, id string) error {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return err
	}

	current, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != model.AlarmStatusCleared {
		return fmt.Errorf("%w: alarm %s is %s", ErrInvalidState, id, current.Status)
	}

	if err := m.store.DeleteAlarm(ctx, id); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("%w: alarm %s", ErrNotFound, id)
		}
		return err
	}

	monitor.IncAlarmEvent("deleted")
	m.logger.Info("Alarm deleted",
		zap.String("tenant_id", tenantID),
		zap.String("alarm_id", id),
		zap.String("actor", tenant.Actor(ctx)))
	return nil
}

// Get returns one alarm of the bound tenant
func (m *Manager) Get(ctx context.Context, id string) (*model.Alarm, error) {
	alarm, err := m.store.GetAlarm(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return alarm, nil
}

// List returns the alarms of the bound tenant matching filter, newest first
func (m *Manager) List(ctx context.Context, filter model.AlarmFilter) ([]*model.Alarm, error) {
	if filter.Status != "" {
		switch filter.Status {
		case model.AlarmStatusActive, model.AlarmStatusAcknowledged, model.AlarmStatusCleared:
		default:
			return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, filter.Status)
		}
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		return nil, fmt.Errorf("%w: severity %q", ErrInvalidInput, filter.Severity)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: negative paging", ErrInvalidInput)
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	return m.store.ListAlarms(ctx, filter)
}

// Summary counts the alarms of the bound tenant by status and severity
func (m *Manager) Summary(ctx context.Context) (*model.AlarmSummary, error) {
	return m.store.CountAlarms(ctx)
}

func (m *Manager) publish(ctx context.Context, alarm *model.Alarm) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishAlarm(ctx, alarm); err != nil {
		m.logger.Warn("Failed to publish alarm change",
			zap.String("tenant_id", alarm.TenantID),
			zap.String("alarm_id", alarm.ID),
			zap.Error(err))
	}
}

func raisedAlarmID(tenantID string, p rules.Proposal) string {
	key := strings.Join([]string{
		tenantID,
		p.Rule.ID,
		p.Reading.DeviceID,
		p.Reading.Timestamp.UTC().Format(time.RFC3339Nano),
		p.Reading.Fingerprint(),
	}, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func cloneAlarm(a *model.Alarm) *model.Alarm {
	c := *a
	c.Context = make(map[string]interface{}, len(a.Context))
	for k, v := range a.Context {
		c.Context[k] = v
	}
	return &c
}

func appendHistory(a *model.Alarm, action, actor, comment string, at time.Time) {
	if a.Context == nil {
		a.Context = make(map[string]interface{})
	}

	entry := map[string]interface{}{
		"action": action,
		"actor":  actor,
		"at":     at.Format(time.RFC3339Nano),
	}
	if comment != "" {
		entry["comment"] = comment
	}

	previous, _ := a.Context["history"].([]interface{})
	history := make([]interface{}, 0, len(previous)+1)
	history = append(history, previous...)
	a.Context["history"] = append(history, entry)
}
