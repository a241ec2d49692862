package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/broker"
	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/tenant"
)

const defaultPublishTimeout = 2 * time.Second

// Publisher emits telemetry and alarm events on their device channels.
// With a JetStream context events go to the broker and reach viewers through a Relay;
// without one they are delivered to the local registry directly.
type Publisher struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	registry *Registry
	timeout  time.Duration
	now      func() time.Time
}

// NewPublisher creates a new publisher. js may be nil for single-process use.
func NewPublisher(js nats.JetStreamContext, registry *Registry, timeout time.Duration, logger *zap.Logger) *Publisher {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Publisher{
		logger:   logger.Named("fanout-publisher"),
		js:       js,
		registry: registry,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PublishTelemetry announces a stored reading
func (p *Publisher) PublishTelemetry(ctx context.Context, reading *model.TelemetryReading) error {
	msgID := reading.TenantID + "." + reading.DeviceID + "." +
		strconv.FormatInt(reading.Timestamp.UnixNano(), 10) + "." + reading.Fingerprint()
	return p.publish(ctx, model.EventTelemetryUpdated, reading.TenantID, reading.DeviceID, msgID, reading)
}

// PublishAlarm announces an alarm state change
func (p *Publisher) PublishAlarm(ctx context.Context, alarm *model.Alarm) error {
	msgID := alarm.TenantID + "." + alarm.ID + "." + strconv.Itoa(alarm.Version)
	return p.publish(ctx, model.EventAlarmStateChanged, alarm.TenantID, alarm.DeviceID, msgID, alarm)
}

func (p *Publisher) publish(ctx context.Context, kind model.EventKind, tenantID, deviceID, msgID string, payload interface{}) error {
	scoped, err := tenant.TenantID(ctx)
	if err != nil {
		return err
	}
	if scoped != tenantID {
		return fmt.Errorf("%w: %s event for %s in scope %s", tenant.ErrTenantMismatch, kind, tenantID, scoped)
	}

	env, err := NewEnvelope(kind, channelFor(kind, tenantID, deviceID), payload, p.now())
	if err != nil {
		return err
	}

	if p.js == nil {
		p.registry.Deliver(tenantID, deviceID, env)
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := nats.NewMsg(channelSubject(kind, tenantID, deviceID))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, msgID)

	if _, err := p.js.PublishMsg(msg, nats.Context(pubCtx)); err != nil {
		return fmt.Errorf("failed to publish %s on %s: %w", kind, msg.Subject, err)
	}
	return nil
}

// Relay feeds broker fan-out events into the local registry
type Relay struct {
	logger   *zap.Logger
	registry *Registry
}

// NewRelay creates a relay delivering into registry
func NewRelay(registry *Registry, logger *zap.Logger) *Relay {
	return &Relay{
		logger:   logger.Named("fanout-relay"),
		registry: registry,
	}
}

// Subscribe listens on every fan-out subject. Each process relays to its own viewers,
// so this is a plain subscription rather than a shared consumer.
func (r *Relay) Subscribe(nc *nats.Conn) ([]*nats.Subscription, error) {
	var subs []*nats.Subscription
	for _, subject := range []string{broker.FanoutTelemetryPrefix + ".*.*", broker.FanoutAlarmsPrefix + ".*.*"} {
		sub, err := nc.Subscribe(subject, r.handle)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (r *Relay) handle(msg *nats.Msg) {
	kind, tenantID, deviceID, err := parseSubject(msg.Subject)
	if err != nil {
		r.logger.Warn("Ignoring fan-out message", zap.Error(err))
		return
	}

	var env model.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Warn("Failed to decode envelope",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}

	// The subject is authoritative for scope
	if env.Kind != kind || env.Channel != channelFor(kind, tenantID, deviceID) {
		r.logger.Warn("Envelope does not match its subject",
			zap.String("subject", msg.Subject),
			zap.String("channel", env.Channel))
		return
	}

	r.registry.Deliver(tenantID, deviceID, &env)
}
