package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/t77yq/telemetry-hub/internal/broker"
	"github.com/t77yq/telemetry-hub/internal/model"
)

// Notification is handed to an external delivery provider
type Notification struct {
	ChannelType string         `json:"channel_type"`
	Message     string         `json:"rendered_message"`
	Severity    model.Severity `json:"severity"`
	TenantID    string         `json:"tenant_id"`
	AlarmID     string         `json:"alarm_id"`
	RuleID      string         `json:"alert_rule_id,omitempty"`
	DeviceID    string         `json:"device_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Sink hands notifications to whatever delivers them
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// NATSSink publishes notifications on notify.{channel} for provider services
type NATSSink struct {
	js nats.JetStreamContext
}

// NewNATSSink creates a sink over js
func NewNATSSink(js nats.JetStreamContext) *NATSSink {
	return &NATSSink{js: js}
}

// Deliver implements Sink.Deliver
func (s *NATSSink) Deliver(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	msg := nats.NewMsg(broker.NotifySubject(n.ChannelType))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, n.AlarmID+"."+n.ChannelType)

	if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
