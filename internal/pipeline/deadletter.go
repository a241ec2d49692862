package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/t77yq/telemetry-hub/internal/broker"
)

// Processing stages a message can be dead-lettered at
const (
	StageStore    = "store"
	StageEvaluate = "evaluate"
	StageAlarm    = "alarm"
)

// DeadLetter records a message the pipeline gave up on
type DeadLetter struct {
	Stage    string    `json:"stage"`
	Subject  string    `json:"subject"`
	TenantID string    `json:"tenant_id"`
	DeviceID string    `json:"device_id"`
	RuleID   string    `json:"alert_rule_id,omitempty"`
	Payload  []byte    `json:"payload"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterSink stores dead letters
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// JetStreamDeadLetters publishes dead letters to the DEADLETTER stream
type JetStreamDeadLetters struct {
	js nats.JetStreamContext
}

// NewJetStreamDeadLetters creates a dead-letter sink over js
func NewJetStreamDeadLetters(js nats.JetStreamContext) *JetStreamDeadLetters {
	return &JetStreamDeadLetters{js: js}
}

// DeadLetter implements DeadLetterSink.DeadLetter
func (s *JetStreamDeadLetters) DeadLetter(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	if _, err := s.js.Publish(broker.DeadLetterSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to dead letter queue: %w", err)
	}
	return nil
}
