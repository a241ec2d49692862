package model

import (
	"encoding/json"
	"time"
)

// EventKind identifies the payload carried by an Envelope
type EventKind string

const (
	EventTelemetryUpdated  EventKind = "telemetry.updated"
	EventAlarmStateChanged EventKind = "alarm.state_changed"
)

// Envelope wraps every event delivered to subscribers
type Envelope struct {
	Kind            EventKind       `json:"kind"`
	Channel         string          `json:"channel"`
	Payload         json.RawMessage `json:"payload"`
	ServerTimestamp time.Time       `json:"server_timestamp"`
}
