package fanout

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/t77yq/telemetry-hub/internal/broker"
	"github.com/t77yq/telemetry-hub/internal/model"
)

const (
	telemetryChannelPrefix = "telemetry"
	alarmChannelPrefix     = "alarms"
)

func deviceKey(deviceID string) string {
	if deviceID == "" {
		return model.FleetKey
	}
	return deviceID
}

// TelemetryChannel returns the channel carrying readings of one device
func TelemetryChannel(tenantID, deviceID string) string {
	return strings.Join([]string{telemetryChannelPrefix, tenantID, deviceKey(deviceID)}, ":")
}

// AlarmChannel returns the channel carrying alarm changes of one device. Fleet-wide alarms use the fleet key.
func AlarmChannel(tenantID, deviceID string) string {
	return strings.Join([]string{alarmChannelPrefix, tenantID, deviceKey(deviceID)}, ":")
}

// channelSubject maps a channel to its broker subject
func channelSubject(kind model.EventKind, tenantID, deviceID string) string {
	prefix := broker.FanoutTelemetryPrefix
	if kind == model.EventAlarmStateChanged {
		prefix = broker.FanoutAlarmsPrefix
	}
	return strings.Join([]string{prefix, tenantID, deviceKey(deviceID)}, ".")
}

// parseSubject recovers the event kind and scope from a fan-out subject
func parseSubject(subject string) (model.EventKind, string, string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0] != "fanout" {
		return "", "", "", fmt.Errorf("not a fan-out subject: %s", subject)
	}

	switch parts[0] + "." + parts[1] {
	case broker.FanoutTelemetryPrefix:
		return model.EventTelemetryUpdated, parts[2], parts[3], nil
	case broker.FanoutAlarmsPrefix:
		return model.EventAlarmStateChanged, parts[2], parts[3], nil
	}
	return "", "", "", fmt.Errorf("unknown fan-out subject: %s", subject)
}

func channelFor(kind model.EventKind, tenantID, deviceID string) string {
	if kind == model.EventAlarmStateChanged {
		return AlarmChannel(tenantID, deviceID)
	}
	return TelemetryChannel(tenantID, deviceID)
}

// NewEnvelope wraps payload for delivery on channel
func NewEnvelope(kind model.EventKind, channel string, payload interface{}, now time.Time) (*model.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return &model.Envelope{
		Kind:            kind,
		Channel:         channel,
		Payload:         data,
		ServerTimestamp: now,
	}, nil
}
