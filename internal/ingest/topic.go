package ingest

import (
	"fmt"
	"strings"

	"github.com/t77yq/telemetry-hub/internal/tenant"
)

const (
	devicesSegment   = "devices"
	telemetrySegment = "telemetry"
)

// ParseTopic extracts tenant and device from `{tenant}/devices/{device}/telemetry`.
// The NATS subject form `{tenant}.devices.{device}.telemetry` is accepted as well.
func ParseTopic(topic string) (tenantID, deviceID string, err error) {
	sep := "/"
	if !strings.Contains(topic, "/") {
		sep = "."
	}

	parts := strings.Split(topic, sep)
	if len(parts) != 4 || parts[1] != devicesSegment || parts[3] != telemetrySegment {
		return "", "", fmt.Errorf("%w: unexpected topic %q", ErrTopicIdentityMismatch, topic)
	}
	if !tenant.ValidIdentifier(parts[0]) || !tenant.ValidIdentifier(parts[2]) {
		return "", "", fmt.Errorf("%w: malformed identifiers in topic %q", ErrTopicIdentityMismatch, topic)
	}
	return parts[0], parts[2], nil
}

// Topic returns the MQTT topic a device publishes telemetry on
func Topic(tenantID, deviceID string) string {
	return strings.Join([]string{tenantID, devicesSegment, deviceID, telemetrySegment}, "/")
}

// Subject returns the broker subject carrying a device's telemetry
func Subject(tenantID, deviceID string) string {
	return strings.Join([]string{tenantID, devicesSegment, deviceID, telemetrySegment}, ".")
}

// SubjectFromTopic converts an MQTT topic into its broker subject
func SubjectFromTopic(topic string) (string, error) {
	tenantID, deviceID, err := ParseTopic(topic)
	if err != nil {
		return "", err
	}
	return Subject(tenantID, deviceID), nil
}
