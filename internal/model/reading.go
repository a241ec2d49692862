package model

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MetricValue holds a single metric sample, either numeric or text
type MetricValue struct {
	Num    float64
	Text   string
	IsText bool
}

// Number returns a numeric metric value
func Number(v float64) MetricValue {
	return MetricValue{Num: v}
}

// Text returns a text metric value
func Text(s string) MetricValue {
	return MetricValue{Text: s, IsText: true}
}

func (v MetricValue) String() string {
	if v.IsText {
		return v.Text
	}
	return strconv.FormatFloat(v.Num, 'f', -1, 64)
}

// MarshalJSON encodes the value as a bare JSON number or string
func (v MetricValue) MarshalJSON() ([]byte, error) {
	if v.IsText {
		return json.Marshal(v.Text)
	}
	return json.Marshal(v.Num)
}

// UnmarshalJSON accepts a JSON number or string
func (v *MetricValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch val := raw.(type) {
	case float64:
		*v = Number(val)
	case string:
		*v = Text(val)
	case bool:
		if val {
			*v = Number(1)
		} else {
			*v = Number(0)
		}
	default:
		return fmt.Errorf("unsupported metric value %s", string(data))
	}
	return nil
}

// UnmarshalYAML accepts a YAML scalar, keeping quoted strings as text
func (v *MetricValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: metric value must be a scalar", node.Line)
	}
	switch node.Tag {
	case "!!str":
		*v = Text(node.Value)
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		if b {
			*v = Number(1)
		} else {
			*v = Number(0)
		}
	default:
		var f float64
		if err := node.Decode(&f); err != nil {
			return err
		}
		*v = Number(f)
	}
	return nil
}

// RangeFlag marks a metric that fell outside its configured range.
// The reading keeps the original value.
type RangeFlag struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Device metadata fields rules may refer to by name
const (
	MetricBattery = "battery"
	MetricSignal  = "signal"
)

// TelemetryReading is one validated sample set from a device
type TelemetryReading struct {
	TenantID   string                 `json:"tenant_id"`
	DeviceID   string                 `json:"device_id"`
	Timestamp  time.Time              `json:"timestamp"`
	Metrics    map[string]MetricValue `json:"metrics"`
	Battery    *float64               `json:"battery,omitempty"`
	Signal     *float64               `json:"signal,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`
	Restamped  bool                   `json:"restamped,omitempty"`
	Flags      []RangeFlag            `json:"flags,omitempty"`
}

// Fingerprint returns a stable digest of the metric set. Together with tenant,
// device and timestamp it identifies a reading across redeliveries.
func (r *TelemetryReading) Fingerprint() string {
	names := make([]string, 0, len(r.Metrics))
	for name := range r.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha1.New()
	for _, name := range names {
		v := r.Metrics[name]
		kind := "n"
		if v.IsText {
			kind = "s"
		}
		fmt.Fprintf(h, "%s|%s|%s\n", name, kind, v.String())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Metric returns the named metric and whether it is present. Battery and signal
// metadata answer to their own names unless a metric of that name was sent.
func (r *TelemetryReading) Metric(name string) (MetricValue, bool) {
	if v, ok := r.Metrics[name]; ok {
		return v, true
	}
	switch {
	case name == MetricBattery && r.Battery != nil:
		return Number(*r.Battery), true
	case name == MetricSignal && r.Signal != nil:
		return Number(*r.Signal), true
	}
	return MetricValue{}, false
}
