package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/monitor"
)

// Payload keys that are not metrics
const (
	keyTenant    = "tenant_id"
	keyDevice    = "device_id"
	keyTimestamp = "timestamp"
	keyMetrics   = "metrics"
	keyBattery   = model.MetricBattery
	keySignal    = model.MetricSignal
)

// Unix timestamps above this are taken as milliseconds
const millisThreshold = 1e12

// Range is the permitted interval for a numeric metric
type Range struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// Config holds validator settings
type Config struct {
	MaxSkew        time.Duration
	RetentionFloor time.Duration
	Ranges         map[string]Range
}

// Validator turns raw broker messages into telemetry readings
type Validator struct {
	logger *zap.Logger
	config Config
}

// NewValidator creates a new validator
func NewValidator(config Config, logger *zap.Logger) *Validator {
	return &Validator{
		logger: logger.Named("validator"),
		config: config,
	}
}

// Validate parses raw and checks it against the identity encoded in topic.
// Rejections are counted here; callers only decide whether to ack.
func (v *Validator) Validate(raw []byte, topic string, arrivedAt time.Time) (*model.TelemetryReading, error) {
	reading, err := v.validate(raw, topic, arrivedAt)
	if err != nil {
		monitor.IncIngestRejection(Reason(err))
		v.logger.Debug("Rejected telemetry message",
			zap.String("topic", topic),
			zap.String("reason", Reason(err)),
			zap.Error(err))
		return nil, err
	}
	return reading, nil
}

func (v *Validator) validate(raw []byte, topic string, arrivedAt time.Time) (*model.TelemetryReading, error) {
	tenantID, deviceID, err := ParseTopic(topic)
	if err != nil {
		return nil, err
	}

	fields, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	if err := matchIdentity(fields, keyTenant, tenantID); err != nil {
		return nil, err
	}
	if err := matchIdentity(fields, keyDevice, deviceID); err != nil {
		return nil, err
	}

	reading := &model.TelemetryReading{
		TenantID:   tenantID,
		DeviceID:   deviceID,
		Metrics:    make(map[string]model.MetricValue),
		ReceivedAt: arrivedAt.UTC(),
	}

	if reading.Battery, err = optionalNumber(fields, keyBattery); err != nil {
		return nil, err
	}
	if reading.Signal, err = optionalNumber(fields, keySignal); err != nil {
		return nil, err
	}

	if nested, ok := fields[keyMetrics]; ok {
		obj, ok := nested.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: metrics must be an object", ErrInvalidPayload)
		}
		if err := collectMetrics(reading, obj); err != nil {
			return nil, err
		}
	}

	flat := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		switch key {
		case keyTenant, keyDevice, keyTimestamp, keyMetrics, keyBattery, keySignal:
			continue
		}
		if _, dup := reading.Metrics[key]; dup {
			return nil, fmt.Errorf("%w: metric %s given both nested and top level", ErrInvalidPayload, key)
		}
		flat[key] = value
	}
	if err := collectMetrics(reading, flat); err != nil {
		return nil, err
	}

	if len(reading.Metrics) == 0 {
		return nil, fmt.Errorf("%w: no metrics", ErrInvalidPayload)
	}

	reading.Timestamp, reading.Restamped = v.stamp(fields[keyTimestamp], arrivedAt)
	reading.Flags = v.checkRanges(reading.Metrics)

	if len(reading.Flags) > 0 {
		v.logger.Info("Reading has out-of-range metrics",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", deviceID),
			zap.Int("flagged", len(reading.Flags)))
	}

	return reading, nil
}

func decodeObject(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrInvalidPayload)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidPayload)
	}
	return fields, nil
}

// matchIdentity checks an optional identity field against the topic
func matchIdentity(fields map[string]interface{}, key, expected string) error {
	value, ok := fields[key]
	if !ok {
		return nil
	}
	s, ok := value.(string)
	if !ok || s != expected {
		return fmt.Errorf("%w: payload %s %v, topic has %q", ErrTopicIdentityMismatch, key, value, expected)
	}
	return nil
}

func optionalNumber(fields map[string]interface{}, key string) (*float64, error) {
	value, ok := fields[key]
	if !ok || value == nil {
		return nil, nil
	}
	n, ok := value.(json.Number)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be numeric", ErrInvalidPayload, key)
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, key, err)
	}
	return &f, nil
}

func collectMetrics(reading *model.TelemetryReading, values map[string]interface{}) error {
	for name, value := range values {
		if name == "" {
			return fmt.Errorf("%w: empty metric name", ErrInvalidPayload)
		}
		switch val := value.(type) {
		case json.Number:
			f, err := val.Float64()
			if err != nil || math.IsInf(f, 0) {
				return fmt.Errorf("%w: metric %s is not a finite number", ErrInvalidPayload, name)
			}
			reading.Metrics[name] = model.Number(f)
		case string:
			reading.Metrics[name] = model.Text(val)
		case bool:
			if val {
				reading.Metrics[name] = model.Number(1)
			} else {
				reading.Metrics[name] = model.Number(0)
			}
		default:
			return fmt.Errorf("%w: metric %s has unsupported type %T", ErrInvalidPayload, name, value)
		}
	}
	return nil
}

// stamp returns the reading time and whether the arrival time was substituted
func (v *Validator) stamp(declared interface{}, arrivedAt time.Time) (time.Time, bool) {
	arrivedAt = arrivedAt.UTC()

	ts, ok := parseTimestamp(declared)
	if !ok {
		return arrivedAt, true
	}
	if v.config.MaxSkew > 0 && ts.After(arrivedAt.Add(v.config.MaxSkew)) {
		return arrivedAt, true
	}
	if v.config.RetentionFloor > 0 && ts.Before(arrivedAt.Add(-v.config.RetentionFloor)) {
		return arrivedAt, true
	}
	return ts, false
}

func parseTimestamp(value interface{}) (time.Time, bool) {
	switch val := value.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, false
		}
		return ts.UTC(), true
	case json.Number:
		if n, err := val.Int64(); err == nil {
			if n <= 0 {
				return time.Time{}, false
			}
			if n > millisThreshold {
				return time.UnixMilli(n).UTC(), true
			}
			return time.Unix(n, 0).UTC(), true
		}
		f, err := val.Float64()
		if err != nil || f <= 0 {
			return time.Time{}, false
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	return time.Time{}, false
}

func (v *Validator) checkRanges(metrics map[string]model.MetricValue) []model.RangeFlag {
	var flags []model.RangeFlag
	for name, r := range v.config.Ranges {
		value, ok := metrics[name]
		if !ok || value.IsText {
			continue
		}
		if value.Num < r.Min || value.Num > r.Max {
			flags = append(flags, model.RangeFlag{
				Metric: name,
				Value:  value.Num,
				Min:    r.Min,
				Max:    r.Max,
			})
		}
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Metric < flags[j].Metric })
	return flags
}
