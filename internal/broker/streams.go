package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// StreamConfig holds retention settings for the pipeline streams
type StreamConfig struct {
	TelemetryMaxAge time.Duration
	FanoutMaxAge    time.Duration
	Memory          bool
}

type streamSpec struct {
	name     string
	subjects []string
	maxAge   time.Duration
}

// EnsureStreams creates the pipeline streams or updates their subjects and retention
func EnsureStreams(js nats.JetStreamContext, config StreamConfig, logger *zap.Logger) error {
	if config.TelemetryMaxAge <= 0 {
		config.TelemetryMaxAge = 24 * time.Hour
	}
	if config.FanoutMaxAge <= 0 {
		config.FanoutMaxAge = time.Hour
	}

	storage := nats.FileStorage
	if config.Memory {
		storage = nats.MemoryStorage
	}

	streams := []streamSpec{
		{name: TelemetryStream, subjects: []string{TelemetrySubjects}, maxAge: config.TelemetryMaxAge},
		{name: DeadLetterStream, subjects: []string{DeadLetterSubject}, maxAge: 7 * 24 * time.Hour},
		{name: FanoutStream, subjects: []string{FanoutTelemetryPrefix + ".*.*", FanoutAlarmsPrefix + ".*.*"}, maxAge: config.FanoutMaxAge},
		{name: AlertStream, subjects: []string{"alert.pipeline.*"}, maxAge: 7 * 24 * time.Hour},
		{name: NotifyStream, subjects: []string{NotifySubjectPrefix + ".*"}, maxAge: 24 * time.Hour},
	}

	for _, stream := range streams {
		info, err := js.StreamInfo(stream.name)
		if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}

		if info == nil {
			_, err = js.AddStream(&nats.StreamConfig{
				Name:       stream.name,
				Subjects:   stream.subjects,
				Retention:  nats.LimitsPolicy,
				MaxAge:     stream.maxAge,
				MaxMsgs:    streamMaxMsgs,
				Discard:    nats.DiscardOld,
				Storage:    storage,
				Replicas:   1,
				Duplicates: duplicatesWindow,
			})
			if err != nil {
				return fmt.Errorf("failed to create stream %s: %w", stream.name, err)
			}
			logger.Info("Created stream", zap.String("name", stream.name))
			continue
		}

		cfg := info.Config
		cfg.Subjects = stream.subjects
		cfg.MaxAge = stream.maxAge
		if _, err := js.UpdateStream(&cfg); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", stream.name, err)
		}
		logger.Info("Updated stream", zap.String("name", stream.name))
	}

	return nil
}

// NotifySubject returns the subject notifications for a channel type are handed off on
func NotifySubject(channel string) string {
	return NotifySubjectPrefix + "." + channel
}

// RuleInvalidateSubject returns the subject that invalidates a tenant's cached rules
func RuleInvalidateSubject(tenantID string) string {
	return RuleInvalidatePrefix + "." + tenantID
}
