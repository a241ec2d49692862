package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/model"
)

// DeviceSweeper reclassifies devices by staleness across all tenants
type DeviceSweeper interface {
	SweepAll(ctx context.Context, now time.Time, idleAfter, offlineAfter time.Duration) (map[model.DeviceStatus]int, error)
}

// ReadingPruner deletes readings of all tenants older than a cutoff
type ReadingPruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SweepConfig holds liveness and retention settings
type SweepConfig struct {
	// Schedule is the cron expression of the liveness sweep
	Schedule     string
	IdleAfter    time.Duration
	OfflineAfter time.Duration

	// RetentionSchedule is the cron expression of the retention cleanup
	RetentionSchedule string
	// Retention is how long readings are kept. Zero keeps them forever.
	Retention time.Duration

	JobTimeout time.Duration
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// Sweeper runs the device liveness sweep and retention cleanup on a schedule
type Sweeper struct {
	logger   *zap.Logger
	cron     *cron.Cron
	devices  DeviceSweeper
	readings ReadingPruner
	config   SweepConfig
	now      func() time.Time
}

// NewSweeper creates a new sweeper. readings may be nil to disable retention.
func NewSweeper(devices DeviceSweeper, readings ReadingPruner, config SweepConfig, logger *zap.Logger) *Sweeper {
	if config.Schedule == "" {
		config.Schedule = "@every 30s"
	}
	if config.IdleAfter <= 0 {
		config.IdleAfter = 5 * time.Minute
	}
	if config.OfflineAfter <= config.IdleAfter {
		config.OfflineAfter = 6 * config.IdleAfter
	}
	if config.RetentionSchedule == "" {
		config.RetentionSchedule = "0 0 * * * *"
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = time.Minute
	}

	logger = logger.Named("sweeper")
	cronLogger := &cronLogger{logger: logger.Named("cron")}

	return &Sweeper{
		logger: logger,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		devices:  devices,
		readings: readings,
		config:   config,
		now:      time.Now,
	}
}

// Start schedules the jobs and starts the cron runner
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.config.Schedule, s.runSweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.config.Schedule, err)
	}

	if s.readings != nil && s.config.Retention > 0 {
		if _, err := s.cron.AddFunc(s.config.RetentionSchedule, s.runPrune); err != nil {
			return fmt.Errorf("invalid retention schedule %q: %w", s.config.RetentionSchedule, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Started sweeper",
		zap.String("schedule", s.config.Schedule),
		zap.Duration("idle_after", s.config.IdleAfter),
		zap.Duration("offline_after", s.config.OfflineAfter),
		zap.Duration("retention", s.config.Retention))
	return nil
}

// Stop stops the cron runner and waits for running jobs
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep reclassifies devices now and updates the device gauges
func (s *Sweeper) Sweep(ctx context.Context) (map[model.DeviceStatus]int, error) {
	counts, err := s.devices.SweepAll(ctx, s.now().UTC(), s.config.IdleAfter, s.config.OfflineAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep devices: %w", err)
	}

	for status, count := range counts {
		SetDevices(string(status), count)
	}
	return counts, nil
}

// Prune deletes readings older than the retention period
func (s *Sweeper) Prune(ctx context.Context) (int64, error) {
	if s.readings == nil || s.config.Retention <= 0 {
		return 0, nil
	}
	deleted, err := s.readings.DeleteBefore(ctx, s.now().UTC().Add(-s.config.Retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune readings: %w", err)
	}
	return deleted, nil
}

func (s *Sweeper) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	defer cancel()

	counts, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("Liveness sweep failed", zap.Error(err))
		return
	}
	s.logger.Debug("Liveness sweep",
		zap.Int("online", counts[model.DeviceStatusOnline]),
		zap.Int("idle", counts[model.DeviceStatusIdle]),
		zap.Int("offline", counts[model.DeviceStatusOffline]))
}

func (s *Sweeper) runPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	defer cancel()

	if _, err := s.Prune(ctx); err != nil {
		s.logger.Error("Retention cleanup failed", zap.Error(err))
	}
}
