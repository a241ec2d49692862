package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/ingest"
	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/monitor"
	"github.com/t77yq/telemetry-hub/internal/rules"
	"github.com/t77yq/telemetry-hub/internal/storage"
	"github.com/t77yq/telemetry-hub/internal/tenant"
)

// Result is the outcome of processing one message
type Result string

const (
	ResultStored       Result = "stored"
	ResultDuplicate    Result = "duplicate"
	ResultRejected     Result = "rejected"
	ResultDeadLettered Result = "dead_lettered"
)

// RuleEvaluator proposes alarms for a stored reading and takes back the cooldown
// of a proposal that could not be raised
type RuleEvaluator interface {
	Evaluate(ctx context.Context, reading *model.TelemetryReading) ([]rules.Proposal, error)
	Release(p rules.Proposal)
}

// AlarmRaiser turns proposals into alarms
type AlarmRaiser interface {
	Raise(ctx context.Context, p rules.Proposal) (*model.Alarm, bool, error)
}

// TelemetryPublisher announces stored readings to live viewers
type TelemetryPublisher interface {
	PublishTelemetry(ctx context.Context, reading *model.TelemetryReading) error
}

// Dependencies are the collaborators a Processor drives
type Dependencies struct {
	Validator   *ingest.Validator
	Guard       *tenant.Guard
	Telemetry   storage.TelemetryStore
	Devices     storage.DeviceStore
	Rules       RuleEvaluator
	Alarms      AlarmRaiser
	Publisher   TelemetryPublisher
	DeadLetters DeadLetterSink
}

// ProcessorConfig holds processing settings
type ProcessorConfig struct {
	Retry        RetryPolicy
	StageTimeout time.Duration
}

// Processor runs one message through validate, persist, evaluate, raise and publish
type Processor struct {
	logger *zap.Logger
	deps   Dependencies
	config ProcessorConfig
}

// NewProcessor creates a new processor
func NewProcessor(deps Dependencies, config ProcessorConfig, logger *zap.Logger) *Processor {
	if config.Retry.Strategy == nil {
		config.Retry = DefaultRetryPolicy()
	}
	if config.StageTimeout <= 0 {
		config.StageTimeout = 5 * time.Second
	}
	return &Processor{
		logger: logger.Named("processor"),
		deps:   deps,
		config: config,
	}
}

// Process handles one message end to end. It never returns an error: every failure is
// either a counted rejection or a dead letter, so the caller always acks.
func (p *Processor) Process(ctx context.Context, subject string, raw []byte, arrivedAt time.Time) Result {
	start := time.Now()
	result := p.process(context.WithoutCancel(ctx), subject, raw, arrivedAt)
	monitor.ObserveIngest(string(result), time.Since(start))
	return result
}

func (p *Processor) process(ctx context.Context, subject string, raw []byte, arrivedAt time.Time) Result {
	reading, err := p.deps.Validator.Validate(raw, subject, arrivedAt)
	if err != nil {
		return ResultRejected
	}

	ctx, err = p.deps.Guard.Bind(ctx, reading.TenantID, reading.TenantID, tenant.SystemUser)
	if err != nil {
		monitor.IncIngestRejection("tenant_mismatch")
		p.logger.Warn("Refused reading", zap.String("subject", subject), zap.Error(err))
		return ResultRejected
	}

	logger := p.logger.With(
		zap.String("tenant_id", reading.TenantID),
		zap.String("device_id", reading.DeviceID))

	var inserted bool
	attempts, err := p.retry(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = p.deps.Telemetry.Append(ctx, reading)
		return err
	})
	if err != nil {
		p.deadLetter(ctx, DeadLetter{Stage: StageStore, Subject: subject, TenantID: reading.TenantID, DeviceID: reading.DeviceID, Payload: raw}, attempts, err)
		return ResultDeadLettered
	}
	result := ResultStored
	if inserted {
		p.announce(ctx, logger, reading)
	} else {
		// A redelivery may follow a crash between store and raise, so rules still run.
		// Cooldown and deterministic alarm ids keep it from raising twice.
		logger.Debug("Duplicate reading, re-checking rules", zap.Time("timestamp", reading.Timestamp))
		result = ResultDuplicate
	}

	var proposals []rules.Proposal
	attempts, err = p.retry(ctx, func(ctx context.Context) error {
		var err error
		proposals, err = p.deps.Rules.Evaluate(ctx, reading)
		return err
	})
	if err != nil {
		p.deadLetter(ctx, DeadLetter{Stage: StageEvaluate, Subject: subject, TenantID: reading.TenantID, DeviceID: reading.DeviceID, Payload: raw}, attempts, err)
		return ResultDeadLettered
	}

	for _, proposal := range proposals {
		attempts, err := p.retry(ctx, func(ctx context.Context) error {
			_, _, err := p.deps.Alarms.Raise(ctx, proposal)
			return err
		})
		if err != nil {
			p.deps.Rules.Release(proposal)
			p.deadLetter(ctx, DeadLetter{Stage: StageAlarm, Subject: subject, TenantID: reading.TenantID, DeviceID: reading.DeviceID, RuleID: proposal.Rule.ID, Payload: raw}, attempts, err)
			result = ResultDeadLettered
		}
	}
	return result
}

// announce updates device liveness and publishes a newly stored reading. Failures are logged only.
func (p *Processor) announce(ctx context.Context, logger *zap.Logger, reading *model.TelemetryReading) {
	if _, err := p.retry(ctx, func(ctx context.Context) error {
		return p.deps.Devices.Touch(ctx, reading, reading.ReceivedAt)
	}); err != nil {
		logger.Warn("Failed to update device liveness", zap.Error(err))
	}

	if p.deps.Publisher != nil {
		pubCtx, cancel := context.WithTimeout(ctx, p.config.StageTimeout)
		if err := p.deps.Publisher.PublishTelemetry(pubCtx, reading); err != nil {
			logger.Warn("Failed to publish telemetry", zap.Error(err))
		}
		cancel()
	}
}

func (p *Processor) retry(ctx context.Context, fn func(context.Context) error) (int, error) {
	return p.config.Retry.Do(ctx, func(ctx context.Context) error {
		stageCtx, cancel := context.WithTimeout(ctx, p.config.StageTimeout)
		defer cancel()
		return fn(stageCtx)
	}, func(attempt int, err error) {
		monitor.IncStorageRetry()
		p.logger.Debug("Retrying transient failure", zap.Int("attempt", attempt), zap.Error(err))
	})
}

func (p *Processor) deadLetter(ctx context.Context, dl DeadLetter, attempts int, cause error) {
	dl.Error = cause.Error()
	dl.Attempts = attempts
	dl.FailedAt = time.Now().UTC()

	monitor.IncDeadLetter(dl.Stage)
	p.logger.Error("Giving up on message",
		zap.String("stage", dl.Stage),
		zap.String("subject", dl.Subject),
		zap.Int("attempts", attempts),
		zap.Error(cause))

	if p.deps.DeadLetters == nil {
		return
	}

	dlCtx, cancel := context.WithTimeout(ctx, p.config.StageTimeout)
	defer cancel()
	if err := p.deps.DeadLetters.DeadLetter(dlCtx, dl); err != nil {
		p.logger.Error("Failed to record dead letter", zap.String("subject", dl.Subject), zap.Error(err))
	}
}
