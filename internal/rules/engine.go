package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/broker"
	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/monitor"
	"github.com/t77yq/telemetry-hub/internal/storage"
	"github.com/t77yq/telemetry-hub/internal/tenant"
)

// Proposal is a rule fire that passed the cooldown gate. The alarm manager decides what to persist.
type Proposal struct {
	Rule    *model.AlertRule
	Reading *model.TelemetryReading
	Matched []MatchedCondition
	FiredAt time.Time
}

// EngineConfig holds rule engine settings
type EngineConfig struct {
	CacheTTL             time.Duration
	CacheCleanupInterval time.Duration
}

// Engine evaluates readings against the rules of their tenant
type Engine struct {
	logger    *zap.Logger
	rules     *RuleCache
	cooldowns *Cooldowns
}

// NewEngine creates a new rule engine reading rules from source
func NewEngine(source storage.RuleSource, config EngineConfig, logger *zap.Logger) *Engine {
	return &Engine{
		logger:    logger.Named("rule-engine"),
		rules:     NewRuleCache(source, config.CacheTTL, config.CacheCleanupInterval),
		cooldowns: NewCooldowns(),
	}
}

// Evaluate returns a proposal for every applicable rule that fires on reading.
// Cooldown time is the reading's timestamp so replays and tests are deterministic.
// A broken rule is logged and skipped; only rule loading failures are returned.
func (e *Engine) Evaluate(ctx context.Context, reading *model.TelemetryReading) ([]Proposal, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if reading.TenantID != tenantID {
		return nil, fmt.Errorf("%w: reading for %s in scope %s", tenant.ErrTenantMismatch, reading.TenantID, tenantID)
	}

	rules, err := e.rules.Rules(ctx)
	if err != nil {
		return nil, err
	}

	now := reading.Timestamp
	var proposals []Proposal
	for _, rule := range rules {
		if !rule.Active || rule.TenantID != tenantID {
			continue
		}
		if !rule.FleetWide() && rule.DeviceID != reading.DeviceID {
			continue
		}

		matched, fired, err := EvaluateRule(rule, reading)
		if err != nil {
			monitor.IncRuleError(tenantID)
			e.logger.Warn("Skipping rule",
				zap.String("tenant_id", tenantID),
				zap.String("rule_id", rule.ID),
				zap.String("device_id", reading.DeviceID),
				zap.Error(err))
			continue
		}
		if !fired {
			continue
		}

		key := CooldownKey(tenantID, rule.ID, reading.DeviceID)
		if !e.cooldowns.TryFire(key, now, rule.Cooldown()) {
			last, _ := e.cooldowns.LastFired(key)
			monitor.IncRuleSuppressed()
			e.logger.Debug("Rule suppressed by cooldown",
				zap.String("rule_id", rule.ID),
				zap.String("device_id", reading.DeviceID),
				zap.Time("last_fired", last))
			continue
		}

		proposals = append(proposals, Proposal{
			Rule:    rule,
			Reading: reading,
			Matched: matched,
			FiredAt: now,
		})
	}

	return proposals, nil
}

// Release gives back the cooldown slot of a proposal that did not become an alarm
func (e *Engine) Release(p Proposal) {
	key := CooldownKey(p.Reading.TenantID, p.Rule.ID, p.Reading.DeviceID)
	if e.cooldowns.Release(key, p.FiredAt) {
		e.logger.Debug("Released rule cooldown",
			zap.String("rule_id", p.Rule.ID),
			zap.String("device_id", p.Reading.DeviceID))
	}
}

// Invalidate drops the cached rules of a tenant. The rule management collaborator calls this after edits.
func (e *Engine) Invalidate(tenantID string) {
	e.rules.Invalidate(tenantID)
	e.logger.Info("Invalidated rule cache", zap.String("tenant_id", tenantID))
}

// SubscribeInvalidations listens for invalidation signals on the broker
func (e *Engine) SubscribeInvalidations(nc *nats.Conn) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(broker.RuleInvalidatePrefix+".*", func(msg *nats.Msg) {
		tenantID := strings.TrimPrefix(msg.Subject, broker.RuleInvalidatePrefix+".")
		if !tenant.ValidIdentifier(tenantID) {
			e.logger.Warn("Ignoring invalidation for malformed tenant", zap.String("subject", msg.Subject))
			return
		}
		e.Invalidate(tenantID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to rule invalidations: %w", err)
	}
	return sub, nil
}
