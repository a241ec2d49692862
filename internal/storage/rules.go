package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/tenant"
)

// RuleSource provides the rules of the bound tenant. It is read-only to the rule engine.
type RuleSource interface {
	// ActiveRules returns every active rule of the bound tenant
	ActiveRules(ctx context.Context) ([]*model.AlertRule, error)
}

// RuleWriter is used by the rule management collaborator and the seed loader
type RuleWriter interface {
	// PutRule creates or replaces a rule
	PutRule(ctx context.Context, rule *model.AlertRule) error

	// DeleteRule removes a rule
	DeleteRule(ctx context.Context, id string) error
}

// ActiveRules implements RuleSource.ActiveRules
func (s *SQLiteStore) ActiveRules(ctx context.Context) ([]*model.AlertRule, error) {
	tenantID, err := scopedTenant(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, definition, updated_at
		FROM alert_rules
		WHERE tenant_id = ? AND active = 1
		ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", classify(err))
	}
	defer rows.Close()

	var rules []*model.AlertRule
	for rows.Next() {
		var id, definition string
		var updatedAt int64
		if err := rows.Scan(&id, &definition, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", classify(err))
		}

		rule := &model.AlertRule{}
		if err := json.Unmarshal([]byte(definition), rule); err != nil {
			s.logger.Warn("Skipping undecodable rule",
				zap.String("tenant_id", tenantID),
				zap.String("rule_id", id),
				zap.Error(err))
			continue
		}
		rule.ID = id
		rule.TenantID = tenantID
		rule.UpdatedAt = fromNanos(updatedAt)
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", classify(err))
	}

	return rules, nil
}

// PutRule implements RuleWriter.PutRule
func (s *SQLiteStore) PutRule(ctx context.Context, rule *model.AlertRule) error {
	tenantID, err := scopedTenant(ctx)
	if err != nil {
		return err
	}
	if rule.TenantID == "" {
		rule.TenantID = tenantID
	}
	if rule.TenantID != tenantID {
		return fmt.Errorf("%w: rule for %s in scope %s", tenant.ErrTenantMismatch, rule.TenantID, tenantID)
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now()
	}

	definition, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (tenant_id, id, device_id, active, definition, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			device_id = excluded.device_id,
			active = excluded.active,
			definition = excluded.definition,
			updated_at = excluded.updated_at`,
		tenantID,
		rule.ID,
		rule.DeviceID,
		rule.Active,
		string(definition),
		toNanos(rule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store rule: %w", classify(err))
	}
	return nil
}

// DeleteRule implements RuleWriter.DeleteRule
func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) error {
	tenantID, err := scopedTenant(ctx)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, "DELETE FROM alert_rules WHERE tenant_id = ? AND id = ?", tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", classify(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: rule %s", ErrNotFound, id)
	}
	return nil
}
