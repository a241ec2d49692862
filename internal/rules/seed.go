package rules

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/storage"
	"github.com/t77yq/telemetry-hub/internal/tenant"
)

// SeedFile is the YAML layout of a rule seed file
type SeedFile struct {
	Rules []*model.AlertRule `yaml:"rules"`
}

// LoadSeed reads rules from a YAML file and writes each into its tenant.
// Every rule is validated before any is written.
func LoadSeed(ctx context.Context, path string, writer storage.RuleWriter, guard *tenant.Guard, logger *zap.Logger) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read rule seed: %w", err)
	}
	return Seed(ctx, data, writer, guard, logger)
}

// Seed writes the rules of a YAML seed document
func Seed(ctx context.Context, data []byte, writer storage.RuleWriter, guard *tenant.Guard, logger *zap.Logger) (int, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("failed to decode rule seed: %w", err)
	}

	seen := make(map[string]bool, len(seed.Rules))
	for i, rule := range seed.Rules {
		if rule == nil {
			return 0, fmt.Errorf("rule seed entry %d is empty", i)
		}
		if err := rule.Validate(); err != nil {
			return 0, fmt.Errorf("rule seed entry %d: %w", i, err)
		}
		key := rule.TenantID + "/" + rule.ID
		if seen[key] {
			return 0, fmt.Errorf("rule seed entry %d: duplicate rule %s", i, key)
		}
		seen[key] = true
	}

	for _, rule := range seed.Rules {
		scoped, err := guard.Bind(ctx, rule.TenantID, rule.TenantID, tenant.SystemUser)
		if err != nil {
			return 0, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if err := writer.PutRule(scoped, rule); err != nil {
			return 0, fmt.Errorf("failed to seed rule %s: %w", rule.ID, err)
		}
	}

	logger.Info("Seeded rules", zap.Int("count", len(seed.Rules)))
	return len(seed.Rules), nil
}
