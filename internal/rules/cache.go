package rules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/storage"
	"github.com/t77yq/telemetry-hub/internal/tenant"
)

// RuleCache is a read-through cache of each tenant's active rules.
// Entries live until they expire or the rule owner calls Invalidate.
type RuleCache struct {
	source      storage.RuleSource
	cache       *cache.Cache
	group       singleflight.Group
	generations sync.Map
}

// NewRuleCache creates a cache over source. A cleanupInterval of zero disables the janitor goroutine.
func NewRuleCache(source storage.RuleSource, ttl, cleanupInterval time.Duration) *RuleCache {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &RuleCache{
		source: source,
		cache:  cache.New(ttl, cleanupInterval),
	}
}

// Rules returns the active rules of the bound tenant
func (c *RuleCache) Rules(ctx context.Context) ([]*model.AlertRule, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	if cached, ok := c.cache.Get(tenantID); ok {
		return cached.([]*model.AlertRule), nil
	}

	loaded, err, _ := c.group.Do(tenantID, func() (interface{}, error) {
		gen := c.generation(tenantID).Load()

		rules, err := c.source.ActiveRules(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules: %w", err)
		}

		// Skip the write when an invalidation raced with the load
		if c.generation(tenantID).Load() == gen {
			c.cache.Set(tenantID, rules, cache.DefaultExpiration)
		}
		return rules, nil
	})
	if err != nil {
		return nil, err
	}
	return loaded.([]*model.AlertRule), nil
}

// Invalidate drops the cached rules of a tenant
func (c *RuleCache) Invalidate(tenantID string) {
	c.generation(tenantID).Add(1)
	c.cache.Delete(tenantID)
	c.group.Forget(tenantID)
}

func (c *RuleCache) generation(tenantID string) *atomic.Uint64 {
	value, _ := c.generations.LoadOrStore(tenantID, &atomic.Uint64{})
	return value.(*atomic.Uint64)
}
