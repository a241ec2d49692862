package rules

import (
	"strings"
	"sync"
	"time"

	"github.com/t77yq/telemetry-hub/internal/model"
)

// CooldownKey identifies the cooldown slot of a rule on one device.
// Readings without a device share the fleet slot.
func CooldownKey(tenantID, ruleID, deviceID string) string {
	if deviceID == "" {
		deviceID = model.FleetKey
	}
	return strings.Join([]string{tenantID, ruleID, deviceID}, "/")
}

type cooldownEntry struct {
	mu        sync.Mutex
	lastFired time.Time
	fired     bool

	// state before the latest fire, restored by Release
	prevFired    time.Time
	prevWasFired bool
}

// Cooldowns tracks when each (rule, device) last fired. Each key has its own lock
// so unrelated devices never wait on each other.
type Cooldowns struct {
	entries sync.Map
}

// NewCooldowns creates an empty cooldown table
func NewCooldowns() *Cooldowns {
	return &Cooldowns{}
}

// TryFire records a fire at now unless the key fired less than window ago.
// The check and the update happen under the key's lock.
func (c *Cooldowns) TryFire(key string, now time.Time, window time.Duration) bool {
	value, _ := c.entries.LoadOrStore(key, &cooldownEntry{})
	entry := value.(*cooldownEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.fired && window > 0 && now.Sub(entry.lastFired) < window {
		return false
	}
	entry.prevFired, entry.prevWasFired = entry.lastFired, entry.fired
	if !entry.fired || now.After(entry.lastFired) {
		entry.lastFired = now
	}
	entry.fired = true
	return true
}

// Release undoes the fire recorded at firedAt when no alarm came of it.
// A later fire on the same key is left alone.
func (c *Cooldowns) Release(key string, firedAt time.Time) bool {
	value, ok := c.entries.Load(key)
	if !ok {
		return false
	}
	entry := value.(*cooldownEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.fired || !entry.lastFired.Equal(firedAt) {
		return false
	}
	entry.lastFired, entry.fired = entry.prevFired, entry.prevWasFired
	entry.prevFired, entry.prevWasFired = time.Time{}, false
	return true
}

// LastFired returns when key last fired
func (c *Cooldowns) LastFired(key string) (time.Time, bool) {
	value, ok := c.entries.Load(key)
	if !ok {
		return time.Time{}, false
	}
	entry := value.(*cooldownEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.lastFired, entry.fired
}
