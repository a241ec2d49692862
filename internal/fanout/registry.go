package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/monitor"
	"github.com/t77yq/telemetry-hub/internal/tenant"
)

type scopeKey struct {
	tenantID string
	deviceID string
}

// Registry maps (tenant, device) to the live subscribers of that device
type Registry struct {
	logger    *zap.Logger
	queueSize int

	mu   sync.RWMutex
	subs map[scopeKey]map[string]*Subscriber
}

// NewRegistry creates an empty registry. queueSize bounds each subscriber's queue.
func NewRegistry(queueSize int, logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger.Named("fanout-registry"),
		queueSize: queueSize,
		subs:      make(map[scopeKey]map[string]*Subscriber),
	}
}

// Subscribe registers a subscriber for deviceID in the bound tenant
func (r *Registry) Subscribe(ctx context.Context, deviceID string) (*Subscriber, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if !tenant.ValidIdentifier(deviceID) {
		return nil, fmt.Errorf("%w: device %q", tenant.ErrInvalidIdentifier, deviceID)
	}

	sub := newSubscriber(tenantID, deviceID, r.queueSize)
	key := scopeKey{tenantID: tenantID, deviceID: deviceID}

	r.mu.Lock()
	if r.subs[key] == nil {
		r.subs[key] = make(map[string]*Subscriber)
	}
	r.subs[key][sub.ID] = sub
	r.mu.Unlock()

	monitor.AddSubscribers(1)
	r.logger.Debug("Subscriber added",
		zap.String("tenant_id", tenantID),
		zap.String("device_id", deviceID),
		zap.String("subscriber_id", sub.ID))
	return sub, nil
}

// Unsubscribe removes sub. It is safe to call more than once.
func (r *Registry) Unsubscribe(sub *Subscriber) {
	key := scopeKey{tenantID: sub.TenantID, deviceID: sub.DeviceID}

	r.mu.Lock()
	_, ok := r.subs[key][sub.ID]
	if ok {
		delete(r.subs[key], sub.ID)
		if len(r.subs[key]) == 0 {
			delete(r.subs, key)
		}
	}
	r.mu.Unlock()

	sub.close()
	if ok {
		monitor.AddSubscribers(-1)
		r.logger.Debug("Subscriber removed",
			zap.String("tenant_id", sub.TenantID),
			zap.String("device_id", sub.DeviceID),
			zap.String("subscriber_id", sub.ID),
			zap.Uint64("dropped", sub.Dropped()))
	}
}

// Deliver offers env to every subscriber of (tenantID, deviceID) and returns how many were reached
func (r *Registry) Deliver(tenantID, deviceID string, env *model.Envelope) int {
	r.mu.RLock()
	targets := lo.Values(r.subs[scopeKey{tenantID: tenantID, deviceID: deviceKey(deviceID)}])
	r.mu.RUnlock()

	for _, sub := range targets {
		sub.offer(env)
	}
	return len(targets)
}

// Count returns the number of live subscribers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.SumBy(lo.Values(r.subs), func(set map[string]*Subscriber) int {
		return len(set)
	})
}

// Close removes every subscriber
func (r *Registry) Close() {
	r.mu.Lock()
	var all []*Subscriber
	for _, set := range r.subs {
		all = append(all, lo.Values(set)...)
	}
	r.subs = make(map[scopeKey]map[string]*Subscriber)
	r.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
	monitor.AddSubscribers(-float64(len(all)))
}
