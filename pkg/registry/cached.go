package registry

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/barclamp/pkg/engine"
	"github.com/openfroyo/barclamp/pkg/telemetry"
)

// allTargets is the cache key of the unscoped active set.
const allTargets = "*"

// Cached is a read-through cache in front of the active role bindings.
// Concurrent misses for the same target share one registry query. Any change made
// through Activate or Deactivate drops every cached set.
type Cached struct {
	next    engine.RoleBindings
	cache   *gocache.Cache
	group   singleflight.Group
	metrics *telemetry.Metrics
}

var _ engine.RoleBindings = (*Cached)(nil)

// NewCached wraps next with a cache whose entries live for ttl. metrics may be nil.
func NewCached(next engine.RoleBindings, ttl time.Duration, metrics *telemetry.Metrics) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cached{
		next:    next,
		cache:   gocache.New(ttl, time.Minute),
		metrics: metrics,
	}
}

func cacheKey(targetID string) string {
	if targetID == "" {
		return allTargets
	}
	return "target:" + targetID
}

// ActiveIDs returns a copy of the active set for targetID.
func (c *Cached) ActiveIDs(ctx context.Context, targetID string) (map[string]struct{}, error) {
	key := cacheKey(targetID)
	if v, ok := c.cache.Get(key); ok {
		c.metrics.RecordRegistryLookup("hit")
		return copySet(v.(map[string]struct{})), nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		set, err := c.next.ActiveIDs(ctx, targetID)
		if err != nil {
			return nil, err
		}
		if set == nil {
			set = map[string]struct{}{}
		}
		c.cache.SetDefault(key, set)
		return set, nil
	})
	if err != nil {
		c.metrics.RecordRegistryLookup("error")
		return nil, err
	}

	if shared {
		c.metrics.RecordRegistryLookup("shared")
	} else {
		c.metrics.RecordRegistryLookup("miss")
	}
	return copySet(v.(map[string]struct{})), nil
}

// Binding reads through to the wrapped registry.
func (c *Cached) Binding(ctx context.Context, proposalID string) (*engine.ActiveBinding, error) {
	return c.next.Binding(ctx, proposalID)
}

// Activate records the binding and invalidates the cache.
func (c *Cached) Activate(ctx context.Context, binding *engine.ActiveBinding) error {
	defer c.Invalidate()
	return c.next.Activate(ctx, binding)
}

// Deactivate removes the binding and invalidates the cache.
func (c *Cached) Deactivate(ctx context.Context, proposalID string) error {
	defer c.Invalidate()
	return c.next.Deactivate(ctx, proposalID)
}

// Invalidate drops every cached set.
func (c *Cached) Invalidate() {
	c.cache.Flush()
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
