package authz

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

// Reason codes produced by the cache itself.
const (
	// ReasonErrorAllow is returned when the policy source failed.
	ReasonErrorAllow = "error_allow"
)

// sweepFactor bounds how long a stale decision may stay in memory.
const sweepFactor = 10

// Lookup results reported to the Observer.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Source is the authoritative policy check.
type Source interface {
	CheckPowerAllowed(ctx context.Context, meter string) (allowed bool, reason string, err error)
}

// Decision is a cached answer for one meter.
type Decision struct {
	Allowed   bool
	Reason    string
	CheckedAt time.Time
}

// Logger is the logging surface used by the cache.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Observer receives one call per Check with the lookup result.
type Observer interface {
	ObserveAuthzLookup(result string)
}

// Cache is a TTL-bounded map from meter to Decision backed by a Source.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Concurrent misses for the same meter share one source call.
type Cache struct {
	source   Source
	ttl      time.Duration
	items    *ttlcache.Cache[string, Decision]
	inflight singleflight.Group
	now      func() time.Time
	logger   Logger
	observer Observer
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the cache logger.
func WithLogger(logger Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver reports hit/miss/error per lookup.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// New creates a Cache whose entries are fresh for ttl.
func New(source Source, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		source: source,
		ttl:    ttl,
		items: ttlcache.New[string, Decision](
			ttlcache.WithTTL[string, Decision](sweepFactor*ttl),
			ttlcache.WithDisableTouchOnHit[string, Decision](),
		),
		now:    time.Now,
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check returns whether meter may be powered on and why.
// It never returns an error: a failing source yields (true, "error_allow").
func (c *Cache) Check(ctx context.Context, meter string) (bool, string) {
	if d, ok := c.fresh(meter); ok {
		c.observe(ResultHit)
		return d.Allowed, d.Reason
	}

	v, err, _ := c.inflight.Do(meter, func() (any, error) {
		// Another caller may have refreshed while we waited.
		if d, ok := c.fresh(meter); ok {
			return d, nil
		}
		allowed, reason, err := c.source.CheckPowerAllowed(ctx, meter)
		if err != nil {
			return nil, err
		}
		d := Decision{Allowed: allowed, Reason: reason, CheckedAt: c.now()}
		c.items.Set(meter, d, ttlcache.DefaultTTL)
		return d, nil
	})
	if err != nil {
		c.observe(ResultError)
		c.logger.Warn("policy check failed, allowing", "meter", meter, "error", err)
		return true, ReasonErrorAllow
	}

	c.observe(ResultMiss)
	d := v.(Decision)
	return d.Allowed, d.Reason
}

// fresh returns the cached decision when it is younger than the TTL.
func (c *Cache) fresh(meter string) (Decision, bool) {
	item := c.items.Get(meter)
	if item == nil {
		return Decision{}, false
	}
	d := item.Value()
	if c.now().Sub(d.CheckedAt) >= c.ttl {
		return Decision{}, false
	}
	return d, true
}

// Invalidate drops the decision for meter, or every decision when meter is "".
func (c *Cache) Invalidate(meter string) {
	if meter == "" {
		c.items.DeleteAll()
		c.logger.Debug("authorization cache cleared")
		return
	}
	c.items.Delete(meter)
	c.logger.Debug("authorization cache entry invalidated", "meter", meter)
}

// Sweep removes decisions older than 10x the TTL and returns how many went.
func (c *Cache) Sweep() int {
	cutoff := c.now().Add(-sweepFactor * c.ttl)
	removed := 0
	// Items returns a snapshot; deleting inside Range would deadlock.
	for meter, item := range c.items.Items() {
		if item.Value().CheckedAt.Before(cutoff) {
			c.items.Delete(meter)
			removed++
		}
	}
	c.items.DeleteExpired()
	return removed
}

// Len returns the number of cached decisions, fresh or stale.
func (c *Cache) Len() int {
	return c.items.Len()
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) observe(result string) {
	if c.observer != nil {
		c.observer.ObserveAuthzLookup(result)
	}
}
