package authz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	calls    map[string]int
	allowed  map[string]bool
	err      error
	blocking chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{calls: make(map[string]int), allowed: make(map[string]bool)}
}

func (f *fakeSource) CheckPowerAllowed(_ context.Context, meter string) (bool, string, error) {
	if f.blocking != nil {
		<-f.blocking
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[meter]++
	if f.err != nil {
		return false, "", f.err
	}
	if f.allowed[meter] {
		return true, "active_package", nil
	}
	return false, "no_customer", nil
}

func (f *fakeSource) callCount(meter string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[meter]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingObserver struct {
	mu      sync.Mutex
	results map[string]int
}

func (o *countingObserver) ObserveAuthzLookup(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.results == nil {
		o.results = make(map[string]int)
	}
	o.results[result]++
}

func newTestCache(source Source, ttl time.Duration) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(source, ttl, WithClock(clock.Now)), clock
}

func TestCheck_HitWithinTTL(t *testing.T) {
	src := newFakeSource()
	src.allowed["meter1"] = true
	cache, clock := newTestCache(src, 5*time.Second)

	allowed, reason := cache.Check(context.Background(), "meter1")
	assert.True(t, allowed)
	assert.Equal(t, "active_package", reason)

	clock.Advance(4 * time.Second)
	allowed, reason = cache.Check(context.Background(), "meter1")
	assert.True(t, allowed)
	assert.Equal(t, "active_package", reason)

	assert.Equal(t, 1, src.callCount("meter1"), "source must not be called again within TTL")
}

func TestCheck_RefreshAfterTTL(t *testing.T) {
	src := newFakeSource()
	cache, clock := newTestCache(src, 5*time.Second)

	allowed, reason := cache.Check(context.Background(), "meter7")
	assert.False(t, allowed)
	assert.Equal(t, "no_customer", reason)

	clock.Advance(5 * time.Second)
	src.mu.Lock()
	src.allowed["meter7"] = true
	src.mu.Unlock()

	allowed, _ = cache.Check(context.Background(), "meter7")
	assert.True(t, allowed, "expired entry must be refreshed from the source")
	assert.Equal(t, 2, src.callCount("meter7"))
}

func TestCheck_FailOpenNotCached(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("store unreachable")
	obs := &countingObserver{}
	cache := New(src, 5*time.Second, WithObserver(obs))

	allowed, reason := cache.Check(context.Background(), "meter7")
	assert.True(t, allowed)
	assert.Equal(t, ReasonErrorAllow, reason)
	assert.Equal(t, 0, cache.Len(), "failures must not be cached")

	// The next call retries the source.
	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()

	allowed, reason = cache.Check(context.Background(), "meter7")
	assert.False(t, allowed)
	assert.Equal(t, "no_customer", reason)
	assert.Equal(t, 2, src.callCount("meter7"))
	assert.Equal(t, 1, obs.results[ResultError])
	assert.Equal(t, 1, obs.results[ResultMiss])
}

func TestCheck_ConcurrentMissesShareOneCall(t *testing.T) {
	src := newFakeSource()
	src.blocking = make(chan struct{})
	cache, _ := newTestCache(src, 5*time.Second)

	const callers = 8
	var started, denied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Add(1)
			if allowed, _ := cache.Check(context.Background(), "meter7"); !allowed {
				denied.Add(1)
			}
		}()
	}
	for started.Load() < callers {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	close(src.blocking)
	wg.Wait()

	assert.Equal(t, int32(callers), denied.Load())
	assert.LessOrEqual(t, src.callCount("meter7"), 2)
}

func TestInvalidate(t *testing.T) {
	src := newFakeSource()
	cache, _ := newTestCache(src, time.Minute)
	ctx := context.Background()

	cache.Check(ctx, "meter1")
	cache.Check(ctx, "meter2")
	require.Equal(t, 2, cache.Len())

	cache.Invalidate("meter1")
	assert.Equal(t, 1, cache.Len())

	cache.Check(ctx, "meter1")
	assert.Equal(t, 2, src.callCount("meter1"), "invalidated entry must be refetched")

	cache.Invalidate("")
	assert.Equal(t, 0, cache.Len())
}

func TestSweep(t *testing.T) {
	src := newFakeSource()
	cache, clock := newTestCache(src, 5*time.Second)
	ctx := context.Background()

	cache.Check(ctx, "old")
	clock.Advance(30 * time.Second)
	cache.Check(ctx, "recent")

	// old is stale but younger than 10x TTL: kept.
	assert.Equal(t, 0, cache.Sweep())
	assert.Equal(t, 2, cache.Len())

	clock.Advance(21 * time.Second)
	assert.Equal(t, 1, cache.Sweep())
	assert.Equal(t, 1, cache.Len())
}
