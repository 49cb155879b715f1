package devicesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stampedPublisher struct {
	mu    sync.Mutex
	times []time.Time
}

func (p *stampedPublisher) Publish(string, []byte, byte, bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.times = append(p.times, time.Now())
	return nil
}

func (p *stampedPublisher) published() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.times...)
}

func TestRefresherDefersRequestsOverTheLimit(t *testing.T) {
	bus := newFakeBus()
	bus.setConnected(true)
	r := NewRefresher(bus, []string{"z1", "z2"}, time.Hour, 2, 1, nil)
	defer r.Stop()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.RequestDeviceList(ctx, "z1")
	}
	r.RequestDeviceList(ctx, "z2")

	assert.Equal(t, []string{
		"z1/bridge/config/devices/get",
		"z1/bridge/config/devices/get",
		"z2/bridge/config/devices/get",
	}, bus.publishedTopics())
	assert.True(t, r.hasPending("z1"))
	assert.False(t, r.hasPending("z2"))
}

func TestRefresherBurstEndsWithTrailingPublish(t *testing.T) {
	pub := &stampedPublisher{}
	r := NewRefresher(pub, []string{"base1"}, 30*time.Millisecond, 3, 1, nil)
	defer r.Stop()

	for i := 0; i < 5; i++ {
		r.RequestDeviceList(context.Background(), "base1")
	}
	last := time.Now()
	require.Len(t, pub.published(), 3)

	require.Eventually(t, func() bool { return len(pub.published()) == 4 }, time.Second, 5*time.Millisecond)
	times := pub.published()
	assert.True(t, times[3].After(last), "trailing publish must follow the last request")
	assert.False(t, r.hasPending("base1"))

	// Nothing else is queued behind the trailing publish.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, pub.published(), 4)
}

func TestRefresherRequestAfterTrailingPublishIsServed(t *testing.T) {
	pub := &stampedPublisher{}
	r := NewRefresher(pub, []string{"base1"}, 20*time.Millisecond, 1, 1, nil)
	defer r.Stop()
	ctx := context.Background()

	r.RequestDeviceList(ctx, "base1")
	r.RequestDeviceList(ctx, "base1")
	require.Eventually(t, func() bool { return len(pub.published()) == 2 }, time.Second, 5*time.Millisecond)

	r.RequestDeviceList(ctx, "base1")
	require.Eventually(t, func() bool { return len(pub.published()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestRefresherFirstRequestAlwaysPasses(t *testing.T) {
	bus := newFakeBus()
	bus.setConnected(true)
	r := NewRefresher(bus, []string{"z1"}, time.Hour, 0, 1, nil)
	defer r.Stop()

	r.RequestDeviceList(context.Background(), "z1")
	r.RequestDeviceList(context.Background(), "z1")

	assert.Equal(t, []string{"z1/bridge/config/devices/get"}, bus.publishedTopics())
}

func TestRefresherStopCancelsDeferredRequests(t *testing.T) {
	pub := &stampedPublisher{}
	r := NewRefresher(pub, []string{"z1"}, 20*time.Millisecond, 1, 1, nil)

	r.RequestDeviceList(context.Background(), "z1")
	r.RequestDeviceList(context.Background(), "z1")
	require.True(t, r.hasPending("z1"))

	r.Stop()
	assert.False(t, r.hasPending("z1"))
	r.RequestDeviceList(context.Background(), "z1")

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, pub.published(), 1)
}

func TestRefresherRequestAllIgnoresLimiter(t *testing.T) {
	bus := newFakeBus()
	bus.setConnected(true)
	r := NewRefresher(bus, []string{"z1"}, time.Hour, 1, 1, nil)
	defer r.Stop()

	r.RequestDeviceList(context.Background(), "z1")
	r.RequestAll()
	r.RequestAll()

	assert.Len(t, bus.publishedTopics(), 3)
}

func TestRefresherUnknownBaseIsNotLimited(t *testing.T) {
	bus := newFakeBus()
	bus.setConnected(true)
	r := NewRefresher(bus, []string{"z1"}, time.Hour, 1, 1, nil)

	r.RequestDeviceList(context.Background(), "other")
	r.RequestDeviceList(context.Background(), "other")

	assert.Len(t, bus.publishedTopics(), 2)
}

func TestRefresherPublishFailureIsLogged(t *testing.T) {
	bus := newFakeBus()
	r := NewRefresher(bus, []string{"z1"}, 0, 1, 1, nil)

	r.RequestDeviceList(context.Background(), "z1")
	assert.Empty(t, bus.publishedTopics())
}
