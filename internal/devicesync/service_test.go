package devicesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jelling-test/flytining/internal/infrastructure/mqtt"
)

type fakeBus struct {
	mu         sync.Mutex
	subs       map[string]mqtt.MessageHandler
	published  []string
	onConnect  []func()
	connected  bool
	connectErr error
	closed     bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBus) Publish(topic string, _ []byte, _ byte, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return mqtt.ErrNotConnected
	}
	b.published = append(b.published, topic)
	return nil
}

func (b *fakeBus) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = handler
	return nil
}

func (b *fakeBus) ConnectWithRetry(ctx context.Context) error {
	if b.connectErr != nil {
		<-ctx.Done()
		return ctx.Err()
	}
	b.mu.Lock()
	b.connected = true
	callbacks := append([]func(){}, b.onConnect...)
	b.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
	return nil
}

func (b *fakeBus) OnConnect(callback func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnect = append(b.onConnect, callback)
}

func (b *fakeBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBus) State() mqtt.State {
	if b.IsConnected() {
		return mqtt.StateConnected
	}
	return mqtt.StateDisconnected
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.connected = false
	return nil
}

func (b *fakeBus) setConnected(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = v
}

func (b *fakeBus) publishedTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

type recordingHandler struct {
	mu     sync.Mutex
	topics []string
	ctxErr error
}

func (h *recordingHandler) HandleMessage(ctx context.Context, topic string, _ []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics = append(h.topics, topic)
	h.ctxErr = ctx.Err()
	return nil
}

type fakeCache struct {
	mu     sync.Mutex
	n      int
	sweeps int
}

func (c *fakeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *fakeCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweeps++
	removed := c.n
	c.n = 0
	return removed
}

type fakeGauges struct {
	mu        sync.Mutex
	connected bool
	entries   int
	calls     int
}

func (g *fakeGauges) SetMQTTConnected(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = v
	g.calls++
}

func (g *fakeGauges) SetCacheEntries(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = n
}

func newTestService(bus *fakeBus, cfg Config) (*Service, *recordingHandler, *fakeCache) {
	h := &recordingHandler{}
	c := &fakeCache{}
	r := NewRefresher(bus, cfg.BaseTopics, time.Hour, 1, 1, nil)
	return New(cfg, bus, h, r, c), h, c
}

func TestRunSubscribesAndRequestsDeviceLists(t *testing.T) {
	bus := newFakeBus()
	svc, h, _ := newTestService(bus, Config{
		BaseTopics:      []string{"z1", "z2"},
		RefreshInterval: time.Hour,
		HealthInterval:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return len(bus.publishedTopics()) >= 2 }, time.Second, 5*time.Millisecond)

	bus.mu.Lock()
	subs := make([]string, 0, len(bus.subs))
	for topic := range bus.subs {
		subs = append(subs, topic)
	}
	handler := bus.subs["z1/+"]
	bus.mu.Unlock()

	assert.ElementsMatch(t, []string{
		"z1/bridge/devices", "z1/bridge/event", "z1/+/availability", "z1/+",
		"z2/bridge/devices", "z2/bridge/event", "z2/+/availability", "z2/+",
	}, subs)

	// One request per base at startup, from OnConnect only.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{
		"z1/bridge/config/devices/get", "z2/bridge/config/devices/get",
	}, bus.publishedTopics())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, bus.closed)

	// Handlers keep a live context after shutdown.
	require.NotNil(t, handler)
	require.NoError(t, handler("z1/meter7", []byte(`{}`)))
	assert.Equal(t, []string{"z1/meter7"}, h.topics)
	assert.NoError(t, h.ctxErr)
}

func TestRunReturnsWhenCancelledWhileConnecting(t *testing.T) {
	bus := newFakeBus()
	bus.connectErr = errors.New("broker down")
	svc, _, _ := newTestService(bus, Config{BaseTopics: []string{"z1"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, bus.closed)
	assert.Empty(t, bus.publishedTopics())
}

func TestRefreshLoopRequestsOnTicks(t *testing.T) {
	bus := newFakeBus()
	bus.setConnected(true)
	svc, _, _ := newTestService(bus, Config{
		BaseTopics:      []string{"z1"},
		RefreshInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.refreshLoop(ctx)

	assert.Empty(t, bus.publishedTopics())
	require.Eventually(t, func() bool { return len(bus.publishedTopics()) >= 2 }, time.Second, 5*time.Millisecond)
}

func TestRunStopsDeferredRefreshes(t *testing.T) {
	bus := newFakeBus()
	h := &recordingHandler{}
	r := NewRefresher(bus, []string{"z1"}, 20*time.Millisecond, 1, 1, nil)
	svc := New(Config{BaseTopics: []string{"z1"}, RefreshInterval: time.Hour, HealthInterval: time.Hour}, bus, h, r, &fakeCache{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	require.Eventually(t, func() bool { return len(bus.publishedTopics()) == 1 }, time.Second, 5*time.Millisecond)

	r.RequestDeviceList(context.Background(), "z1")
	r.RequestDeviceList(context.Background(), "z1")
	cancel()
	require.NoError(t, <-done)
	assert.False(t, r.hasPending("z1"))
}

func TestRefreshSkipsWhileDisconnected(t *testing.T) {
	bus := newFakeBus()
	svc, _, _ := newTestService(bus, Config{BaseTopics: []string{"z1"}})

	svc.refresh()
	assert.Empty(t, bus.publishedTopics())

	bus.setConnected(true)
	svc.refresh()
	assert.Equal(t, []string{"z1/bridge/config/devices/get"}, bus.publishedTopics())
}

func TestHealthSweepsAndReportsGauges(t *testing.T) {
	bus := newFakeBus()
	bus.setConnected(true)
	gauges := &fakeGauges{}
	cache := &fakeCache{n: 3}
	r := NewRefresher(bus, []string{"z1"}, time.Hour, 1, 1, nil)
	svc := New(Config{BaseTopics: []string{"z1"}}, bus, &recordingHandler{}, r, cache, WithGauges(gauges))

	svc.Health()

	assert.Equal(t, 1, cache.sweeps)
	assert.True(t, gauges.connected)
	assert.Equal(t, 0, gauges.entries)
}

func TestHealthLoopTicks(t *testing.T) {
	bus := newFakeBus()
	cache := &fakeCache{}
	r := NewRefresher(bus, nil, time.Hour, 1, 1, nil)
	svc := New(Config{HealthInterval: 5 * time.Millisecond}, bus, &recordingHandler{}, r, cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.healthLoop(ctx)

	require.Eventually(t, func() bool {
		cache.mu.Lock()
		defer cache.mu.Unlock()
		return cache.sweeps >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestNewAppliesDefaultIntervals(t *testing.T) {
	svc := New(Config{}, newFakeBus(), &recordingHandler{}, nil, &fakeCache{})
	assert.Equal(t, defaultRefreshInterval, svc.cfg.RefreshInterval)
	assert.Equal(t, defaultHealthInterval, svc.cfg.HealthInterval)
}
