package devicesync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Jelling-test/flytining/internal/z2m"
)

// Publisher sends bus messages.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Refresher publishes device-list requests. Event-driven requests are
// rate limited per base topic; the first request for a base always passes.
// A request over the limit is never dropped: it becomes one trailing
// publish per base, issued when the limiter next allows it, and any
// further requests until then are folded into it.
type Refresher struct {
	pub      Publisher
	qos      byte
	bases    []string
	limiters map[string]*rate.Limiter
	logger   Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

// NewRefresher creates a Refresher for bases allowing one event-driven
// request per interval with the given burst.
func NewRefresher(pub Publisher, bases []string, interval time.Duration, burst int, qos byte, logger Logger) *Refresher {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	limiters := make(map[string]*rate.Limiter, len(bases))
	for _, base := range bases {
		limiters[base] = rate.NewLimiter(limit, burst)
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Refresher{
		pub:      pub,
		qos:      qos,
		bases:    bases,
		limiters: limiters,
		logger:   logger,
		pending:  make(map[string]*time.Timer),
	}
}

// RequestDeviceList implements z2m.Refresher.
func (r *Refresher) RequestDeviceList(_ context.Context, base string) {
	l, ok := r.limiters[base]
	if !ok {
		r.publish(base)
		return
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if _, queued := r.pending[base]; queued {
		r.mu.Unlock()
		r.logger.Debug("device list request coalesced", "base_topic", base)
		return
	}
	delay := l.Reserve().Delay()
	if delay == 0 {
		r.mu.Unlock()
		r.publish(base)
		return
	}
	r.pending[base] = time.AfterFunc(delay, func() { r.fire(base) })
	r.mu.Unlock()

	r.logger.Debug("device list request deferred", "base_topic", base, "delay", delay)
}

func (r *Refresher) fire(base string) {
	r.mu.Lock()
	delete(r.pending, base)
	stopped := r.stopped
	r.mu.Unlock()
	if !stopped {
		r.publish(base)
	}
}

// RequestAll asks every bridge for its device list, bypassing the limiter.
func (r *Refresher) RequestAll() {
	for _, base := range r.bases {
		r.publish(base)
	}
}

// Stop cancels deferred requests. Later event-driven requests are ignored.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for base, t := range r.pending {
		t.Stop()
		delete(r.pending, base)
	}
}

func (r *Refresher) hasPending(base string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[base]
	return ok
}

func (r *Refresher) publish(base string) {
	topic := z2m.DeviceListRequestTopic(base)
	if err := r.pub.Publish(topic, []byte{}, r.qos, false); err != nil {
		r.logger.Warn("device list request failed", "base_topic", base, "error", err)
		return
	}
	r.logger.Debug("device list requested", "base_topic", base)
}
