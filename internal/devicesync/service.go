package devicesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Jelling-test/flytining/internal/infrastructure/mqtt"
	"github.com/Jelling-test/flytining/internal/z2m"
)

// Default loop intervals.
const (
	defaultRefreshInterval = 300 * time.Second
	defaultHealthInterval  = 300 * time.Second
)

// Logger is the logging surface used by the service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Bus is the connection supervisor as seen by the service.
type Bus interface {
	Publisher
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	ConnectWithRetry(ctx context.Context) error
	OnConnect(callback func())
	IsConnected() bool
	State() mqtt.State
	Close() error
}

// MessageHandler routes one inbound message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, topic string, payload []byte) error
}

// DecisionCache is the part of the authorization cache the health loop uses.
type DecisionCache interface {
	Len() int
	Sweep() int
}

// Gauges receives health loop readings.
type Gauges interface {
	SetMQTTConnected(connected bool)
	SetCacheEntries(n int)
}

// Config holds the service's static settings.
type Config struct {
	BaseTopics      []string
	PowerSecurity   bool
	QoS             byte
	RefreshInterval time.Duration
	HealthInterval  time.Duration
}

// Service runs the device-sync loops.
type Service struct {
	cfg       Config
	bus       Bus
	handler   MessageHandler
	refresher *Refresher
	cache     DecisionCache
	gauges    Gauges
	logger    Logger
}

// Option configures a Service.
type Option func(*Service)

// WithGauges reports connection and cache gauges.
func WithGauges(g Gauges) Option {
	return func(s *Service) { s.gauges = g }
}

// WithLogger sets the service logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Service. It does not touch the bus until Run.
func New(cfg Config, bus Bus, handler MessageHandler, refresher *Refresher, cache DecisionCache, opts ...Option) *Service {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	s := &Service{
		cfg:       cfg,
		bus:       bus,
		handler:   handler,
		refresher: refresher,
		cache:     cache,
		logger:    noopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run subscribes, connects and runs the refresh and health loops until
// ctx is cancelled. Connection loss is never fatal. The bus is closed on
// return.
func (s *Service) Run(ctx context.Context) error {
	defer func() {
		s.refresher.Stop()
		if err := s.bus.Close(); err != nil {
			s.logger.Warn("closing mqtt failed", "error", err)
		}
	}()

	// Store calls made from message handlers run to completion on shutdown.
	handlerCtx := context.WithoutCancel(ctx)
	handle := func(topic string, payload []byte) error {
		return s.handler.HandleMessage(handlerCtx, topic, payload)
	}
	for _, base := range s.cfg.BaseTopics {
		for _, topic := range z2m.SubscriptionTopics(base) {
			if err := s.bus.Subscribe(topic, s.cfg.QoS, handle); err != nil {
				return fmt.Errorf("subscribing %s: %w", topic, err)
			}
		}
		s.logger.Info("subscribed", "base_topic", base)
	}

	s.bus.OnConnect(func() {
		s.logger.Info("mqtt connected, requesting device lists")
		s.refresher.RequestAll()
	})

	s.logger.Info("device sync starting",
		"base_topics", s.cfg.BaseTopics,
		"power_security", s.cfg.PowerSecurity,
	)

	if err := s.bus.ConnectWithRetry(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return fmt.Errorf("connecting mqtt: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.refreshLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.healthLoop(gctx)
		return nil
	})
	err := g.Wait()

	s.logger.Info("device sync stopped")
	return err
}

// refreshLoop requests device lists on every tick. The request at start
// comes from the OnConnect callback, which fires for every successful
// connect including the one ConnectWithRetry waited for.
func (s *Service) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Service) refresh() {
	if !s.bus.IsConnected() {
		s.logger.Warn("mqtt not connected, skipping device refresh")
		return
	}
	s.refresher.RequestAll()
}

func (s *Service) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Health()
		}
	}
}

// Health logs liveness, updates gauges and sweeps the decision cache.
func (s *Service) Health() {
	connected := s.bus.IsConnected()
	entries := s.cache.Len()

	s.logger.Info("health",
		"mqtt", s.bus.State().String(),
		"power_security", s.cfg.PowerSecurity,
		"cache_entries", entries,
	)
	if s.gauges != nil {
		s.gauges.SetMQTTConnected(connected)
	}

	if swept := s.cache.Sweep(); swept > 0 {
		s.logger.Debug("authorization cache swept", "removed", swept)
	}
	if s.gauges != nil {
		s.gauges.SetCacheEntries(s.cache.Len())
	}
}
