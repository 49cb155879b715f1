package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Jelling-test/flytining/internal/infrastructure/config"
)

// State is the supervisor's view of the broker connection.
type State int32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name used in logs and health output.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Client supervises the broker connection on top of paho.mqtt.golang.
//
// The first connection is established by ConnectWithRetry, which retries
// with exponential backoff until the context is cancelled. After that paho's
// auto-reconnect keeps the session alive. Every (re)connect re-issues all
// tracked subscriptions and then runs the OnConnect callbacks.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - State and IsConnected read an atomic and never block.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	initialDelay time.Duration
	maxDelay     time.Duration

	state     atomic.Int32
	connectMu sync.Mutex

	// subscriptions tracks subscriptions for (re)issue on every connect.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	onConnect    []func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is the logging surface used by the supervisor.
// Compatible with logging.Logger and slog.Logger.
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

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked in separate goroutines by the paho library.
// A returned error is logged and does not affect acknowledgment.
type MessageHandler func(topic string, payload []byte) error

// clientFactory builds the underlying paho client; replaced in tests.
type clientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// New creates a supervisor for the configured broker. It does not connect.
func New(cfg config.MQTTConfig) *Client {
	return newClient(cfg, pahomqtt.NewClient)
}

func newClient(cfg config.MQTTConfig, factory clientFactory) *Client {
	c := &Client{
		cfg:           cfg,
		initialDelay:  time.Duration(cfg.Reconnect.InitialDelay) * time.Second,
		maxDelay:      time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
		subscriptions: make(map[string]subscription),
		logger:        noopLogger{},
	}
	if c.initialDelay <= 0 {
		c.initialDelay = defaultInitialDelay
	}
	if c.maxDelay < c.initialDelay {
		c.maxDelay = c.initialDelay
	}

	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.setState(StateConnecting)
		c.getLogger().Info("mqtt reconnecting", "broker", brokerURL(cfg))
	})

	c.client = factory(opts)
	return c
}

// Connect makes a single connection attempt bounded by the connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.client.IsConnectionOpen() {
		c.setState(StateConnected)
		return nil
	}

	c.setState(StateConnecting)
	token := c.client.Connect()
	if err := waitToken(ctx, token, defaultConnectTimeout); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// With auto-reconnect active paho accepts Connect without a new session.
	if !c.client.IsConnectionOpen() {
		if err := c.waitOpen(ctx, defaultConnectTimeout); err != nil {
			c.setState(StateDisconnected)
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
	}

	c.setState(StateConnected)
	return nil
}

// ConnectWithRetry connects, retrying with exponential backoff from the
// configured initial delay up to the maximum delay, doubling each attempt.
// It never gives up: the only error it returns is the context's.
func (c *Client) ConnectWithRetry(ctx context.Context) error {
	attempt := 0
	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			attempt++
			return struct{}{}, c.Connect(ctx)
		},
		backoff.WithBackOff(newBackOff(c.initialDelay, c.maxDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.getLogger().Warn("mqtt connect failed, retrying",
				"broker", brokerURL(c.cfg),
				"attempt", attempt,
				"retry_in", next.String(),
				"error", err,
			)
		}),
	)
	if err != nil {
		return err
	}
	c.getLogger().Info("mqtt connected", "broker", brokerURL(c.cfg), "attempts", attempt)
	return nil
}

// newBackOff returns a deterministic doubling backoff capped at maxDelay.
func newBackOff(initial, maxDelay time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

// EnsureConnected forces a reconnect attempt when the session is down.
// It is used before safety-critical publishes. If paho is already
// reconnecting it waits for that attempt instead of starting another.
func (c *Client) EnsureConnected(ctx context.Context) error {
	if c.client.IsConnectionOpen() {
		return nil
	}
	if c.client.IsConnected() {
		if err := c.waitOpen(ctx, defaultConnectTimeout); err != nil {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return nil
	}
	c.getLogger().Warn("mqtt not connected, forcing reconnect")
	return c.Connect(ctx)
}

// waitOpen polls until the network connection is open.
func (c *Client) waitOpen(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(openPollInterval)
	defer ticker.Stop()

	for !c.client.IsConnectionOpen() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrTimeout
		case <-ticker.C:
		}
	}
	return nil
}

// waitToken waits for a paho token, the context or the timeout.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
}

// handleConnect is called by paho when a session is established.
func (c *Client) handleConnect() {
	c.setState(StateConnected)

	c.restoreSubscriptions()

	c.callbackMu.RLock()
	callbacks := append([]func(){}, c.onConnect...)
	c.callbackMu.RUnlock()
	for _, callback := range callbacks {
		callback()
	}
}

// handleDisconnect is called by paho when the connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.setState(StateDisconnected)
	c.getLogger().Warn("mqtt connection lost", "error", err)

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// restoreSubscriptions issues every tracked subscription.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	subs := make([]subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.subMu.RUnlock()

	for _, sub := range subs {
		token := c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
		if !token.WaitTimeout(defaultPublishTimeout) {
			c.getLogger().Warn("mqtt resubscribe timed out", "topic", sub.topic)
			continue
		}
		if err := token.Error(); err != nil {
			c.getLogger().Warn("mqtt resubscribe failed", "topic", sub.topic, "error", err)
			continue
		}
		c.getLogger().Debug("mqtt subscribed", "topic", sub.topic, "qos", sub.qos)
	}
}

// Close gracefully disconnects from the MQTT broker.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setState(StateDisconnected)
	return nil
}

// HealthCheck reports ErrNotConnected when the session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the supervisor last observed a live session.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// OnConnect registers a callback invoked after every (re)connect, once
// subscriptions have been re-issued. Callbacks run in registration order.
func (c *Client) OnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = append(c.onConnect, callback)
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback to be invoked when connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for connection events and handler failures.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.getLogger().Error("mqtt handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.getLogger().Warn("mqtt handler returned error",
				"topic", msg.Topic(),
				"error", err,
			)
		}
	}
}
