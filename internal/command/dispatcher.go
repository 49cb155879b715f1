package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Jelling-test/flytining/internal/meter"
	"github.com/Jelling-test/flytining/internal/z2m"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 10
)

// Publisher is the bus surface used by the dispatcher.
type Publisher interface {
	EnsureConnected(ctx context.Context) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MeterLookup resolves command targets.
type MeterLookup interface {
	GetRecord(ctx context.Context, name string) (*meter.Record, error)
	GetIdentity(ctx context.Context, ieee string) (*meter.Identity, error)
}

// Observer counts processed commands by final status.
type Observer interface {
	ObserveCommand(status string)
}

// Logger is the logging surface used by the dispatcher.
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

// Config holds dispatcher settings.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	QoS          byte
}

// Dispatcher drains the command queue onto the bus.
type Dispatcher struct {
	cfg      Config
	repo     Repository
	meters   MeterLookup
	pub      Publisher
	now      func() time.Time
	observer Observer
	logger   Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now for executed_at timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithObserver counts processed commands.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config, repo Repository, meters MeterLookup, pub Publisher, opts ...Option) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	d := &Dispatcher{
		cfg:    cfg,
		repo:   repo,
		meters: meters,
		pub:    pub,
		now:    time.Now,
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("command dispatcher started", "poll_interval", d.cfg.PollInterval, "batch_size", d.cfg.BatchSize)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("command dispatcher stopped")
			return nil
		case <-ticker.C:
			d.ProcessPending(ctx)
		}
	}
}

// ProcessPending handles one batch and returns how many commands reached
// a final status.
func (d *Dispatcher) ProcessPending(ctx context.Context) int {
	cmds, err := d.repo.ListPending(ctx, d.cfg.BatchSize)
	if err != nil {
		d.logger.Error("polling commands failed", "error", err)
		return 0
	}
	if len(cmds) == 0 {
		return 0
	}
	d.logger.Info("pending commands found", "count", len(cmds))

	done := 0
	for _, c := range cmds {
		if ctx.Err() != nil {
			break
		}
		if d.process(ctx, c) {
			done++
		}
	}
	return done
}

// errTransport marks publish failures that leave a command pending.
var errTransport = errors.New("transport")

// process dispatches one command. Transport failures leave it pending for
// the next poll; every other failure marks it failed.
func (d *Dispatcher) process(ctx context.Context, c Command) bool {
	d.logger.Info("processing command", "id", c.ID, "command", c.Command, "meter", c.MeterID, "value", c.Value)

	err := d.dispatch(ctx, c)
	switch {
	case err == nil:
		if err := d.repo.MarkExecuted(ctx, c.ID, d.now()); err != nil {
			d.logger.Error("marking command executed failed", "id", c.ID, "error", err)
			return false
		}
		d.observe(StatusExecuted)
		return true
	case errors.Is(err, errTransport):
		d.logger.Warn("command publish failed, will retry", "id", c.ID, "error", err)
		return false
	default:
		d.logger.Error("command failed", "id", c.ID, "error", err)
		if err := d.repo.MarkFailed(ctx, c.ID, err.Error(), d.now()); err != nil {
			d.logger.Error("marking command failed failed", "id", c.ID, "error", err)
			return false
		}
		d.observe(StatusFailed)
		return true
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, c Command) error {
	topic, payload, err := d.resolve(ctx, c)
	if err != nil {
		return err
	}
	if err := d.pub.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("%w: %w", errTransport, err)
	}
	if err := d.pub.Publish(topic, payload, d.cfg.QoS, false); err != nil {
		return fmt.Errorf("%w: %w", errTransport, err)
	}
	d.logger.Info("command published", "id", c.ID, "topic", topic, "payload", string(payload))
	return nil
}

// resolve maps a command to its topic and payload.
func (d *Dispatcher) resolve(ctx context.Context, c Command) (string, []byte, error) {
	switch c.Command {
	case KindSetState:
		rec, err := d.meters.GetRecord(ctx, c.MeterID)
		if err != nil {
			if errors.Is(err, meter.ErrRecordNotFound) {
				return "", nil, fmt.Errorf("%w: %s", ErrNoTopic, c.MeterID)
			}
			return "", nil, err
		}
		if rec.MQTTTopic == "" {
			return "", nil, fmt.Errorf("%w: %s", ErrNoTopic, c.MeterID)
		}
		value := c.Value
		if value == "" {
			value = defaultSetStateValue
		}
		payload, err := json.Marshal(map[string]string{"state": value})
		return rec.MQTTTopic + "/set", payload, err

	case KindRename:
		if c.Value == "" {
			return "", nil, fmt.Errorf("%w: rename without target name", ErrUnknownCommand)
		}
		id, err := d.meters.GetIdentity(ctx, c.MeterID)
		if err != nil {
			if errors.Is(err, meter.ErrIdentityNotFound) {
				return "", nil, fmt.Errorf("%w: %s", ErrNoTopic, c.MeterID)
			}
			return "", nil, err
		}
		payload, err := json.Marshal(map[string]string{"from": c.MeterID, "to": c.Value})
		return z2m.RenameRequestTopic(id.BaseTopic), payload, err

	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownCommand, c.Command)
	}
}

func (d *Dispatcher) observe(status string) {
	if d.observer != nil {
		d.observer.ObserveCommand(status)
	}
}
