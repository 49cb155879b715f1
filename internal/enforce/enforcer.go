// Package enforce powers off meters that switch on without authorization.
//
// The Enforcer looks at one transition only: a state change to "ON". Any
// other state, a disabled enforcer, or an ignored meter is a no-op. For an
// ON it asks the authorization cache; on deny it publishes an OFF to the
// meter's set topic and appends an unauthorized-attempt record.
package enforce

import (
	"context"
	"encoding/json"

	"github.com/Jelling-test/flytining/internal/audit"
	"github.com/Jelling-test/flytining/internal/meter"
	"github.com/Jelling-test/flytining/internal/z2m"
)

// Outcome of one state change.
type Outcome string

// Outcomes reported to the Observer.
const (
	OutcomeDisabled Outcome = "disabled"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeAllowed  Outcome = "allowed"
	OutcomeDenied   Outcome = "denied"
)

// StateOn and StateOff are the switch states zigbee2mqtt uses.
const (
	StateOn  = "ON"
	StateOff = "OFF"
)

// Checker answers authorization questions. authz.Cache implements it.
type Checker interface {
	Check(ctx context.Context, meter string) (allowed bool, reason string)
}

// Publisher is the bus surface used to send the shutoff.
type Publisher interface {
	EnsureConnected(ctx context.Context) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Recorder appends unauthorized attempts.
type Recorder interface {
	Create(ctx context.Context, a *audit.Attempt) error
}

// PointWriter receives a time-series point per denied attempt.
type PointWriter interface {
	WriteUnauthorizedAttempt(meter, baseTopic, reason string, power, energy *float64)
}

// Observer counts outcomes.
type Observer interface {
	ObserveEnforcement(outcome string)
}

// Logger is the logging surface used by the Enforcer.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds the static enforcement settings.
type Config struct {
	Enabled bool
	Ignore  meter.IgnoreList
	QoS     byte
}

// Enforcer applies the power-on policy.
type Enforcer struct {
	cfg       Config
	checker   Checker
	publisher Publisher
	recorder  Recorder
	points    PointWriter
	observer  Observer
	logger    Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithPointWriter adds a time-series sink for denied attempts.
func WithPointWriter(w PointWriter) Option {
	return func(e *Enforcer) { e.points = w }
}

// WithObserver counts outcomes.
func WithObserver(o Observer) Option {
	return func(e *Enforcer) { e.observer = o }
}

// WithLogger sets the enforcer logger.
func WithLogger(logger Logger) Option {
	return func(e *Enforcer) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Enforcer.
func New(cfg Config, checker Checker, publisher Publisher, recorder Recorder, opts ...Option) *Enforcer {
	e := &Enforcer{
		cfg:       cfg,
		checker:   checker,
		publisher: publisher,
		recorder:  recorder,
		logger:    noopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleStateChange implements z2m.Enforcer.
func (e *Enforcer) HandleStateChange(ctx context.Context, sc z2m.StateChange) {
	e.Evaluate(ctx, sc)
}

// Evaluate applies the policy to one state change and returns the outcome.
func (e *Enforcer) Evaluate(ctx context.Context, sc z2m.StateChange) Outcome {
	outcome := e.evaluate(ctx, sc)
	if e.observer != nil {
		e.observer.ObserveEnforcement(string(outcome))
	}
	return outcome
}

func (e *Enforcer) evaluate(ctx context.Context, sc z2m.StateChange) Outcome {
	if !e.cfg.Enabled {
		return OutcomeDisabled
	}
	if sc.State != StateOn || e.cfg.Ignore.Contains(sc.Device) {
		return OutcomeIgnored
	}

	allowed, reason := e.checker.Check(ctx, sc.Device)
	if allowed {
		e.logger.Debug("power on allowed", "meter", sc.Device, "reason", reason)
		return OutcomeAllowed
	}

	e.logger.Warn("unauthorized power on detected", "meter", sc.Device, "reason", reason, "base_topic", sc.BaseTopic)

	action := audit.ActionShutoffSent
	if err := e.shutoff(ctx, sc); err != nil {
		action = audit.ActionShutoffFailed
		e.logger.Error("shutoff command failed", "meter", sc.Device, "error", err)
	}
	e.record(ctx, sc, reason, action)
	return OutcomeDenied
}

type setCommand struct {
	State string `json:"state"`
}

// shutoff publishes OFF, reconnecting first if the session is down.
func (e *Enforcer) shutoff(ctx context.Context, sc z2m.StateChange) error {
	if err := e.publisher.EnsureConnected(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(setCommand{State: StateOff})
	if err != nil {
		return err
	}
	topic := z2m.SetTopic(sc.BaseTopic, sc.Device)
	if err := e.publisher.Publish(topic, payload, e.cfg.QoS, false); err != nil {
		return err
	}
	e.logger.Warn("shutoff command sent", "meter", sc.Device, "topic", topic)
	return nil
}

func (e *Enforcer) record(ctx context.Context, sc z2m.StateChange, reason, action string) {
	err := e.recorder.Create(ctx, &audit.Attempt{
		MeterNumber: sc.Device,
		ActionTaken: action,
		HadCustomer: reason != audit.ReasonNoCustomer,
		Reason:      reason,
		BaseTopic:   sc.BaseTopic,
		Details: map[string]any{
			"reason":     reason,
			"base_topic": sc.BaseTopic,
			"power":      sc.Fields["power"],
			"energy":     sc.Fields["energy"],
		},
	})
	if err != nil {
		e.logger.Error("recording unauthorized attempt failed", "meter", sc.Device, "error", err)
	}

	if e.points != nil {
		e.points.WriteUnauthorizedAttempt(sc.Device, sc.BaseTopic, reason, floatPtr(sc, "power"), floatPtr(sc, "energy"))
	}
}

func floatPtr(sc z2m.StateChange, key string) *float64 {
	f, ok := sc.Float(key)
	if !ok {
		return nil
	}
	return &f
}
