package z2m

import (
	"context"
	"errors"
	"strings"

	"github.com/Jelling-test/flytining/internal/meter"
)

// Enforcer decides on state changes.
type Enforcer interface {
	HandleStateChange(ctx context.Context, sc StateChange)
}

// Reconciler applies identity updates.
type Reconciler interface {
	UpsertSighting(ctx context.Context, s meter.Sighting) error
	UpdateOnlineStatus(ctx context.Context, name string, online bool) error
	Rename(ctx context.Context, rn meter.Rename) error
}

// Refresher asks a bridge to republish its device list.
type Refresher interface {
	RequestDeviceList(ctx context.Context, base string)
}

// Logger is the logging surface used by the Router.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Observer counts routed messages by kind.
type Observer interface {
	ObserveMessage(kind string)
}

// Router classifies messages and dispatches them.
type Router struct {
	bases      []string
	ignore     meter.IgnoreList
	enforcer   Enforcer
	reconciler Reconciler
	refresher  Refresher
	logger     Logger
	observer   Observer
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver counts messages per kind.
func WithObserver(o Observer) RouterOption {
	return func(r *Router) { r.observer = o }
}

// NewRouter creates a Router for the given base topics.
// A nil enforcer disables state-change handling.
func NewRouter(bases []string, ignore meter.IgnoreList, enforcer Enforcer, reconciler Reconciler, refresher Refresher, opts ...RouterOption) *Router {
	r := &Router{
		bases:      bases,
		ignore:     ignore,
		enforcer:   enforcer,
		reconciler: reconciler,
		refresher:  refresher,
		logger:     noopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleMessage classifies and routes one message. The returned error is
// the failure of a single store write; it never means the message should
// be redelivered.
func (r *Router) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	return r.Route(ctx, Classify(r.bases, topic, payload))
}

// Route dispatches an already classified event.
func (r *Router) Route(ctx context.Context, ev Event) error {
	if r.observer != nil {
		r.observer.ObserveMessage(ev.Kind.String())
	}

	switch ev.Kind {
	case KindStateChange:
		if r.enforcer != nil {
			r.enforcer.HandleStateChange(ctx, ev.StateChange())
		}
		return nil
	case KindAvailability:
		return r.availability(ctx, ev)
	case KindDeviceList:
		return r.deviceList(ctx, ev)
	case KindBridgeEvent:
		return r.bridgeEvent(ctx, ev)
	default:
		r.logger.Debug("message dropped", "topic", ev.Topic)
		return nil
	}
}

func (r *Router) skip(name string) bool {
	return r.ignore.Contains(name) || strings.EqualFold(strings.TrimSpace(name), CoordinatorName)
}

func (r *Router) availability(ctx context.Context, ev Event) error {
	if r.skip(ev.Device) {
		return nil
	}
	return r.reconciler.UpdateOnlineStatus(ctx, ev.Device, ev.Online)
}

// deviceList upserts every entry as a sighting. A failing entry is logged
// and the rest still run.
func (r *Router) deviceList(ctx context.Context, ev Event) error {
	var errs []error
	upserted := 0
	for _, d := range ev.Devices {
		if d.IsCoordinator() {
			r.logger.Debug("coordinator ignored", "base_topic", ev.BaseTopic)
			continue
		}
		if r.skip(d.FriendlyName) {
			r.logger.Debug("device ignored", "device", d.FriendlyName, "base_topic", ev.BaseTopic)
			continue
		}
		if d.IEEEAddress == "" {
			continue
		}

		err := r.reconciler.UpsertSighting(ctx, meter.Sighting{
			HardwareID:   d.IEEEAddress,
			Name:         d.FriendlyName,
			BaseTopic:    ev.BaseTopic,
			LastSeen:     d.LastSeen,
			Availability: d.Availability,
			Model:        d.Model,
		})
		if err != nil {
			r.logger.Warn("device upsert failed", "ieee", d.IEEEAddress, "device", d.FriendlyName, "error", err)
			errs = append(errs, err)
			continue
		}
		upserted++
	}
	r.logger.Info("device list processed", "base_topic", ev.BaseTopic, "devices", len(ev.Devices), "upserted", upserted)
	return errors.Join(errs...)
}

func (r *Router) bridgeEvent(ctx context.Context, ev Event) error {
	be := ev.Bridge
	switch be.Type {
	case EventDeviceRenamed:
		if be.To == "" {
			return nil
		}
		err := r.reconciler.Rename(ctx, meter.Rename{
			OldName:    be.From,
			NewName:    be.To,
			BaseTopic:  ev.BaseTopic,
			HardwareID: be.IEEEAddress,
		})
		r.refresher.RequestDeviceList(ctx, ev.BaseTopic)
		r.logger.Info("device renamed", "base_topic", ev.BaseTopic, "from", be.From, "to", be.To, "ieee", be.IEEEAddress)
		return err
	case EventDeviceAnnounce, EventDeviceInterview:
		r.refresher.RequestDeviceList(ctx, ev.BaseTopic)
		r.logger.Info("device event", "base_topic", ev.BaseTopic, "type", be.Type)
		return nil
	default:
		r.logger.Debug("bridge event ignored", "base_topic", ev.BaseTopic, "type", be.Type)
		return nil
	}
}
