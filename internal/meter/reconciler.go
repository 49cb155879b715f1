package meter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Reconcile operations reported to the Observer on failure.
const (
	OpSighting     = "sighting"
	OpAvailability = "availability"
	OpRename       = "rename"
	OpCleanup      = "cleanup"
)

// Logger is the logging surface used by the Reconciler.
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

// Observer is told about every failed store operation.
type Observer interface {
	ObserveReconcileFailure(op string)
}

// AvailabilityWriter receives availability changes of known meters.
type AvailabilityWriter interface {
	WriteAvailability(meter string, online bool)
}

// Reconciler applies bus observations to the identity and record tables.
//
// Thread Safety: safe for concurrent use. All writes are upserts keyed by
// hardware address or name, so concurrent sightings of one device converge.
type Reconciler struct {
	store    Store
	ignore   IgnoreList
	now      func() time.Time
	logger   Logger
	observer Observer
	points   AvailabilityWriter
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithClock replaces time.Now for written timestamps.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// WithLogger sets the reconciler logger.
func WithLogger(logger Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver reports failed store operations.
func WithObserver(o Observer) ReconcilerOption {
	return func(r *Reconciler) { r.observer = o }
}

// WithAvailabilityWriter forwards availability of known meters to w.
func WithAvailabilityWriter(w AvailabilityWriter) ReconcilerOption {
	return func(r *Reconciler) { r.points = w }
}

// NewReconciler creates a Reconciler over store.
func NewReconciler(store Store, ignore IgnoreList, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:  store,
		ignore: ignore,
		now:    time.Now,
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UpsertSighting records one observation of a device.
//
// With availability present the record's online flag follows it. Without,
// only topic and timestamp are written. A sighting whose name differs from
// the stored identity is treated as a missed rename: the record moves to
// the new name with its online flag, and duplicates are cleaned up. A
// sighting that is not newer than the stored identity, or that returns to
// a name the device already left, is a replay and is dropped.
func (r *Reconciler) UpsertSighting(ctx context.Context, s Sighting) error {
	if s.HardwareID == "" || s.Name == "" {
		return ErrInvalidSighting
	}
	if r.ignore.Contains(s.Name) {
		r.logger.Debug("sighting ignored", "meter", s.Name, "base_topic", s.BaseTopic)
		return nil
	}

	now := r.now()
	topic := Topic(s.BaseTopic, s.Name)

	existing, err := r.store.GetIdentity(ctx, s.HardwareID)
	if err != nil && !errors.Is(err, ErrIdentityNotFound) {
		r.fail(OpSighting)
		return err
	}

	renamed := existing != nil && existing.MeterNumber != s.Name
	if renamed {
		stale, err := r.staleSighting(ctx, s, existing)
		if err != nil {
			r.fail(OpSighting)
			return err
		}
		if stale {
			r.logger.Debug("stale sighting dropped",
				"ieee", s.HardwareID, "meter", s.Name, "current", existing.MeterNumber)
			return nil
		}
		if _, err := r.moveRecord(ctx, existing.MeterNumber, s.Name, topic, now); err != nil {
			r.fail(OpSighting)
			return err
		}
		if err := r.store.RecordName(ctx, s.HardwareID, existing.MeterNumber, existing.BaseTopic, existing.UpdatedAt); err != nil {
			r.fail(OpSighting)
			return err
		}
	}

	if s.Availability != nil {
		err = r.store.UpsertRecord(ctx, s.Name, topic, *s.Availability == AvailabilityOnline, now)
	} else {
		err = r.store.UpsertRecordMetadata(ctx, s.Name, topic, now)
	}
	if err != nil {
		r.fail(OpSighting)
		return err
	}

	err = r.store.UpsertIdentity(ctx, &Identity{
		IEEEAddress:  s.HardwareID,
		MeterNumber:  s.Name,
		BaseTopic:    s.BaseTopic,
		LastSeen:     s.LastSeen,
		Availability: s.Availability,
		Model:        s.Model,
		UpdatedAt:    now,
	})
	if err != nil {
		r.fail(OpSighting)
		return err
	}
	if err := r.store.RecordName(ctx, s.HardwareID, s.Name, s.BaseTopic, now); err != nil {
		r.fail(OpSighting)
		return err
	}

	if renamed {
		r.logger.Info("missed rename detected",
			"ieee", s.HardwareID, "from", existing.MeterNumber, "to", s.Name, "base_topic", s.BaseTopic)
		r.CleanupDuplicates(ctx, s.HardwareID, s.Name)
	}
	return nil
}

// staleSighting reports whether s, carrying a different name than the
// stored identity, is older data rather than a rename. An older last_seen
// decides; a newer one is a rename. Otherwise (equal or missing, as a rename
// does not touch last_seen) a name the device already carried is a replay.
func (r *Reconciler) staleSighting(ctx context.Context, s Sighting, existing *Identity) (bool, error) {
	seen, okSeen := parseLastSeen(s.LastSeen)
	prev, okPrev := parseLastSeen(existing.LastSeen)
	if okSeen && okPrev {
		switch {
		case seen.Before(prev):
			return true, nil
		case seen.After(prev):
			return false, nil
		}
	}
	former, err := r.store.StaleNames(ctx, s.HardwareID, existing.MeterNumber)
	if err != nil {
		return false, err
	}
	return slices.Contains(former, s.Name), nil
}

func parseLastSeen(v *string) (time.Time, bool) {
	if v == nil || *v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, *v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// UpdateOnlineStatus sets only the online flag of the record for name.
func (r *Reconciler) UpdateOnlineStatus(ctx context.Context, name string, online bool) error {
	if r.ignore.Contains(name) {
		return nil
	}
	found, err := r.store.SetOnline(ctx, name, online, r.now())
	if err != nil {
		r.fail(OpAvailability)
		return err
	}
	if !found {
		r.logger.Debug("availability for unknown meter", "meter", name, "online", online)
		return nil
	}
	if r.points != nil {
		r.points.WriteAvailability(name, online)
	}
	return nil
}

// Rename moves a meter from OldName to NewName.
//
// A known old record is renamed in place, or merged into an existing record
// for NewName. When nothing was updated a new record is created online.
// With a hardware address the identity follows and duplicates are cleaned
// up. Failures of individual steps are joined into the returned error.
func (r *Reconciler) Rename(ctx context.Context, rn Rename) error {
	if rn.NewName == "" {
		return ErrInvalidRename
	}
	if r.ignore.Contains(rn.NewName) {
		r.logger.Info("rename ignored", "from", rn.OldName, "to", rn.NewName)
		return nil
	}

	now := r.now()
	topic := Topic(rn.BaseTopic, rn.NewName)
	updated := false
	var errs []error

	if rn.OldName != "" && rn.OldName != rn.NewName {
		ok, err := r.moveRecord(ctx, rn.OldName, rn.NewName, topic, now)
		if err != nil {
			errs = append(errs, err)
		}
		updated = ok

		if _, err := r.store.RenameIdentityByName(ctx, rn.OldName, rn.NewName, rn.BaseTopic, now); err != nil {
			errs = append(errs, err)
		}
	}

	if rn.HardwareID != "" {
		errs = append(errs, r.renameIdentity(ctx, rn, now)...)
		r.CleanupDuplicates(ctx, rn.HardwareID, rn.NewName)
	}

	if !updated {
		if err := r.store.UpsertRecord(ctx, rn.NewName, topic, true, now); err != nil {
			errs = append(errs, err)
		} else {
			r.logger.Info("meter created from rename", "meter", rn.NewName, "base_topic", rn.BaseTopic)
		}
	}

	if err := errors.Join(errs...); err != nil {
		r.fail(OpRename)
		return fmt.Errorf("rename %s -> %s: %w", rn.OldName, rn.NewName, err)
	}
	return nil
}

// moveRecord renames the old record, or drops it when newName already has one.
func (r *Reconciler) moveRecord(ctx context.Context, oldName, newName, topic string, now time.Time) (bool, error) {
	_, err := r.store.GetRecord(ctx, newName)
	switch {
	case err == nil:
		if _, err := r.store.DeleteRecord(ctx, oldName); err != nil {
			return true, err
		}
		r.logger.Info("rename merged into existing meter", "from", oldName, "to", newName)
		return true, nil
	case !errors.Is(err, ErrRecordNotFound):
		return false, err
	}

	ok, err := r.store.RenameRecord(ctx, oldName, newName, topic, now)
	if err != nil {
		return false, err
	}
	if ok {
		r.logger.Info("meter renamed", "from", oldName, "to", newName)
	}
	return ok, nil
}

func (r *Reconciler) renameIdentity(ctx context.Context, rn Rename, now time.Time) []error {
	var errs []error
	if rn.OldName != "" && rn.OldName != rn.NewName {
		if err := r.store.RecordName(ctx, rn.HardwareID, rn.OldName, rn.BaseTopic, now); err != nil {
			errs = append(errs, err)
		}
	}
	err := r.store.UpsertIdentity(ctx, &Identity{
		IEEEAddress: rn.HardwareID,
		MeterNumber: rn.NewName,
		BaseTopic:   rn.BaseTopic,
		UpdatedAt:   now,
	})
	if err != nil {
		errs = append(errs, err)
	}
	if err := r.store.RecordName(ctx, rn.HardwareID, rn.NewName, rn.BaseTopic, now); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// CleanupDuplicates folds every stale name of ieee into current.
//
// For each stale name, readings and archived readings are reattributed to
// current and the stale record is deleted. A name now used by another
// device is skipped. Steps are independent: a failure is logged and the
// next step or name still runs.
//
// Parameters:
//   - ieee: hardware address whose name history is folded
//   - current: the name the device carries now; never itself removed
//
// Returns:
//   - CleanupResult: migrated row counts, deleted and skipped names, and
//     the errors of failed steps
func (r *Reconciler) CleanupDuplicates(ctx context.Context, ieee, current string) CleanupResult {
	var res CleanupResult

	names, err := r.store.StaleNames(ctx, ieee, current)
	if err != nil {
		r.cleanupFailed(&res, err, "listing stale names", "ieee", ieee)
		return res
	}
	if len(names) == 0 {
		return res
	}
	res.StaleNames = names
	r.logger.Info("cleaning up stale names", "ieee", ieee, "current", current, "stale", names)

	for _, name := range names {
		owned, err := r.store.NameOwnedByOther(ctx, name, ieee)
		if err != nil {
			r.cleanupFailed(&res, err, "checking stale name owner", "meter", name)
			res.Skipped = append(res.Skipped, name)
			continue
		}
		if owned {
			r.logger.Debug("stale name reused by another device", "meter", name, "ieee", ieee)
			res.Skipped = append(res.Skipped, name)
			continue
		}

		if n, err := r.store.MigrateReadings(ctx, TableReadings, name, current); err != nil {
			r.cleanupFailed(&res, err, "migrating readings", "from", name, "to", current)
		} else if n > 0 {
			res.ReadingsMigrated += n
			r.logger.Info("readings migrated", "from", name, "to", current, "count", n)
		}

		if n, err := r.store.MigrateReadings(ctx, TableReadingsHistory, name, current); err != nil {
			r.cleanupFailed(&res, err, "migrating reading history", "from", name, "to", current)
		} else if n > 0 {
			res.HistoryMigrated += n
			r.logger.Info("reading history migrated", "from", name, "to", current, "count", n)
		}

		if deleted, err := r.store.DeleteRecord(ctx, name); err != nil {
			r.cleanupFailed(&res, err, "deleting stale meter", "meter", name)
		} else if deleted {
			res.Deleted = append(res.Deleted, name)
			r.logger.Info("stale meter deleted", "meter", name, "replaced_by", current)
		}
	}
	return res
}

func (r *Reconciler) cleanupFailed(res *CleanupResult, err error, msg string, args ...any) {
	res.Errors = append(res.Errors, err)
	r.fail(OpCleanup)
	r.logger.Warn(msg+" failed", append(args, "error", err)...)
}

func (r *Reconciler) fail(op string) {
	if r.observer != nil {
		r.observer.ObserveReconcileFailure(op)
	}
}
