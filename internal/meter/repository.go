package meter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Jelling-test/flytining/internal/infrastructure/database"
)

// Store is the persistence surface the Reconciler works against.
//
// Mutations report how much they touched so callers can decide on fallbacks
// (for example creating a Record when a rename updated nothing).
type Store interface {
	GetIdentity(ctx context.Context, ieee string) (*Identity, error)
	UpsertIdentity(ctx context.Context, id *Identity) error
	RenameIdentityByName(ctx context.Context, oldName, newName, baseTopic string, at time.Time) (int64, error)

	RecordName(ctx context.Context, ieee, name, baseTopic string, at time.Time) error
	StaleNames(ctx context.Context, ieee, current string) ([]string, error)
	NameOwnedByOther(ctx context.Context, name, ieee string) (bool, error)

	GetRecord(ctx context.Context, name string) (*Record, error)
	UpsertRecord(ctx context.Context, name, topic string, online bool, at time.Time) error
	UpsertRecordMetadata(ctx context.Context, name, topic string, at time.Time) error
	SetOnline(ctx context.Context, name string, online bool, at time.Time) (bool, error)
	RenameRecord(ctx context.Context, oldName, newName, topic string, at time.Time) (bool, error)
	DeleteRecord(ctx context.Context, name string) (bool, error)

	MigrateReadings(ctx context.Context, table ReadingTable, from, to string) (int64, error)
}

// SQLRepository implements Store (and the authorization policy source)
// on top of database.DB. Queries are written with ? placeholders and rebound
// for the active dialect.
type SQLRepository struct {
	db *database.DB
}

// NewSQLRepository creates a repository over an open, migrated database.
func NewSQLRepository(db *database.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// GetIdentity returns the identity for a hardware address.
func (r *SQLRepository) GetIdentity(ctx context.Context, ieee string) (*Identity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT ieee_address, meter_number, base_topic, last_seen, availability, model, updated_at
		FROM meter_identity
		WHERE ieee_address = ?`, ieee)

	var (
		id                     Identity
		lastSeen, avail, model sql.NullString
		updatedAt              string
	)
	err := row.Scan(&id.IEEEAddress, &id.MeterNumber, &id.BaseTopic, &lastSeen, &avail, &model, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("querying identity: %w", err)
	}
	id.LastSeen = stringPtr(lastSeen)
	id.Availability = stringPtr(avail)
	id.Model = stringPtr(model)
	id.UpdatedAt = parseTime(updatedAt)
	return &id, nil
}

// UpsertIdentity inserts or updates an identity keyed by hardware address.
// Optional fields that are nil keep their stored value.
func (r *SQLRepository) UpsertIdentity(ctx context.Context, id *Identity) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO meter_identity (ieee_address, meter_number, base_topic, last_seen, availability, model, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ieee_address) DO UPDATE SET
			meter_number = excluded.meter_number,
			base_topic = excluded.base_topic,
			last_seen = COALESCE(excluded.last_seen, meter_identity.last_seen),
			availability = COALESCE(excluded.availability, meter_identity.availability),
			model = COALESCE(excluded.model, meter_identity.model),
			updated_at = excluded.updated_at`,
		id.IEEEAddress, id.MeterNumber, id.BaseTopic,
		nullableString(id.LastSeen), nullableString(id.Availability), nullableString(id.Model),
		formatTime(id.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting identity %s: %w", id.IEEEAddress, err)
	}
	return nil
}

// RenameIdentityByName renames every identity currently called oldName.
func (r *SQLRepository) RenameIdentityByName(ctx context.Context, oldName, newName, baseTopic string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE meter_identity SET meter_number = ?, base_topic = ?, updated_at = ?
		WHERE meter_number = ?`,
		newName, baseTopic, formatTime(at), oldName)
	if err != nil {
		return 0, fmt.Errorf("renaming identity %s: %w", oldName, err)
	}
	return res.RowsAffected()
}

// RecordName notes that ieee has carried name. Repeats only bump last_seen.
func (r *SQLRepository) RecordName(ctx context.Context, ieee, name, baseTopic string, at time.Time) error {
	ts := formatTime(at)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO meter_name_history (ieee_address, meter_number, base_topic, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ieee_address, meter_number) DO UPDATE SET
			base_topic = excluded.base_topic,
			last_seen = excluded.last_seen`,
		ieee, name, baseTopic, ts, ts)
	if err != nil {
		return fmt.Errorf("recording name %s for %s: %w", name, ieee, err)
	}
	return nil
}

// StaleNames returns every name ieee has carried other than current, oldest first.
func (r *SQLRepository) StaleNames(ctx context.Context, ieee, current string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT meter_number FROM meter_name_history
		WHERE ieee_address = ? AND meter_number <> ?
		ORDER BY first_seen, meter_number`,
		ieee, current)
	if err != nil {
		return nil, fmt.Errorf("querying names of %s: %w", ieee, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// NameOwnedByOther reports whether an identity other than ieee currently uses name.
func (r *SQLRepository) NameOwnedByOther(ctx context.Context, name, ieee string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM meter_identity
		WHERE meter_number = ? AND ieee_address <> ?`,
		name, ieee).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking owner of %s: %w", name, err)
	}
	return n > 0, nil
}

// GetRecord returns the meter record for name.
func (r *SQLRepository) GetRecord(ctx context.Context, name string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT meter_number, mqtt_topic, is_online, availability_known, updated_at
		FROM power_meters
		WHERE meter_number = ?`, name)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying record: %w", err)
	}
	return rec, nil
}

// ListRecords returns all meter records ordered by name.
func (r *SQLRepository) ListRecords(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT meter_number, mqtt_topic, is_online, availability_known, updated_at
		FROM power_meters
		ORDER BY meter_number`)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// UpsertRecord writes a record together with an observed online flag.
func (r *SQLRepository) UpsertRecord(ctx context.Context, name, topic string, online bool, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO power_meters (meter_number, mqtt_topic, is_online, availability_known, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (meter_number) DO UPDATE SET
			mqtt_topic = excluded.mqtt_topic,
			is_online = excluded.is_online,
			availability_known = 1,
			updated_at = excluded.updated_at`,
		name, topic, boolToInt(online), formatTime(at))
	if err != nil {
		return fmt.Errorf("upserting record %s: %w", name, err)
	}
	return nil
}

// UpsertRecordMetadata writes topic and timestamp only. A new record starts
// offline with unknown availability; an existing online flag is untouched.
func (r *SQLRepository) UpsertRecordMetadata(ctx context.Context, name, topic string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO power_meters (meter_number, mqtt_topic, is_online, availability_known, updated_at)
		VALUES (?, ?, 0, 0, ?)
		ON CONFLICT (meter_number) DO UPDATE SET
			mqtt_topic = excluded.mqtt_topic,
			updated_at = excluded.updated_at`,
		name, topic, formatTime(at))
	if err != nil {
		return fmt.Errorf("upserting record metadata %s: %w", name, err)
	}
	return nil
}

// SetOnline sets only the online flag and timestamp. It reports whether a
// record existed.
func (r *SQLRepository) SetOnline(ctx context.Context, name string, online bool, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE power_meters SET is_online = ?, availability_known = 1, updated_at = ?
		WHERE meter_number = ?`,
		boolToInt(online), formatTime(at), name)
	if err != nil {
		return false, fmt.Errorf("setting online status of %s: %w", name, err)
	}
	return affected(res)
}

// RenameRecord moves the record for oldName to newName.
func (r *SQLRepository) RenameRecord(ctx context.Context, oldName, newName, topic string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE power_meters SET meter_number = ?, mqtt_topic = ?, updated_at = ?
		WHERE meter_number = ?`,
		newName, topic, formatTime(at), oldName)
	if err != nil {
		return false, fmt.Errorf("renaming record %s: %w", oldName, err)
	}
	return affected(res)
}

// DeleteRecord removes the record for name and reports whether it existed.
func (r *SQLRepository) DeleteRecord(ctx context.Context, name string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM power_meters WHERE meter_number = ?`, name)
	if err != nil {
		return false, fmt.Errorf("deleting record %s: %w", name, err)
	}
	return affected(res)
}

// MigrateReadings reattributes readings in table from one meter to another.
func (r *SQLRepository) MigrateReadings(ctx context.Context, table ReadingTable, from, to string) (int64, error) {
	var query string
	switch table {
	case TableReadings:
		query = `UPDATE meter_readings SET meter_id = ? WHERE meter_id = ?`
	case TableReadingsHistory:
		query = `UPDATE meter_readings_history SET meter_id = ? WHERE meter_id = ?`
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	res, err := r.db.ExecContext(ctx, query, to, from)
	if err != nil {
		return 0, fmt.Errorf("migrating %s %s -> %s: %w", table, from, to, err)
	}
	return res.RowsAffected()
}

// CheckPowerAllowed answers whether meter may be powered on. A meter
// without a policy row is allowed with reason "new_meter".
func (r *SQLRepository) CheckPowerAllowed(ctx context.Context, meter string) (bool, string, error) {
	var (
		allowed int
		reason  string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT allowed, reason FROM meter_power_policy WHERE meter_number = ?`, meter).
		Scan(&allowed, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, ReasonNewMeter, nil
		}
		return false, "", fmt.Errorf("querying power policy of %s: %w", meter, err)
	}
	return allowed != 0, reason, nil
}

// SetPolicy writes the power-on policy for meter.
func (r *SQLRepository) SetPolicy(ctx context.Context, meter string, allowed bool, reason string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO meter_power_policy (meter_number, allowed, reason, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (meter_number) DO UPDATE SET
			allowed = excluded.allowed,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		meter, boolToInt(allowed), reason, formatTime(at))
	if err != nil {
		return fmt.Errorf("setting power policy of %s: %w", meter, err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec           Record
		online, known int
		updatedAt     string
	)
	if err := s.Scan(&rec.MeterNumber, &rec.MQTTTopic, &online, &known, &updatedAt); err != nil {
		return nil, err
	}
	rec.IsOnline = online != 0
	rec.AvailabilityKnown = known != 0
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
