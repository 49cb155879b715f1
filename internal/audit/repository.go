// Package audit records denied power-on attempts in the
// unauthorized_power_attempts table. Entries are append-only.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Jelling-test/flytining/internal/infrastructure/database"
)

// Actions taken on a denied power-on.
const (
	ActionShutoffSent   = "shutoff_sent"
	ActionShutoffFailed = "shutoff_failed"
)

// ReasonNoCustomer is the policy reason for a meter without a customer.
const ReasonNoCustomer = "no_customer"

// Page size bounds for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// Attempt is one denied power-on.
type Attempt struct {
	ID          string         `json:"id"`
	MeterID     string         `json:"meter_id"`
	MeterNumber string         `json:"meter_number"`
	ActionTaken string         `json:"action_taken"`
	HadCustomer bool           `json:"had_customer"`
	HadPackage  bool           `json:"had_package"`
	Reason      string         `json:"reason"`
	BaseTopic   string         `json:"base_topic"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Filter controls which attempts to return.
type Filter struct {
	MeterNumber string // optional
	Limit       int    // default 50, max 200
	Offset      int
}

// ListResult contains a page of attempts.
type ListResult struct {
	Attempts []Attempt `json:"attempts"`
	Total    int       `json:"total"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}

// Repository defines the audit operations.
type Repository interface {
	Create(ctx context.Context, a *Attempt) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLRepository stores attempts in the service database.
type SQLRepository struct {
	db *database.DB
}

// NewSQLRepository creates a new attempt repository.
func NewSQLRepository(db *database.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Create inserts an attempt. ID, MeterID and CreatedAt are filled in when empty.
func (r *SQLRepository) Create(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		a.ID = "upa-" + uuid.NewString()
	}
	if a.MeterID == "" {
		a.MeterID = a.MeterNumber
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	var detailsJSON *string
	if a.Details != nil {
		b, err := json.Marshal(a.Details)
		if err != nil {
			return fmt.Errorf("marshalling attempt details: %w", err)
		}
		s := string(b)
		detailsJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO unauthorized_power_attempts
			(id, meter_id, meter_number, action_taken, had_customer, had_package, reason, base_topic, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MeterID, a.MeterNumber, a.ActionTaken,
		boolToInt(a.HadCustomer), boolToInt(a.HadPackage),
		a.Reason, a.BaseTopic, detailsJSON,
		a.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting unauthorized attempt: %w", err)
	}
	return nil
}

// List returns attempts matching the filter, most recent first.
func (r *SQLRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.MeterNumber != "" {
		conditions = append(conditions, "meter_number = ?")
		args = append(args, filter.MeterNumber)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM unauthorized_power_attempts %s", where) //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting unauthorized attempts: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		`SELECT id, meter_id, meter_number, action_taken, had_customer, had_package, reason, base_topic, details, created_at
		 FROM unauthorized_power_attempts %s ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying unauthorized attempts: %w", err)
	}
	defer rows.Close()

	attempts := []Attempt{}
	for rows.Next() {
		var (
			a                   Attempt
			hadCustomer, hadPkg int
			detailsJSON         sql.NullString
			createdAt           string
		)
		if err := rows.Scan(&a.ID, &a.MeterID, &a.MeterNumber, &a.ActionTaken,
			&hadCustomer, &hadPkg, &a.Reason, &a.BaseTopic, &detailsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning unauthorized attempt: %w", err)
		}
		a.HadCustomer = hadCustomer != 0
		a.HadPackage = hadPkg != 0
		if detailsJSON.Valid && detailsJSON.String != "" {
			var details map[string]any
			if json.Unmarshal([]byte(detailsJSON.String), &details) == nil {
				a.Details = details
			}
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing attempt timestamp %q: %w", createdAt, err)
		}
		a.CreatedAt = t
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating unauthorized attempts: %w", err)
	}

	return &ListResult{
		Attempts: attempts,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
