package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Jelling-test/flytining/internal/infrastructure/database"
)

// Repository is the command queue.
type Repository interface {
	Enqueue(ctx context.Context, c *Command) error
	Get(ctx context.Context, id string) (*Command, error)
	ListPending(ctx context.Context, limit int) ([]Command, error)
	MarkExecuted(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error
}

// SQLRepository stores commands in meter_commands.
type SQLRepository struct {
	db *database.DB
}

// NewSQLRepository creates a command repository.
func NewSQLRepository(db *database.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Enqueue inserts a pending command, generating ID and CreatedAt when empty.
func (r *SQLRepository) Enqueue(ctx context.Context, c *Command) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Status = StatusPending

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO meter_commands (id, meter_id, command, value, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.MeterID, c.Command, c.Value, c.Status, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

// Get returns one command.
func (r *SQLRepository) Get(ctx context.Context, id string) (*Command, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, meter_id, command, value, status, error, created_at, executed_at
		FROM meter_commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return c, nil
}

// ListPending returns up to limit pending commands, oldest first.
func (r *SQLRepository) ListPending(ctx context.Context, limit int) ([]Command, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, meter_id, command, value, status, error, created_at, executed_at
		FROM meter_commands
		WHERE status = ?
		ORDER BY created_at, id
		LIMIT ?`, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending commands: %w", err)
	}
	defer rows.Close()

	var cmds []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		cmds = append(cmds, *c)
	}
	return cmds, rows.Err()
}

// MarkExecuted sets a command's status to executed.
func (r *SQLRepository) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	return r.finish(ctx, id, StatusExecuted, "", at)
}

// MarkFailed sets a command's status to failed with a reason.
func (r *SQLRepository) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	return r.finish(ctx, id, StatusFailed, reason, at)
}

func (r *SQLRepository) finish(ctx context.Context, id, status, reason string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE meter_commands SET status = ?, error = ?, executed_at = ?
		WHERE id = ?`,
		status, nullable(reason), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating command %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(s scanner) (*Command, error) {
	var (
		c                   Command
		errText, executedAt sql.NullString
		createdAt           string
	)
	if err := s.Scan(&c.ID, &c.MeterID, &c.Command, &c.Value, &c.Status, &errText, &createdAt, &executedAt); err != nil {
		return nil, err
	}
	c.Error = errText.String
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		c.CreatedAt = t
	}
	if executedAt.Valid {
		if t, err := time.Parse(time.RFC3339, executedAt.String); err == nil {
			c.ExecutedAt = &t
		}
	}
	return &c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
