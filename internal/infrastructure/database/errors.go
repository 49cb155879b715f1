package database

import "errors"

// Domain errors for the database package.
var (
	// ErrUnknownDriver is returned when the configured driver is not supported.
	ErrUnknownDriver = errors.New("database: unknown driver")

	// ErrMissingDSN is returned when the postgres driver has no connection string.
	ErrMissingDSN = errors.New("database: postgres dsn required")
)
