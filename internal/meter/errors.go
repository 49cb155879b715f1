package meter

import "errors"

// Domain errors for the meter package.
var (
	// ErrIdentityNotFound is returned when no identity exists for a hardware address.
	ErrIdentityNotFound = errors.New("meter: identity not found")

	// ErrRecordNotFound is returned when no meter record exists for a name.
	ErrRecordNotFound = errors.New("meter: record not found")

	// ErrInvalidSighting is returned when a sighting lacks a hardware address or name.
	ErrInvalidSighting = errors.New("meter: invalid sighting")

	// ErrInvalidRename is returned when a rename has no target name.
	ErrInvalidRename = errors.New("meter: invalid rename")

	// ErrUnknownTable is returned when migrating readings of an unsupported table.
	ErrUnknownTable = errors.New("meter: unknown readings table")
)
