// Package command dispatches queued meter commands to the bus.
//
// Commands are rows in meter_commands written by other systems (the
// booking front end, operator tools). The Dispatcher polls pending rows
// oldest first, publishes one message per command and marks the row
// executed or failed.
package command

import (
	"errors"
	"time"
)

// Command kinds.
const (
	KindSetState = "set_state"
	KindRename   = "rename"
)

// Command statuses.
const (
	StatusPending  = "pending"
	StatusExecuted = "executed"
	StatusFailed   = "failed"
)

// defaultSetStateValue is used when a set_state command has no value.
const defaultSetStateValue = "TOGGLE"

// Domain errors for the command package.
var (
	// ErrNotFound is returned when a command ID does not exist.
	ErrNotFound = errors.New("command: not found")

	// ErrUnknownCommand is returned for a command kind the dispatcher cannot handle.
	ErrUnknownCommand = errors.New("command: unknown command")

	// ErrNoTopic is returned when the target meter has no known topic.
	ErrNoTopic = errors.New("command: no mqtt topic for meter")
)

// Command is one queued instruction for a meter.
//
// For set_state MeterID is the meter number and Value the target state.
// For rename MeterID is the hardware address and Value the new name.
type Command struct {
	ID         string     `json:"id"`
	MeterID    string     `json:"meter_id"`
	Command    string     `json:"command"`
	Value      string     `json:"value"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
}
