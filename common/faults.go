package common

import (
	"errors"
	"fmt"
)

// Fault kinds used across the agent. Each kind carries a distinct handling
// contract: validation faults are reported back on the command row, transport
// faults are retried or surfaced, state conflicts let the dispatcher refuse a
// command instead of failing it, and data-integrity faults flip the health
// endpoint to unhealthy without exiting the process.
var (
	// ErrValidation marks caller mistakes: out-of-bounds values, unknown
	// parameter ids, malformed command payloads. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrPLCTransport marks Modbus-level failures after retry exhaustion.
	ErrPLCTransport = errors.New("plc transport error")

	// ErrDBTransport marks database-level failures. Inside the dual-mode
	// writer it triggers compensation.
	ErrDBTransport = errors.New("database transport error")

	// ErrStateConflict marks invalid machine-state transitions and
	// references to processes that no longer exist.
	ErrStateConflict = errors.New("state conflict")

	// ErrRecipeFault marks a step failure that aborts a running recipe.
	ErrRecipeFault = errors.New("recipe fault")

	// ErrDataIntegrity marks a partial dual-mode write whose compensation
	// also failed. Rows with the offending transaction id may remain.
	ErrDataIntegrity = errors.New("data integrity fault")
)

// ValidationErrorf wraps a formatted message as a validation fault.
func ValidationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// StateConflictf wraps a formatted message as a state conflict.
func StateConflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrStateConflict}, args...)...)
}

// IsValidation reports whether err is a validation fault.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsStateConflict reports whether err is a state conflict.
func IsStateConflict(err error) bool { return errors.Is(err, ErrStateConflict) }

// IsPLCTransport reports whether err is a PLC transport fault.
func IsPLCTransport(err error) bool { return errors.Is(err, ErrPLCTransport) }

// IsDataIntegrity reports whether err is a data integrity fault.
func IsDataIntegrity(err error) bool { return errors.Is(err, ErrDataIntegrity) }
