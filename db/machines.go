package db

import (
	"context"
	"fmt"
	"time"

	"github.com/nanofab/ald-agent/common"
)

// Machine status values. The (status, current_process_id) pair is always read
// and written together: status processing implies a non-null process id whose
// row exists in process_executions.
const (
	StatusIdle       = "idle"
	StatusProcessing = "processing"
	StatusError      = "error"
	StatusOffline    = "offline"
	StatusCompleted  = "completed"
)

// validTransitions is the guarded transition set for the machine row.
var validTransitions = map[string][]string{
	StatusIdle:       {StatusProcessing},
	StatusProcessing: {StatusIdle, StatusError, StatusCompleted},
	StatusError:      {StatusIdle},
	StatusCompleted:  {StatusIdle},
}

// MachineState is the atomic status pair plus bookkeeping columns.
type MachineState struct {
	Status           string
	CurrentProcessID *string
	LastHeartbeat    *time.Time
	ErrorMessage     *string
}

// IsProcessing reports whether the machine is running a recipe.
func (s MachineState) IsProcessing() bool {
	return s.Status == StatusProcessing && s.CurrentProcessID != nil
}

// MachineRepo provides atomic access to this machine's row. Serialization
// relies on conditional single-statement updates: a transition carries its
// expected from-status in the WHERE clause, so a concurrent writer makes the
// update affect zero rows instead of clobbering.
type MachineRepo struct {
	q         Querier
	machineID string
}

// NewMachineRepo creates the repository for one machine row.
func NewMachineRepo(q Querier, machineID string) *MachineRepo {
	return &MachineRepo{q: q, machineID: machineID}
}

// MachineID returns the configured machine identifier.
func (r *MachineRepo) MachineID() string { return r.machineID }

// MachineState reads the status pair in a single statement.
func (r *MachineRepo) MachineState(ctx context.Context) (MachineState, error) {
	query := `
		SELECT status, current_process_id, last_heartbeat, error_message
		FROM machines
		WHERE id = $1`

	var state MachineState
	err := r.q.QueryRow(ctx, query, r.machineID).Scan(
		&state.Status, &state.CurrentProcessID, &state.LastHeartbeat, &state.ErrorMessage,
	)
	if err != nil {
		return MachineState{}, fmt.Errorf("failed to read machine state: %w", err)
	}
	return state, nil
}

// UpdateMachineState writes the status pair in one statement. The combination
// processing with a nil process id is rejected, and a row already processing
// under a different process id cannot be hijacked.
func (r *MachineRepo) UpdateMachineState(ctx context.Context, status string, processID *string) error {
	if status == StatusProcessing && processID == nil {
		return common.StateConflictf("status processing requires a process id")
	}

	if status == StatusProcessing {
		query := `
			UPDATE machines
			SET status = $1, current_process_id = $2, updated_at = NOW()
			WHERE id = $3
			  AND NOT (status = $1 AND current_process_id IS DISTINCT FROM $2)`

		affected, err := r.q.Exec(ctx, query, status, processID, r.machineID)
		if err != nil {
			return fmt.Errorf("failed to update machine state: %w", err)
		}
		if affected == 0 {
			return common.StateConflictf("machine already processing another run")
		}
		return nil
	}

	query := `
		UPDATE machines
		SET status = $1, current_process_id = $2, updated_at = NOW()
		WHERE id = $3`

	affected, err := r.q.Exec(ctx, query, status, processID, r.machineID)
	if err != nil {
		return fmt.Errorf("failed to update machine state: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("machine row not found: %s", r.machineID)
	}
	return nil
}

// TransitionState moves the machine from one status to another, failing with
// a StateConflict when the transition is not in the valid set or the row no
// longer carries the expected from-status.
func (r *MachineRepo) TransitionState(ctx context.Context, from, to string, processID *string) (MachineState, error) {
	if !transitionAllowed(from, to) {
		return MachineState{}, common.StateConflictf("invalid state transition %s -> %s", from, to)
	}
	if to == StatusProcessing && processID == nil {
		return MachineState{}, common.StateConflictf("transition to processing requires a process id")
	}

	query := `
		UPDATE machines
		SET status = $1, current_process_id = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`

	affected, err := r.q.Exec(ctx, query, to, processID, r.machineID, from)
	if err != nil {
		return MachineState{}, fmt.Errorf("failed to transition machine state: %w", err)
	}
	if affected == 0 {
		return MachineState{}, common.StateConflictf("machine not in expected state %s", from)
	}
	return r.MachineState(ctx)
}

// ReleaseToIdle returns the machine to idle from whatever non-idle status it
// currently carries, clearing the process id. Used after a recipe reaches a
// terminal state.
func (r *MachineRepo) ReleaseToIdle(ctx context.Context) error {
	state, err := r.MachineState(ctx)
	if err != nil {
		return err
	}
	if state.Status == StatusIdle {
		return nil
	}
	_, err = r.TransitionState(ctx, state.Status, StatusIdle, nil)
	return err
}

// ValidateProcessExists checks the referenced process row. The dual-mode
// writer uses this to demote a write to history-only when the process has
// disappeared.
func (r *MachineRepo) ValidateProcessExists(ctx context.Context, processID string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM process_executions WHERE id = $1)`, processID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check process existence: %w", err)
	}
	return exists, nil
}

// Heartbeat refreshes last_heartbeat; called by the sampler on every
// successful tick.
func (r *MachineRepo) Heartbeat(ctx context.Context) error {
	_, err := r.q.Exec(ctx,
		`UPDATE machines SET last_heartbeat = NOW() WHERE id = $1`, r.machineID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// SetErrorMessage records an error message on the machine row without
// touching the status pair.
func (r *MachineRepo) SetErrorMessage(ctx context.Context, msg string) error {
	_, err := r.q.Exec(ctx,
		`UPDATE machines SET error_message = $1, updated_at = NOW() WHERE id = $2`, msg, r.machineID)
	if err != nil {
		return fmt.Errorf("failed to set error message: %w", err)
	}
	return nil
}

func transitionAllowed(from, to string) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
