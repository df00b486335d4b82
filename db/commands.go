package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Command status values on recipe_commands.
const (
	CommandPending    = "pending"
	CommandProcessing = "processing"
	CommandCompleted  = "completed"
	CommandError      = "error"
)

// Command is one row of recipe_commands. Parameters stays raw here; the
// dispatcher coerces it into a typed payload per command type.
type Command struct {
	ID           string
	Type         string
	Parameters   json.RawMessage
	MachineID    *string
	Status       string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CommandRepo owns the claim CAS and the terminal status transitions on the
// command table. The CAS is the sole mechanism guaranteeing single-consumer
// semantics: exactly one claimer observes the conditional update succeed.
type CommandRepo struct {
	q Querier
}

// NewCommandRepo creates the repository.
func NewCommandRepo(q Querier) *CommandRepo {
	return &CommandRepo{q: q}
}

const commandColumns = `id, type, COALESCE(parameters, '{}'::jsonb), machine_id, status, error_message, created_at, updated_at`

// Claim attempts the pending -> processing CAS. It returns false when another
// worker or an earlier attempt already won.
func (r *CommandRepo) Claim(ctx context.Context, id string) (bool, error) {
	affected, err := r.q.Exec(ctx, `
		UPDATE recipe_commands
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		CommandProcessing, id, CommandPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim command %s: %w", id, err)
	}
	return affected == 1, nil
}

// Get reads one command row.
func (r *CommandRepo) Get(ctx context.Context, id string) (Command, error) {
	var cmd Command
	err := r.q.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM recipe_commands WHERE id = $1`, id,
	).Scan(&cmd.ID, &cmd.Type, &cmd.Parameters, &cmd.MachineID, &cmd.Status,
		&cmd.ErrorMessage, &cmd.CreatedAt, &cmd.UpdatedAt)
	if err != nil {
		return Command{}, fmt.Errorf("failed to read command %s: %w", id, err)
	}
	return cmd, nil
}

// Pending lists claimable commands for this machine (or with no machine
// filter) in arrival order. Used by the polling fallback.
func (r *CommandRepo) Pending(ctx context.Context, machineID string) ([]Command, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+commandColumns+`
		FROM recipe_commands
		WHERE status = $1 AND (machine_id = $2 OR machine_id IS NULL)
		ORDER BY created_at`,
		CommandPending, machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commands: %w", err)
	}
	defer rows.Close()

	var cmds []Command
	for rows.Next() {
		var cmd Command
		if err := rows.Scan(&cmd.ID, &cmd.Type, &cmd.Parameters, &cmd.MachineID,
			&cmd.Status, &cmd.ErrorMessage, &cmd.CreatedAt, &cmd.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// Complete marks a claimed command successful. This is the dispatcher's final
// act for the command.
func (r *CommandRepo) Complete(ctx context.Context, id string) error {
	affected, err := r.q.Exec(ctx, `
		UPDATE recipe_commands
		SET status = $1, error_message = NULL, updated_at = NOW()
		WHERE id = $2`,
		CommandCompleted, id)
	if err != nil {
		return fmt.Errorf("failed to complete command %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("command not found: %s", id)
	}
	return nil
}

// Fail marks a claimed command failed with a human-readable message.
func (r *CommandRepo) Fail(ctx context.Context, id, message string) error {
	affected, err := r.q.Exec(ctx, `
		UPDATE recipe_commands
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3`,
		CommandError, message, id)
	if err != nil {
		return fmt.Errorf("failed to mark command %s as error: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("command not found: %s", id)
	}
	return nil
}
