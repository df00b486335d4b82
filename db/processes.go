package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nanofab/ald-agent/recipe"
)

// Process execution status values.
const (
	ProcessRunning   = "running"
	ProcessCompleted = "completed"
	ProcessFailed    = "failed"
	ProcessAborted   = "aborted"
)

// ProcessExecution is one row of process_executions. The recipe is frozen
// into RecipeVersion at creation time.
type ProcessExecution struct {
	ID            string
	MachineID     string
	RecipeID      string
	SessionID     string
	OperatorID    *string
	Status        string
	StartTime     time.Time
	EndTime       *time.Time
	RecipeVersion json.RawMessage
	TotalSteps    int
	ErrorMessage  *string
}

// ProcessRepo owns the process_executions lifecycle, the per-execution
// progress row, and operator sessions. It satisfies the executor's
// ProcessStore and ProgressStore interfaces.
type ProcessRepo struct {
	q         Querier
	machineID string
}

// NewProcessRepo creates the repository for one machine.
func NewProcessRepo(q Querier, machineID string) *ProcessRepo {
	return &ProcessRepo{q: q, machineID: machineID}
}

// CreateExecution inserts a running process row with a frozen recipe snapshot
// and seeds its progress row at step zero. Returns the new execution id.
func (r *ProcessRepo) CreateExecution(ctx context.Context, rcp *recipe.Recipe, sessionID string, operatorID *string) (string, error) {
	snapshot, err := rcp.Snapshot()
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	_, err = r.q.Exec(ctx, `
		INSERT INTO process_executions
			(id, machine_id, recipe_id, session_id, operator_id, status,
			 start_time, recipe_version, total_steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7, $8, NOW(), NOW())`,
		id, r.machineID, rcp.ID, sessionID, operatorID, ProcessRunning,
		snapshot, rcp.TotalSteps())
	if err != nil {
		return "", fmt.Errorf("failed to create process execution: %w", err)
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO process_execution_state
			(execution_id, current_step_index, current_overall_step,
			 total_overall_steps, current_step_type, current_step_name, last_updated)
		VALUES ($1, 0, 0, $2, '', '', NOW())`,
		id, rcp.TotalSteps())
	if err != nil {
		return "", fmt.Errorf("failed to seed execution state: %w", err)
	}
	return id, nil
}

// Get reads one execution row.
func (r *ProcessRepo) Get(ctx context.Context, id string) (ProcessExecution, error) {
	var p ProcessExecution
	err := r.q.QueryRow(ctx, `
		SELECT id, machine_id, recipe_id, session_id, operator_id, status,
		       start_time, end_time, recipe_version, total_steps, error_message
		FROM process_executions
		WHERE id = $1`, id,
	).Scan(&p.ID, &p.MachineID, &p.RecipeID, &p.SessionID, &p.OperatorID,
		&p.Status, &p.StartTime, &p.EndTime, &p.RecipeVersion, &p.TotalSteps,
		&p.ErrorMessage)
	if err != nil {
		return ProcessExecution{}, fmt.Errorf("failed to read process execution %s: %w", id, err)
	}
	return p, nil
}

// UpdateExecutionState upserts the progress row. Called between every leaf
// step of a running recipe.
func (r *ProcessRepo) UpdateExecutionState(ctx context.Context, u recipe.ProgressUpdate) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO process_execution_state
			(execution_id, current_step_index, current_overall_step,
			 total_overall_steps, current_step_type, current_step_name, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (execution_id) DO UPDATE SET
			current_step_index = EXCLUDED.current_step_index,
			current_overall_step = EXCLUDED.current_overall_step,
			total_overall_steps = EXCLUDED.total_overall_steps,
			current_step_type = EXCLUDED.current_step_type,
			current_step_name = EXCLUDED.current_step_name,
			last_updated = NOW()`,
		u.ExecutionID, u.CurrentStepIndex, u.CurrentOverallStep,
		u.TotalOverallSteps, u.StepType, u.StepName)
	if err != nil {
		return fmt.Errorf("failed to update execution state: %w", err)
	}
	return nil
}

// CompleteExecution marks the process finished.
func (r *ProcessRepo) CompleteExecution(ctx context.Context, executionID string) error {
	return r.finish(ctx, executionID, ProcessCompleted, nil)
}

// FailExecution marks the process failed with the step error.
func (r *ProcessRepo) FailExecution(ctx context.Context, executionID, message string) error {
	return r.finish(ctx, executionID, ProcessFailed, &message)
}

// AbortExecution marks the process stopped by an operator command.
func (r *ProcessRepo) AbortExecution(ctx context.Context, executionID string) error {
	return r.finish(ctx, executionID, ProcessAborted, nil)
}

func (r *ProcessRepo) finish(ctx context.Context, executionID, status string, message *string) error {
	affected, err := r.q.Exec(ctx, `
		UPDATE process_executions
		SET status = $1, error_message = $2, end_time = NOW(), updated_at = NOW()
		WHERE id = $3`,
		status, message, executionID)
	if err != nil {
		return fmt.Errorf("failed to mark process %s %s: %w", executionID, status, err)
	}
	if affected == 0 {
		return fmt.Errorf("process execution not found: %s", executionID)
	}
	return nil
}

// EnsureSession returns the machine's active operator session, creating one
// when none exists. Recipe starts reuse an open session rather than opening a
// new one per run.
func (r *ProcessRepo) EnsureSession(ctx context.Context, operatorID *string) (string, error) {
	var id string
	err := r.q.QueryRow(ctx, `
		SELECT id FROM operator_sessions
		WHERE machine_id = $1 AND status = 'active'
		ORDER BY start_time DESC
		LIMIT 1`, r.machineID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to look up operator session: %w", err)
	}

	id = uuid.NewString()
	_, err = r.q.Exec(ctx, `
		INSERT INTO operator_sessions (id, machine_id, operator_id, status, start_time)
		VALUES ($1, $2, $3, 'active', NOW())`,
		id, r.machineID, operatorID)
	if err != nil {
		return "", fmt.Errorf("failed to create operator session: %w", err)
	}
	return id, nil
}
