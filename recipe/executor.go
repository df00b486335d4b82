package recipe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nanofab/ald-agent/common"
	"github.com/nanofab/ald-agent/plc"
)

// ErrAborted is returned by Run when the executor stopped on a cancellation
// request rather than an error.
var ErrAborted = errors.New("recipe aborted")

// ProgressUpdate is the execution-state row written between leaf steps. It is
// the operator's only visibility into a running recipe.
type ProgressUpdate struct {
	ExecutionID        string
	CurrentStepIndex   int
	CurrentOverallStep int
	TotalOverallSteps  int
	StepType           string
	StepName           string
}

// ProgressStore persists progress rows.
type ProgressStore interface {
	UpdateExecutionState(ctx context.Context, u ProgressUpdate) error
}

// ProcessStore moves the process row through its terminal states.
type ProcessStore interface {
	CompleteExecution(ctx context.Context, executionID string) error
	FailExecution(ctx context.Context, executionID, message string) error
	AbortExecution(ctx context.Context, executionID string) error
}

// ParamSetter is the validated parameter write path.
type ParamSetter interface {
	Set(ctx context.Context, parameterID string, value float64) error
}

// MachineReleaser returns the machine to idle after a terminal state.
type MachineReleaser interface {
	ReleaseToIdle(ctx context.Context) error
}

// Executor deterministically interprets one recipe's step tree against the
// PLC. Exactly one executor runs per machine at a time; the dispatcher
// enforces that. Cancellation is cooperative: the flag is polled between
// steps, so a step with a long dwell completes its dwell before cancellation
// is observed.
type Executor struct {
	gw       plc.Gateway
	params   ParamSetter
	progress ProgressStore
	procs    ProcessStore
	machine  MachineReleaser
	log      *logrus.Entry

	executionID string
	rcp         *Recipe

	cancelled atomic.Bool
	done      chan struct{}
}

// NewExecutor creates an executor for one process execution.
func NewExecutor(gw plc.Gateway, params ParamSetter, progress ProgressStore, procs ProcessStore, machine MachineReleaser, executionID string, rcp *Recipe) *Executor {
	return &Executor{
		gw:       gw,
		params:   params,
		progress: progress,
		procs:    procs,
		machine:  machine,
		log: common.Logger.WithFields(logrus.Fields{
			"component":  "executor",
			"process_id": executionID,
			"recipe_id":  rcp.ID,
		}),
		executionID: executionID,
		rcp:         rcp,
		done:        make(chan struct{}),
	}
}

// Cancel requests a cooperative stop. The executor acknowledges within one
// step boundary; Done closes when it has finished its terminal bookkeeping.
func (e *Executor) Cancel() {
	e.cancelled.Store(true)
}

// Done closes when Run has returned.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// runState carries the cursor through the step tree.
type runState struct {
	overall  int
	topIndex int
	total    int
}

// Run walks the step tree to a terminal state. It returns nil on completion,
// ErrAborted on cancellation, and a recipe fault on step failure. In every
// case the process row reaches a terminal status and the machine is released
// back to idle before Run returns.
func (e *Executor) Run(ctx context.Context) error {
	defer close(e.done)

	st := &runState{total: e.rcp.TotalSteps()}
	e.log.WithField("total_steps", st.total).Info("recipe started")

	err := e.runSteps(ctx, e.rcp.Steps, st, true)
	switch {
	case err == nil:
		if err := e.procs.CompleteExecution(ctx, e.executionID); err != nil {
			e.log.WithError(err).Error("failed to mark process completed")
		}
		e.release(ctx)
		e.log.Info("recipe completed")
		return nil

	case errors.Is(err, ErrAborted):
		if err := e.procs.AbortExecution(ctx, e.executionID); err != nil {
			e.log.WithError(err).Error("failed to mark process aborted")
		}
		e.release(ctx)
		e.log.Info("recipe aborted")
		return ErrAborted

	default:
		if ferr := e.procs.FailExecution(ctx, e.executionID, err.Error()); ferr != nil {
			e.log.WithError(ferr).Error("failed to mark process failed")
		}
		e.release(ctx)
		e.log.WithError(err).Error("recipe failed")
		return fmt.Errorf("%w: %v", common.ErrRecipeFault, err)
	}
}

func (e *Executor) release(ctx context.Context) {
	if err := e.machine.ReleaseToIdle(ctx); err != nil {
		e.log.WithError(err).Error("failed to release machine to idle")
	}
}

func (e *Executor) runSteps(ctx context.Context, steps []Step, st *runState, topLevel bool) error {
	for i, step := range steps {
		if e.cancelled.Load() || ctx.Err() != nil {
			return ErrAborted
		}
		if topLevel {
			st.topIndex = i
		}

		if step.Type == StepLoop {
			for it := 0; it < step.Loop.Iterations; it++ {
				if err := e.runSteps(ctx, step.Loop.Steps, st, false); err != nil {
					return err
				}
			}
			continue
		}

		if err := e.runLeaf(ctx, &step); err != nil {
			return fmt.Errorf("step %q: %w", step.Label(), err)
		}
		st.overall++

		update := ProgressUpdate{
			ExecutionID:        e.executionID,
			CurrentStepIndex:   st.topIndex,
			CurrentOverallStep: st.overall,
			TotalOverallSteps:  st.total,
			StepType:           string(step.Type),
			StepName:           step.Label(),
		}
		if err := e.progress.UpdateExecutionState(ctx, update); err != nil {
			// Progress visibility is best-effort; the run itself goes on.
			e.log.WithError(err).Warn("failed to update execution state")
		}
	}
	return nil
}

func (e *Executor) runLeaf(ctx context.Context, step *Step) error {
	switch step.Type {
	case StepValve:
		return e.runValve(ctx, step.Valve)
	case StepPurge:
		return e.runPurge(ctx, step.Purge)
	case StepParameter:
		return e.params.Set(ctx, step.Parameter.ParameterID, step.Parameter.Value)
	default:
		return common.ValidationErrorf("unexpected step type %q", step.Type)
	}
}

func (e *Executor) runValve(ctx context.Context, v *ValveStep) error {
	if err := e.gw.ControlValve(ctx, v.Number, true, v.Duration()); err != nil {
		return err
	}
	e.dwell(v.Duration())
	if err := e.gw.ControlValve(ctx, v.Number, false, 0); err != nil {
		return err
	}
	return nil
}

func (e *Executor) runPurge(ctx context.Context, p *PurgeStep) error {
	if err := e.gw.ExecutePurge(ctx, p.Duration()); err != nil {
		return err
	}
	// The PLC runs the purge autonomously; wait out the wall-clock window.
	e.dwell(p.Duration())
	return nil
}

// dwell waits the full duration. Cancellation is deliberately not observed
// here: a dwell completes before the flag is polled at the next step
// boundary, which bounds stop latency to the longest declared dwell.
func (e *Executor) dwell(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	<-timer.C
}
