package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/nanofab/ald-agent/common"
	"github.com/nanofab/ald-agent/db"
	"github.com/nanofab/ald-agent/plc"
	"github.com/nanofab/ald-agent/recipe"
)

// Command type values on recipe_commands.
const (
	TypeStartRecipe  = "start_recipe"
	TypeStopRecipe   = "stop_recipe"
	TypeSetParameter = "set_parameter"
)

// StartRecipePayload is the parameters document of a start_recipe command.
type StartRecipePayload struct {
	RecipeID   string  `json:"recipe_id" validate:"required,uuid"`
	OperatorID *string `json:"operator_id,omitempty" validate:"omitempty,uuid"`
}

// SetParameterPayload is the parameters document of a set_parameter command.
// Callers address the parameter by id or by name; id wins when both are set.
type SetParameterPayload struct {
	ParameterID   string  `json:"parameter_id,omitempty" validate:"omitempty,uuid"`
	ParameterName string  `json:"parameter_name,omitempty"`
	Value         float64 `json:"value"`
}

// Catalog loads typed recipe trees and resolves parameter names, satisfied by
// db.Store.
type Catalog interface {
	LoadRecipe(ctx context.Context, recipeID string) (*recipe.Recipe, error)
	ParameterByName(ctx context.Context, name string) (plc.Parameter, error)
}

// MachineGate is the machine-state slice the dispatcher needs to reserve and
// release the machine around a run.
type MachineGate interface {
	MachineState(ctx context.Context) (db.MachineState, error)
	TransitionState(ctx context.Context, from, to string, processID *string) (db.MachineState, error)
	ReleaseToIdle(ctx context.Context) error
}

// ProcessLifecycle combines execution bookkeeping with session handling,
// satisfied by db.ProcessRepo.
type ProcessLifecycle interface {
	recipe.ProcessStore
	recipe.ProgressStore
	EnsureSession(ctx context.Context, operatorID *string) (string, error)
	CreateExecution(ctx context.Context, rcp *recipe.Recipe, sessionID string, operatorID *string) (string, error)
}

// CommandFinisher writes the terminal command status.
type CommandFinisher interface {
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, message string) error
}

// Dispatcher validates and executes claimed commands. A start_recipe command
// completes once the executor is launched; the run itself continues in the
// background. At most one executor exists per dispatcher, mirroring the
// machine-row gate in the database.
type Dispatcher struct {
	gw       plc.Gateway
	recipes  Catalog
	machines MachineGate
	procs    ProcessLifecycle
	params   recipe.ParamSetter
	commands CommandFinisher
	validate *validator.Validate
	log      *logrus.Entry

	mu      sync.Mutex
	current *recipe.Executor
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(gw plc.Gateway, recipes Catalog, machines MachineGate, procs ProcessLifecycle, params recipe.ParamSetter, commands CommandFinisher) *Dispatcher {
	return &Dispatcher{
		gw:       gw,
		recipes:  recipes,
		machines: machines,
		procs:    procs,
		params:   params,
		commands: commands,
		validate: validator.New(),
		log:      common.Logger.WithField("component", "dispatcher"),
	}
}

// Running reports whether an executor is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current != nil
}

// CancelCurrent requests a stop of the active run, if any. Used during
// shutdown.
func (d *Dispatcher) CancelCurrent() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	d.current.Cancel()
	return d.current.Done()
}

// Handle executes one claimed command through to its terminal status.
func (d *Dispatcher) Handle(ctx context.Context, cmd db.Command) {
	var err error
	switch cmd.Type {
	case TypeStartRecipe:
		err = d.handleStart(ctx, cmd)
	case TypeStopRecipe:
		// Terminal status is written asynchronously once the executor
		// acknowledges; nothing more to do here.
		d.handleStop(ctx, cmd)
		return
	case TypeSetParameter:
		err = d.handleSet(ctx, cmd)
	default:
		err = common.ValidationErrorf("unknown command type %q", cmd.Type)
	}

	d.finish(ctx, cmd.ID, err)
}

func (d *Dispatcher) finish(ctx context.Context, id string, err error) {
	if err != nil {
		d.log.WithError(err).WithField("command_id", id).Warn("command failed")
		if ferr := d.commands.Fail(ctx, id, err.Error()); ferr != nil {
			d.log.WithError(ferr).WithField("command_id", id).Error("failed to record command error")
		}
		return
	}
	if cerr := d.commands.Complete(ctx, id); cerr != nil {
		d.log.WithError(cerr).WithField("command_id", id).Error("failed to record command completion")
	}
}

func (d *Dispatcher) handleStart(ctx context.Context, cmd db.Command) error {
	var payload StartRecipePayload
	if err := d.decode(cmd.Parameters, &payload); err != nil {
		return err
	}

	rcp, err := d.recipes.LoadRecipe(ctx, payload.RecipeID)
	if err != nil {
		return err
	}

	sessionID, err := d.procs.EnsureSession(ctx, payload.OperatorID)
	if err != nil {
		return err
	}
	executionID, err := d.procs.CreateExecution(ctx, rcp, sessionID, payload.OperatorID)
	if err != nil {
		return err
	}

	// The conditional idle -> processing update is the busy gate: losing it
	// means another run holds the machine.
	if _, err := d.machines.TransitionState(ctx, db.StatusIdle, db.StatusProcessing, &executionID); err != nil {
		if ferr := d.procs.FailExecution(ctx, executionID, "machine not idle"); ferr != nil {
			d.log.WithError(ferr).Error("failed to mark stillborn execution")
		}
		return err
	}

	exec := recipe.NewExecutor(d.gw, d.params, d.procs, d.procs, d.machines, executionID, rcp)
	d.mu.Lock()
	d.current = exec
	d.mu.Unlock()

	go func() {
		// The run outlives the command that started it.
		if err := exec.Run(context.Background()); err != nil {
			d.log.WithError(err).WithField("process_id", executionID).Warn("recipe run ended")
		}
		d.mu.Lock()
		if d.current == exec {
			d.current = nil
		}
		d.mu.Unlock()
	}()

	d.log.WithFields(logrus.Fields{
		"recipe_id":  rcp.ID,
		"process_id": executionID,
		"steps":      rcp.TotalSteps(),
	}).Info("recipe launched")
	return nil
}

// handleStop cancels the active run. The command's terminal status is written
// only after the executor acknowledges, from a goroutine so a long dwell does
// not block later commands.
func (d *Dispatcher) handleStop(ctx context.Context, cmd db.Command) {
	d.mu.Lock()
	exec := d.current
	d.mu.Unlock()

	if exec == nil {
		// Stopping an idle machine is a no-op, not a failure.
		d.log.WithField("command_id", cmd.ID).Info("stop requested with no recipe running")
		d.finish(ctx, cmd.ID, nil)
		return
	}

	exec.Cancel()
	go func() {
		<-exec.Done()
		d.finish(context.Background(), cmd.ID, nil)
	}()
}

func (d *Dispatcher) handleSet(ctx context.Context, cmd db.Command) error {
	var payload SetParameterPayload
	if err := d.decode(cmd.Parameters, &payload); err != nil {
		return err
	}

	id := payload.ParameterID
	if id == "" {
		if payload.ParameterName == "" {
			return common.ValidationErrorf("set_parameter needs parameter_id or parameter_name")
		}
		p, err := d.recipes.ParameterByName(ctx, payload.ParameterName)
		if err != nil {
			return err
		}
		id = p.ID
	}
	return d.params.Set(ctx, id, payload.Value)
}

func (d *Dispatcher) decode(raw json.RawMessage, payload interface{}) error {
	if len(raw) == 0 {
		return common.ValidationErrorf("command has no parameters")
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return common.ValidationErrorf("malformed command parameters: %v", err)
	}
	if err := d.validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	return nil
}
