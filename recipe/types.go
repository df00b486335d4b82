// Package recipe contains the typed recipe model and the step executor. A
// recipe is an ordered tree of steps; the only composite step is the loop,
// which repeats its children a fixed number of times. Recipes are frozen as a
// JSON snapshot on the process row at start, so later edits to the source
// recipe never affect an in-flight run.
package recipe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nanofab/ald-agent/common"
)

// MaxLoopDepth bounds loop nesting for safety.
const MaxLoopDepth = 8

// MaxPurgeDurationMS is the longest purge window the PLC can hold in its
// 16-bit duration register.
const MaxPurgeDurationMS = 65535

// StepType discriminates the step union.
type StepType string

const (
	StepValve     StepType = "valve"
	StepPurge     StepType = "purge"
	StepParameter StepType = "parameter"
	StepLoop      StepType = "loop"
)

// ValveStep opens a valve for a fixed dwell.
type ValveStep struct {
	Number     int `json:"number"`
	DurationMS int `json:"duration_ms"`
}

// PurgeStep triggers a PLC-side purge and waits out its window.
type PurgeStep struct {
	DurationMS int      `json:"duration_ms"`
	GasType    *string  `json:"gas_type,omitempty"`
	FlowRate   *float64 `json:"flow_rate,omitempty"`
}

// ParameterStep sets one parameter to a target value.
type ParameterStep struct {
	ParameterID string  `json:"parameter_id"`
	Value       float64 `json:"value"`
}

// LoopStep repeats its children Iterations times.
type LoopStep struct {
	Iterations int    `json:"iterations"`
	Steps      []Step `json:"steps"`
}

// Step is the tagged union over the step types. Exactly one of the pointer
// fields matching Type is set.
type Step struct {
	Type      StepType       `json:"type"`
	Name      string         `json:"name,omitempty"`
	Valve     *ValveStep     `json:"valve,omitempty"`
	Purge     *PurgeStep     `json:"purge,omitempty"`
	Parameter *ParameterStep `json:"parameter,omitempty"`
	Loop      *LoopStep      `json:"loop,omitempty"`
}

// Recipe is the immutable snapshot executed against the PLC.
type Recipe struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Version             int      `json:"version"`
	Steps               []Step   `json:"steps"`
	ChamberTempSetPoint *float64 `json:"chamber_temperature_set_point,omitempty"`
	PressureSetPoint    *float64 `json:"pressure_set_point,omitempty"`
}

// Snapshot serializes the recipe for the process row's recipe_version column.
func (r *Recipe) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot recipe: %w", err)
	}
	return data, nil
}

// FromSnapshot deserializes a recipe_version column back into the typed form.
// The runtime never operates on the raw JSON.
func FromSnapshot(data json.RawMessage) (*Recipe, error) {
	var r Recipe
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode recipe snapshot: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks structural invariants: each step carries exactly the config
// matching its type, loop nesting stays within MaxLoopDepth, and dwells are
// non-negative.
func (r *Recipe) Validate() error {
	if r.ID == "" {
		return common.ValidationErrorf("recipe id is empty")
	}
	return validateSteps(r.Steps, 0)
}

func validateSteps(steps []Step, depth int) error {
	for i, s := range steps {
		switch s.Type {
		case StepValve:
			if s.Valve == nil {
				return common.ValidationErrorf("step %d: valve step without valve config", i)
			}
			if s.Valve.DurationMS < 0 {
				return common.ValidationErrorf("step %d: negative valve duration", i)
			}
		case StepPurge:
			if s.Purge == nil {
				return common.ValidationErrorf("step %d: purge step without purge config", i)
			}
			if s.Purge.DurationMS < 0 {
				return common.ValidationErrorf("step %d: negative purge duration", i)
			}
			if s.Purge.DurationMS > MaxPurgeDurationMS {
				return common.ValidationErrorf("step %d: purge duration %dms exceeds register limit %dms",
					i, s.Purge.DurationMS, MaxPurgeDurationMS)
			}
		case StepParameter:
			if s.Parameter == nil || s.Parameter.ParameterID == "" {
				return common.ValidationErrorf("step %d: parameter step without parameter config", i)
			}
		case StepLoop:
			if s.Loop == nil {
				return common.ValidationErrorf("step %d: loop step without loop config", i)
			}
			if s.Loop.Iterations < 0 {
				return common.ValidationErrorf("step %d: negative loop iterations", i)
			}
			if depth+1 > MaxLoopDepth {
				return common.ValidationErrorf("loop nesting exceeds depth %d", MaxLoopDepth)
			}
			if err := validateSteps(s.Loop.Steps, depth+1); err != nil {
				return err
			}
		default:
			return common.ValidationErrorf("step %d: unknown step type %q", i, s.Type)
		}
	}
	return nil
}

// TotalSteps counts leaf-step executions, expanding loops: a loop of N over a
// body of M leaves contributes N*M, recursively. A zero-iteration loop
// contributes nothing but still occupies one slot at its parent level.
func (r *Recipe) TotalSteps() int {
	return countLeaves(r.Steps)
}

func countLeaves(steps []Step) int {
	total := 0
	for _, s := range steps {
		if s.Type == StepLoop {
			total += s.Loop.Iterations * countLeaves(s.Loop.Steps)
			continue
		}
		total++
	}
	return total
}

// Duration returns the dwell as a time.Duration.
func (s *ValveStep) Duration() time.Duration {
	return time.Duration(s.DurationMS) * time.Millisecond
}

// Duration returns the window as a time.Duration.
func (s *PurgeStep) Duration() time.Duration {
	return time.Duration(s.DurationMS) * time.Millisecond
}

// Label returns the display name for progress rows.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Type {
	case StepValve:
		return fmt.Sprintf("valve %d", s.Valve.Number)
	case StepPurge:
		return "purge"
	case StepParameter:
		return fmt.Sprintf("set %s", s.Parameter.ParameterID)
	case StepLoop:
		return fmt.Sprintf("loop x%d", s.Loop.Iterations)
	}
	return string(s.Type)
}
