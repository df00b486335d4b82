package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nanofab/ald-agent/common"
	"github.com/nanofab/ald-agent/plc"
	"github.com/nanofab/ald-agent/recipe"
)

// ComponentParameterDefinitionModel maps component_parameter_definitions,
// the catalog row shared across machines (unit, description).
type ComponentParameterDefinitionModel struct {
	ID          string `gorm:"primaryKey"`
	Name        string
	Unit        *string
	Description *string
}

func (ComponentParameterDefinitionModel) TableName() string {
	return "component_parameter_definitions"
}

// ComponentParameterModel maps component_parameters. The table is owned by
// the cloud side; the agent reads metadata from it and writes only
// current_value and set_value through the pgx paths.
type ComponentParameterModel struct {
	ID             string `gorm:"primaryKey"`
	MachineID      string
	Name           string
	ModbusAddress  int
	DataType       string
	DefinitionID   *string
	Definition     *ComponentParameterDefinitionModel `gorm:"foreignKey:DefinitionID"`
	MinValue       *float64
	MaxValue       *float64
	SetValue       *float64
	CurrentValue   *float64
	ReadIntervalMS int
	IsActive       bool
	UpdatedAt      time.Time
}

func (ComponentParameterModel) TableName() string { return "component_parameters" }

// RecipeModel maps recipes.
type RecipeModel struct {
	ID                         string `gorm:"primaryKey"`
	MachineID                  *string
	Name                       string
	Version                    int
	ChamberTemperatureSetPoint *float64
	PressureSetPoint           *float64
	IsActive                   bool
}

func (RecipeModel) TableName() string { return "recipes" }

// RecipeStepModel maps recipe_steps. Nesting is expressed through
// ParentStepID; a null parent means top level.
type RecipeStepModel struct {
	ID             string `gorm:"primaryKey"`
	RecipeID       string
	ParentStepID   *string
	SequenceNumber int
	Type           string
	Name           string
}

func (RecipeStepModel) TableName() string { return "recipe_steps" }

// ValveStepConfigModel maps valve_step_config.
type ValveStepConfigModel struct {
	StepID      string `gorm:"primaryKey"`
	ValveNumber int
	DurationMS  int
}

func (ValveStepConfigModel) TableName() string { return "valve_step_config" }

// PurgeStepConfigModel maps purge_step_config.
type PurgeStepConfigModel struct {
	StepID     string `gorm:"primaryKey"`
	DurationMS int
	GasType    *string
	FlowRate   *float64
}

func (PurgeStepConfigModel) TableName() string { return "purge_step_config" }

// ParameterStepConfigModel maps parameter_step_config.
type ParameterStepConfigModel struct {
	StepID      string `gorm:"primaryKey"`
	ParameterID string
	TargetValue float64
}

func (ParameterStepConfigModel) TableName() string { return "parameter_step_config" }

// LoopStepConfigModel maps loop_step_config.
type LoopStepConfigModel struct {
	StepID         string `gorm:"primaryKey"`
	IterationCount int
}

func (LoopStepConfigModel) TableName() string { return "loop_step_config" }

// Store is the gorm-backed metadata reader: parameter definitions for the
// gateway and sampler, and recipe trees for the executor. All hot-path
// writes go through the pgx pool instead.
type Store struct {
	db        *gorm.DB
	machineID string
}

// NewStore opens a gorm session on the shared database.
func NewStore(dsn, machineID string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access metadata store pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return &Store{db: db, machineID: machineID}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toParameter(m ComponentParameterModel) plc.Parameter {
	p := plc.Parameter{
		ID:            m.ID,
		Name:          m.Name,
		ModbusAddress: uint16(m.ModbusAddress),
		DataType:      plc.DataType(m.DataType),
		MinValue:      m.MinValue,
		MaxValue:      m.MaxValue,
		ReadInterval:  time.Duration(m.ReadIntervalMS) * time.Millisecond,
		Active:        m.IsActive,
	}
	if m.Definition != nil {
		p.Unit = m.Definition.Unit
	}
	return p
}

// ActiveParameters returns every active parameter definition for this
// machine.
func (s *Store) ActiveParameters(ctx context.Context) ([]plc.Parameter, error) {
	var models []ComponentParameterModel
	err := s.db.WithContext(ctx).
		Preload("Definition").
		Where("machine_id = ? AND is_active = ?", s.machineID, true).
		Order("modbus_address").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load active parameters: %w", err)
	}
	params := make([]plc.Parameter, len(models))
	for i, m := range models {
		params[i] = toParameter(m)
	}
	return params, nil
}

// ParameterByID returns one parameter definition.
func (s *Store) ParameterByID(ctx context.Context, id string) (plc.Parameter, error) {
	var m ComponentParameterModel
	err := s.db.WithContext(ctx).Preload("Definition").First(&m, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return plc.Parameter{}, common.ValidationErrorf("unknown parameter %q", id)
	}
	if err != nil {
		return plc.Parameter{}, fmt.Errorf("failed to load parameter %s: %w", id, err)
	}
	return toParameter(m), nil
}

// ParameterByName resolves a parameter by its display name within this
// machine.
func (s *Store) ParameterByName(ctx context.Context, name string) (plc.Parameter, error) {
	var m ComponentParameterModel
	err := s.db.WithContext(ctx).
		Preload("Definition").
		First(&m, "machine_id = ? AND name = ?", s.machineID, name).Error
	if err == gorm.ErrRecordNotFound {
		return plc.Parameter{}, common.ValidationErrorf("unknown parameter %q", name)
	}
	if err != nil {
		return plc.Parameter{}, fmt.Errorf("failed to load parameter %s: %w", name, err)
	}
	return toParameter(m), nil
}

// LoadRecipe assembles the typed recipe tree for one recipe id: the recipe
// row, its steps ordered by sequence number, and the per-type config rows,
// nested via parent_step_id. The result is validated before it is returned.
func (s *Store) LoadRecipe(ctx context.Context, recipeID string) (*recipe.Recipe, error) {
	var rm RecipeModel
	err := s.db.WithContext(ctx).First(&rm, "id = ?", recipeID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, common.ValidationErrorf("unknown recipe %q", recipeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recipe %s: %w", recipeID, err)
	}

	var stepModels []RecipeStepModel
	if err := s.db.WithContext(ctx).
		Where("recipe_id = ?", recipeID).
		Order("sequence_number").
		Find(&stepModels).Error; err != nil {
		return nil, fmt.Errorf("failed to load recipe steps: %w", err)
	}

	configs, err := s.loadStepConfigs(ctx, stepModels)
	if err != nil {
		return nil, err
	}

	children := make(map[string][]RecipeStepModel)
	for _, sm := range stepModels {
		key := ""
		if sm.ParentStepID != nil {
			key = *sm.ParentStepID
		}
		children[key] = append(children[key], sm)
	}
	for _, sibs := range children {
		sort.Slice(sibs, func(i, j int) bool {
			return sibs[i].SequenceNumber < sibs[j].SequenceNumber
		})
	}

	steps, err := buildSteps(children, configs, "")
	if err != nil {
		return nil, err
	}

	rcp := &recipe.Recipe{
		ID:                  rm.ID,
		Name:                rm.Name,
		Version:             rm.Version,
		Steps:               steps,
		ChamberTempSetPoint: rm.ChamberTemperatureSetPoint,
		PressureSetPoint:    rm.PressureSetPoint,
	}
	if err := rcp.Validate(); err != nil {
		return nil, err
	}
	return rcp, nil
}

// stepConfigs holds the per-type config rows keyed by step id.
type stepConfigs struct {
	valve map[string]ValveStepConfigModel
	purge map[string]PurgeStepConfigModel
	param map[string]ParameterStepConfigModel
	loop  map[string]LoopStepConfigModel
}

func (s *Store) loadStepConfigs(ctx context.Context, steps []RecipeStepModel) (*stepConfigs, error) {
	ids := make([]string, len(steps))
	for i, sm := range steps {
		ids[i] = sm.ID
	}
	cfg := &stepConfigs{
		valve: make(map[string]ValveStepConfigModel),
		purge: make(map[string]PurgeStepConfigModel),
		param: make(map[string]ParameterStepConfigModel),
		loop:  make(map[string]LoopStepConfigModel),
	}
	if len(ids) == 0 {
		return cfg, nil
	}

	var valves []ValveStepConfigModel
	if err := s.db.WithContext(ctx).Where("step_id IN ?", ids).Find(&valves).Error; err != nil {
		return nil, fmt.Errorf("failed to load valve step configs: %w", err)
	}
	for _, v := range valves {
		cfg.valve[v.StepID] = v
	}

	var purges []PurgeStepConfigModel
	if err := s.db.WithContext(ctx).Where("step_id IN ?", ids).Find(&purges).Error; err != nil {
		return nil, fmt.Errorf("failed to load purge step configs: %w", err)
	}
	for _, p := range purges {
		cfg.purge[p.StepID] = p
	}

	var params []ParameterStepConfigModel
	if err := s.db.WithContext(ctx).Where("step_id IN ?", ids).Find(&params).Error; err != nil {
		return nil, fmt.Errorf("failed to load parameter step configs: %w", err)
	}
	for _, p := range params {
		cfg.param[p.StepID] = p
	}

	var loops []LoopStepConfigModel
	if err := s.db.WithContext(ctx).Where("step_id IN ?", ids).Find(&loops).Error; err != nil {
		return nil, fmt.Errorf("failed to load loop step configs: %w", err)
	}
	for _, l := range loops {
		cfg.loop[l.StepID] = l
	}
	return cfg, nil
}

func buildSteps(children map[string][]RecipeStepModel, cfg *stepConfigs, parent string) ([]recipe.Step, error) {
	models := children[parent]
	steps := make([]recipe.Step, 0, len(models))
	for _, sm := range models {
		step := recipe.Step{Type: recipe.StepType(sm.Type), Name: sm.Name}
		switch step.Type {
		case recipe.StepValve:
			v, ok := cfg.valve[sm.ID]
			if !ok {
				return nil, common.ValidationErrorf("valve step %s has no config row", sm.ID)
			}
			step.Valve = &recipe.ValveStep{Number: v.ValveNumber, DurationMS: v.DurationMS}
		case recipe.StepPurge:
			p, ok := cfg.purge[sm.ID]
			if !ok {
				return nil, common.ValidationErrorf("purge step %s has no config row", sm.ID)
			}
			step.Purge = &recipe.PurgeStep{DurationMS: p.DurationMS, GasType: p.GasType, FlowRate: p.FlowRate}
		case recipe.StepParameter:
			p, ok := cfg.param[sm.ID]
			if !ok {
				return nil, common.ValidationErrorf("parameter step %s has no config row", sm.ID)
			}
			step.Parameter = &recipe.ParameterStep{ParameterID: p.ParameterID, Value: p.TargetValue}
		case recipe.StepLoop:
			l, ok := cfg.loop[sm.ID]
			if !ok {
				return nil, common.ValidationErrorf("loop step %s has no config row", sm.ID)
			}
			nested, err := buildSteps(children, cfg, sm.ID)
			if err != nil {
				return nil, err
			}
			step.Loop = &recipe.LoopStep{Iterations: l.IterationCount, Steps: nested}
		default:
			return nil, common.ValidationErrorf("step %s has unknown type %q", sm.ID, sm.Type)
		}
		steps = append(steps, step)
	}
	return steps, nil
}
