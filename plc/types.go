// Package plc provides the typed gateway above the Modbus register model of
// the machine PLC. It owns the connection pool, the parameter metadata cache,
// data-type coercion, and the valve/purge control surface. Two gateway
// implementations exist: the real Modbus/TCP client and an in-process
// simulation used for recipe-level testing without hardware.
package plc

import (
	"context"
	"time"
)

// Modbus address map shared with the PLC firmware. Holding registers hold
// parameter values at the address recorded in component_parameters; valves
// and purge control live on coils.
const (
	ValveCoilBase         = 1000
	PurgeStartCoil        = 2000
	PurgeDurationRegister = 2001
	UnitID                = 1
)

// FloatScale is the canonical register scaling for float parameters: the PLC
// stores value*100 in a 16-bit register.
const FloatScale = 100.0

// DataType tags how a register value maps onto a parameter value.
type DataType string

const (
	TypeFloat   DataType = "float"
	TypeInteger DataType = "integer"
	TypeBoolean DataType = "boolean"
)

// Quality grades a sample.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

// Parameter is the cached metadata for one machine parameter.
type Parameter struct {
	ID            string
	Name          string
	Unit          *string
	ModbusAddress uint16
	DataType      DataType
	MinValue      *float64
	MaxValue      *float64
	ReadInterval  time.Duration
	Active        bool
}

// ParameterValue is one immutable sample produced by the gateway.
type ParameterValue struct {
	ParameterID string
	Value       float64
	SetPoint    *float64
	Timestamp   time.Time
	Quality     Quality
	Source      string
}

// MetadataSource supplies parameter metadata, normally backed by the
// component_parameters table. The gateway wraps it in a TTL cache.
type MetadataSource interface {
	ParameterByID(ctx context.Context, id string) (Parameter, error)
	ActiveParameters(ctx context.Context) ([]Parameter, error)
}

// Gateway is the typed PLC capability the rest of the agent programs against.
type Gateway interface {
	// ReadParameter reads one holding register and converts it per the
	// parameter data type.
	ReadParameter(ctx context.Context, id string) (ParameterValue, error)

	// ReadParametersBulk reads many parameters, grouping contiguous Modbus
	// addresses into single register reads.
	ReadParametersBulk(ctx context.Context, ids []string) ([]ParameterValue, error)

	// WriteParameter converts value per the parameter data type and writes
	// its holding register.
	WriteParameter(ctx context.Context, id string, value float64) error

	// ControlValve writes the valve coil. When opening with a positive
	// duration a safety close is scheduled inside the gateway.
	ControlValve(ctx context.Context, valve int, open bool, duration time.Duration) error

	// ExecutePurge writes the purge duration register and strobes the
	// purge-start coil. The PLC runs the purge autonomously.
	ExecutePurge(ctx context.Context, duration time.Duration) error

	// Connected reports whether the PLC is currently reachable.
	Connected() bool

	// Close releases the connection pool and joins scheduled valve closes.
	Close() error
}

// fromRaw converts a raw register value to the parameter value.
func fromRaw(dt DataType, raw uint16) float64 {
	switch dt {
	case TypeFloat:
		return float64(raw) / FloatScale
	case TypeBoolean:
		if raw != 0 {
			return 1
		}
		return 0
	default:
		return float64(raw)
	}
}

// toRaw converts a parameter value to the raw register encoding.
func toRaw(dt DataType, value float64) uint16 {
	switch dt {
	case TypeFloat:
		return uint16(value * FloatScale)
	case TypeBoolean:
		if value != 0 {
			return 1
		}
		return 0
	default:
		return uint16(value)
	}
}

// valveCoil returns the coil address for a valve number.
func valveCoil(valve int) uint16 {
	return uint16(ValveCoilBase + valve)
}
