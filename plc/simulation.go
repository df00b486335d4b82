package plc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nanofab/ald-agent/common"
)

// SimGateway is the in-process PLC model used when plc.mode=simulation. It
// answers reads from a synthetic register file and accepts writes into it,
// honoring the same scaling and coil conventions as the real gateway. Tests
// use the fault-injection hooks to model disconnects and register failures.
type SimGateway struct {
	meta *MetadataCache
	log  *logrus.Entry

	mu        sync.Mutex
	registers map[uint16]uint16
	coils     map[uint16]bool

	disconnected bool
	readErr      error
	writeErr     error

	valveTimers map[int]*time.Timer
	closed      bool
}

// NewSimGateway creates a simulation gateway over the metadata source.
func NewSimGateway(meta MetadataSource) *SimGateway {
	return &SimGateway{
		meta:        NewMetadataCache(meta),
		log:         common.Logger.WithField("component", "plc-sim"),
		registers:   make(map[uint16]uint16),
		coils:       make(map[uint16]bool),
		valveTimers: make(map[int]*time.Timer),
	}
}

// Metadata exposes the gateway-owned parameter cache.
func (g *SimGateway) Metadata() *MetadataCache { return g.meta }

// SetRegister seeds a raw register value.
func (g *SimGateway) SetRegister(addr, raw uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registers[addr] = raw
}

// Register returns a raw register value.
func (g *SimGateway) Register(addr uint16) uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registers[addr]
}

// Coil returns a coil state.
func (g *SimGateway) Coil(addr uint16) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.coils[addr]
}

// ValveOpen reports the coil state for a valve number.
func (g *SimGateway) ValveOpen(valve int) bool {
	return g.Coil(valveCoil(valve))
}

// SetDisconnected toggles the simulated transport state.
func (g *SimGateway) SetDisconnected(down bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disconnected = down
}

// FailReads makes subsequent reads return err (nil clears).
func (g *SimGateway) FailReads(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readErr = err
}

// FailWrites makes subsequent writes return err (nil clears).
func (g *SimGateway) FailWrites(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeErr = err
}

func (g *SimGateway) checkRead() error {
	if g.disconnected {
		return fmt.Errorf("%w: not connected", common.ErrPLCTransport)
	}
	if g.readErr != nil {
		return fmt.Errorf("%w: %v", common.ErrPLCTransport, g.readErr)
	}
	return nil
}

func (g *SimGateway) checkWrite() error {
	if g.disconnected {
		return fmt.Errorf("%w: not connected", common.ErrPLCTransport)
	}
	if g.writeErr != nil {
		return fmt.Errorf("%w: %v", common.ErrPLCTransport, g.writeErr)
	}
	return nil
}

// Connected reports the simulated transport state.
func (g *SimGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.disconnected && !g.closed
}

// Close stops valve timers.
func (g *SimGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for _, t := range g.valveTimers {
		t.Stop()
	}
	g.valveTimers = make(map[int]*time.Timer)
	return nil
}

// ReadParameter reads one simulated register.
func (g *SimGateway) ReadParameter(ctx context.Context, id string) (ParameterValue, error) {
	p, err := g.meta.ParameterByID(ctx, id)
	if err != nil {
		return ParameterValue{}, common.ValidationErrorf("unknown parameter %q: %v", id, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkRead(); err != nil {
		return ParameterValue{
			ParameterID: id,
			Timestamp:   time.Now().UTC(),
			Quality:     QualityBad,
			Source:      "simulation",
		}, err
	}
	return ParameterValue{
		ParameterID: id,
		Value:       fromRaw(p.DataType, g.registers[p.ModbusAddress]),
		Timestamp:   time.Now().UTC(),
		Quality:     QualityGood,
		Source:      "simulation",
	}, nil
}

// ReadParametersBulk reads many simulated registers in one pass.
func (g *SimGateway) ReadParametersBulk(ctx context.Context, ids []string) ([]ParameterValue, error) {
	now := time.Now().UTC()
	values := make([]ParameterValue, 0, len(ids))
	for _, id := range ids {
		p, err := g.meta.ParameterByID(ctx, id)
		if err != nil {
			return nil, common.ValidationErrorf("unknown parameter %q: %v", id, err)
		}
		g.mu.Lock()
		if err := g.checkRead(); err != nil {
			g.mu.Unlock()
			return nil, err
		}
		raw := g.registers[p.ModbusAddress]
		g.mu.Unlock()
		values = append(values, ParameterValue{
			ParameterID: p.ID,
			Value:       fromRaw(p.DataType, raw),
			Timestamp:   now,
			Quality:     QualityGood,
			Source:      "simulation",
		})
	}
	return values, nil
}

// WriteParameter writes one simulated register.
func (g *SimGateway) WriteParameter(ctx context.Context, id string, value float64) error {
	p, err := g.meta.ParameterByID(ctx, id)
	if err != nil {
		return common.ValidationErrorf("unknown parameter %q: %v", id, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkWrite(); err != nil {
		return err
	}
	g.registers[p.ModbusAddress] = toRaw(p.DataType, value)
	return nil
}

// ControlValve writes the valve coil, arming a safety close like the real
// gateway when opening with a duration.
func (g *SimGateway) ControlValve(ctx context.Context, valve int, open bool, duration time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkWrite(); err != nil {
		return err
	}
	g.coils[valveCoil(valve)] = open

	if t, ok := g.valveTimers[valve]; ok {
		t.Stop()
		delete(g.valveTimers, valve)
	}
	if open && duration > 0 && !g.closed {
		g.valveTimers[valve] = time.AfterFunc(duration+50*time.Millisecond, func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			g.coils[valveCoil(valve)] = false
			delete(g.valveTimers, valve)
		})
	}
	return nil
}

// ExecutePurge records the purge duration and strobes the start coil.
func (g *SimGateway) ExecutePurge(ctx context.Context, duration time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkWrite(); err != nil {
		return err
	}
	ms := duration.Milliseconds()
	if ms > 65535 {
		g.log.WithField("duration", duration.String()).
			Warn("purge duration exceeds 16-bit register, truncating to 65535ms")
		ms = 65535
	}
	g.registers[PurgeDurationRegister] = uint16(ms)
	g.coils[PurgeStartCoil] = false
	return nil
}
