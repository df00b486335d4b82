package plc

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/goburrow/modbus"

	"github.com/nanofab/ald-agent/common"
)

// retryDelays is the transient-failure schedule for a single operation.
var retryDelays = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

// ModbusOptions configures the real gateway.
type ModbusOptions struct {
	Address        string
	PoolSize       int
	AcquireTimeout time.Duration
	OpTimeout      time.Duration
}

// pooledConn ties a connection to the pool instance it was dialed for via
// gen; a connection straggling across a reconnect is closed on return rather
// than pushed into the refilled pool.
type pooledConn struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
	gen     uint64
}

func (c *pooledConn) close() {
	_ = c.handler.Close()
}

// ModbusGateway is the production Gateway over Modbus/TCP. It owns a small
// connection pool; each operation acquires a connection, runs with per-op
// retries, and releases it. A broken connection is replaced individually so
// it cannot poison the pool. When the PLC becomes unreachable the gateway
// closes the pool and reconnects in the background.
type ModbusGateway struct {
	opts ModbusOptions
	meta *MetadataCache
	log  *logrus.Entry

	mu         sync.Mutex
	conns      chan *pooledConn
	generation uint64
	connected  bool
	closed     bool

	valveTimers map[int]*time.Timer

	reconnectWG sync.WaitGroup
}

// NewModbusGateway creates a gateway over the given metadata source. Connect
// must be called before use.
func NewModbusGateway(opts ModbusOptions, meta MetadataSource) *ModbusGateway {
	if opts.PoolSize < 1 {
		opts.PoolSize = 4
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 2 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 2 * time.Second
	}
	return &ModbusGateway{
		opts:        opts,
		meta:        NewMetadataCache(meta),
		log:         common.Logger.WithField("component", "plc"),
		valveTimers: make(map[int]*time.Timer),
	}
}

// Metadata exposes the gateway-owned parameter cache for read-only use by
// other components.
func (g *ModbusGateway) Metadata() *MetadataCache { return g.meta }

// Connect dials the pool. On failure the gateway stays disconnected and a
// background reconnect loop takes over.
func (g *ModbusGateway) Connect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected {
		return nil
	}
	if err := g.dialPoolLocked(); err != nil {
		g.startReconnectLocked()
		return fmt.Errorf("%w: %v", common.ErrPLCTransport, err)
	}
	return nil
}

func (g *ModbusGateway) dialPoolLocked() error {
	g.generation++
	conns := make(chan *pooledConn, g.opts.PoolSize)
	for i := 0; i < g.opts.PoolSize; i++ {
		conn, err := g.dial()
		if err != nil {
			for len(conns) > 0 {
				(<-conns).close()
			}
			return err
		}
		conn.gen = g.generation
		conns <- conn
	}
	g.conns = conns
	g.connected = true
	g.log.WithField("pool_size", g.opts.PoolSize).Info("connected to PLC")
	return nil
}

func (g *ModbusGateway) dial() (*pooledConn, error) {
	handler := modbus.NewTCPClientHandler(g.opts.Address)
	handler.Timeout = g.opts.OpTimeout
	handler.SlaveId = UnitID
	if err := handler.Connect(); err != nil {
		return nil, err
	}
	return &pooledConn{handler: handler, client: modbus.NewClient(handler)}, nil
}

// Connected reports pool availability.
func (g *ModbusGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Close shuts the pool down and cancels pending valve safety closes.
func (g *ModbusGateway) Close() error {
	g.mu.Lock()
	g.closed = true
	g.connected = false
	for _, t := range g.valveTimers {
		t.Stop()
	}
	g.valveTimers = make(map[int]*time.Timer)
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()

	if conns != nil {
		for len(conns) > 0 {
			(<-conns).close()
		}
	}
	g.reconnectWG.Wait()
	return nil
}

// acquire takes a pooled connection, blocking up to the acquire timeout.
func (g *ModbusGateway) acquire(ctx context.Context) (*pooledConn, error) {
	g.mu.Lock()
	conns := g.conns
	connected := g.connected
	g.mu.Unlock()
	if !connected || conns == nil {
		return nil, fmt.Errorf("%w: not connected", common.ErrPLCTransport)
	}

	timer := time.NewTimer(g.opts.AcquireTimeout)
	defer timer.Stop()
	select {
	case conn := <-conns:
		return conn, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: connection pool exhausted", common.ErrPLCTransport)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", common.ErrPLCTransport, ctx.Err())
	}
}

// release returns a healthy connection to the pool. A connection from an
// older pool generation is closed instead: the reconnect loop has already
// refilled the pool, and blocking on the full channel here would wedge the
// gateway while the lock is held.
func (g *ModbusGateway) release(conn *pooledConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conns == nil || !g.connected || conn.gen != g.generation {
		conn.close()
		return
	}
	select {
	case g.conns <- conn:
	default:
		conn.close()
	}
}

// discard drops a broken connection and replaces it. If the replacement dial
// fails the connection is considered lost and the reconnect loop starts. A
// stale-generation discard is a no-op beyond closing: its pool is gone.
func (g *ModbusGateway) discard(conn *pooledConn) {
	conn.close()
	replacement, err := g.dial()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conns == nil || !g.connected || conn.gen != g.generation {
		if replacement != nil {
			replacement.close()
		}
		return
	}
	if err == nil {
		replacement.gen = g.generation
		select {
		case g.conns <- replacement:
		default:
			replacement.close()
		}
		return
	}
	g.log.WithError(err).Warn("PLC connection lost")
	g.teardownLocked()
	g.startReconnectLocked()
}

func (g *ModbusGateway) teardownLocked() {
	g.connected = false
	conns := g.conns
	g.conns = nil
	if conns != nil {
		for len(conns) > 0 {
			(<-conns).close()
		}
	}
}

// startReconnectLocked launches the background reconnect loop once.
func (g *ModbusGateway) startReconnectLocked() {
	if g.closed {
		return
	}
	g.reconnectWG.Add(1)
	go g.reconnectLoop()
}

func (g *ModbusGateway) reconnectLoop() {
	defer g.reconnectWG.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		wait := policy.NextBackOff()
		time.Sleep(wait)

		g.mu.Lock()
		if g.closed || g.connected {
			g.mu.Unlock()
			return
		}
		err := g.dialPoolLocked()
		g.mu.Unlock()

		if err == nil {
			return
		}
		g.log.WithError(err).WithField("retry_in", wait.String()).Warn("PLC reconnect failed")
	}
}

// withConn runs op on a pooled connection with the transient retry schedule.
func (g *ModbusGateway) withConn(ctx context.Context, op func(modbus.Client) error) error {
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelays[attempt-1]):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", common.ErrPLCTransport, ctx.Err())
			}
		}
		conn, err := g.acquire(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		err = op(conn.client)
		if err == nil {
			g.release(conn)
			return nil
		}
		lastErr = err
		if isConnectionError(err) {
			g.discard(conn)
		} else {
			g.release(conn)
		}
	}
	return fmt.Errorf("%w: %v", common.ErrPLCTransport, lastErr)
}

// isConnectionError reports whether the failure indicates a dead socket
// rather than a protocol-level exception.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*modbus.ModbusError); ok {
		return false
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	if _, ok := err.(*net.OpError); ok {
		return true
	}
	if err == os.ErrDeadlineExceeded {
		return true
	}
	return true
}

// ReadParameter reads one holding register. On transport failure the returned
// sample carries quality bad alongside the error.
func (g *ModbusGateway) ReadParameter(ctx context.Context, id string) (ParameterValue, error) {
	p, err := g.meta.ParameterByID(ctx, id)
	if err != nil {
		return ParameterValue{}, common.ValidationErrorf("unknown parameter %q: %v", id, err)
	}

	var raw uint16
	err = g.withConn(ctx, func(c modbus.Client) error {
		buf, err := c.ReadHoldingRegisters(p.ModbusAddress, 1)
		if err != nil {
			return err
		}
		if len(buf) < 2 {
			return fmt.Errorf("short read: %d bytes", len(buf))
		}
		raw = binary.BigEndian.Uint16(buf)
		return nil
	})
	if err != nil {
		return ParameterValue{
			ParameterID: id,
			Timestamp:   time.Now().UTC(),
			Quality:     QualityBad,
			Source:      "plc",
		}, err
	}
	return ParameterValue{
		ParameterID: id,
		Value:       fromRaw(p.DataType, raw),
		Timestamp:   time.Now().UTC(),
		Quality:     QualityGood,
		Source:      "plc",
	}, nil
}

// ReadParametersBulk reads many parameters with one register read per
// contiguous address run, issued concurrently. Parameters in failed groups
// are omitted; an error is returned only when every group fails.
func (g *ModbusGateway) ReadParametersBulk(ctx context.Context, ids []string) ([]ParameterValue, error) {
	params := make([]Parameter, 0, len(ids))
	for _, id := range ids {
		p, err := g.meta.ParameterByID(ctx, id)
		if err != nil {
			return nil, common.ValidationErrorf("unknown parameter %q: %v", id, err)
		}
		params = append(params, p)
	}
	groups := groupContiguous(params)
	if len(groups) == 0 {
		return nil, nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		values  []ParameterValue
		failed  int
		lastErr error
	)
	for _, grp := range groups {
		wg.Add(1)
		go func(grp registerGroup) {
			defer wg.Done()
			now := time.Now().UTC()
			var buf []byte
			err := g.withConn(ctx, func(c modbus.Client) error {
				var err error
				buf, err = c.ReadHoldingRegisters(grp.start, grp.count)
				if err != nil {
					return err
				}
				if len(buf) < int(grp.count)*2 {
					return fmt.Errorf("short read: %d bytes for %d registers", len(buf), grp.count)
				}
				return nil
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				lastErr = err
				g.log.WithError(err).WithFields(logrus.Fields{
					"start": grp.start,
					"count": grp.count,
				}).Warn("bulk register read failed")
				return
			}
			for _, p := range grp.params {
				offset := int(p.ModbusAddress-grp.start) * 2
				raw := binary.BigEndian.Uint16(buf[offset : offset+2])
				values = append(values, ParameterValue{
					ParameterID: p.ID,
					Value:       fromRaw(p.DataType, raw),
					Timestamp:   now,
					Quality:     QualityGood,
					Source:      "plc",
				})
			}
		}(grp)
	}
	wg.Wait()

	if failed == len(groups) {
		return nil, lastErr
	}
	return values, nil
}

// WriteParameter writes one holding register.
func (g *ModbusGateway) WriteParameter(ctx context.Context, id string, value float64) error {
	p, err := g.meta.ParameterByID(ctx, id)
	if err != nil {
		return common.ValidationErrorf("unknown parameter %q: %v", id, err)
	}
	raw := toRaw(p.DataType, value)
	return g.withConn(ctx, func(c modbus.Client) error {
		_, err := c.WriteSingleRegister(p.ModbusAddress, raw)
		return err
	})
}

// ControlValve writes the valve coil. Opening with a positive duration arms a
// safety close inside the gateway; an explicit close cancels it.
func (g *ModbusGateway) ControlValve(ctx context.Context, valve int, open bool, duration time.Duration) error {
	if err := g.writeCoil(ctx, valveCoil(valve), open); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.valveTimers[valve]; ok {
		t.Stop()
		delete(g.valveTimers, valve)
	}
	if open && duration > 0 && !g.closed {
		g.valveTimers[valve] = time.AfterFunc(duration+50*time.Millisecond, func() {
			if err := g.writeCoil(context.Background(), valveCoil(valve), false); err != nil {
				g.log.WithError(err).WithField("valve", valve).Error("valve safety close failed")
			}
			g.mu.Lock()
			delete(g.valveTimers, valve)
			g.mu.Unlock()
		})
	}
	return nil
}

// ExecutePurge writes the duration register then strobes the start coil.
func (g *ModbusGateway) ExecutePurge(ctx context.Context, duration time.Duration) error {
	ms := duration.Milliseconds()
	if ms > 65535 {
		g.log.WithField("duration", duration.String()).
			Warn("purge duration exceeds 16-bit register, truncating to 65535ms")
		ms = 65535
	}
	err := g.withConn(ctx, func(c modbus.Client) error {
		if _, err := c.WriteSingleRegister(PurgeDurationRegister, uint16(ms)); err != nil {
			return err
		}
		if _, err := c.WriteSingleCoil(PurgeStartCoil, 0xFF00); err != nil {
			return err
		}
		_, err := c.WriteSingleCoil(PurgeStartCoil, 0x0000)
		return err
	})
	return err
}

func (g *ModbusGateway) writeCoil(ctx context.Context, addr uint16, on bool) error {
	var val uint16
	if on {
		val = 0xFF00
	}
	return g.withConn(ctx, func(c modbus.Client) error {
		_, err := c.WriteSingleCoil(addr, val)
		return err
	})
}
