package plc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanofab/ald-agent/common"
)

// fakePLC is a bare TCP endpoint the gateway can dial; pool management never
// sends Modbus traffic, so accepting and holding the socket is enough.
type fakePLC struct {
	ln     net.Listener
	mu     sync.Mutex
	conns  []net.Conn
	closed bool
}

func newFakePLC(t *testing.T, addr string) *fakePLC {
	t.Helper()
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	f := &fakePLC{ln: ln}
	go f.accept()
	t.Cleanup(f.Close)
	return f
}

func (f *fakePLC) accept() {
	for {
		c, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, c)
		f.mu.Unlock()
	}
}

func (f *fakePLC) Addr() string { return f.ln.Addr().String() }

func (f *fakePLC) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.ln.Close()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func newTestGateway(t *testing.T, addr string, poolSize int) *ModbusGateway {
	t.Helper()
	return NewModbusGateway(ModbusOptions{
		Address:        addr,
		PoolSize:       poolSize,
		AcquireTimeout: 100 * time.Millisecond,
		OpTimeout:      500 * time.Millisecond,
	}, testMetadata())
}

// flap simulates the reconnect loop's work synchronously: tear the pool down
// and dial a fresh one under the lock.
func flap(t *testing.T, g *ModbusGateway) {
	t.Helper()
	g.mu.Lock()
	g.teardownLocked()
	err := g.dialPoolLocked()
	g.mu.Unlock()
	require.NoError(t, err)
}

func TestModbusGateway_ConnectAcquireRelease(t *testing.T) {
	srv := newFakePLC(t, "")
	g := newTestGateway(t, srv.Addr(), 2)
	require.NoError(t, g.Connect())
	defer g.Close()

	assert.True(t, g.Connected())

	c1, err := g.acquire(context.Background())
	require.NoError(t, err)
	c2, err := g.acquire(context.Background())
	require.NoError(t, err)

	g.release(c1)
	g.release(c2)

	c3, err := g.acquire(context.Background())
	require.NoError(t, err)
	g.release(c3)
}

func TestModbusGateway_AcquireTimesOutWhenExhausted(t *testing.T) {
	srv := newFakePLC(t, "")
	g := newTestGateway(t, srv.Addr(), 1)
	require.NoError(t, g.Connect())
	defer g.Close()

	conn, err := g.acquire(context.Background())
	require.NoError(t, err)

	_, err = g.acquire(context.Background())
	assert.ErrorIs(t, err, common.ErrPLCTransport)

	g.release(conn)
	conn, err = g.acquire(context.Background())
	require.NoError(t, err)
	g.release(conn)
}

func TestModbusGateway_StragglerReleaseAfterPoolRefill(t *testing.T) {
	srv := newFakePLC(t, "")
	g := newTestGateway(t, srv.Addr(), 2)
	require.NoError(t, g.Connect())
	defer g.Close()

	straggler, err := g.acquire(context.Background())
	require.NoError(t, err)

	// The connection drops and comes back while the straggler is still out;
	// the refilled pool is full again.
	flap(t, g)

	released := make(chan struct{})
	go func() {
		g.release(straggler)
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("release of a pre-reconnect connection blocked on the refilled pool")
	}

	// The gateway stays responsive and the pool stays usable.
	assert.True(t, g.Connected())
	conn, err := g.acquire(context.Background())
	require.NoError(t, err)
	g.release(conn)
}

func TestModbusGateway_DiscardAfterPoolRefillDoesNotOverfill(t *testing.T) {
	srv := newFakePLC(t, "")
	g := newTestGateway(t, srv.Addr(), 2)
	require.NoError(t, g.Connect())
	defer g.Close()

	straggler, err := g.acquire(context.Background())
	require.NoError(t, err)

	flap(t, g)

	done := make(chan struct{})
	go func() {
		g.discard(straggler)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("discard of a pre-reconnect connection blocked")
	}

	g.mu.Lock()
	poolLen := len(g.conns)
	g.mu.Unlock()
	assert.Equal(t, 2, poolLen)
	assert.True(t, g.Connected())
}

func TestModbusGateway_ReconnectsAfterConnectionLoss(t *testing.T) {
	srv := newFakePLC(t, "")
	addr := srv.Addr()
	g := newTestGateway(t, addr, 1)
	require.NoError(t, g.Connect())

	conn, err := g.acquire(context.Background())
	require.NoError(t, err)

	// Kill the endpoint so the replacement dial fails and the reconnect loop
	// takes over.
	srv.Close()
	g.discard(conn)
	assert.False(t, g.Connected())

	_, err = g.acquire(context.Background())
	assert.ErrorIs(t, err, common.ErrPLCTransport)

	newFakePLC(t, addr)
	require.Eventually(t, g.Connected, 10*time.Second, 100*time.Millisecond)

	conn, err = g.acquire(context.Background())
	require.NoError(t, err)
	g.release(conn)
	require.NoError(t, g.Close())
}
