package recipe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanofab/ald-agent/common"
	"github.com/nanofab/ald-agent/plc"
)

type fakeProgress struct {
	mu      sync.Mutex
	updates []ProgressUpdate
}

func (f *fakeProgress) UpdateExecutionState(ctx context.Context, u ProgressUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeProgress) all() []ProgressUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ProgressUpdate(nil), f.updates...)
}

type fakeProcs struct {
	mu        sync.Mutex
	completed []string
	failed    map[string]string
	aborted   []string
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{failed: make(map[string]string)}
}

func (f *fakeProcs) CompleteExecution(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeProcs) FailExecution(ctx context.Context, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = msg
	return nil
}

func (f *fakeProcs) AbortExecution(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, id)
	return nil
}

type fakeReleaser struct {
	mu       sync.Mutex
	released int
}

func (f *fakeReleaser) ReleaseToIdle(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

type fakeSetter struct {
	mu   sync.Mutex
	sets map[string]float64
	err  error
}

func (f *fakeSetter) Set(ctx context.Context, parameterID string, value float64) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets == nil {
		f.sets = make(map[string]float64)
	}
	f.sets[parameterID] = value
	return nil
}

type execHarness struct {
	gw       *plc.SimGateway
	progress *fakeProgress
	procs    *fakeProcs
	machine  *fakeReleaser
	setter   *fakeSetter
	exec     *Executor
}

func newHarness(t *testing.T, rcp *Recipe) *execHarness {
	t.Helper()
	h := &execHarness{
		gw:       plc.NewSimGateway(nil),
		progress: &fakeProgress{},
		procs:    newFakeProcs(),
		machine:  &fakeReleaser{},
		setter:   &fakeSetter{},
	}
	h.exec = NewExecutor(h.gw, h.setter, h.progress, h.procs, h.machine, "exec-1", rcp)
	return h
}

func TestRun_ExecutesTreeAndCompletes(t *testing.T) {
	rcp := &Recipe{ID: "r", Steps: []Step{
		setParam("temp", 250),
		loop(3, valve(1, 1), purge(1)),
	}}
	h := newHarness(t, rcp)

	err := h.exec.Run(context.Background())
	require.NoError(t, err)

	// One progress row per leaf execution.
	updates := h.progress.all()
	require.Len(t, updates, rcp.TotalSteps())
	last := updates[len(updates)-1]
	assert.Equal(t, 7, last.CurrentOverallStep)
	assert.Equal(t, 7, last.TotalOverallSteps)
	assert.Equal(t, 1, last.CurrentStepIndex)

	assert.Equal(t, []string{"exec-1"}, h.procs.completed)
	assert.Equal(t, 1, h.machine.released)
	assert.Equal(t, 250.0, h.setter.sets["temp"])
	assert.False(t, h.gw.ValveOpen(1), "valve must be closed after its dwell")

	select {
	case <-h.exec.Done():
	default:
		t.Fatal("Done must be closed after Run returns")
	}
}

func TestRun_CancelAbortsBetweenSteps(t *testing.T) {
	rcp := &Recipe{ID: "r", Steps: []Step{
		loop(1000, valve(1, 20)),
	}}
	h := newHarness(t, rcp)

	go func() {
		time.Sleep(30 * time.Millisecond)
		h.exec.Cancel()
	}()

	err := h.exec.Run(context.Background())
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, []string{"exec-1"}, h.procs.aborted)
	assert.Empty(t, h.procs.completed)
	assert.Equal(t, 1, h.machine.released)

	// Far fewer than 1000 iterations ran.
	assert.Less(t, len(h.progress.all()), 100)
}

func TestRun_StepFailureMarksFailed(t *testing.T) {
	rcp := &Recipe{ID: "r", Steps: []Step{
		valve(1, 1),
		setParam("temp", 250),
	}}
	h := newHarness(t, rcp)
	h.setter.err = errors.New("register write refused")

	err := h.exec.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrRecipeFault)
	assert.Contains(t, h.procs.failed["exec-1"], "register write refused")
	assert.Equal(t, 1, h.machine.released)
}

func TestRun_ContextCancellationAborts(t *testing.T) {
	rcp := &Recipe{ID: "r", Steps: []Step{
		loop(1000, purge(10)),
	}}
	h := newHarness(t, rcp)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := h.exec.Run(ctx)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, []string{"exec-1"}, h.procs.aborted)
}

func TestRun_ZeroIterationLoopIsSkipped(t *testing.T) {
	rcp := &Recipe{ID: "r", Steps: []Step{
		loop(0, valve(1, 1)),
		purge(1),
	}}
	h := newHarness(t, rcp)

	require.NoError(t, h.exec.Run(context.Background()))
	assert.Len(t, h.progress.all(), 1)
}
