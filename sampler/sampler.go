// Package sampler runs the continuous telemetry loop: read every active
// parameter from the PLC each tick and hand the batch to the dual-mode
// writer. The loop never stops on errors; it degrades (skipped ticks,
// spooled batches, stretched interval) and recovers on its own.
package sampler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nanofab/ald-agent/common"
	"github.com/nanofab/ald-agent/db"
	"github.com/nanofab/ald-agent/plc"
	"github.com/nanofab/ald-agent/spool"
)

// DefaultInterval is the sampling period when none is configured.
const DefaultInterval = time.Second

// DegradedInterval is the stretched period after repeated database failures.
const DegradedInterval = 30 * time.Second

// degradeThreshold is the consecutive-failure count that stretches the
// interval.
const degradeThreshold = 5

// BatchWriter is the slice of the dual-mode writer the sampler uses.
type BatchWriter interface {
	InsertDualModeAtomic(ctx context.Context, batch []plc.ParameterValue, state db.MachineState) db.WriteResult
	InsertHistoryOnly(ctx context.Context, batch []plc.ParameterValue) (int, error)
}

// MachineStater reads machine state and refreshes the heartbeat.
type MachineStater interface {
	MachineState(ctx context.Context) (db.MachineState, error)
	Heartbeat(ctx context.Context) error
}

// Sampler is the telemetry loop for one machine.
type Sampler struct {
	gw       plc.Gateway
	meta     plc.MetadataSource
	writer   BatchWriter
	machines MachineStater
	buffer   *spool.Spool
	interval time.Duration
	log      *logrus.Entry

	cancel context.CancelFunc
	done   chan struct{}

	consecutiveErrors atomic.Int64
}

// New creates a sampler. buffer may be nil to disable offline spooling.
func New(gw plc.Gateway, meta plc.MetadataSource, writer BatchWriter, machines MachineStater, buffer *spool.Spool, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		gw:       gw,
		meta:     meta,
		writer:   writer,
		machines: machines,
		buffer:   buffer,
		interval: interval,
		log:      common.Logger.WithField("component", "sampler"),
		done:     make(chan struct{}),
	}
}

// Start launches the loop in the background.
func (s *Sampler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (s *Sampler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// ErrorCount reports consecutive tick failures; the health endpoint flags
// degraded while it is non-zero.
func (s *Sampler) ErrorCount() int {
	return int(s.consecutiveErrors.Load())
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)
	s.log.WithField("interval", s.interval).Info("sampler started")

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sampler stopped")
			return
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.currentInterval())
		}
	}
}

// currentInterval stretches the period while ticks keep failing so the agent
// stops hammering a dead dependency.
func (s *Sampler) currentInterval() time.Duration {
	if s.consecutiveErrors.Load() >= degradeThreshold {
		return DegradedInterval
	}
	return s.interval
}

func (s *Sampler) tick(ctx context.Context) {
	if !s.gw.Connected() {
		s.log.Debug("PLC disconnected, skipping tick")
		return
	}

	params, err := s.meta.ActiveParameters(ctx)
	if err != nil {
		s.log.WithError(err).Warn("failed to load active parameters")
		return
	}
	if len(params) == 0 {
		return
	}

	ids := make([]string, len(params))
	for i, p := range params {
		ids[i] = p.ID
	}
	batch, err := s.gw.ReadParametersBulk(ctx, ids)
	if err != nil {
		s.log.WithError(err).Warn("bulk read failed, skipping tick")
		s.tickFailure()
		return
	}
	if len(batch) == 0 {
		return
	}

	state, err := s.machines.MachineState(ctx)
	if err != nil {
		s.log.WithError(err).Warn("failed to read machine state")
		s.spoolBatch(batch, nil)
		s.tickFailure()
		return
	}

	res := s.writer.InsertDualModeAtomic(ctx, batch, state)
	if res.Err != nil {
		s.log.WithError(res.Err).WithField("transaction_id", res.TransactionID).
			Warn("telemetry write failed")
		s.spoolBatch(batch, state.CurrentProcessID)
		s.tickFailure()
		return
	}
	if res.Warning != "" {
		s.log.Warn(res.Warning)
	}

	s.tickSuccess(ctx)
}

func (s *Sampler) tickFailure() {
	if s.consecutiveErrors.Add(1) == degradeThreshold {
		s.log.WithField("interval", DegradedInterval).
			Warn("repeated tick failures, stretching sample interval")
	}
}

func (s *Sampler) tickSuccess(ctx context.Context) {
	if s.consecutiveErrors.Load() >= degradeThreshold {
		s.log.WithField("interval", s.interval).Info("sampling recovered, restoring interval")
	}
	s.consecutiveErrors.Store(0)

	if err := s.machines.Heartbeat(ctx); err != nil {
		s.log.WithError(err).Warn("heartbeat update failed")
	}
	s.drainSpool(ctx)
}

func (s *Sampler) spoolBatch(batch []plc.ParameterValue, processID *string) {
	if s.buffer == nil {
		return
	}
	err := s.buffer.Put(spool.Batch{
		CapturedAt: time.Now().UTC(),
		ProcessID:  processID,
		Values:     batch,
	})
	if err != nil {
		s.log.WithError(err).Error("failed to spool telemetry batch")
		return
	}
	s.log.WithField("values", len(batch)).Debug("telemetry batch spooled")
}

// drainSpool replays buffered batches into history once the database is back.
// Replayed data goes to history only: the process it belonged to has moved on
// and late points must not distort a finished run's live tables.
func (s *Sampler) drainSpool(ctx context.Context) {
	if s.buffer == nil {
		return
	}
	n, err := s.buffer.Drain(func(b spool.Batch) error {
		_, err := s.writer.InsertHistoryOnly(ctx, b.Values)
		return err
	})
	if n > 0 {
		s.log.WithField("batches", n).Info("spooled telemetry replayed")
	}
	if err != nil {
		s.log.WithError(err).Warn("spool replay interrupted")
	}
}
