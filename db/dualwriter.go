package db

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nanofab/ald-agent/common"
	"github.com/nanofab/ald-agent/plc"
)

// DefaultChunkSize is the sub-batch size for the three-table write.
const DefaultChunkSize = 50

// batchSizeFactor caps one call at this multiple of the chunk size.
const batchSizeFactor = 10

// ProcessValidator is the slice of the state repository the writer needs.
type ProcessValidator interface {
	ValidateProcessExists(ctx context.Context, processID string) (bool, error)
}

// WriteResult reports the outcome of one dual-mode call.
type WriteResult struct {
	TransactionID  string
	HistoryCount   int
	ProcessCount   int
	ComponentCount int
	Success        bool
	Warning        string
	Err            error
}

// compensation tracks which tables received rows for the current call, so a
// later failure can delete them by transaction id.
type compensation struct {
	history bool
	process bool
}

// DualModeWriter performs the atomic three-table telemetry write: every batch
// goes to parameter_value_history, additionally to process_data_points while
// a recipe runs, and always refreshes component_parameters.current_value.
// Each call stamps a fresh transaction id into every row it inserts; on a
// mid-call failure the already-inserted rows are deleted by that stamp so no
// partially visible batch remains.
//
// Calls are self-contained and safe to issue concurrently; the only
// cross-call state is the integrity-fault counter surfaced to the health
// endpoint when a compensation itself fails.
type DualModeWriter struct {
	q         Querier
	validator ProcessValidator
	chunkSize int
	log       *logrus.Entry

	mu              sync.Mutex
	closed          bool
	inflight        sync.WaitGroup
	integrityFaults atomic.Int64
}

// NewDualModeWriter creates a writer over q. validator is consulted before
// process-mode writes; chunkSize <= 0 selects the default.
func NewDualModeWriter(q Querier, validator ProcessValidator, chunkSize int) *DualModeWriter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &DualModeWriter{
		q:         q,
		validator: validator,
		chunkSize: chunkSize,
		log:       common.Logger.WithField("component", "dual-writer"),
	}
}

// Shutdown rejects new calls and waits for running ones to finish.
func (w *DualModeWriter) Shutdown() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.inflight.Wait()
}

// IntegrityFaults returns the number of failed compensations observed since
// startup. Non-zero flips the health endpoint to unhealthy.
func (w *DualModeWriter) IntegrityFaults() int64 {
	return w.integrityFaults.Load()
}

func (w *DualModeWriter) begin() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("%w: writer is shut down", common.ErrDBTransport)
	}
	w.inflight.Add(1)
	return nil
}

// InsertDualModeAtomic writes one batch under a fresh transaction id. The
// returned result is never nil-equivalent: on failure Success is false and
// Err carries the cause.
func (w *DualModeWriter) InsertDualModeAtomic(ctx context.Context, batch []plc.ParameterValue, state MachineState) WriteResult {
	res := WriteResult{TransactionID: uuid.NewString()}

	if err := w.begin(); err != nil {
		res.Err = err
		return res
	}
	defer w.inflight.Done()

	if err := validateBatch(batch, w.chunkSize*batchSizeFactor); err != nil {
		res.Err = err
		return res
	}
	if len(batch) == 0 {
		res.Success = true
		return res
	}

	processing := state.IsProcessing()
	processID := ""
	if processing {
		processID = *state.CurrentProcessID
		exists, err := w.validator.ValidateProcessExists(ctx, processID)
		if err != nil {
			res.Err = fmt.Errorf("%w: %v", common.ErrDBTransport, err)
			return res
		}
		if !exists {
			processing = false
			res.Warning = fmt.Sprintf("process %s no longer exists, demoted to history-only", processID)
			w.log.WithField("process_id", processID).Warn(res.Warning)
		}
	}

	comp := compensation{}
	for start := 0; start < len(batch); start += w.chunkSize {
		end := start + w.chunkSize
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]

		n, err := w.insertHistory(ctx, chunk, res.TransactionID)
		if err != nil {
			// Nothing from this chunk is visible yet, but earlier chunks
			// are; roll the whole call back.
			w.compensate(ctx, res.TransactionID, comp, &res)
			res.Err = fmt.Errorf("%w: history insert: %v", common.ErrDBTransport, err)
			return res
		}
		res.HistoryCount += n
		comp.history = true

		if processing {
			n, err := w.insertProcessPoints(ctx, chunk, processID, res.TransactionID)
			if err != nil {
				w.compensate(ctx, res.TransactionID, comp, &res)
				res.Err = fmt.Errorf("%w: process insert: %v", common.ErrDBTransport, err)
				return res
			}
			res.ProcessCount += n
			comp.process = true
		}

		n, err = w.updateComponents(ctx, chunk)
		if err != nil {
			w.compensate(ctx, res.TransactionID, comp, &res)
			res.Err = fmt.Errorf("%w: component update: %v", common.ErrDBTransport, err)
			return res
		}
		res.ComponentCount += n
	}

	res.Success = true
	return res
}

// InsertHistoryOnly is the idle-mode fast path: history rows only, no
// compensation registered.
func (w *DualModeWriter) InsertHistoryOnly(ctx context.Context, batch []plc.ParameterValue) (int, error) {
	if err := w.begin(); err != nil {
		return 0, err
	}
	defer w.inflight.Done()

	if err := validateBatch(batch, w.chunkSize*batchSizeFactor); err != nil {
		return 0, err
	}
	txnID := uuid.NewString()
	total := 0
	for start := 0; start < len(batch); start += w.chunkSize {
		end := start + w.chunkSize
		if end > len(batch) {
			end = len(batch)
		}
		n, err := w.insertHistory(ctx, batch[start:end], txnID)
		if err != nil {
			return total, fmt.Errorf("%w: history insert: %v", common.ErrDBTransport, err)
		}
		total += n
	}
	return total, nil
}

// UpdateComponentSetValue writes a single set-point under the caller's
// transaction id so the audit trail lines up with the accompanying history
// rows. Used by the parameter write path.
func (w *DualModeWriter) UpdateComponentSetValue(ctx context.Context, parameterID string, value float64, txnID string) error {
	if err := w.begin(); err != nil {
		return err
	}
	defer w.inflight.Done()

	affected, err := w.q.Exec(ctx, `
		UPDATE component_parameters
		SET set_value = $1, updated_at = NOW()
		WHERE id = $2`, value, parameterID)
	if err != nil {
		return fmt.Errorf("%w: set_value update: %v", common.ErrDBTransport, err)
	}
	if affected == 0 {
		return common.ValidationErrorf("unknown parameter %q", parameterID)
	}
	w.log.WithFields(logrus.Fields{
		"parameter_id":   parameterID,
		"transaction_id": txnID,
	}).Debug("set_value updated")
	return nil
}

func validateBatch(batch []plc.ParameterValue, maxSize int) error {
	if len(batch) > maxSize {
		return common.ValidationErrorf("batch size %d exceeds cap %d", len(batch), maxSize)
	}
	seen := make(map[string]struct{}, len(batch))
	for _, v := range batch {
		if v.ParameterID == "" {
			return common.ValidationErrorf("batch contains an empty parameter id")
		}
		if _, dup := seen[v.ParameterID]; dup {
			return common.ValidationErrorf("duplicate parameter id %q in batch", v.ParameterID)
		}
		seen[v.ParameterID] = struct{}{}
	}
	return nil
}

func (w *DualModeWriter) insertHistory(ctx context.Context, chunk []plc.ParameterValue, txnID string) (int, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO parameter_value_history (parameter_id, value, set_point, timestamp, transaction_id) VALUES `)
	args := make([]interface{}, 0, len(chunk)*5)
	for i, v := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, v.ParameterID, v.Value, v.SetPoint, v.Timestamp, txnID)
	}
	affected, err := w.q.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (w *DualModeWriter) insertProcessPoints(ctx context.Context, chunk []plc.ParameterValue, processID, txnID string) (int, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO process_data_points (process_id, parameter_id, value, set_point, timestamp, transaction_id) VALUES `)
	args := make([]interface{}, 0, len(chunk)*6)
	for i, v := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, processID, v.ParameterID, v.Value, v.SetPoint, v.Timestamp, txnID)
	}
	affected, err := w.q.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// updateComponents refreshes current_value for every parameter in the chunk
// with one CASE-WHEN statement.
func (w *DualModeWriter) updateComponents(ctx context.Context, chunk []plc.ParameterValue) (int, error) {
	var sb strings.Builder
	sb.WriteString(`UPDATE component_parameters SET current_value = CASE id `)
	args := make([]interface{}, 0, len(chunk)*2)
	for _, v := range chunk {
		fmt.Fprintf(&sb, "WHEN $%d THEN $%d::float8 ", len(args)+1, len(args)+2)
		args = append(args, v.ParameterID, v.Value)
	}
	sb.WriteString(`ELSE current_value END, updated_at = NOW() WHERE id IN (`)
	for i, v := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", len(args)+1)
		args = append(args, v.ParameterID)
	}
	sb.WriteString(`)`)

	affected, err := w.q.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// compensate deletes everything stamped with txnID from the tables that were
// written. A failed compensation is a data-integrity fault: it is logged,
// counted for the health endpoint, and recorded on the result, but the agent
// keeps running.
func (w *DualModeWriter) compensate(ctx context.Context, txnID string, comp compensation, res *WriteResult) {
	tables := []struct {
		written bool
		name    string
	}{
		{comp.process, "process_data_points"},
		{comp.history, "parameter_value_history"},
	}
	for _, t := range tables {
		if !t.written {
			continue
		}
		if _, err := w.q.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE transaction_id = $1`, t.name), txnID); err != nil {
			w.integrityFaults.Add(1)
			msg := fmt.Sprintf("compensation failed for %s, rows with transaction_id %s may remain", t.name, txnID)
			w.log.WithError(err).WithField("transaction_id", txnID).Error(msg)
			res.Err = fmt.Errorf("%w: %s: %v", common.ErrDataIntegrity, msg, err)
		}
	}
	res.HistoryCount = 0
	res.ProcessCount = 0
	res.ComponentCount = 0
}
