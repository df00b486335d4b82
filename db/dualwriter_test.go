package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanofab/ald-agent/common"
	"github.com/nanofab/ald-agent/plc"
)

type fakeValidator struct {
	exists bool
	err    error
}

func (f *fakeValidator) ValidateProcessExists(ctx context.Context, processID string) (bool, error) {
	return f.exists, f.err
}

func makeBatch(n int) []plc.ParameterValue {
	batch := make([]plc.ParameterValue, n)
	for i := range batch {
		batch[i] = plc.ParameterValue{
			ParameterID: string(rune('a' + i)),
			Value:       float64(i),
			Timestamp:   time.Now(),
			Quality:     plc.QualityGood,
		}
	}
	return batch
}

func processingState(pid string) MachineState {
	return MachineState{Status: StatusProcessing, CurrentProcessID: &pid}
}

func TestInsertDualModeAtomic_IdleWritesTwoTables(t *testing.T) {
	q := &fakeQuerier{execFn: func(sql string, args []interface{}) (int64, error) {
		if strings.HasPrefix(sql, "INSERT INTO parameter_value_history") {
			return int64(len(args) / 5), nil
		}
		return 3, nil
	}}
	w := NewDualModeWriter(q, &fakeValidator{}, 50)

	res := w.InsertDualModeAtomic(context.Background(), makeBatch(3), MachineState{Status: StatusIdle})
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.HistoryCount)
	assert.Equal(t, 0, res.ProcessCount)
	assert.Equal(t, 3, res.ComponentCount)
	assert.NotEmpty(t, res.TransactionID)

	require.Len(t, q.execCalls, 2)
	assert.Contains(t, q.execCalls[0].sql, "parameter_value_history")
	assert.Contains(t, q.execCalls[1].sql, "component_parameters")
}

func TestInsertDualModeAtomic_ProcessingWritesThreeTables(t *testing.T) {
	q := &fakeQuerier{execFn: func(sql string, args []interface{}) (int64, error) {
		switch {
		case strings.HasPrefix(sql, "INSERT INTO parameter_value_history"):
			return int64(len(args) / 5), nil
		case strings.HasPrefix(sql, "INSERT INTO process_data_points"):
			return int64(len(args) / 6), nil
		default:
			return 2, nil
		}
	}}
	w := NewDualModeWriter(q, &fakeValidator{exists: true}, 50)

	res := w.InsertDualModeAtomic(context.Background(), makeBatch(2), processingState("proc-1"))
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.HistoryCount)
	assert.Equal(t, 2, res.ProcessCount)
	assert.Equal(t, 2, res.ComponentCount)

	require.Len(t, q.execCalls, 3)
	assert.Contains(t, q.execCalls[1].sql, "process_data_points")
	// Every row carries the same transaction id.
	assert.Equal(t, res.TransactionID, q.execCalls[0].args[4])
	assert.Equal(t, res.TransactionID, q.execCalls[1].args[5])
}

func TestInsertDualModeAtomic_ChunksLargeBatch(t *testing.T) {
	q := &fakeQuerier{execFn: func(sql string, args []interface{}) (int64, error) {
		if strings.HasPrefix(sql, "INSERT INTO parameter_value_history") {
			return int64(len(args) / 5), nil
		}
		return int64(len(args) / 2), nil
	}}
	w := NewDualModeWriter(q, &fakeValidator{}, 2)

	res := w.InsertDualModeAtomic(context.Background(), makeBatch(5), MachineState{Status: StatusIdle})
	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.HistoryCount)
	// 3 chunks of (history + component).
	assert.Len(t, q.execCalls, 6)
}

func TestInsertDualModeAtomic_DemotesWhenProcessMissing(t *testing.T) {
	q := &fakeQuerier{execFn: func(sql string, args []interface{}) (int64, error) {
		if strings.HasPrefix(sql, "INSERT INTO process_data_points") {
			t.Fatal("process insert must not run for a missing process")
		}
		if strings.HasPrefix(sql, "INSERT INTO parameter_value_history") {
			return int64(len(args) / 5), nil
		}
		return 1, nil
	}}
	w := NewDualModeWriter(q, &fakeValidator{exists: false}, 50)

	res := w.InsertDualModeAtomic(context.Background(), makeBatch(1), processingState("gone"))
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Warning, "gone")
	assert.Equal(t, 1, res.HistoryCount)
	assert.Equal(t, 0, res.ProcessCount)
}

func TestInsertDualModeAtomic_CompensatesOnFailure(t *testing.T) {
	q := &fakeQuerier{execFn: func(sql string, args []interface{}) (int64, error) {
		switch {
		case strings.HasPrefix(sql, "INSERT INTO parameter_value_history"):
			return int64(len(args) / 5), nil
		case strings.HasPrefix(sql, "INSERT INTO process_data_points"):
			return 0, errors.New("connection reset")
		default:
			return 1, nil
		}
	}}
	w := NewDualModeWriter(q, &fakeValidator{exists: true}, 50)

	res := w.InsertDualModeAtomic(context.Background(), makeBatch(2), processingState("proc-1"))
	require.Error(t, res.Err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, common.ErrDBTransport)
	assert.Zero(t, res.HistoryCount)
	assert.Zero(t, res.ProcessCount)

	// History was written before the failure, so it must be deleted by
	// transaction id.
	var deletes []execCall
	for _, c := range q.execCalls {
		if strings.HasPrefix(c.sql, "DELETE FROM") {
			deletes = append(deletes, c)
		}
	}
	require.Len(t, deletes, 1)
	assert.Contains(t, deletes[0].sql, "parameter_value_history")
	assert.Equal(t, res.TransactionID, deletes[0].args[0])
	assert.Zero(t, w.IntegrityFaults())
}

func TestInsertDualModeAtomic_FailedCompensationIsIntegrityFault(t *testing.T) {
	q := &fakeQuerier{execFn: func(sql string, args []interface{}) (int64, error) {
		switch {
		case strings.HasPrefix(sql, "INSERT INTO parameter_value_history"):
			return int64(len(args) / 5), nil
		case strings.HasPrefix(sql, "DELETE FROM"):
			return 0, errors.New("still down")
		default:
			return 0, errors.New("still down")
		}
	}}
	w := NewDualModeWriter(q, &fakeValidator{}, 50)

	res := w.InsertDualModeAtomic(context.Background(), makeBatch(1), MachineState{Status: StatusIdle})
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, common.ErrDataIntegrity)
	assert.Equal(t, int64(1), w.IntegrityFaults())
}

func TestInsertDualModeAtomic_RejectsBadBatches(t *testing.T) {
	w := NewDualModeWriter(&fakeQuerier{}, &fakeValidator{}, 2)

	dup := []plc.ParameterValue{{ParameterID: "x"}, {ParameterID: "x"}}
	res := w.InsertDualModeAtomic(context.Background(), dup, MachineState{Status: StatusIdle})
	assert.ErrorIs(t, res.Err, common.ErrValidation)

	res = w.InsertDualModeAtomic(context.Background(), makeBatch(21), MachineState{Status: StatusIdle})
	assert.ErrorIs(t, res.Err, common.ErrValidation)

	res = w.InsertDualModeAtomic(context.Background(), nil, MachineState{Status: StatusIdle})
	assert.NoError(t, res.Err)
	assert.True(t, res.Success)
}

func TestDualModeWriter_ShutdownRejectsNewCalls(t *testing.T) {
	w := NewDualModeWriter(&fakeQuerier{}, &fakeValidator{}, 50)
	w.Shutdown()

	res := w.InsertDualModeAtomic(context.Background(), makeBatch(1), MachineState{Status: StatusIdle})
	assert.ErrorIs(t, res.Err, common.ErrDBTransport)

	_, err := w.InsertHistoryOnly(context.Background(), makeBatch(1))
	assert.Error(t, err)
}

func TestUpdateComponentSetValue(t *testing.T) {
	q := &fakeQuerier{}
	w := NewDualModeWriter(q, &fakeValidator{}, 50)

	err := w.UpdateComponentSetValue(context.Background(), "param-1", 42.5, "txn-1")
	require.NoError(t, err)
	require.Len(t, q.execCalls, 1)
	assert.Contains(t, q.execCalls[0].sql, "set_value")

	q.execFn = func(sql string, args []interface{}) (int64, error) { return 0, nil }
	err = w.UpdateComponentSetValue(context.Background(), "missing", 1, "txn-2")
	assert.ErrorIs(t, err, common.ErrValidation)
}
