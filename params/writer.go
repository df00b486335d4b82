// Package params implements the validated parameter write path: bounds
// checking against metadata, the PLC register write, and the set_value
// bookkeeping in the database.
package params

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nanofab/ald-agent/common"
	"github.com/nanofab/ald-agent/plc"
)

// SetValueStore is the slice of the dual-mode writer the path needs.
type SetValueStore interface {
	UpdateComponentSetValue(ctx context.Context, parameterID string, value float64, txnID string) error
}

// Writer is the single entry point for set-point changes, used by both the
// set_parameter command and parameter recipe steps.
type Writer struct {
	meta  plc.MetadataSource
	gw    plc.Gateway
	store SetValueStore
	log   *logrus.Entry
}

// NewWriter creates the write path.
func NewWriter(meta plc.MetadataSource, gw plc.Gateway, store SetValueStore) *Writer {
	return &Writer{
		meta:  meta,
		gw:    gw,
		store: store,
		log:   common.Logger.WithField("component", "param-writer"),
	}
}

// Set validates value against the parameter's declared range, writes it to
// the PLC, then records it as the new set_value. The PLC write is the
// authoritative action: once it succeeds, a failed database update is logged
// as a divergence warning rather than unwinding the hardware state.
func (w *Writer) Set(ctx context.Context, parameterID string, value float64) error {
	param, err := w.meta.ParameterByID(ctx, parameterID)
	if err != nil {
		return err
	}
	if !param.Active {
		return common.ValidationErrorf("parameter %q is inactive", parameterID)
	}
	if param.MinValue != nil && value < *param.MinValue {
		return common.ValidationErrorf("value %g below minimum %g for %q", value, *param.MinValue, param.Name)
	}
	if param.MaxValue != nil && value > *param.MaxValue {
		return common.ValidationErrorf("value %g above maximum %g for %q", value, *param.MaxValue, param.Name)
	}

	if err := w.gw.WriteParameter(ctx, param.ID, value); err != nil {
		return err
	}

	txnID := uuid.NewString()
	if err := w.store.UpdateComponentSetValue(ctx, parameterID, value, txnID); err != nil {
		// The PLC already holds the new value; the database is behind until
		// the next reconciliation.
		w.log.WithError(err).WithFields(logrus.Fields{
			"parameter_id": parameterID,
			"value":        value,
		}).Warn("set_value bookkeeping failed, database diverges from PLC")
		return nil
	}

	w.log.WithFields(logrus.Fields{
		"parameter_id": parameterID,
		"value":        value,
	}).Info("parameter set")
	return nil
}
