// Licensed under the MIT License. See LICENSE file in the project root for details.

package discard

import (
	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/kianostad/undodiscard/internal/txn"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DiscardTemporary drops everything in a temporary log up to its insertion
// point, whatever the state of the transactions in it. The session owning
// the log must be gone. Calling it on any other log is an invariant
// violation.
func (d *Discarder) DiscardTemporary(log undo.LogNumber) error {
	ctl, ok := d.reg.Get(log)
	if !ok {
		return d.logFailure(log, txn.InvalidTransactionID, invariant(log, errors.Wrapf(undo.ErrUnknownLog, "log %d", log)))
	}
	if p := ctl.Persistence(); p != undo.Temporary {
		return d.logFailure(log, txn.InvalidTransactionID, invariant(log, errors.Wrapf(ErrNotTemporary, "log %d is %s", log, p)))
	}

	end, err := d.store.InsertPtr(log)
	if err != nil {
		return d.logFailure(log, txn.InvalidTransactionID, invariant(log, err))
	}
	start := ctl.State().OldestData
	if err := ctl.Advance(end, txn.InvalidTransactionID, 0); err != nil {
		return d.logFailure(log, txn.InvalidTransactionID, invariant(log, err))
	}
	n, err := d.physicalDiscard(log, start, end, txn.InvalidTransactionID)
	if err != nil {
		return d.logFailure(log, txn.InvalidTransactionID, err)
	}

	d.metrics.RecordTempDiscard()
	if n > 0 {
		d.metrics.RecordDiscarded(n)
	}
	d.log.WithFields(logrus.Fields{"log": log, "from": start, "to": end}).Debug("temporary undo log discarded")
	return nil
}
