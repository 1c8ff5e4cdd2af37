// Licensed under the MIT License. See LICENSE file in the project root for details.

package discard

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/kianostad/undodiscard/internal/txn"
	"github.com/sirupsen/logrus"
)

// Discard runs one pass over every non-temporary log, discarding what no
// transaction at or after oldestXmin can need, and publishes the oldest
// transaction still holding undo as the watermark.
//
// A failing log does not stop the pass: its oldest known transaction still
// bounds the watermark, and its error is joined into the returned error.
func (d *Discarder) Discard(ctx context.Context, oldestXmin txn.TransactionID) (Result, error) {
	began := time.Now()
	res := Result{Hibernate: true}

	oldest := oldestXmin
	epoch := d.status.EpochOf(oldestXmin)
	var errs []error

	for _, ctl := range d.reg.Logs() {
		if n, err := d.retryPending(ctl.Number()); err != nil {
			errs = append(errs, d.logFailure(ctl.Number(), oldestXmin, err))
		} else if n > 0 {
			res.Hibernate = false
			res.Discarded += n
			d.metrics.RecordDiscarded(n)
		}
		if ctl.Persistence() == undo.Temporary {
			continue
		}

		var remaining txn.TransactionID
		st := ctl.State()
		if st.OldestXID.Precedes(oldestXmin) {
			if !st.OldestXID.IsValid() {
				first, ok := d.store.FirstValidRecord(ctl.Number())
				if !ok {
					continue
				}
				if st.OldestData.Before(first) {
					if err := ctl.SetOldestData(first); err != nil {
						errs = append(errs, d.logFailure(ctl.Number(), oldestXmin, invariant(ctl.Number(), err)))
						continue
					}
				}
			}

			out, err := d.discardOneLog(ctx, ctl, oldestXmin)
			res.Scanned++
			res.Rollbacks += out.rollbacks
			d.metrics.RecordLogScanned()
			if out.discarded > 0 {
				res.Hibernate = false
				res.Discarded += out.discarded
				d.metrics.RecordDiscarded(out.discarded)
			}
			if err != nil {
				errs = append(errs, d.logFailure(ctl.Number(), oldestXmin, err))
				remaining = out.lowest
			} else {
				remaining = out.xid
			}
		}

		if remaining.IsValid() && remaining.Precedes(oldest) {
			oldest = remaining
			epoch = d.status.EpochOf(remaining)
		}
	}

	res.Watermark = txn.MakeFullXID(epoch, oldest)
	d.watermark.Store(res.Watermark)
	d.metrics.SetWatermark(res.Watermark)
	d.metrics.RecordPass(time.Since(began), res.Hibernate)

	d.log.WithFields(logrus.Fields{
		"xmin":      oldestXmin,
		"watermark": res.Watermark,
		"scanned":   res.Scanned,
		"discarded": res.Discarded,
		"hibernate": res.Hibernate,
	}).Debug("discard pass complete")

	return res, stderrors.Join(errs...)
}

func (d *Discarder) logFailure(log undo.LogNumber, xmin txn.TransactionID, err error) error {
	d.metrics.RecordError(kindName(err))
	d.log.WithFields(logrus.Fields{"log": log, "xmin": xmin}).WithError(err).Error("undo log discard failed")
	return err
}
