// Licensed under the MIT License. See LICENSE file in the project root for details.

package discard

import (
	"context"
	"time"

	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// latestPtrForXID returns the pointer of the last record written by the
// transaction whose header in log is first, found at start. When the
// transaction overflowed, the chain is followed into the logs it continued
// in; a continuation that was already discarded has been rolled back, so
// the search ends in the current log.
func (d *Discarder) latestPtrForXID(start undo.RecPtr, first undo.Record, log undo.LogNumber) (undo.RecPtr, error) {
	cur, rec := start, first
	refetches := 0
	visited := map[undo.LogNumber]bool{log: true}

	for {
		next, linked := rec.Next.Ptr()
		switch {
		case !linked:
			end, ok := d.store.NextInsertPtr(log, rec.XID)
			if !ok {
				// Another transaction claimed the log after this record was
				// read; its link has been patched since.
				if refetches >= maxRefetch {
					return undo.RecPtr{}, invariantf(log, "end of xid %s at %s kept moving", rec.XID, cur)
				}
				refetches++
				r, err := d.store.Fetch(cur)
				if err != nil {
					return undo.RecPtr{}, invariant(log, errors.Wrapf(err, "refetch at %s", cur))
				}
				rec = r
				continue
			}
			return end.Back(d.store.PrevLen(log)), nil

		case next.Log != log && d.reg.IsDiscarded(next):
			end, ok := d.store.NextInsertPtr(log, rec.XID)
			if !ok {
				return undo.RecPtr{}, invariantf(log, "log %d not attached to overflowed xid %s", log, rec.XID)
			}
			return end.Back(d.store.PrevLen(log)), nil

		case next.Log == log:
			nrec, err := d.store.Fetch(next)
			if err != nil {
				return undo.RecPtr{}, invariant(log, errors.Wrapf(err, "fetch successor at %s", next))
			}
			return next.Back(nrec.PrevLen), nil

		default:
			if visited[next.Log] {
				return undo.RecPtr{}, invariantf(log, "chain of xid %s loops back into log %d", rec.XID, next.Log)
			}
			if _, ok := d.reg.Get(next.Log); !ok {
				return undo.RecPtr{}, invariantf(log, "xid %s continues in unknown log %d", rec.XID, next.Log)
			}
			nrec, err := d.store.Fetch(next)
			if err != nil {
				return undo.RecPtr{}, invariant(log, errors.Wrapf(err, "fetch continuation at %s", next))
			}
			if nrec.XID != rec.XID {
				return undo.RecPtr{}, invariantf(log, "continuation at %s belongs to xid %s, not %s", next, nrec.XID, rec.XID)
			}
			log, cur, rec = next.Log, next, nrec
			visited[log] = true
			refetches = 0
		}
	}
}

// rollback replays the aborted transaction whose header in log is rec at
// start. The replay is committed as a unit; on failure nothing is kept and
// the next pass retries it.
func (d *Discarder) rollback(ctx context.Context, log undo.LogNumber, start undo.RecPtr, rec undo.Record) error {
	from, err := d.latestPtrForXID(start, rec, log)
	if err != nil {
		return err
	}

	fields := logrus.Fields{"log": log, "xid": rec.XID, "from": from, "to": start}
	began := time.Now()

	tx, err := d.exec.Begin(ctx)
	if err != nil {
		return &Error{Log: log, Kind: ErrReplay, Err: errors.Wrap(err, "begin replay")}
	}
	if err := tx.Replay(from, start, rec.XID); err != nil {
		if aerr := tx.Abort(); aerr != nil {
			d.log.WithFields(fields).WithError(aerr).Warn("abort of failed replay")
		}
		return &Error{Log: log, Kind: ErrReplay, Err: errors.Wrapf(err, "replay xid %s", rec.XID)}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Log: log, Kind: ErrReplay, Err: errors.Wrapf(err, "commit replay of xid %s", rec.XID)}
	}

	d.metrics.RecordRollback(time.Since(began))
	d.log.WithFields(fields).Info("rolled back aborted transaction")
	return nil
}
