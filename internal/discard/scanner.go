// Licensed under the MIT License. See LICENSE file in the project root for details.

package discard

import (
	"context"

	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/kianostad/undodiscard/internal/txn"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type scanState int

const (
	stateScanning scanState = iota
	stateFoundBoundary
	stateDiscardOnly
)

func (s scanState) String() string {
	switch s {
	case stateScanning:
		return "scanning"
	case stateFoundBoundary:
		return "boundary"
	case stateDiscardOnly:
		return "discard-only"
	default:
		return "unknown"
	}
}

// logOutcome is the result of scanning one log.
type logOutcome struct {
	// xid is the oldest transaction left in the log, invalid when the log
	// was discarded up to its insertion point or had nothing to discard.
	xid       txn.TransactionID
	epoch     txn.Epoch
	discarded uint64
	rollbacks int
	// lowest bounds the oldest xid still in the log when the scan failed.
	lowest txn.TransactionID
}

// discardOneLog advances the discard position of one log as far as xmin
// allows, rolling back aborted transactions older than xmin on the way.
func (d *Discarder) discardOneLog(ctx context.Context, ctl *undo.Control, xmin txn.TransactionID) (logOutcome, error) {
	log := ctl.Number()
	st := ctl.State()
	start := st.OldestData

	var (
		out         = logOutcome{lowest: st.OldestXID}
		ptr         = start
		xid         = st.OldestXID
		boundary    txn.TransactionID
		epoch       txn.Epoch
		lastPassed  txn.TransactionID
		needDiscard bool
		refetches   int
		rolledBack  undo.RecPtr
		replayed    bool
		state       = stateScanning
	)

	for state == stateScanning {
		if next, ok := d.store.NextInsertPtr(log, xid); ok && next == ptr {
			if ptr == start {
				// Caught up: the discard position is the insertion point.
				return out, nil
			}
			// The remaining gap belongs to a transaction whose rollback
			// already ran and rewound the insertion point.
			state = stateDiscardOnly
			break
		}

		rec, err := d.store.Fetch(ptr)
		if err != nil {
			return out, invariant(log, errors.Wrapf(err, "fetch transaction header at %s", ptr))
		}
		if !out.lowest.IsValid() {
			out.lowest = rec.XID
		}
		xid, boundary, epoch = rec.XID, rec.XID, rec.Epoch

		// A refetch of the same header must not replay it again.
		if !d.status.DidCommit(rec.XID) && rec.XID.Precedes(xmin) && !(replayed && rolledBack == ptr) {
			if err := d.rollback(ctx, log, ptr, rec); err != nil {
				return out, err
			}
			out.rollbacks++
			rolledBack, replayed = ptr, true
		}

		next, linked := rec.Next.Ptr()
		if rec.XID.FollowsOrEquals(xmin) || !linked || next.Log != log {
			state = stateFoundBoundary
			if rec.XID.Precedes(xmin) {
				// The last transaction of the log is older than xmin, so
				// the log can go up to its insertion point.
				end, ok := d.store.NextInsertPtr(log, rec.XID)
				if !ok {
					// A new transaction has started in the log; its header
					// link is being patched, so look at the record again.
					if refetches < maxRefetch {
						refetches++
						state = stateScanning
						continue
					}
					d.log.WithFields(logrus.Fields{"log": log, "xid": rec.XID}).
						Debug("insertion point still claimed, stopping at transaction start")
					break
				}
				ptr = end
				needDiscard = true
				lastPassed = rec.XID
				boundary, epoch = txn.InvalidTransactionID, 0
			}
			break
		}

		if !ptr.Before(next) {
			return out, invariantf(log, "transaction chain at %s links backwards to %s", ptr, next)
		}
		ptr = next
		lastPassed = rec.XID
		needDiscard = true
	}

	if state == stateDiscardOnly {
		boundary, epoch = txn.InvalidTransactionID, 0
	}

	if err := ctl.Advance(ptr, boundary, epoch); err != nil {
		return out, invariant(log, err)
	}
	out.xid, out.epoch = boundary, epoch
	d.log.WithFields(logrus.Fields{
		"log":   log,
		"from":  start,
		"to":    ptr,
		"xid":   boundary,
		"xmin":  xmin,
		"state": state,
	}).Debug("undo log scanned")

	if needDiscard && start.Before(ptr) {
		n, err := d.physicalDiscard(log, start, ptr, lastPassed)
		if err != nil {
			return out, err
		}
		out.discarded = n
	}
	return out, nil
}

// pendingDiscard is a physical discard that failed after the control block
// had already moved past it.
type pendingDiscard struct {
	from    undo.RecPtr
	upTo    undo.RecPtr
	lastXID txn.TransactionID
}

// physicalDiscard reclaims [from, upTo) of log and returns the bytes freed,
// including any earlier range of the log whose reclaim had failed. On
// failure the range is remembered and retried by the next pass.
func (d *Discarder) physicalDiscard(log undo.LogNumber, from, upTo undo.RecPtr, lastXID txn.TransactionID) (uint64, error) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	if p, ok := d.pending[log]; ok {
		from = p.from
	}
	if err := d.reg.Discard(upTo, lastXID); err != nil {
		d.pending[log] = pendingDiscard{from: from, upTo: upTo, lastXID: lastXID}
		return 0, &Error{Log: log, Kind: ErrDiscard, Err: errors.Wrapf(err, "discard %s to %s", from, upTo)}
	}
	delete(d.pending, log)
	return uint64(upTo.Offset - from.Offset), nil
}

// retryPending repeats a failed physical discard of log, if there is one.
func (d *Discarder) retryPending(log undo.LogNumber) (uint64, error) {
	d.pendingMu.Lock()
	p, ok := d.pending[log]
	d.pendingMu.Unlock()
	if !ok {
		return 0, nil
	}
	return d.physicalDiscard(log, p.from, p.upTo, p.lastXID)
}
