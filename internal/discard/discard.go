// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package discard implements the undo log discard manager.
//
// Every undo-generating transaction appends pre-image records to an undo
// log. Once no rollback and no snapshot can need them any more, their space
// must be reclaimed. A Discarder walks the transaction header chain of each
// log from its discard position, rolls back aborted transactions older than
// the oldest visible transaction id (xmin) it meets on the way, advances the
// log's discard position as far as is safe, and publishes the oldest
// transaction that still has undo anywhere as the global watermark.
//
// # Key Features
//
//   - Per-log boundary scan written as an explicit state machine (scanning, boundary, discard-only)
//   - Rollback of stale aborted transactions inside their own replay transaction
//   - End-of-chain resolution across logs a transaction overflowed into
//   - Watermark publication with wraparound-aware minimum tracking
//   - Unconditional discard of temporary (session-local) logs
//   - Hibernate hint for the scheduler when a pass found no work
//
// # Usage Examples
//
//	d, err := discard.New(discard.Config{
//	    Store:     reg,
//	    Registry:  reg,
//	    Executor:  exec,
//	    Status:    clog,
//	    Watermark: &watermark,
//	})
//
//	res, err := d.Discard(ctx, horizons.OldestXmin())
//	if res.Hibernate {
//	    // nothing was discarded, sleep longer
//	}
//
//	// At session cleanup
//	err = d.DiscardTemporary(tempLog)
//
// # Dangers and Warnings
//
//   - **Single Discarder**: Only one goroutine may run Discard at a time; the watermark is stored, not merged.
//   - **Replay Idempotence**: A failed pass retries the same rollback, so replay must tolerate repetition.
//   - **Fail-Safe Growth**: A log whose pass fails keeps its undo until the cause is fixed.
//   - **Reclaim Lag**: If the registry fails to reclaim space, the discard position has already moved on; the space is freed when a later pass retries.
//   - **Temporary Logs**: DiscardTemporary drops everything; call it only once the owning session is gone.
//
// # Thread Safety
//
// Foreground transactions may append to a log while it is being scanned.
// The control block fields are read and written under the control lock only;
// record fetches and rollback replay run outside it.
package discard

import (
	"sync"
	"time"

	"github.com/kianostad/undodiscard/internal/concurrency/horizon"
	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/kianostad/undodiscard/internal/txn"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxRefetch bounds how often a record is re-read while its end-of-chain
// link races with a new transaction starting in the same log.
const maxRefetch = 8

// TxnStatus is the transaction bookkeeping discard consults.
type TxnStatus interface {
	DidCommit(xid txn.TransactionID) bool
	EpochOf(xid txn.TransactionID) txn.Epoch
}

// Recorder receives discard metrics.
type Recorder interface {
	RecordPass(d time.Duration, hibernate bool)
	RecordLogScanned()
	RecordRollback(d time.Duration)
	RecordDiscarded(bytes uint64)
	RecordTempDiscard()
	RecordError(kind string)
	SetWatermark(f txn.FullXID)
}

type nopRecorder struct{}

func (nopRecorder) RecordPass(time.Duration, bool) {}
func (nopRecorder) RecordLogScanned()              {}
func (nopRecorder) RecordRollback(time.Duration)   {}
func (nopRecorder) RecordDiscarded(uint64)         {}
func (nopRecorder) RecordTempDiscard()             {}
func (nopRecorder) RecordError(string)             {}
func (nopRecorder) SetWatermark(txn.FullXID)       {}

// Config wires a Discarder to its collaborators. Logger and Metrics are
// optional.
type Config struct {
	Store     undo.RecordStore
	Registry  undo.Registry
	Executor  undo.Executor
	Status    TxnStatus
	Watermark *horizon.Watermark
	Logger    logrus.FieldLogger
	Metrics   Recorder
}

// Discarder advances the discard position of undo logs.
type Discarder struct {
	store     undo.RecordStore
	reg       undo.Registry
	exec      undo.Executor
	status    TxnStatus
	watermark *horizon.Watermark
	log       logrus.FieldLogger
	metrics   Recorder

	pendingMu sync.Mutex
	pending   map[undo.LogNumber]pendingDiscard
}

// Result summarises one discard pass.
type Result struct {
	// Hibernate is true when no log yielded anything to discard.
	Hibernate bool
	// Watermark is the value published for this pass.
	Watermark txn.FullXID
	// Scanned counts the logs the boundary scanner ran on.
	Scanned int
	// Rollbacks counts aborted transactions replayed.
	Rollbacks int
	// Discarded is the number of bytes reclaimed.
	Discarded uint64
}

// New creates a Discarder.
func New(cfg Config) (*Discarder, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("discard: nil record store")
	case cfg.Registry == nil:
		return nil, errors.New("discard: nil registry")
	case cfg.Executor == nil:
		return nil, errors.New("discard: nil executor")
	case cfg.Status == nil:
		return nil, errors.New("discard: nil transaction status")
	case cfg.Watermark == nil:
		return nil, errors.New("discard: nil watermark")
	}
	d := &Discarder{
		store:     cfg.Store,
		reg:       cfg.Registry,
		exec:      cfg.Executor,
		status:    cfg.Status,
		watermark: cfg.Watermark,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		pending:   make(map[undo.LogNumber]pendingDiscard),
	}
	if d.log == nil {
		d.log = logrus.StandardLogger()
	}
	if d.metrics == nil {
		d.metrics = nopRecorder{}
	}
	return d, nil
}

// Watermark returns the watermark the discarder publishes to.
func (d *Discarder) Watermark() *horizon.Watermark {
	return d.watermark
}
