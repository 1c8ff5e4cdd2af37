// Licensed under the MIT License. See LICENSE file in the project root for details.

package txn

import (
	"sync"

	"github.com/pkg/errors"
)

// Status is the commit state of a transaction.
type Status int

const (
	StatusInProgress Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "in-progress"
	}
}

// ErrUnknownTransaction is returned when ending a transaction the log never allocated.
var ErrUnknownTransaction = errors.New("unknown transaction")

// CommitLog allocates transaction ids and records their final status.
// Ids that were never recorded are reported as in progress, which is the
// state a crashed transaction is left in.
type CommitLog struct {
	mu      sync.RWMutex
	next    FullXID
	entries map[TransactionID]Status
}

// NewCommitLog creates a commit log whose first allocated id is
// FirstNormalTransactionID in epoch 0.
func NewCommitLog() *CommitLog {
	return NewCommitLogAt(0, FirstNormalTransactionID)
}

// NewCommitLogAt creates a commit log that allocates xid in epoch next.
// It is used to start near a wraparound point.
func NewCommitLogAt(epoch Epoch, xid TransactionID) *CommitLog {
	if !xid.IsNormal() {
		xid = FirstNormalTransactionID
	}
	return &CommitLog{
		next:    MakeFullXID(epoch, xid),
		entries: make(map[TransactionID]Status),
	}
}

// Begin allocates the next transaction id.
func (l *CommitLog) Begin() TransactionID {
	l.mu.Lock()
	defer l.mu.Unlock()

	xid := l.next.XID()
	epoch := l.next.Epoch()
	l.entries[xid] = StatusInProgress

	following := xid.Advance()
	if following < xid {
		epoch++
	}
	l.next = MakeFullXID(epoch, following)
	return xid
}

// Commit marks xid committed.
func (l *CommitLog) Commit(xid TransactionID) error {
	return l.finish(xid, StatusCommitted)
}

// Abort marks xid aborted.
func (l *CommitLog) Abort(xid TransactionID) error {
	return l.finish(xid, StatusAborted)
}

func (l *CommitLog) finish(xid TransactionID, s Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.entries[xid]
	if !ok {
		return errors.Wrapf(ErrUnknownTransaction, "xid %s", xid)
	}
	if cur != StatusInProgress && cur != s {
		return errors.Errorf("xid %s already %s", xid, cur)
	}
	l.entries[xid] = s
	return nil
}

// Status returns the recorded status of xid.
func (l *CommitLog) Status(xid TransactionID) Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[xid]
}

// DidCommit reports whether xid is known to have committed.
func (l *CommitLog) DidCommit(xid TransactionID) bool {
	if xid == FrozenTransactionID || xid == BootstrapTransactionID {
		return true
	}
	return l.Status(xid) == StatusCommitted
}

// NextXID returns the id the next Begin will allocate.
func (l *CommitLog) NextXID() TransactionID {
	return l.NextFullXID().XID()
}

// NextFullXID returns the epoch-qualified id the next Begin will allocate.
func (l *CommitLog) NextFullXID() FullXID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next
}

// EpochOf derives the epoch xid was allocated in. An id numerically above
// the next id must come from the previous wrap.
func (l *CommitLog) EpochOf(xid TransactionID) Epoch {
	next := l.NextFullXID()
	epoch := next.Epoch()
	if xid > next.XID() && epoch > 0 {
		epoch--
	}
	return epoch
}
