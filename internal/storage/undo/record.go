// Licensed under the MIT License. See LICENSE file in the project root for details.

package undo

import (
	"context"

	"github.com/kianostad/undodiscard/internal/txn"
	"github.com/pkg/errors"
)

var (
	// ErrRecordNotFound is returned when no record lives at a pointer.
	ErrRecordNotFound = errors.New("undo record not found")
	// ErrUnknownLog is returned for a log number the registry does not hold.
	ErrUnknownLog = errors.New("unknown undo log")
	// ErrLogFull is returned when an insert does not fit into a log.
	ErrLogFull = errors.New("undo log full")
	// ErrRegression is returned when a discard position would move backwards.
	ErrRegression = errors.New("undo discard position moved backwards")
)

// Record is the unpacked content of an undo record needed by discard. It is
// a copy: holding one pins no storage.
type Record struct {
	XID     txn.TransactionID
	Epoch   txn.Epoch
	Next    Link
	PrevLen uint16 // length of the record physically before this one
	Payload []byte
}

// Persistence is the durability class of an undo log.
type Persistence int

const (
	Permanent Persistence = iota
	Unlogged
	Temporary
)

func (p Persistence) String() string {
	switch p {
	case Permanent:
		return "permanent"
	case Unlogged:
		return "unlogged"
	case Temporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// RecordStore reads undo records and insertion positions.
type RecordStore interface {
	// Fetch returns the record at p or ErrRecordNotFound.
	Fetch(p RecPtr) (Record, error)
	// NextInsertPtr returns the insertion point of log on behalf of xid. It
	// returns false when another transaction is currently attached to log.
	NextInsertPtr(log LogNumber, xid txn.TransactionID) (RecPtr, bool)
	// InsertPtr returns the insertion point of log regardless of owner.
	InsertPtr(log LogNumber) (RecPtr, error)
	// FirstValidRecord returns the oldest undiscarded record of log, or
	// false when the log holds no records.
	FirstValidRecord(log LogNumber) (RecPtr, bool)
	// PrevLen returns the length of the last record inserted into log.
	PrevLen(log LogNumber) uint16
}

// Registry owns the logs and their control blocks.
type Registry interface {
	// Logs enumerates every registered log.
	Logs() []*Control
	// Get returns the control block of log.
	Get(log LogNumber) (*Control, bool)
	// Discard physically reclaims every record of upTo.Log before upTo.
	// lastXID is the newest transaction wholly contained in the range.
	Discard(upTo RecPtr, lastXID txn.TransactionID) error
	// IsDiscarded reports whether p has already been physically reclaimed.
	IsDiscarded(p RecPtr) bool
}

// Executor replays undo records to roll back aborted transactions. Every
// replay runs inside its own transaction so a crash leaves the data
// consistent, and replaying the same range twice must be harmless.
type Executor interface {
	Begin(ctx context.Context) (ReplayTxn, error)
}

// ReplayTxn is one rollback transaction.
type ReplayTxn interface {
	// Replay undoes xid's records from the record at from back to the one
	// at to, both inclusive.
	Replay(from, to RecPtr, xid txn.TransactionID) error
	Commit() error
	Abort() error
}
