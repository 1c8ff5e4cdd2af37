// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package txn provides transaction identifiers and the commit log consulted
// by the undo discard manager.
//
// Transaction ids are 32-bit counters that wrap around. Two ids are ordered
// with modulo-2^32 arithmetic, so every normal id sees roughly two billion
// ids "before" it and two billion "after" it. A separate 32-bit epoch counts
// completed wraps; the pair (epoch, xid) is a FullXID and is totally ordered.
//
// # Key Features
//
//   - Wraparound-aware ordering predicates (Precedes, FollowsOrEquals, ...)
//   - Special ids (Invalid, Bootstrap, Frozen) that order before every normal id
//   - 64-bit FullXID combining epoch and xid for the published watermark
//   - A commit log that allocates ids, tracks their status and derives epochs
//
// # Usage Examples
//
//	clog := txn.NewCommitLog()
//	xid := clog.Begin()
//	clog.Commit(xid)
//
//	if xid.Precedes(clog.NextXID()) {
//	    // xid is older than anything allocated after it
//	}
//
//	full := txn.MakeFullXID(clog.EpochOf(xid), xid)
//
// # Dangers and Warnings
//
//   - **Comparison Horizon**: Ordering is only meaningful for ids less than 2^31 apart.
//   - **Invalid Ids**: The zero value is InvalidTransactionID and precedes every normal id.
//   - **Epoch Derivation**: EpochOf assumes xid is not older than one full wrap.
package txn

import "fmt"

// TransactionID identifies a transaction. The zero value is invalid.
type TransactionID uint32

// Epoch counts how many times the transaction id counter has wrapped.
type Epoch uint32

const (
	// InvalidTransactionID marks "no transaction" or "unknown".
	InvalidTransactionID TransactionID = 0
	// BootstrapTransactionID is used while the engine initialises itself.
	BootstrapTransactionID TransactionID = 1
	// FrozenTransactionID is older than every normal transaction.
	FrozenTransactionID TransactionID = 2
	// FirstNormalTransactionID is the first id handed out to user transactions.
	FirstNormalTransactionID TransactionID = 3
	// MaxTransactionID is the last id before the counter wraps.
	MaxTransactionID TransactionID = 0xFFFFFFFF
)

// IsValid reports whether x is not InvalidTransactionID.
func (x TransactionID) IsValid() bool {
	return x != InvalidTransactionID
}

// IsNormal reports whether x is an ordinary (non-special) id.
func (x TransactionID) IsNormal() bool {
	return x >= FirstNormalTransactionID
}

// Precedes reports whether x is logically older than y.
func (x TransactionID) Precedes(y TransactionID) bool {
	if !x.IsNormal() || !y.IsNormal() {
		return x < y
	}
	return int32(x-y) < 0
}

// PrecedesOrEquals reports whether x is older than or equal to y.
func (x TransactionID) PrecedesOrEquals(y TransactionID) bool {
	if !x.IsNormal() || !y.IsNormal() {
		return x <= y
	}
	return int32(x-y) <= 0
}

// Follows reports whether x is logically newer than y.
func (x TransactionID) Follows(y TransactionID) bool {
	return y.Precedes(x)
}

// FollowsOrEquals reports whether x is newer than or equal to y.
func (x TransactionID) FollowsOrEquals(y TransactionID) bool {
	return y.PrecedesOrEquals(x)
}

// Advance returns the id allocated after x, skipping the special ids on wrap.
func (x TransactionID) Advance() TransactionID {
	x++
	if x < FirstNormalTransactionID {
		x = FirstNormalTransactionID
	}
	return x
}

func (x TransactionID) String() string {
	if !x.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("%d", uint32(x))
}

// FullXID is an epoch-qualified transaction id, totally ordered.
type FullXID uint64

// MakeFullXID combines an epoch and an id.
func MakeFullXID(epoch Epoch, xid TransactionID) FullXID {
	return FullXID(uint64(epoch)<<32 | uint64(xid))
}

// Epoch returns the epoch half of f.
func (f FullXID) Epoch() Epoch {
	return Epoch(f >> 32)
}

// XID returns the transaction id half of f.
func (f FullXID) XID() TransactionID {
	return TransactionID(f)
}

// Precedes reports whether f is strictly older than g.
func (f FullXID) Precedes(g FullXID) bool {
	return f < g
}

func (f FullXID) String() string {
	return fmt.Sprintf("%d:%s", uint32(f.Epoch()), f.XID())
}
