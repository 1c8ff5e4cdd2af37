// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package undo defines the data model shared by the undo log storage and the
// discard manager.
//
// An undo log is an append-only byte stream. Records are addressed by a
// logical pointer (log number and byte offset). The first record a
// transaction writes into a log is its header in that log; headers form a
// chain through their next link: to the next transaction's header in the
// same log, to the continuation of the same transaction in another log when
// it overflowed, or to nothing yet (end of log) while the transaction is the
// last one in the log.
//
// # Key Features
//
//   - RecPtr: log number + offset, ordered within a log
//   - Link: a tagged next pointer where "end of log" is a distinct state, not a magic value
//   - Control: per-log control block holding the discard summary under an exclusive lock
//   - RecordStore, Registry, Executor: the collaborator contracts consumed by discard
//
// # Dangers and Warnings
//
//   - **Cross-Log Ordering**: Pointers of different logs are not ordered.
//   - **Lock Scope**: Control fields are only consistent as a set under the control lock.
//   - **Monotonic Discard**: Control refuses to move oldest data backwards.
package undo

import "fmt"

// LogNumber identifies an undo log.
type LogNumber uint32

// Offset is a byte position within an undo log.
type Offset uint64

// RecPtr addresses a record in an undo log.
type RecPtr struct {
	Log    LogNumber
	Offset Offset
}

// MakeRecPtr returns the pointer to offset off in log.
func MakeRecPtr(log LogNumber, off Offset) RecPtr {
	return RecPtr{Log: log, Offset: off}
}

// Back returns the pointer n bytes before p in the same log.
func (p RecPtr) Back(n uint16) RecPtr {
	return RecPtr{Log: p.Log, Offset: p.Offset - Offset(n)}
}

// Before reports whether p lies before q. Both must belong to the same log.
func (p RecPtr) Before(q RecPtr) bool {
	return p.Offset < q.Offset
}

func (p RecPtr) String() string {
	return fmt.Sprintf("%d/%d", p.Log, p.Offset)
}

// Link is the next pointer stored in a transaction header. The zero value
// is the end-of-log link.
type Link struct {
	ptr    RecPtr
	linked bool
}

// EndOfLog returns the link of a header that has no successor yet. The
// transaction's extent must be derived from the log's insertion point.
func EndOfLog() Link {
	return Link{}
}

// LinkTo returns a link to p.
func LinkTo(p RecPtr) Link {
	return Link{ptr: p, linked: true}
}

// Ptr returns the linked pointer, or false for the end-of-log link.
func (l Link) Ptr() (RecPtr, bool) {
	return l.ptr, l.linked
}

// IsEndOfLog reports whether l has no successor.
func (l Link) IsEndOfLog() bool {
	return !l.linked
}

func (l Link) String() string {
	if !l.linked {
		return "end-of-log"
	}
	return l.ptr.String()
}
