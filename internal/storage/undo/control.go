// Licensed under the MIT License. See LICENSE file in the project root for details.

package undo

import (
	"sync"
	"sync/atomic"

	"github.com/kianostad/undodiscard/internal/txn"
	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
)

// DiscardState is a consistent snapshot of a log's discard summary.
type DiscardState struct {
	// OldestXID is the oldest transaction believed to have undo in the log,
	// or invalid when it must be rediscovered from the first valid record.
	OldestXID   txn.TransactionID
	OldestEpoch txn.Epoch
	// OldestData is the position below which the log has been discarded.
	OldestData RecPtr
}

// Control is the control block of one undo log. The discard summary is
// mutated only under the exclusive lock; the lock is never held across
// record fetches or rollback.
type Control struct {
	number      LogNumber
	persistence Persistence

	_           cpu.CacheLinePad
	mu          sync.Mutex
	oldestXID   txn.TransactionID
	oldestEpoch txn.Epoch
	oldestData  atomic.Uint64 // written under mu, readable without it
	_           cpu.CacheLinePad
}

// NewControl creates the control block of a log whose first record will be
// written at start.
func NewControl(number LogNumber, persistence Persistence, start Offset) *Control {
	c := &Control{
		number:      number,
		persistence: persistence,
	}
	c.oldestData.Store(uint64(start))
	return c
}

// Number returns the log number.
func (c *Control) Number() LogNumber {
	return c.number
}

// Persistence returns the durability class of the log.
func (c *Control) Persistence() Persistence {
	return c.persistence
}

// State returns the discard summary under the lock.
func (c *Control) State() DiscardState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DiscardState{
		OldestXID:   c.oldestXID,
		OldestEpoch: c.oldestEpoch,
		OldestData:  c.loadData(),
	}
}

// OldestDataApprox returns oldest data without taking the lock. The value
// is a lower bound on the exact one.
func (c *Control) OldestDataApprox() RecPtr {
	return c.loadData()
}

func (c *Control) loadData() RecPtr {
	return MakeRecPtr(c.number, Offset(c.oldestData.Load()))
}

// SetOldestData moves oldest data forward to p.
func (c *Control) SetOldestData(p RecPtr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setDataLocked(p)
}

// Advance atomically moves oldest data forward to p and records xid as the
// oldest transaction remaining. An invalid xid leaves the epoch unchanged.
func (c *Control) Advance(p RecPtr, xid txn.TransactionID, epoch txn.Epoch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setDataLocked(p); err != nil {
		return err
	}
	c.oldestXID = xid
	if xid.IsValid() {
		c.oldestEpoch = epoch
	}
	return nil
}

func (c *Control) setDataLocked(p RecPtr) error {
	if p.Log != c.number {
		return errors.Wrapf(ErrUnknownLog, "pointer %s for log %d", p, c.number)
	}
	cur := Offset(c.oldestData.Load())
	if p.Offset < cur {
		return errors.Wrapf(ErrRegression, "log %d: %d -> %d", c.number, cur, p.Offset)
	}
	c.oldestData.Store(uint64(p.Offset))
	return nil
}
