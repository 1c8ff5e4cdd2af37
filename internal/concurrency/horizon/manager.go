// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package horizon tracks the transaction horizon used by undo discard.
//
// This package implements a snapshot manager that tracks the xmin of every
// active snapshot and reports the oldest one (the "oldest xmin"), together
// with the process-wide watermark that the discard coordinator publishes
// after every pass: the oldest epoch-qualified transaction id for which any
// undo log may still hold undo data.
//
// # Key Features
//
//   - Tracks active snapshot xmins with reference counting
//   - Wraparound-aware minimum over active xmins
//   - Falls back to the next unassigned id when no snapshot is active
//   - Lock-free watermark reads for visibility checks elsewhere in the engine
//
// # Usage Examples
//
//	clog := txn.NewCommitLog()
//	m := horizon.NewManager(clog.NextXID)
//
//	m.Register(xmin)
//	defer m.Unregister(xmin)
//
//	oldest := m.OldestXmin()
//
//	var wm horizon.Watermark
//	wm.Store(txn.MakeFullXID(epoch, oldest))
//	if wm.UndoDiscarded(full) {
//	    // no undo for full remains anywhere
//	}
//
// # Dangers and Warnings
//
//   - **Registration Order**: Each Register() call must have a corresponding Unregister() call.
//   - **Stale Snapshots**: A leaked registration pins the horizon and stops all undo discard.
//   - **Watermark Writers**: Store is a plain atomic write and assumes a single discarder.
//
// # Thread Safety
//
// The manager and the watermark are safe for concurrent use. Registration
// and horizon queries are protected by a read/write lock; the watermark is
// a single atomic word.
package horizon

import (
	"sync"

	"github.com/kianostad/undodiscard/internal/txn"
)

// Manager tracks active snapshot xmins and provides the oldest one.
type Manager struct {
	active map[txn.TransactionID]int // xmin -> count of active snapshots
	next   func() txn.TransactionID
	mu     sync.RWMutex
}

// NewManager creates a horizon manager. next reports the id the engine will
// assign next and is the horizon when no snapshot is active.
func NewManager(next func() txn.TransactionID) *Manager {
	return &Manager{
		active: make(map[txn.TransactionID]int),
		next:   next,
	}
}

// Register adds a snapshot xmin to the active set.
func (m *Manager) Register(xmin txn.TransactionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[xmin]++
}

// Unregister removes one snapshot xmin from the active set.
func (m *Manager) Unregister(xmin txn.TransactionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count, exists := m.active[xmin]; exists {
		if count <= 1 {
			delete(m.active, xmin)
		} else {
			m.active[xmin] = count - 1
		}
	}
}

// OldestXmin returns the oldest active xmin, or the next unassigned id if no
// snapshot is active.
func (m *Manager) OldestXmin() txn.TransactionID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	oldest := m.next()
	for xmin := range m.active {
		if xmin.Precedes(oldest) {
			oldest = xmin
		}
	}
	return oldest
}

// Begin allocates a transaction id with alloc and registers it in the same
// critical section, so OldestXmin never sees the id allocated but not yet
// active. alloc must not call back into m.
func (m *Manager) Begin(alloc func() txn.TransactionID) txn.TransactionID {
	m.mu.Lock()
	defer m.mu.Unlock()

	xid := alloc()
	m.active[xid]++
	return xid
}

// Acquire registers the current oldest xmin and returns it. The caller must
// Unregister it.
func (m *Manager) Acquire() txn.TransactionID {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldest := m.next()
	for xmin := range m.active {
		if xmin.Precedes(oldest) {
			oldest = xmin
		}
	}
	m.active[oldest]++
	return oldest
}

// ActiveCount returns the number of distinct active xmins.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
