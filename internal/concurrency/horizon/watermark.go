// Licensed under the MIT License. See LICENSE file in the project root for details.

package horizon

import (
	"sync/atomic"

	"github.com/kianostad/undodiscard/internal/txn"
)

// Watermark is the oldest epoch-qualified transaction id for which any undo
// log may still hold undo data. The zero value claims nothing is discarded.
type Watermark struct {
	v atomic.Uint64
}

// Load returns the published watermark.
func (w *Watermark) Load() txn.FullXID {
	return txn.FullXID(w.v.Load())
}

// Store publishes f unconditionally. Only one discarder may call it.
func (w *Watermark) Store(f txn.FullXID) {
	w.v.Store(uint64(f))
}

// Advance publishes f only if it is newer than the current value and
// reports whether it did. Concurrent discarders must use this instead of
// Store.
func (w *Watermark) Advance(f txn.FullXID) bool {
	for {
		cur := w.v.Load()
		if uint64(f) <= cur {
			return false
		}
		if w.v.CompareAndSwap(cur, uint64(f)) {
			return true
		}
	}
}

// UndoDiscarded reports whether the undo of f is guaranteed to be gone.
func (w *Watermark) UndoDiscarded(f txn.FullXID) bool {
	return f.Precedes(w.Load())
}
