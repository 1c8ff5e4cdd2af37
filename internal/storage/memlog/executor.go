// Licensed under the MIT License. See LICENSE file in the project root for details.

package memlog

import (
	"context"
	"strings"
	"sync"

	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/kianostad/undodiscard/internal/txn"
	"github.com/pkg/errors"
)

// ReplayEvent describes one committed replay.
type ReplayEvent struct {
	XID     txn.TransactionID
	From    undo.RecPtr
	To      undo.RecPtr
	Records int // records in the range
	Applied int // records not undone by an earlier replay
}

type appliedKey struct {
	ptr undo.RecPtr
	xid txn.TransactionID
}

// Executor rolls back transactions by applying the pre-images stored in
// their undo payloads to an in-memory key/value table. A payload of the
// form "key=value" restores value under key; "key=" removes key, undoing an
// insert. Payloads without '=' carry no pre-image and are skipped.
//
// A record whose undo has been committed once is never applied again, so
// replaying a range twice, or replaying a range that overlaps an earlier
// one, leaves the table as a single replay would.
type Executor struct {
	reg *Registry

	mu       sync.Mutex
	data     map[string]string
	failures map[txn.TransactionID]error
	applied  map[appliedKey]struct{}
	replays  []ReplayEvent
}

var _ undo.Executor = (*Executor)(nil)

// NewExecutor creates an executor reading records from reg.
func NewExecutor(reg *Registry) *Executor {
	return &Executor{
		reg:      reg,
		data:     make(map[string]string),
		failures: make(map[txn.TransactionID]error),
		applied:  make(map[appliedKey]struct{}),
	}
}

// Set writes key directly, as a foreground transaction would.
func (e *Executor) Set(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data[key] = value
}

// Value returns the current value of key.
func (e *Executor) Value(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.data[key]
	return v, ok
}

// FailReplay makes every replay of xid fail with err until cleared.
func (e *Executor) FailReplay(xid txn.TransactionID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[xid] = err
}

// ClearFailure removes an injected failure.
func (e *Executor) ClearFailure(xid txn.TransactionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failures, xid)
}

// Replays returns the committed replays in order.
func (e *Executor) Replays() []ReplayEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ReplayEvent(nil), e.replays...)
}

// Begin starts a rollback transaction.
func (e *Executor) Begin(ctx context.Context) (undo.ReplayTxn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &replayTxn{
		e:       e,
		staged:  make(map[string]*string),
		applied: make(map[appliedKey]struct{}),
	}, nil
}

type replayTxn struct {
	e       *Executor
	staged  map[string]*string // nil value deletes
	applied map[appliedKey]struct{}
	events  []ReplayEvent
	done    bool
}

func (t *replayTxn) Replay(from, to undo.RecPtr, xid txn.TransactionID) error {
	if t.done {
		return errors.New("replay on finished transaction")
	}
	t.e.mu.Lock()
	injected := t.e.failures[xid]
	t.e.mu.Unlock()
	if injected != nil {
		return injected
	}

	ptrs := t.e.reg.RecordsOf(xid)
	first, last := -1, -1
	for i, p := range ptrs {
		if p == to {
			first = i
		}
		if p == from {
			last = i
		}
	}
	if first < 0 || last < 0 || last < first {
		return errors.Wrapf(undo.ErrRecordNotFound, "xid %s range %s..%s", xid, to, from)
	}

	applied := 0
	for i := last; i >= first; i-- {
		key := appliedKey{ptr: ptrs[i], xid: xid}
		if t.e.isApplied(key) {
			continue
		}
		if _, ok := t.applied[key]; ok {
			continue
		}
		rec, err := t.e.reg.Fetch(ptrs[i])
		if err != nil {
			return errors.Wrapf(err, "replay xid %s", xid)
		}
		if rec.XID != xid {
			return errors.Errorf("record %s belongs to xid %s, not %s", ptrs[i], rec.XID, xid)
		}
		t.applied[key] = struct{}{}
		applied++
		k, v, ok := strings.Cut(string(rec.Payload), "=")
		if !ok {
			continue
		}
		if v == "" {
			t.staged[k] = nil
		} else {
			t.staged[k] = &v
		}
	}
	t.events = append(t.events, ReplayEvent{
		XID:     xid,
		From:    from,
		To:      to,
		Records: last - first + 1,
		Applied: applied,
	})
	return nil
}

func (t *replayTxn) Commit() error {
	if t.done {
		return errors.New("commit on finished transaction")
	}
	t.done = true
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	for k, v := range t.staged {
		if v == nil {
			delete(t.e.data, k)
		} else {
			t.e.data[k] = *v
		}
	}
	for key := range t.applied {
		t.e.applied[key] = struct{}{}
	}
	t.e.replays = append(t.e.replays, t.events...)
	for key := range t.e.applied {
		if t.e.reg.IsDiscarded(key.ptr) {
			delete(t.e.applied, key)
		}
	}
	return nil
}

func (e *Executor) isApplied(key appliedKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.applied[key]
	return ok
}

func (t *replayTxn) Abort() error {
	t.done = true
	t.staged = nil
	t.applied = nil
	t.events = nil
	return nil
}
