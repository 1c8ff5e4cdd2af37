// Licensed under the MIT License. See LICENSE file in the project root for details.

package engine

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"

	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/kianostad/undodiscard/internal/txn"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Txn is a write transaction attached to one undo log at a time.
type Txn struct {
	e     *Engine
	xid   txn.TransactionID
	epoch txn.Epoch

	mu      sync.Mutex
	log     undo.LogNumber
	logs    []undo.LogNumber // logs written into, oldest first
	first   undo.RecPtr
	last    undo.RecPtr
	records int
	done    bool
}

// Begin starts a transaction writing its undo into log.
func (e *Engine) Begin(log undo.LogNumber) (*Txn, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if _, ok := e.reg.Get(log); !ok {
		return nil, errors.Wrapf(undo.ErrUnknownLog, "log %d", log)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if other, ok := e.busy[log]; ok {
		return nil, errors.Wrapf(ErrLogBusy, "log %d attached to xid %s", log, other)
	}
	// A running transaction is as old as the oldest snapshot it could be.
	xid := e.horizons.Begin(e.clog.Begin)
	e.busy[log] = xid

	return &Txn{
		e:     e,
		xid:   xid,
		epoch: e.clog.EpochOf(xid),
		log:   log,
	}, nil
}

// Txn runs fn in a new transaction on log. It commits when fn returns nil
// and rolls back in the foreground otherwise.
func (e *Engine) Txn(ctx context.Context, log undo.LogNumber, fn func(tx *Txn) error) error {
	tx, err := e.Begin(log)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return stderrors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// XID returns the transaction id.
func (t *Txn) XID() txn.TransactionID {
	return t.xid
}

// Log returns the log the transaction currently writes into.
func (t *Txn) Log() undo.LogNumber {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.log
}

// Write sets key to value, recording the previous value as undo. Keys must
// not contain '=' and values must not be empty.
func (t *Txn) Write(key, value string) error {
	if key == "" || strings.Contains(key, "=") {
		return errors.Errorf("invalid key %q", key)
	}
	if value == "" {
		return errors.Errorf("empty value for key %q", key)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}

	pre, _ := t.e.exec.Value(key)
	payload := []byte(key + "=" + pre)

	ptr, err := t.e.reg.Insert(t.log, t.xid, t.epoch, payload)
	if errors.Is(err, undo.ErrLogFull) {
		if err = t.overflow(); err != nil {
			return err
		}
		ptr, err = t.e.reg.Insert(t.log, t.xid, t.epoch, payload)
	}
	if err != nil {
		return errors.Wrapf(err, "write %s", key)
	}

	if t.records == 0 {
		t.first = ptr
	}
	if len(t.logs) == 0 || t.logs[len(t.logs)-1] != ptr.Log {
		t.logs = append(t.logs, ptr.Log)
	}
	t.last = ptr
	t.records++
	t.e.exec.Set(key, value)
	return nil
}

// overflow moves the transaction to a fresh log of the same persistence.
// Records already written stay behind, linked to the new log.
func (t *Txn) overflow() error {
	ctl, ok := t.e.reg.Get(t.log)
	if !ok {
		return errors.Wrapf(undo.ErrUnknownLog, "log %d", t.log)
	}
	next := t.e.reg.CreateLog(ctl.Persistence())

	t.e.mu.Lock()
	t.e.busy[next] = t.xid
	t.e.mu.Unlock()

	t.e.logger.WithFields(logrus.Fields{
		"xid":  t.xid,
		"from": t.log,
		"to":   next,
	}).Debug("transaction overflowed into a new undo log")
	t.log = next
	return nil
}

// Commit makes the transaction's writes permanent.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	if err := t.e.clog.Commit(t.xid); err != nil {
		return err
	}
	t.finish()
	return nil
}

// Abort marks the transaction aborted and leaves its writes and undo in
// place. The discard worker rolls it back once it is older than every
// snapshot.
func (t *Txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	if err := t.e.clog.Abort(t.xid); err != nil {
		return err
	}
	t.finish()
	return nil
}

// Rollback undoes the transaction's writes now and rewinds its logs. If the
// replay fails the transaction is still aborted, and its undo is left for
// the discard worker.
func (t *Txn) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	defer t.finish()

	if t.records > 0 {
		if err := t.replay(ctx); err != nil {
			if abortErr := t.e.clog.Abort(t.xid); abortErr != nil {
				return stderrors.Join(err, abortErr)
			}
			return err
		}
		t.e.storageMu.Lock()
		for i := len(t.logs) - 1; i >= 0; i-- {
			if err := t.e.reg.Rewind(t.logs[i], t.xid); err != nil {
				// What is left is ordinary aborted undo already replayed once.
				t.e.logger.WithFields(logrus.Fields{"log": t.logs[i], "xid": t.xid}).
					WithError(err).Warn("undo log rewind failed")
				break
			}
		}
		t.e.storageMu.Unlock()
	}
	return t.e.clog.Abort(t.xid)
}

func (t *Txn) replay(ctx context.Context) error {
	rtx, err := t.e.exec.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin rollback")
	}
	if err := rtx.Replay(t.last, t.first, t.xid); err != nil {
		if abortErr := rtx.Abort(); abortErr != nil {
			t.e.logger.WithField("xid", t.xid).WithError(abortErr).Warn("abort of rollback failed")
		}
		return errors.Wrapf(err, "rollback xid %s", t.xid)
	}
	return errors.Wrapf(rtx.Commit(), "commit rollback of xid %s", t.xid)
}

// finish detaches the transaction from its logs and the horizon.
func (t *Txn) finish() {
	t.done = true
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	for log, xid := range t.e.busy {
		if xid == t.xid {
			delete(t.e.busy, log)
		}
	}
	t.e.horizons.Unregister(t.xid)
}
