// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package engine wires the undo discard manager into a small transactional
// key/value engine.
//
// Transactions write string values; every write appends the previous value
// of the key to an undo log as a pre-image record. Committed transactions
// leave their undo behind until the discard worker finds that no snapshot
// can need it. Transactions that abort without a foreground rollback leave
// it behind too, and the discard worker rolls them back before it reclaims
// their space.
//
// # Key Features
//
//   - Single Open call that builds logging, storage, metrics, the discarder and the worker from a config.Config
//   - Transactions bound to an undo log, with automatic overflow into a fresh log when it fills
//   - Commit, abort (rollback deferred to discard) and foreground rollback (replay and rewind)
//   - Snapshots that hold back the discard horizon
//   - Temporary logs discarded at session end
//   - Watermark queries for visibility checks
//
// # Usage Examples
//
//	e, err := engine.Open(config.Default(), engine.Options{})
//	if err != nil {
//	    return err
//	}
//	defer e.Close()
//
//	log := e.CreateLog(undo.Permanent)
//	err = e.Txn(ctx, log, func(tx *engine.Txn) error {
//	    return tx.Write("balance", "100")
//	})
//
//	res, err := e.Discard(ctx)
//
// # Dangers and Warnings
//
//   - **Write Conflicts**: The engine takes no row locks; concurrent writers of one key see each other's values.
//   - **Leaked Snapshots**: A snapshot that is never released pins the horizon and stops all discard.
//   - **Leaked Transactions**: An open transaction also pins the horizon and keeps its log busy.
//   - **Close Order**: Close stops the worker first; transactions still open afterwards are lost.
package engine

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/kianostad/undodiscard/internal/concurrency/horizon"
	"github.com/kianostad/undodiscard/internal/config"
	"github.com/kianostad/undodiscard/internal/discard"
	"github.com/kianostad/undodiscard/internal/logging"
	"github.com/kianostad/undodiscard/internal/monitoring/metrics"
	"github.com/kianostad/undodiscard/internal/storage/memlog"
	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/kianostad/undodiscard/internal/txn"
	"github.com/kianostad/undodiscard/internal/worker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine closed")
	// ErrLogBusy is returned when a log is attached to another open transaction.
	ErrLogBusy = errors.New("undo log busy")
	// ErrTxnDone is returned when using a finished transaction.
	ErrTxnDone = errors.New("transaction already finished")
)

// Options adjusts Open. The zero value starts the background worker and
// builds the logger from the configuration.
type Options struct {
	// Logger replaces the configured logger.
	Logger *logrus.Logger
	// CommitLog replaces the fresh commit log, e.g. to start near a wraparound.
	CommitLog *txn.CommitLog
	// ManualDiscard disables the background worker; passes only run via Discard.
	ManualDiscard bool
}

// LogInfo describes one undo log.
type LogInfo struct {
	Number      undo.LogNumber
	Persistence undo.Persistence
	State       undo.DiscardState
	Usage       undo.Offset
	Attached    txn.TransactionID // open transaction writing into the log, if any
}

// Engine is a transactional key/value store with undo discard.
type Engine struct {
	cfg       config.Config
	logger    *logrus.Logger
	logCloser io.Closer

	clog      *txn.CommitLog
	horizons  *horizon.Manager
	watermark horizon.Watermark
	reg       *memlog.Registry
	exec      *memlog.Executor
	metrics   *metrics.Metrics
	discarder *discard.Discarder
	worker    *worker.Worker

	mu   sync.Mutex
	busy map[undo.LogNumber]txn.TransactionID

	// storageMu keeps foreground rewinds out of discard passes.
	storageMu sync.Mutex

	closed atomic.Bool
}

// Open builds an engine from cfg.
func Open(cfg config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	e := &Engine{
		cfg:       cfg,
		logger:    opts.Logger,
		logCloser: nopCloser{},
		clog:      opts.CommitLog,
		busy:      make(map[undo.LogNumber]txn.TransactionID),
	}
	if e.logger == nil {
		l, closer, err := logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		e.logger, e.logCloser = l, closer
	}
	if e.clog == nil {
		e.clog = txn.NewCommitLog()
	}
	e.horizons = horizon.NewManager(e.clog.NextXID)

	reg, err := memlog.New(memlog.Options{
		Capacity:     undo.Offset(cfg.Storage.LogCapacity),
		CacheEntries: cfg.Storage.RecordCacheEntries,
		Logger:       e.logger,
	})
	if err != nil {
		e.logCloser.Close()
		return nil, errors.Wrap(err, "open undo storage")
	}
	e.reg = reg
	e.exec = memlog.NewExecutor(reg)
	e.metrics = metrics.New(metrics.Config{
		BufferSize:     cfg.Metrics.BufferSize,
		LatencySamples: cfg.Metrics.LatencySamples,
	})

	e.discarder, err = discard.New(discard.Config{
		Store:     reg,
		Registry:  reg,
		Executor:  e.exec,
		Status:    e.clog,
		Watermark: &e.watermark,
		Logger:    e.logger,
		Metrics:   e.metrics,
	})
	if err != nil {
		e.metrics.Close()
		reg.Close()
		e.logCloser.Close()
		return nil, err
	}

	e.worker = worker.New(worker.Config{
		Discarder:  lockedDiscarder{e},
		Horizon:    e.horizons,
		Naptime:    cfg.Discard.Naptime,
		MaxNaptime: cfg.Discard.MaxNaptime,
		Logger:     e.logger,
	})
	if !opts.ManualDiscard {
		e.worker.Start()
	}

	e.logger.WithFields(logrus.Fields{
		"naptime":      cfg.Discard.Naptime,
		"max_naptime":  cfg.Discard.MaxNaptime,
		"log_capacity": cfg.Storage.LogCapacity,
		"worker":       !opts.ManualDiscard,
	}).Info("undo engine opened")
	return e, nil
}

type lockedDiscarder struct{ e *Engine }

func (l lockedDiscarder) Discard(ctx context.Context, oldestXmin txn.TransactionID) (discard.Result, error) {
	l.e.storageMu.Lock()
	defer l.e.storageMu.Unlock()
	return l.e.discarder.Discard(ctx, oldestXmin)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Close stops the worker and releases storage. It is safe to call twice.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.worker.Stop()
	e.metrics.Close()
	e.reg.Close()
	e.logger.Info("undo engine closed")
	return e.logCloser.Close()
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Logger returns the engine logger.
func (e *Engine) Logger() *logrus.Logger {
	return e.logger
}

// CreateLog creates an undo log.
func (e *Engine) CreateLog(p undo.Persistence) undo.LogNumber {
	return e.reg.CreateLog(p)
}

// Logs describes every undo log in creation order.
func (e *Engine) Logs() []LogInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctls := e.reg.Logs()
	out := make([]LogInfo, 0, len(ctls))
	for _, ctl := range ctls {
		out = append(out, LogInfo{
			Number:      ctl.Number(),
			Persistence: ctl.Persistence(),
			State:       ctl.State(),
			Usage:       e.reg.Usage(ctl.Number()),
			Attached:    e.busy[ctl.Number()],
		})
	}
	return out
}

// Get returns the current value of key.
func (e *Engine) Get(key string) (string, bool) {
	return e.exec.Value(key)
}

// Status returns the commit status of xid.
func (e *Engine) Status(xid txn.TransactionID) txn.Status {
	return e.clog.Status(xid)
}

// Discard runs one discard pass now.
func (e *Engine) Discard(ctx context.Context) (discard.Result, error) {
	if e.closed.Load() {
		return discard.Result{}, ErrClosed
	}
	return e.worker.RunOnce(ctx)
}

// DiscardTemporary drops all undo of a temporary log. The log must not be
// attached to an open transaction.
func (e *Engine) DiscardTemporary(log undo.LogNumber) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if xid, ok := e.busy[log]; ok {
		return errors.Wrapf(ErrLogBusy, "log %d attached to xid %s", log, xid)
	}
	e.storageMu.Lock()
	defer e.storageMu.Unlock()
	return e.discarder.DiscardTemporary(log)
}

// Watermark returns the published discard watermark.
func (e *Engine) Watermark() txn.FullXID {
	return e.watermark.Load()
}

// UndoDiscarded reports whether no undo of f can remain in any log.
func (e *Engine) UndoDiscarded(f txn.FullXID) bool {
	return e.watermark.UndoDiscarded(f)
}

// FullXID qualifies xid with the epoch it was allocated in.
func (e *Engine) FullXID(xid txn.TransactionID) txn.FullXID {
	return txn.MakeFullXID(e.clog.EpochOf(xid), xid)
}

// OldestXmin returns the current discard horizon.
func (e *Engine) OldestXmin() txn.TransactionID {
	return e.horizons.OldestXmin()
}

// Metrics returns a snapshot of the discard metrics.
func (e *Engine) Metrics() metrics.Snapshot {
	e.metrics.Flush()
	return e.metrics.Stats()
}

// ExportPrometheus renders the discard metrics in Prometheus text format.
func (e *Engine) ExportPrometheus() string {
	e.metrics.Flush()
	return e.metrics.ExportPrometheus()
}

// ExportJSON renders the discard metrics as JSON.
func (e *Engine) ExportJSON() []byte {
	e.metrics.Flush()
	return e.metrics.ExportJSON()
}

// Snapshot is a read view that holds back the discard horizon.
type Snapshot struct {
	e        *Engine
	xmin     txn.TransactionID
	released atomic.Bool
}

// Snapshot takes a snapshot. Undo of transactions at or after its xmin is
// kept until Release.
func (e *Engine) Snapshot() *Snapshot {
	return &Snapshot{e: e, xmin: e.horizons.Acquire()}
}

// Xmin returns the oldest transaction id the snapshot may still see as running.
func (s *Snapshot) Xmin() txn.TransactionID {
	return s.xmin
}

// Release drops the snapshot.
func (s *Snapshot) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.e.horizons.Unregister(s.xmin)
	}
}
