// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package undodiscard provides an in-memory transactional key/value engine
// built around an undo log discard manager.
//
// Every write appends the previous value of its key to an undo log. A
// background worker walks the logs, rolls back aborted transactions that no
// snapshot can see any more, reclaims the undo nobody needs, and publishes a
// watermark below which no transaction has undo left anywhere.
//
// # Quick Start
//
//	import "github.com/kianostad/undodiscard"
//
//	db, err := undodiscard.Open(undodiscard.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	log := db.CreateLog(undodiscard.Permanent)
//	err = db.Txn(ctx, log, func(tx *undodiscard.Txn) error {
//	    return tx.Write("key", "value")
//	})
//
//	value, ok := db.Get("key")
//
// # Key Features
//
//   - Undo-based transactions with commit, deferred abort and foreground rollback
//   - Background discard with hibernate-aware scheduling
//   - Rollback of stale aborted transactions by the discard worker
//   - Transactions overflowing into further logs
//   - Temporary logs discarded at session end
//   - Snapshots that hold back the discard horizon
//   - Wraparound-aware transaction ids and an epoch-qualified watermark
//   - INI configuration, logrus logging, Prometheus and JSON metrics
//
// # Usage Examples
//
// Deferred rollback by the discard worker:
//
//	tx, _ := db.Begin(log)
//	tx.Write("balance", "0")
//	tx.Abort() // "balance" keeps "0" until the next discard pass
//
//	res, err := db.Discard(ctx) // restores the previous balance
//
// Holding back discard with a snapshot:
//
//	snap := db.Snapshot()
//	defer snap.Release()
//
// Loading configuration from a file:
//
//	cfg, err := undodiscard.LoadConfig("undo.ini")
//	db, err := undodiscard.Open(cfg)
//
// # Dangers and Warnings
//
//   - **Leaked Snapshots**: An unreleased snapshot stops all discard.
//   - **Memory Usage**: All undiscarded undo lives in memory.
//   - **Write Conflicts**: No row locks are taken.
//
// # See Also
//
// For the discard algorithm itself, see internal/discard.
package undodiscard

import (
	"github.com/kianostad/undodiscard/internal/config"
	"github.com/kianostad/undodiscard/internal/discard"
	"github.com/kianostad/undodiscard/internal/engine"
	"github.com/kianostad/undodiscard/internal/monitoring/metrics"
	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/kianostad/undodiscard/internal/txn"
)

type (
	// DB is the engine
	DB = engine.Engine

	// Txn is a write transaction
	Txn = engine.Txn

	// Snapshot holds back the discard horizon until released
	Snapshot = engine.Snapshot

	// Options adjusts OpenWith
	Options = engine.Options

	// LogInfo describes one undo log
	LogInfo = engine.LogInfo

	// Config is the engine configuration
	Config = config.Config

	// DiscardResult summarises one discard pass
	DiscardResult = discard.Result

	// MetricsSnapshot is a point-in-time copy of the discard metrics
	MetricsSnapshot = metrics.Snapshot
)

type (
	// LogNumber identifies an undo log
	LogNumber = undo.LogNumber

	// Persistence is the durability class of an undo log
	Persistence = undo.Persistence

	// TransactionID is a 32-bit wrapping transaction id
	TransactionID = txn.TransactionID

	// FullXID is an epoch-qualified transaction id
	FullXID = txn.FullXID
)

const (
	Permanent = undo.Permanent
	Unlogged  = undo.Unlogged
	Temporary = undo.Temporary
)

var (
	ErrClosed  = engine.ErrClosed
	ErrLogBusy = engine.ErrLogBusy
	ErrTxnDone = engine.ErrTxnDone
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads an INI configuration file.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// Open creates an engine with a running discard worker.
func Open(cfg Config) (*DB, error) {
	return engine.Open(cfg, engine.Options{})
}

// OpenWith creates an engine with explicit options.
func OpenWith(cfg Config, opts Options) (*DB, error) {
	return engine.Open(cfg, opts)
}

// MakeFullXID qualifies xid with epoch.
func MakeFullXID(epoch uint32, xid TransactionID) FullXID {
	return txn.MakeFullXID(txn.Epoch(epoch), xid)
}
