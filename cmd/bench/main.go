// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides benchmarking tools for the undo discard engine.
//
// This command-line tool drives transactional workloads against the engine
// and measures how quickly the discard manager reclaims their undo. It is
// useful for sizing naptimes and log capacity, and for seeing how rollback
// cost changes with the abort rate.
//
// # Benchmark Categories
//
// The benchmark suite includes:
//   - Committed writes followed by a single discard pass (scan throughput)
//   - Aborted writes rolled back by discard (rollback throughput)
//   - Concurrent writers with the background worker running (steady state)
//   - Snapshot pinning (discard held back, then released)
//   - Temporary log discard
//
// # Usage
//
// Run all benchmarks:
//
//	go run ./cmd/bench
//
// Change the workload:
//
//	go run ./cmd/bench -txns 20000 -writes 4 -abort 0.2 -rollback 0.1
//
// # Interpreting Results
//
// Key metrics to consider:
//   - **Throughput**: Transactions or records per second (higher is better)
//   - **Passes**: Discard passes needed to drain the logs
//   - **Reclaimed**: Bytes discarded, which should equal the bytes written once every log drains
//   - **Usage**: Bytes still held by each log at the end (zero when fully drained)
//
// # Dangers and Warnings
//
//   - **Resource Consumption**: Large runs keep every undo record in memory until discard catches up.
//   - **Log Growth**: Logs never reuse address space, so long runs create many overflow logs.
//   - **System Impact**: The concurrent benchmark runs one writer per goroutine count step and can saturate all cores.
//
// # See Also
//
// For interactive testing, see the REPL tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/kianostad/undodiscard/internal/config"
	"github.com/kianostad/undodiscard/internal/engine"
	"github.com/kianostad/undodiscard/internal/logging"
	"github.com/kianostad/undodiscard/internal/storage/undo"
	"golang.org/x/sync/errgroup"
)

type workload struct {
	txns     int
	writes   int
	abort    float64
	rollback float64
}

func main() {
	var w workload
	flag.IntVar(&w.txns, "txns", 10000, "Transactions per benchmark")
	flag.IntVar(&w.writes, "writes", 4, "Writes per transaction")
	flag.Float64Var(&w.abort, "abort", 0.1, "Fraction of transactions that abort")
	flag.Float64Var(&w.rollback, "rollback", 0.1, "Fraction of transactions rolled back in the foreground")
	flag.Parse()

	fmt.Println("Undo Discard Benchmarks")
	fmt.Println("=======================")

	steps := []func(workload) error{
		benchmarkCommittedDiscard,
		benchmarkAbortedRollback,
		benchmarkConcurrentWorkload,
		benchmarkSnapshotPinning,
		benchmarkTemporaryDiscard,
	}
	for _, step := range steps {
		if err := step(w); err != nil {
			fmt.Fprintf(os.Stderr, "benchmark failed: %v\n", err)
			os.Exit(1)
		}
	}
}

func open(manual bool) (*engine.Engine, error) {
	cfg := config.Default()
	cfg.Discard.Naptime = time.Millisecond
	cfg.Discard.MaxNaptime = 50 * time.Millisecond
	cfg.Storage.LogCapacity = 16 << 20
	return engine.Open(cfg, engine.Options{Logger: logging.Discard(), ManualDiscard: manual})
}

// drain runs passes until one hibernates and returns how many it took.
func drain(ctx context.Context, db *engine.Engine) (int, time.Duration, error) {
	start := time.Now()
	for passes := 1; ; passes++ {
		res, err := db.Discard(ctx)
		if err != nil {
			return passes, time.Since(start), err
		}
		if res.Hibernate {
			return passes, time.Since(start), nil
		}
	}
}

func report(db *engine.Engine) {
	s := db.Metrics()
	var usage undo.Offset
	for _, info := range db.Logs() {
		usage += info.Usage
	}
	fmt.Printf("   Passes: %d (%d hibernating), rollbacks: %d, reclaimed: %d bytes\n",
		s.Counts.Passes, s.Counts.HibernatePasses, s.Counts.Rollbacks, s.Counts.BytesDiscarded)
	fmt.Printf("   Logs: %d, bytes still held: %d, watermark: %s\n", len(db.Logs()), usage, s.Watermark)
	fmt.Printf("   Pass latency: mean %v p95 %v max %v\n", s.Latency.Pass.Mean, s.Latency.Pass.P95, s.Latency.Pass.Max)
}

// runTxn writes one transaction and returns the log it ended in, which
// differs from log when the transaction overflowed.
func runTxn(db *engine.Engine, log undo.LogNumber, prefix string, n, writes int, end func(*engine.Txn) error) (undo.LogNumber, error) {
	tx, err := db.Begin(log)
	if err != nil {
		return log, err
	}
	for j := 0; j < writes; j++ {
		if err := tx.Write(fmt.Sprintf("%s-%d-%d", prefix, n, j), fmt.Sprintf("v%d", n)); err != nil {
			return log, err
		}
	}
	last := tx.Log()
	return last, end(tx)
}

func commit(tx *engine.Txn) error { return tx.Commit() }
func abort(tx *engine.Txn) error  { return tx.Abort() }

func benchmarkCommittedDiscard(w workload) error {
	fmt.Println("\n1. Committed writes, one discard pass")
	ctx := context.Background()
	db, err := open(true)
	if err != nil {
		return err
	}
	defer db.Close()

	log := db.CreateLog(undo.Permanent)
	start := time.Now()
	for i := 0; i < w.txns; i++ {
		if log, err = runTxn(db, log, "c", i, w.writes, commit); err != nil {
			return err
		}
	}
	duration := time.Since(start)
	fmt.Printf("   Write: %d txns in %v (%.0f txns/sec)\n", w.txns, duration, float64(w.txns)/duration.Seconds())

	passes, duration, err := drain(ctx, db)
	if err != nil {
		return err
	}
	records := w.txns * w.writes
	fmt.Printf("   Discard: %d records in %v over %d passes (%.0f records/sec)\n",
		records, duration, passes, float64(records)/duration.Seconds())
	report(db)
	return nil
}

func benchmarkAbortedRollback(w workload) error {
	fmt.Println("\n2. Aborted writes rolled back by discard")
	ctx := context.Background()
	db, err := open(true)
	if err != nil {
		return err
	}
	defer db.Close()

	log := db.CreateLog(undo.Permanent)
	for i := 0; i < w.txns; i++ {
		if log, err = runTxn(db, log, "a", i, w.writes, abort); err != nil {
			return err
		}
	}

	passes, duration, err := drain(ctx, db)
	if err != nil {
		return err
	}
	fmt.Printf("   Rollback: %d txns in %v over %d passes (%.0f txns/sec)\n",
		w.txns, duration, passes, float64(w.txns)/duration.Seconds())
	report(db)
	return nil
}

func benchmarkConcurrentWorkload(w workload) error {
	fmt.Println("\n3. Concurrent writers with the background worker")
	ctx := context.Background()

	for _, numWriters := range []int{1, 2, 4, 8, 16} {
		db, err := open(false)
		if err != nil {
			return err
		}

		perWriter := w.txns / numWriters
		g, gctx := errgroup.WithContext(ctx)
		start := time.Now()
		for n := 0; n < numWriters; n++ {
			n := n
			g.Go(func() error {
				rng := rand.New(rand.NewSource(int64(n)))
				log := db.CreateLog(undo.Permanent)
				prefix := fmt.Sprintf("w%d", n)
				for i := 0; i < perWriter; i++ {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					end := commit
					switch r := rng.Float64(); {
					case r < w.abort:
						end = abort
					case r < w.abort+w.rollback:
						end = func(tx *engine.Txn) error { return tx.Rollback(gctx) }
					}
					var err error
					if log, err = runTxn(db, log, prefix, i, w.writes, end); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			db.Close()
			return err
		}
		duration := time.Since(start)
		total := perWriter * numWriters
		fmt.Printf("   %d writers: %d txns in %v (%.0f txns/sec)\n",
			numWriters, total, duration, float64(total)/duration.Seconds())

		if _, _, err := drain(ctx, db); err != nil {
			db.Close()
			return err
		}
		report(db)
		db.Close()
	}
	return nil
}

func benchmarkSnapshotPinning(w workload) error {
	fmt.Println("\n4. Snapshot pinning")
	ctx := context.Background()
	db, err := open(true)
	if err != nil {
		return err
	}
	defer db.Close()

	log := db.CreateLog(undo.Permanent)
	snap := db.Snapshot()
	for i := 0; i < w.txns; i++ {
		if log, err = runTxn(db, log, "s", i, w.writes, commit); err != nil {
			snap.Release()
			return err
		}
	}
	res, err := db.Discard(ctx)
	if err != nil {
		snap.Release()
		return err
	}
	fmt.Printf("   Pinned at xmin %s: discarded %d bytes, hibernate=%t\n", snap.Xmin(), res.Discarded, res.Hibernate)

	snap.Release()
	passes, duration, err := drain(ctx, db)
	if err != nil {
		return err
	}
	fmt.Printf("   Released: drained in %v over %d passes\n", duration, passes)
	report(db)
	return nil
}

func benchmarkTemporaryDiscard(w workload) error {
	fmt.Println("\n5. Temporary log discard")
	db, err := open(true)
	if err != nil {
		return err
	}
	defer db.Close()

	log := db.CreateLog(undo.Temporary)
	for i := 0; i < w.txns; i++ {
		if log, err = runTxn(db, log, "t", i, w.writes, commit); err != nil {
			return err
		}
	}

	start := time.Now()
	for _, info := range db.Logs() {
		if info.Persistence != undo.Temporary {
			continue
		}
		if err := db.DiscardTemporary(info.Number); err != nil {
			return err
		}
	}
	duration := time.Since(start)
	fmt.Printf("   Temp discard: %d records in %v\n", w.txns*w.writes, duration)
	report(db)
	return nil
}
