// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive REPL (Read-Eval-Print Loop) for the undo
// discard engine.
//
// The REPL lets you build undo logs and transactions by hand, run discard
// passes, and watch what the discard manager does with them. It is useful
// for learning how aborted transactions are rolled back, how snapshots hold
// back discard, and how the watermark moves.
//
// # Usage
//
// Start the REPL:
//
//	go run ./cmd/repl [-config undo.ini] [-worker]
//
// Available commands:
//
//	newlog [permanent|unlogged|temporary]  - Create an undo log
//	begin <log>                            - Start a transaction on a log
//	write <xid> <key> <value>              - Write a value inside a transaction
//	commit <xid>                           - Commit a transaction
//	abort <xid>                            - Abort, leaving rollback to discard
//	rollback <xid>                         - Roll back now and rewind the log
//	get <key>                              - Read the current value
//	snapshot                               - Take a snapshot
//	release <id>                           - Release a snapshot
//	discard                                - Run one discard pass
//	tempdiscard <log>                      - Discard a temporary log
//	logs                                   - Show every undo log
//	watermark                              - Show the discard watermark
//	metrics [json]                         - Show discard metrics
//	quit, exit                             - Exit the REPL
//
// Example session:
//
//	> newlog
//	log 0 (permanent)
//	> begin 0
//	xid 3
//	> write 3 balance 100
//	OK
//	> abort 3
//	OK
//	> discard
//	scanned=1 rollbacks=1 discarded=37 hibernate=false watermark=0:4
//	> get balance
//	Key not found
//
// # Dangers and Warnings
//
//   - **Data Persistence**: Everything lives in memory and is lost on exit.
//   - **Background Worker**: With -worker, passes also run on their own and output may interleave.
//   - **Open Transactions**: Transactions left open on exit are dropped.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/kianostad/undodiscard/internal/config"
	"github.com/kianostad/undodiscard/internal/engine"
	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/kianostad/undodiscard/internal/txn"
)

type REPL struct {
	db        *engine.Engine
	out       io.Writer
	txns      map[txn.TransactionID]*engine.Txn
	snapshots map[int]*engine.Snapshot
	nextSnap  int
}

func NewREPL(db *engine.Engine, out io.Writer) *REPL {
	return &REPL{
		db:        db,
		out:       out,
		txns:      make(map[txn.TransactionID]*engine.Txn),
		snapshots: make(map[int]*engine.Snapshot),
	}
}

func (r *REPL) printf(format string, args ...interface{}) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *REPL) Run(in io.Reader) {
	r.printf("Undo Discard REPL\n")
	r.printf("Commands: newlog, begin, write, commit, abort, rollback, get, snapshot, release, discard, tempdiscard, logs, watermark, metrics, quit\n")

	scanner := bufio.NewScanner(in)
	for {
		r.printf("> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		if !r.exec(context.Background(), parts[0], parts[1:]) {
			return
		}
	}
}

// exec runs one command and reports whether the REPL should continue.
func (r *REPL) exec(ctx context.Context, cmd string, args []string) bool {
	switch cmd {
	case "newlog":
		p := undo.Permanent
		if len(args) == 1 {
			var ok bool
			if p, ok = parsePersistence(args[0]); !ok {
				r.printf("Usage: newlog [permanent|unlogged|temporary]\n")
				return true
			}
		}
		log := r.db.CreateLog(p)
		r.printf("log %d (%s)\n", log, p)

	case "begin":
		log, ok := r.logArg(args, "begin <log>")
		if !ok {
			return true
		}
		tx, err := r.db.Begin(log)
		if err != nil {
			r.printf("Error: %v\n", err)
			return true
		}
		r.txns[tx.XID()] = tx
		r.printf("xid %s\n", tx.XID())

	case "write":
		if len(args) != 3 {
			r.printf("Usage: write <xid> <key> <value>\n")
			return true
		}
		tx, ok := r.txnArg(args[:1], "write <xid> <key> <value>")
		if !ok {
			return true
		}
		r.result(tx.Write(args[1], args[2]))

	case "commit", "abort", "rollback":
		tx, ok := r.txnArg(args, cmd+" <xid>")
		if !ok {
			return true
		}
		var err error
		switch cmd {
		case "commit":
			err = tx.Commit()
		case "abort":
			err = tx.Abort()
		default:
			err = tx.Rollback(ctx)
		}
		delete(r.txns, tx.XID())
		r.result(err)

	case "get":
		if len(args) != 1 {
			r.printf("Usage: get <key>\n")
			return true
		}
		if v, ok := r.db.Get(args[0]); ok {
			r.printf("Value: %s\n", v)
		} else {
			r.printf("Key not found\n")
		}

	case "snapshot":
		s := r.db.Snapshot()
		id := r.nextSnap
		r.nextSnap++
		r.snapshots[id] = s
		r.printf("snapshot %d xmin %s\n", id, s.Xmin())

	case "release":
		if len(args) != 1 {
			r.printf("Usage: release <id>\n")
			return true
		}
		id, err := strconv.Atoi(args[0])
		s, ok := r.snapshots[id]
		if err != nil || !ok {
			r.printf("Unknown snapshot: %s\n", args[0])
			return true
		}
		s.Release()
		delete(r.snapshots, id)
		r.printf("OK\n")

	case "discard":
		res, err := r.db.Discard(ctx)
		r.printf("scanned=%d rollbacks=%d discarded=%d hibernate=%t watermark=%s\n",
			res.Scanned, res.Rollbacks, res.Discarded, res.Hibernate, res.Watermark)
		if err != nil {
			r.printf("Error: %v\n", err)
		}

	case "tempdiscard":
		log, ok := r.logArg(args, "tempdiscard <log>")
		if !ok {
			return true
		}
		r.result(r.db.DiscardTemporary(log))

	case "logs":
		for _, info := range r.db.Logs() {
			r.printf("log %d %-9s oldest_data=%s oldest_xid=%s usage=%d attached=%s\n",
				info.Number, info.Persistence, info.State.OldestData, info.State.OldestXID,
				info.Usage, info.Attached)
		}

	case "watermark":
		r.printf("watermark %s, oldest xmin %s\n", r.db.Watermark(), r.db.OldestXmin())

	case "metrics":
		if len(args) == 1 && args[0] == "json" {
			r.printf("%s\n", r.db.ExportJSON())
		} else {
			r.printf("%s", r.db.ExportPrometheus())
		}

	case "quit", "exit":
		r.printf("Goodbye!\n")
		return false

	default:
		r.printf("Unknown command: %s\n", cmd)
	}
	return true
}

func (r *REPL) result(err error) {
	if err != nil {
		r.printf("Error: %v\n", err)
		return
	}
	r.printf("OK\n")
}

func (r *REPL) logArg(args []string, usage string) (undo.LogNumber, bool) {
	if len(args) != 1 {
		r.printf("Usage: %s\n", usage)
		return 0, false
	}
	n, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		r.printf("Bad log number: %s\n", args[0])
		return 0, false
	}
	return undo.LogNumber(n), true
}

func (r *REPL) txnArg(args []string, usage string) (*engine.Txn, bool) {
	if len(args) != 1 {
		r.printf("Usage: %s\n", usage)
		return nil, false
	}
	n, err := strconv.ParseUint(args[0], 10, 32)
	tx, ok := r.txns[txn.TransactionID(n)]
	if err != nil || !ok {
		r.printf("No open transaction: %s\n", args[0])
		return nil, false
	}
	return tx, true
}

func parsePersistence(s string) (undo.Persistence, bool) {
	switch strings.ToLower(s) {
	case "permanent":
		return undo.Permanent, true
	case "unlogged":
		return undo.Unlogged, true
	case "temporary", "temp":
		return undo.Temporary, true
	}
	return 0, false
}

func main() {
	configPath := flag.String("config", "", "INI configuration file")
	background := flag.Bool("worker", false, "Run the background discard worker")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	db, err := engine.Open(cfg, engine.Options{ManualDiscard: !*background})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	repl := NewREPL(db, os.Stdout)

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal. Closing engine...")
		db.Close()
		os.Exit(0)
	}()

	repl.Run(os.Stdin)
}
