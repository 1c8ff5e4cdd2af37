// Licensed under the MIT License. See LICENSE file in the project root for details.

package undodiscard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.Log.Level = "error"
	return cfg
}

func TestPublicAPI(t *testing.T) {
	ctx := context.Background()

	db, err := OpenWith(quietConfig(), Options{ManualDiscard: true})
	if err != nil {
		t.Fatalf("OpenWith failed: %v", err)
	}
	defer db.Close()

	log := db.CreateLog(Permanent)

	// Committed transaction
	err = db.Txn(ctx, log, func(tx *Txn) error {
		return tx.Write("key1", "value1")
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
	if v, ok := db.Get("key1"); !ok || v != "value1" {
		t.Errorf("Expected value1, got %q, exists: %t", v, ok)
	}

	// Aborted transaction, rolled back by discard
	tx, err := db.Begin(log)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Write("key1", "value2"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := db.Begin(log); err != nil {
		t.Fatalf("Begin after abort failed: %v", err)
	}
}

func TestDiscardThroughFacade(t *testing.T) {
	ctx := context.Background()

	db, err := OpenWith(quietConfig(), Options{ManualDiscard: true})
	if err != nil {
		t.Fatalf("OpenWith failed: %v", err)
	}
	defer db.Close()

	log := db.CreateLog(Permanent)
	if err := db.Txn(ctx, log, func(tx *Txn) error { return tx.Write("a", "1") }); err != nil {
		t.Fatal(err)
	}
	tx, _ := db.Begin(log)
	tx.Write("a", "2")
	tx.Abort()

	res, err := db.Discard(ctx)
	if err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if res.Rollbacks != 1 {
		t.Errorf("Expected 1 rollback, got %d", res.Rollbacks)
	}
	if v, _ := db.Get("a"); v != "1" {
		t.Errorf("Expected rolled back value 1, got %q", v)
	}
	if !db.UndoDiscarded(MakeFullXID(0, tx.XID())) {
		t.Errorf("Expected undo of xid %s to be discarded, watermark %s", tx.XID(), db.Watermark())
	}

	stats := db.Metrics()
	if stats.Counts.Passes != 1 || stats.Counts.Rollbacks != 1 {
		t.Errorf("Unexpected metrics %+v", stats.Counts)
	}
}

func TestTemporaryThroughFacade(t *testing.T) {
	ctx := context.Background()

	db, err := OpenWith(quietConfig(), Options{ManualDiscard: true})
	if err != nil {
		t.Fatalf("OpenWith failed: %v", err)
	}
	defer db.Close()

	temp := db.CreateLog(Temporary)
	if err := db.Txn(ctx, temp, func(tx *Txn) error { return tx.Write("t", "1") }); err != nil {
		t.Fatal(err)
	}
	if err := db.DiscardTemporary(temp); err != nil {
		t.Fatalf("DiscardTemporary failed: %v", err)
	}
	for _, info := range db.Logs() {
		if info.Number == temp && info.Usage != 0 {
			t.Errorf("Expected empty temporary log, got %d bytes", info.Usage)
		}
	}
}

func TestOpenWithWorker(t *testing.T) {
	cfg := quietConfig()
	cfg.Discard.Naptime = time.Millisecond
	cfg.Discard.MaxNaptime = 2 * time.Millisecond

	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := db.Begin(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "undo.ini")
	if err := os.WriteFile(path, []byte("[discard]\nnaptime = 50ms\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Discard.Naptime != 50*time.Millisecond {
		t.Errorf("Expected 50ms naptime, got %s", cfg.Discard.Naptime)
	}
}
