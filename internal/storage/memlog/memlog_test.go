// Licensed under the MIT License. See LICENSE file in the project root for details.

package memlog

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/kianostad/undodiscard/internal/txn"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	. "github.com/smartystreets/goconvey/convey"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	reg, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reg.Close)
	return reg
}

func mustInsert(reg *Registry, log undo.LogNumber, xid txn.TransactionID, payload string) undo.RecPtr {
	p, err := reg.Insert(log, xid, 0, []byte(payload))
	So(err, ShouldBeNil)
	return p
}

func TestCodec(t *testing.T) {
	Convey("Given an encoded record", t, func() {
		var buf bytes.Buffer
		rec := undo.Record{
			XID:     42,
			Epoch:   3,
			Next:    undo.LinkTo(undo.MakeRecPtr(7, 900)),
			PrevLen: 31,
			Payload: []byte("k=v"),
		}
		So(encodeRecord(&buf, rec), ShouldBeNil)
		So(buf.Len(), ShouldEqual, headerSize+3)

		Convey("It decodes to the same record", func() {
			got, err := decodeRecord(buf.Bytes())
			So(err, ShouldBeNil)
			So(got, ShouldResemble, rec)
		})

		Convey("Patching the link in place is visible after decoding", func() {
			b := buf.Bytes()
			putLink(b, undo.EndOfLog())
			got, err := decodeRecord(b)
			So(err, ShouldBeNil)
			So(got.Next.IsEndOfLog(), ShouldBeTrue)
		})

		Convey("Truncated bytes are rejected", func() {
			_, err := decodeRecord(buf.Bytes()[:headerSize+1])
			So(errors.Is(err, errCorrupt), ShouldBeTrue)
			_, err = decodeRecord(buf.Bytes()[:4])
			So(errors.Is(err, errCorrupt), ShouldBeTrue)
		})
	})

	Convey("Oversized payloads are rejected", t, func() {
		var buf bytes.Buffer
		err := encodeRecord(&buf, undo.Record{XID: 1, Payload: make([]byte, MaxPayload+1)})
		So(err, ShouldNotBeNil)
	})
}

func TestInsertChainsHeaders(t *testing.T) {
	Convey("Given two transactions in one log", t, func() {
		reg := newTestRegistry(t, Options{})
		log := reg.CreateLog(undo.Permanent)

		h1 := mustInsert(reg, log, 10, "a=1")
		r2 := mustInsert(reg, log, 10, "b=1")
		h2 := mustInsert(reg, log, 11, "a=2")

		Convey("Offsets grow by record size", func() {
			So(h1.Offset, ShouldEqual, undo.Offset(0))
			So(r2.Offset, ShouldEqual, undo.Offset(headerSize+3))
			So(h2.Offset, ShouldEqual, undo.Offset(2*(headerSize+3)))
		})

		Convey("The first header links to the second", func() {
			rec, err := reg.Fetch(h1)
			So(err, ShouldBeNil)
			next, ok := rec.Next.Ptr()
			So(ok, ShouldBeTrue)
			So(next, ShouldResemble, h2)
		})

		Convey("Non-header records and the last header end the log", func() {
			rec, err := reg.Fetch(r2)
			So(err, ShouldBeNil)
			So(rec.Next.IsEndOfLog(), ShouldBeTrue)
			rec, err = reg.Fetch(h2)
			So(err, ShouldBeNil)
			So(rec.Next.IsEndOfLog(), ShouldBeTrue)
		})

		Convey("Previous lengths allow walking back", func() {
			rec, err := reg.Fetch(h2)
			So(err, ShouldBeNil)
			So(h2.Back(rec.PrevLen), ShouldResemble, r2)
			end, err := reg.InsertPtr(log)
			So(err, ShouldBeNil)
			So(end.Back(reg.PrevLen(log)), ShouldResemble, h2)
		})

		Convey("The insertion point belongs to the attached transaction", func() {
			_, ok := reg.NextInsertPtr(log, 10)
			So(ok, ShouldBeFalse)
			p, ok := reg.NextInsertPtr(log, 11)
			So(ok, ShouldBeTrue)
			So(p.Offset, ShouldEqual, undo.Offset(3*(headerSize+3)))
		})

		Convey("Records of a transaction are listed in order", func() {
			So(reg.RecordsOf(10), ShouldResemble, []undo.RecPtr{h1, r2})
			So(reg.RecordsOf(11), ShouldResemble, []undo.RecPtr{h2})
		})
	})

	Convey("Invalid inserts are rejected", t, func() {
		reg := newTestRegistry(t, Options{Capacity: headerSize + 8})
		log := reg.CreateLog(undo.Permanent)

		_, err := reg.Insert(log, txn.InvalidTransactionID, 0, nil)
		So(err, ShouldNotBeNil)
		_, err = reg.Insert(99, 10, 0, nil)
		So(errors.Is(err, undo.ErrUnknownLog), ShouldBeTrue)
		_, err = reg.Insert(log, 10, 0, []byte("too long for the log"))
		So(errors.Is(err, undo.ErrLogFull), ShouldBeTrue)
	})
}

func TestInsertOverflow(t *testing.T) {
	Convey("Given a transaction continuing in a second log", t, func() {
		reg := newTestRegistry(t, Options{})
		a := reg.CreateLog(undo.Permanent)
		b := reg.CreateLog(undo.Permanent)

		ha := mustInsert(reg, a, 10, "a=1")
		hb := mustInsert(reg, b, 10, "b=1")

		Convey("Its header in the first log links to the continuation", func() {
			rec, err := reg.Fetch(ha)
			So(err, ShouldBeNil)
			next, ok := rec.Next.Ptr()
			So(ok, ShouldBeTrue)
			So(next, ShouldResemble, hb)
		})

		Convey("The first log is closed but stays attached", func() {
			_, err := reg.Insert(a, 11, 0, []byte("x"))
			So(errors.Is(err, undo.ErrLogFull), ShouldBeTrue)
			_, ok := reg.NextInsertPtr(a, 10)
			So(ok, ShouldBeTrue)
		})
	})
}

func TestRewind(t *testing.T) {
	Convey("Given a transaction rewound after another", t, func() {
		reg := newTestRegistry(t, Options{})
		log := reg.CreateLog(undo.Permanent)

		h1 := mustInsert(reg, log, 10, "a=1")
		h2 := mustInsert(reg, log, 11, "a=2")
		mustInsert(reg, log, 11, "b=2")
		So(reg.Rewind(log, 11), ShouldBeNil)

		Convey("The insertion point returns to its start", func() {
			p, err := reg.InsertPtr(log)
			So(err, ShouldBeNil)
			So(p, ShouldResemble, h2)
			So(reg.PrevLen(log), ShouldEqual, uint16(headerSize+3))
		})

		Convey("The previous transaction is attached again", func() {
			p, ok := reg.NextInsertPtr(log, 10)
			So(ok, ShouldBeTrue)
			So(p, ShouldResemble, h2)
		})

		Convey("The previous header keeps its link", func() {
			rec, err := reg.Fetch(h1)
			So(err, ShouldBeNil)
			next, _ := rec.Next.Ptr()
			So(next, ShouldResemble, h2)
		})

		Convey("The rewound records are gone", func() {
			_, err := reg.Fetch(h2)
			So(errors.Is(err, undo.ErrRecordNotFound), ShouldBeTrue)
			So(reg.RecordsOf(11), ShouldBeEmpty)
		})

		Convey("Rewinding a detached transaction fails", func() {
			So(reg.Rewind(log, 11), ShouldNotBeNil)
		})
	})
}

func TestDiscard(t *testing.T) {
	Convey("Given a log with three transactions", t, func() {
		reg := newTestRegistry(t, Options{CacheEntries: 16})
		log := reg.CreateLog(undo.Permanent)

		h1 := mustInsert(reg, log, 10, "a=1")
		h2 := mustInsert(reg, log, 11, "a=2")
		h3 := mustInsert(reg, log, 12, "a=3")

		// warm the cache
		_, err := reg.Fetch(h1)
		So(err, ShouldBeNil)

		So(reg.Discard(h3, 11), ShouldBeNil)

		Convey("Records below the pointer are gone", func() {
			_, err := reg.Fetch(h1)
			So(errors.Is(err, undo.ErrRecordNotFound), ShouldBeTrue)
			_, err = reg.Fetch(h2)
			So(errors.Is(err, undo.ErrRecordNotFound), ShouldBeTrue)
			_, err = reg.Fetch(h3)
			So(err, ShouldBeNil)
			So(reg.IsDiscarded(h2), ShouldBeTrue)
			So(reg.IsDiscarded(h3), ShouldBeFalse)
			So(reg.RecordsOf(10), ShouldBeEmpty)
		})

		Convey("The first valid record moves", func() {
			p, ok := reg.FirstValidRecord(log)
			So(ok, ShouldBeTrue)
			So(p, ShouldResemble, h3)
			So(reg.Usage(log), ShouldEqual, undo.Offset(headerSize+3))
		})

		Convey("The discard is recorded", func() {
			So(reg.Discards(), ShouldResemble, []DiscardEvent{
				{Log: log, From: 0, To: h3.Offset, LastXID: 11},
			})
		})

		Convey("Discarding below the discard point is a no-op", func() {
			So(reg.Discard(h2, 10), ShouldBeNil)
			So(reg.Discards(), ShouldHaveLength, 1)
		})

		Convey("Discarding beyond the insertion point fails", func() {
			So(reg.Discard(undo.MakeRecPtr(log, 1<<30), 12), ShouldNotBeNil)
		})

		Convey("Discarding everything empties the log", func() {
			end, err := reg.InsertPtr(log)
			So(err, ShouldBeNil)
			So(reg.Discard(end, 12), ShouldBeNil)
			_, ok := reg.FirstValidRecord(log)
			So(ok, ShouldBeFalse)
			So(reg.Usage(log), ShouldEqual, undo.Offset(0))
		})
	})
}

func TestFetchSeesPatchedLinks(t *testing.T) {
	Convey("Given a cached header whose link is patched later", t, func() {
		reg := newTestRegistry(t, Options{CacheEntries: 16})
		log := reg.CreateLog(undo.Permanent)
		h1 := mustInsert(reg, log, 10, "a=1")

		rec, err := reg.Fetch(h1)
		So(err, ShouldBeNil)
		So(rec.Next.IsEndOfLog(), ShouldBeTrue)
		reg.cache.c.Wait()

		h2 := mustInsert(reg, log, 11, "a=2")
		rec, err = reg.Fetch(h1)
		So(err, ShouldBeNil)
		next, ok := rec.Next.Ptr()
		So(ok, ShouldBeTrue)
		So(next, ShouldResemble, h2)
	})

	Convey("Fetched payloads do not alias storage", t, func() {
		reg := newTestRegistry(t, Options{CacheEntries: 16})
		log := reg.CreateLog(undo.Permanent)
		h := mustInsert(reg, log, 10, "a=1")

		rec, err := reg.Fetch(h)
		So(err, ShouldBeNil)
		rec.Payload[0] = 'z'
		reg.cache.c.Wait()

		again, err := reg.Fetch(h)
		So(err, ShouldBeNil)
		So(string(again.Payload), ShouldEqual, "a=1")
	})
}

func TestLogs(t *testing.T) {
	Convey("Logs are listed in creation order with their control blocks", t, func() {
		reg := newTestRegistry(t, Options{})
		a := reg.CreateLog(undo.Permanent)
		b := reg.CreateLog(undo.Temporary)

		logs := reg.Logs()
		So(logs, ShouldHaveLength, 2)
		So(logs[0].Number(), ShouldEqual, a)
		So(logs[1].Number(), ShouldEqual, b)
		So(logs[1].Persistence(), ShouldEqual, undo.Temporary)

		ctl, ok := reg.Get(b)
		So(ok, ShouldBeTrue)
		So(ctl, ShouldPointTo, logs[1])
		_, ok = reg.Get(99)
		So(ok, ShouldBeFalse)
	})
}

func TestExecutor(t *testing.T) {
	Convey("Given a transaction that overwrote two keys", t, func() {
		reg := newTestRegistry(t, Options{})
		exec := NewExecutor(reg)
		log := reg.CreateLog(undo.Permanent)

		exec.Set("a", "new")
		exec.Set("b", "new")
		exec.Set("c", "inserted")
		first := mustInsert(reg, log, 10, "a=old")
		mustInsert(reg, log, 10, "a=mid")
		mustInsert(reg, log, 10, "b=old")
		last := mustInsert(reg, log, 10, "c=")

		replay := func() error {
			tx, err := exec.Begin(context.Background())
			So(err, ShouldBeNil)
			if err := tx.Replay(last, first, 10); err != nil {
				So(tx.Abort(), ShouldBeNil)
				return err
			}
			return tx.Commit()
		}

		Convey("A committed replay restores the oldest pre-images", func() {
			So(replay(), ShouldBeNil)
			v, _ := exec.Value("a")
			So(v, ShouldEqual, "old")
			v, _ = exec.Value("b")
			So(v, ShouldEqual, "old")
			_, ok := exec.Value("c")
			So(ok, ShouldBeFalse)
			So(exec.Replays(), ShouldResemble, []ReplayEvent{
				{XID: 10, From: last, To: first, Records: 4, Applied: 4},
			})

			Convey("Replaying again changes nothing", func() {
				exec.Set("a", "later")
				So(replay(), ShouldBeNil)
				v, _ := exec.Value("a")
				So(v, ShouldEqual, "later")
				So(exec.Replays()[1].Applied, ShouldEqual, 0)
			})
		})

		Convey("An aborted replay leaves the data alone", func() {
			tx, err := exec.Begin(context.Background())
			So(err, ShouldBeNil)
			So(tx.Replay(last, first, 10), ShouldBeNil)
			So(tx.Abort(), ShouldBeNil)
			v, _ := exec.Value("a")
			So(v, ShouldEqual, "new")
			So(exec.Replays(), ShouldBeEmpty)
			So(tx.Commit(), ShouldNotBeNil)
		})

		Convey("An injected failure fails the replay until cleared", func() {
			boom := errors.New("boom")
			exec.FailReplay(10, boom)
			So(replay(), ShouldEqual, boom)
			v, _ := exec.Value("a")
			So(v, ShouldEqual, "new")

			exec.ClearFailure(10)
			So(replay(), ShouldBeNil)
			v, _ = exec.Value("a")
			So(v, ShouldEqual, "old")
		})

		Convey("A range not belonging to the transaction fails", func() {
			tx, err := exec.Begin(context.Background())
			So(err, ShouldBeNil)
			err = tx.Replay(last, first, 11)
			So(errors.Is(err, undo.ErrRecordNotFound), ShouldBeTrue)
		})

		Convey("Begin honours a cancelled context", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := exec.Begin(ctx)
			So(err, ShouldEqual, context.Canceled)
		})
	})
}

func TestBufferPool(t *testing.T) {
	Convey("Buffers come back reset and oversized ones are dropped", t, func() {
		p := newBufferPool()
		b := p.Get()
		b.WriteString("hello")
		p.Put(b)
		So(p.Get().Len(), ShouldEqual, 0)

		big := bytes.NewBuffer(make([]byte, 0, 8*1024))
		p.Put(big)
		So(p.Get().Cap() <= 4*1024, ShouldBeTrue)
	})
}
