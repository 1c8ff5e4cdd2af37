// Licensed under the MIT License. See LICENSE file in the project root for details.

package txn

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func TestCommitLog(t *testing.T) {
	Convey("Given a new commit log", t, func() {
		l := NewCommitLog()

		Convey("Begin hands out consecutive normal ids", func() {
			a := l.Begin()
			b := l.Begin()
			So(a, ShouldEqual, FirstNormalTransactionID)
			So(b, ShouldEqual, FirstNormalTransactionID+1)
			So(l.NextXID(), ShouldEqual, FirstNormalTransactionID+2)
		})

		Convey("A new transaction is in progress", func() {
			x := l.Begin()
			So(l.Status(x), ShouldEqual, StatusInProgress)
			So(l.DidCommit(x), ShouldBeFalse)

			Convey("When it commits", func() {
				So(l.Commit(x), ShouldBeNil)
				So(l.DidCommit(x), ShouldBeTrue)

				Convey("It cannot abort afterwards", func() {
					So(l.Abort(x), ShouldNotBeNil)
				})
			})

			Convey("When it aborts", func() {
				So(l.Abort(x), ShouldBeNil)
				So(l.Status(x), ShouldEqual, StatusAborted)
				So(l.DidCommit(x), ShouldBeFalse)
			})
		})

		Convey("Ending an unknown transaction fails", func() {
			err := l.Commit(999)
			So(errors.Is(err, ErrUnknownTransaction), ShouldBeTrue)
		})

		Convey("Frozen ids always count as committed", func() {
			So(l.DidCommit(FrozenTransactionID), ShouldBeTrue)
		})
	})
}

func TestCommitLogWraparound(t *testing.T) {
	Convey("Given a commit log about to wrap", t, func() {
		l := NewCommitLogAt(4, MaxTransactionID-1)

		a := l.Begin()
		b := l.Begin()
		c := l.Begin()

		So(a, ShouldEqual, MaxTransactionID-1)
		So(b, ShouldEqual, MaxTransactionID)
		So(c, ShouldEqual, FirstNormalTransactionID)
		So(l.NextFullXID().Epoch(), ShouldEqual, Epoch(5))

		Convey("Epochs are derived across the wrap", func() {
			So(l.EpochOf(a), ShouldEqual, Epoch(4))
			So(l.EpochOf(b), ShouldEqual, Epoch(4))
			So(l.EpochOf(c), ShouldEqual, Epoch(5))
		})

		Convey("Ordering survives the wrap", func() {
			So(a.Precedes(c), ShouldBeTrue)
			So(b.Precedes(c), ShouldBeTrue)
		})
	})
}

func TestCommitLogConcurrentBegin(t *testing.T) {
	Convey("Given concurrent allocators", t, func() {
		l := NewCommitLog()
		const workers = 8
		const perWorker = 500

		var mu sync.Mutex
		seen := make(map[TransactionID]bool)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					x := l.Begin()
					mu.Lock()
					seen[x] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		So(len(seen), ShouldEqual, workers*perWorker)
	})
}
