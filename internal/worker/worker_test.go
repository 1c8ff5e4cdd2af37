// Licensed under the MIT License. See LICENSE file in the project root for details.

package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kianostad/undodiscard/internal/discard"
	"github.com/kianostad/undodiscard/internal/logging"
	"github.com/kianostad/undodiscard/internal/txn"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
)

// scripted returns queued results, then hibernates forever.
type scripted struct {
	mu      sync.Mutex
	results []discard.Result
	err     error
	xmins   []txn.TransactionID
	ran     chan struct{}
	block   chan struct{}
}

func (s *scripted) Discard(ctx context.Context, xmin txn.TransactionID) (discard.Result, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xmins = append(s.xmins, xmin)
	res := discard.Result{Hibernate: true}
	if len(s.results) > 0 {
		res, s.results = s.results[0], s.results[1:]
	}
	if s.ran != nil {
		select {
		case s.ran <- struct{}{}:
		default:
		}
	}
	return res, s.err
}

type fixedHorizon txn.TransactionID

func (h fixedHorizon) OldestXmin() txn.TransactionID { return txn.TransactionID(h) }

func newWorker(d Discarder, nap, max time.Duration) *Worker {
	return New(Config{
		Discarder:  d,
		Horizon:    fixedHorizon(42),
		Naptime:    nap,
		MaxNaptime: max,
		Logger:     logging.Discard(),
	})
}

func TestRunOnceNap(t *testing.T) {
	Convey("Given a worker with a 10ms nap capped at 80ms", t, func() {
		d := &scripted{}
		w := newWorker(d, 10*time.Millisecond, 80*time.Millisecond)
		ctx := context.Background()

		So(w.Nap(), ShouldEqual, 10*time.Millisecond)

		Convey("Hibernating passes double the nap up to the cap", func() {
			var naps []time.Duration
			for i := 0; i < 5; i++ {
				_, err := w.RunOnce(ctx)
				So(err, ShouldBeNil)
				naps = append(naps, w.Nap())
			}
			So(naps, ShouldResemble, []time.Duration{
				20 * time.Millisecond,
				40 * time.Millisecond,
				80 * time.Millisecond,
				80 * time.Millisecond,
				80 * time.Millisecond,
			})
			So(w.Passes(), ShouldEqual, uint64(5))
		})

		Convey("A pass that discards resets the nap", func() {
			w.RunOnce(ctx)
			w.RunOnce(ctx)
			So(w.Nap(), ShouldEqual, 40*time.Millisecond)

			d.results = []discard.Result{{Discarded: 128}}
			res, err := w.RunOnce(ctx)
			So(err, ShouldBeNil)
			So(res.Discarded, ShouldEqual, uint64(128))
			So(w.Nap(), ShouldEqual, 10*time.Millisecond)
		})

		Convey("Each pass uses the horizon's oldest xmin", func() {
			w.RunOnce(ctx)
			So(d.xmins, ShouldResemble, []txn.TransactionID{42})
		})

		Convey("Pass errors are returned", func() {
			d.err = errors.New("replay failed")
			_, err := w.RunOnce(ctx)
			So(err, ShouldEqual, d.err)
			So(w.Nap(), ShouldEqual, 20*time.Millisecond)
		})
	})

	Convey("Bad durations are corrected", t, func() {
		w := newWorker(&scripted{}, 0, time.Nanosecond)
		So(w.Nap(), ShouldEqual, 100*time.Millisecond)
		So(w.max, ShouldEqual, 100*time.Millisecond)
	})
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a started worker", t, func() {
		d := &scripted{ran: make(chan struct{}, 1)}
		w := newWorker(d, time.Millisecond, 4*time.Millisecond)
		w.Start()
		w.Start()

		Convey("It runs passes in the background until stopped", func() {
			for i := 0; i < 3; i++ {
				select {
				case <-d.ran:
				case <-time.After(5 * time.Second):
					t.Fatal("worker did not run a pass")
				}
			}
			w.Stop()
			n := w.Passes()
			So(n, ShouldBeGreaterThanOrEqualTo, uint64(3))

			time.Sleep(20 * time.Millisecond)
			So(w.Passes(), ShouldEqual, n)

			w.Stop()
			w.Start()
			So(w.Passes(), ShouldEqual, n)
		})
	})
}

func TestStopWaitsForPass(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Stop waits for the in-flight pass", t, func() {
		d := &scripted{block: make(chan struct{}), ran: make(chan struct{}, 1)}
		w := newWorker(d, time.Millisecond, time.Millisecond)
		w.Start()

		stopped := make(chan struct{})
		go func() {
			// Let the loop enter Discard before stopping.
			time.Sleep(20 * time.Millisecond)
			w.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
			t.Fatal("Stop returned while a pass was blocked")
		case <-time.After(50 * time.Millisecond):
		}

		close(d.block)
		<-stopped
		So(w.Passes(), ShouldEqual, uint64(1))
	})
}
