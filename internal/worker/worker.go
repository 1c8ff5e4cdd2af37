// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package worker runs undo discard passes in the background.
//
// The worker asks the horizon for the oldest xmin, runs one discard pass
// with it, and naps. A pass that reclaimed nothing reports the hibernate
// hint; the nap then doubles, up to the configured maximum. A pass that did
// real work resets the nap to its base value.
//
// # Usage Examples
//
//	w := worker.New(worker.Config{
//	    Discarder:  d,
//	    Horizon:    horizons,
//	    Naptime:    100 * time.Millisecond,
//	    MaxNaptime: 10 * time.Second,
//	})
//	w.Start()
//	defer w.Stop()
//
//	// Force an immediate pass
//	res, err := w.RunOnce(ctx)
//
// # Dangers and Warnings
//
//   - **Single Discarder**: RunOnce and the background loop share one mutex; do not drive the same Discarder from elsewhere.
//   - **Shutdown Order**: Stop the worker before closing the stores the Discarder reads.
//   - **Restart**: A stopped worker cannot be started again.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/undodiscard/internal/discard"
	"github.com/kianostad/undodiscard/internal/txn"
	"github.com/sirupsen/logrus"
)

// Discarder runs one discard pass.
type Discarder interface {
	Discard(ctx context.Context, oldestXmin txn.TransactionID) (discard.Result, error)
}

// Horizon reports the oldest xmin any snapshot might still need.
type Horizon interface {
	OldestXmin() txn.TransactionID
}

// Config configures a Worker.
type Config struct {
	Discarder  Discarder
	Horizon    Horizon
	Naptime    time.Duration
	MaxNaptime time.Duration
	Logger     logrus.FieldLogger
}

// Worker drives discard passes on a hibernate-aware schedule.
type Worker struct {
	discarder Discarder
	horizon   Horizon
	naptime   time.Duration
	max       time.Duration
	logger    logrus.FieldLogger

	passMu sync.Mutex // serialises passes
	nap    atomic.Int64
	passes atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a worker. It does not start it.
func New(cfg Config) *Worker {
	if cfg.Naptime <= 0 {
		cfg.Naptime = 100 * time.Millisecond
	}
	if cfg.MaxNaptime < cfg.Naptime {
		cfg.MaxNaptime = cfg.Naptime
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	w := &Worker{
		discarder: cfg.Discarder,
		horizon:   cfg.Horizon,
		naptime:   cfg.Naptime,
		max:       cfg.MaxNaptime,
		logger:    cfg.Logger.WithField("component", "discard-worker"),
		stop:      make(chan struct{}),
	}
	w.nap.Store(int64(cfg.Naptime))
	return w
}

// Start begins the background loop. Calling it twice, or after Stop, does
// nothing.
func (w *Worker) Start() {
	if w.stopped.Load() || !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go w.run()
}

// Stop ends the background loop, waiting for an in-flight pass to finish.
func (w *Worker) Stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	close(w.stop)
	w.wg.Wait()
}

// Nap returns the current sleep between passes.
func (w *Worker) Nap() time.Duration {
	return time.Duration(w.nap.Load())
}

// Passes returns the number of passes run so far.
func (w *Worker) Passes() uint64 {
	return w.passes.Load()
}

// RunOnce runs one pass now and updates the nap from its result.
func (w *Worker) RunOnce(ctx context.Context) (discard.Result, error) {
	w.passMu.Lock()
	defer w.passMu.Unlock()

	xmin := w.horizon.OldestXmin()
	res, err := w.discarder.Discard(ctx, xmin)
	w.passes.Add(1)

	nap := w.naptime
	if res.Hibernate {
		nap = 2 * w.Nap()
		if nap > w.max {
			nap = w.max
		}
	}
	w.nap.Store(int64(nap))

	entry := w.logger.WithFields(logrus.Fields{
		"xmin":      xmin,
		"watermark": res.Watermark,
		"nap":       nap,
	})
	if err != nil {
		entry.WithError(err).Debug("discard pass finished with errors")
	} else {
		entry.Debug("discard pass finished")
	}
	return res, err
}

// run is the main worker loop
func (w *Worker) run() {
	defer w.wg.Done()

	// Passes are not cancelled by Stop; it waits for them instead.
	ctx := context.Background()
	timer := time.NewTimer(w.Nap())
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-timer.C:
		}
		if w.stopped.Load() {
			return
		}
		_, _ = w.RunOnce(ctx) // per-log failures are logged by the coordinator
		timer.Reset(w.Nap())
	}
}
