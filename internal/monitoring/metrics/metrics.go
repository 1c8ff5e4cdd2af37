// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides performance monitoring and observability for the
// undo discard manager.
//
// This package implements thread-safe metrics collection using buffered
// channels and ring buffers. It tracks discard passes, rollbacks of aborted
// transactions, reclaimed bytes, errors by kind and the published watermark,
// so that an operator can tell whether undo space is being reclaimed and why
// not when it isn't.
//
// # Key Features
//
//   - Thread-safe collection using a buffered channel and one background goroutine
//   - Pass, scanned log, rollback and temporary discard counters
//   - Reclaimed byte accounting and hibernating pass counts
//   - Error counts by kind (replay, invariant, discard)
//   - Watermark gauge (epoch-qualified transaction id)
//   - Pass and rollback latencies in bounded ring buffers
//   - Prometheus text and JSON export
//
// # Usage Examples
//
//	m := metrics.New(metrics.DefaultConfig())
//	defer m.Close()
//
//	d, _ := discard.New(discard.Config{..., Metrics: m})
//
//	// Later
//	m.Flush()
//	stats := m.Stats()
//	fmt.Printf("passes=%d rollbacks=%d reclaimed=%d\n",
//	    stats.Counts.Passes, stats.Counts.Rollbacks, stats.Counts.BytesDiscarded)
//
//	fmt.Print(m.ExportPrometheus())
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: Requires proper cleanup with Close()
//   - **Event Loss**: If the buffer is full, events are dropped instead of blocking the discarder
//   - **Stats Latency**: Stats trail the recorded events until the background goroutine catches up; Flush waits for it
//   - **Record After Close**: Recording after Close is a silent no-op
//
// # Thread Safety
//
// All operations are safe for concurrent use. Recording never blocks.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kianostad/undodiscard/internal/txn"
)

// LatencyStats provides comprehensive latency statistics
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// Counts tracks discard activity.
type Counts struct {
	Passes          uint64 `json:"passes"`
	HibernatePasses uint64 `json:"hibernate_passes"`
	LogsScanned     uint64 `json:"logs_scanned"`
	Rollbacks       uint64 `json:"rollbacks"`
	TempDiscards    uint64 `json:"temp_discards"`
	BytesDiscarded  uint64 `json:"bytes_discarded"`
	DroppedEvents   uint64 `json:"dropped_events"`
}

// LatencyMetrics tracks latency data.
type LatencyMetrics struct {
	Pass     LatencyStats `json:"pass"`
	Rollback LatencyStats `json:"rollback"`
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Counts    Counts            `json:"counts"`
	Errors    map[string]uint64 `json:"errors"`
	Watermark txn.FullXID       `json:"watermark"`
	Latency   LatencyMetrics    `json:"latency"`
	Config    Config            `json:"config"`
}

type eventType int

const (
	evPass eventType = iota
	evHibernatePass
	evLogScanned
	evRollback
	evDiscarded
	evTempDiscard
	evError
	evFlush
)

// event is a single metric event
type event struct {
	typ      eventType
	duration time.Duration
	n        uint64
	kind     string
	done     chan struct{}
}

// DurationRingBuffer implements a thread-safe bounded ring buffer for time.Duration
type DurationRingBuffer struct {
	buffer []time.Duration
	head   int
	tail   int
	size   int
	count  int
	mu     sync.RWMutex
}

// NewDurationRingBuffer creates a new ring buffer with specified capacity
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &DurationRingBuffer{
		buffer: make([]time.Duration, capacity),
		size:   capacity,
	}
}

// Push adds an item, overwriting the oldest one when full.
func (rb *DurationRingBuffer) Push(item time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// GetAverage calculates the average of the buffered values
func (rb *DurationRingBuffer) GetAverage() time.Duration {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return 0
	}

	var total time.Duration
	for i := 0; i < rb.count; i++ {
		total += rb.buffer[(rb.head+i)%rb.size]
	}
	return total / time.Duration(rb.count)
}

// GetStats calculates latency statistics over the buffered values
func (rb *DurationRingBuffer) GetStats() LatencyStats {
	rb.mu.RLock()
	values := make([]time.Duration, rb.count)
	for i := 0; i < rb.count; i++ {
		values[i] = rb.buffer[(rb.head+i)%rb.size]
	}
	rb.mu.RUnlock()

	if len(values) == 0 {
		return LatencyStats{}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	var total time.Duration
	for _, v := range values {
		total += v
	}
	return LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
		Mean:  total / time.Duration(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
		P999:  percentile(values, 0.999),
	}
}

// percentile picks the nth percentile from sorted values
func percentile(values []time.Duration, p float64) time.Duration {
	index := int(float64(len(values)-1) * p)
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}

// Config provides configuration options for metrics collection
type Config struct {
	BufferSize     int `json:"buffer_size"`     // Size of event buffer
	LatencySamples int `json:"latency_samples"` // Ring buffer size per latency series
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:     10000,
		LatencySamples: 1000,
	}
}

// Metrics collects discard metrics. It implements discard.Recorder.
type Metrics struct {
	config Config

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once

	mu        sync.RWMutex
	counts    Counts
	errors    map[string]uint64
	watermark txn.FullXID

	passLatency     *DurationRingBuffer
	rollbackLatency *DurationRingBuffer
}

// New creates a metrics instance and starts its background processor.
func New(config Config) *Metrics {
	if config.BufferSize < 1 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.LatencySamples < 1 {
		config.LatencySamples = DefaultConfig().LatencySamples
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Metrics{
		config:          config,
		events:          make(chan event, config.BufferSize),
		ctx:             ctx,
		cancel:          cancel,
		errors:          make(map[string]uint64),
		passLatency:     NewDurationRingBuffer(config.LatencySamples),
		rollbackLatency: NewDurationRingBuffer(config.LatencySamples),
	}

	m.wg.Add(1)
	go m.processEvents()
	return m
}

// processEvents runs in the background goroutine
func (m *Metrics) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case ev := <-m.events:
			m.processEvent(ev)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Metrics) processEvent(ev event) {
	if ev.typ == evFlush {
		close(ev.done)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.typ {
	case evPass:
		m.counts.Passes++
		m.passLatency.Push(ev.duration)
	case evHibernatePass:
		m.counts.Passes++
		m.counts.HibernatePasses++
		m.passLatency.Push(ev.duration)
	case evLogScanned:
		m.counts.LogsScanned++
	case evRollback:
		m.counts.Rollbacks++
		m.rollbackLatency.Push(ev.duration)
	case evDiscarded:
		m.counts.BytesDiscarded += ev.n
	case evTempDiscard:
		m.counts.TempDiscards++
	case evError:
		m.errors[ev.kind]++
	}
}

func (m *Metrics) send(ev event) {
	if m.ctx.Err() != nil {
		return
	}
	select {
	case m.events <- ev:
	default:
		// Channel full, drop the event to avoid blocking the discarder
		m.mu.Lock()
		m.counts.DroppedEvents++
		m.mu.Unlock()
	}
}

// RecordPass records a completed discard pass.
func (m *Metrics) RecordPass(d time.Duration, hibernate bool) {
	typ := evPass
	if hibernate {
		typ = evHibernatePass
	}
	m.send(event{typ: typ, duration: d})
}

// RecordLogScanned records one log examined by a pass.
func (m *Metrics) RecordLogScanned() {
	m.send(event{typ: evLogScanned})
}

// RecordRollback records the replay of one aborted transaction.
func (m *Metrics) RecordRollback(d time.Duration) {
	m.send(event{typ: evRollback, duration: d})
}

// RecordDiscarded adds reclaimed bytes.
func (m *Metrics) RecordDiscarded(bytes uint64) {
	m.send(event{typ: evDiscarded, n: bytes})
}

// RecordTempDiscard records a temporary log discard.
func (m *Metrics) RecordTempDiscard() {
	m.send(event{typ: evTempDiscard})
}

// RecordError counts an error of the given kind.
func (m *Metrics) RecordError(kind string) {
	m.send(event{typ: evError, kind: kind})
}

// SetWatermark sets the watermark gauge.
func (m *Metrics) SetWatermark(f txn.FullXID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermark = f
}

// Flush blocks until every event recorded before the call is processed.
// It returns immediately after Close.
func (m *Metrics) Flush() {
	done := make(chan struct{})
	select {
	case m.events <- event{typ: evFlush, done: done}:
	case <-m.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-m.ctx.Done():
	}
}

// Stats returns a snapshot of current metrics
func (m *Metrics) Stats() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	errs := make(map[string]uint64, len(m.errors))
	for k, v := range m.errors {
		errs[k] = v
	}
	return Snapshot{
		Counts:    m.counts,
		Errors:    errs,
		Watermark: m.watermark,
		Latency: LatencyMetrics{
			Pass:     m.passLatency.GetStats(),
			Rollback: m.rollbackLatency.GetStats(),
		},
		Config: m.config,
	}
}

// ExportPrometheus exports metrics in Prometheus text format
func (m *Metrics) ExportPrometheus() string {
	stats := m.Stats()
	var b strings.Builder

	counter := func(name, help string, v uint64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
	}
	counter("undo_discard_passes_total", "Total number of discard passes", stats.Counts.Passes)
	counter("undo_discard_hibernate_passes_total", "Passes that discarded nothing", stats.Counts.HibernatePasses)
	counter("undo_discard_logs_scanned_total", "Undo logs scanned", stats.Counts.LogsScanned)
	counter("undo_discard_rollbacks_total", "Aborted transactions rolled back by discard", stats.Counts.Rollbacks)
	counter("undo_discard_temp_total", "Temporary undo logs discarded", stats.Counts.TempDiscards)
	counter("undo_discard_bytes_total", "Undo bytes reclaimed", stats.Counts.BytesDiscarded)
	counter("undo_discard_dropped_events_total", "Metric events dropped on a full buffer", stats.Counts.DroppedEvents)

	b.WriteString("# HELP undo_discard_errors_total Discard errors by kind\n")
	b.WriteString("# TYPE undo_discard_errors_total counter\n")
	kinds := make([]string, 0, len(stats.Errors))
	for k := range stats.Errors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "undo_discard_errors_total{kind=%q} %d\n", k, stats.Errors[k])
	}

	b.WriteString("# HELP undo_discard_watermark Oldest transaction that may still have undo\n")
	b.WriteString("# TYPE undo_discard_watermark gauge\n")
	fmt.Fprintf(&b, "undo_discard_watermark %d\n", uint64(stats.Watermark))

	b.WriteString("# HELP undo_discard_latency_nanoseconds Average latency\n")
	b.WriteString("# TYPE undo_discard_latency_nanoseconds gauge\n")
	fmt.Fprintf(&b, "undo_discard_latency_nanoseconds{operation=\"pass\"} %d\n", stats.Latency.Pass.Mean.Nanoseconds())
	fmt.Fprintf(&b, "undo_discard_latency_nanoseconds{operation=\"rollback\"} %d\n", stats.Latency.Rollback.Mean.Nanoseconds())

	return b.String()
}

// ExportJSON exports metrics as JSON
func (m *Metrics) ExportJSON() []byte {
	data, _ := json.MarshalIndent(m.Stats(), "", "  ")
	return data
}

// Close shuts down the metrics processor. Events still queued are dropped.
func (m *Metrics) Close() {
	m.closed.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}
