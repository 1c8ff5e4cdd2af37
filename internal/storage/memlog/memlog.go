// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package memlog provides an in-memory undo log storage.
//
// This package implements the undo record store, the undo log registry and
// an undo action executor on top of plain memory. It is the storage the
// discard manager runs against in tests, tools and the bundled engine, and
// it models the behaviours discard depends on: transaction header chains,
// overflow of a transaction into a second log, foreground rewind of an
// aborted transaction, and physical discard below a pointer.
//
// # Key Features
//
//   - Binary record encoding with per-record previous-length for backward walks
//   - Automatic header chaining when a new transaction starts in a log
//   - Overflow links when a transaction continues in another log
//   - Insertion pointer rewind after a foreground rollback
//   - Decoded record cache (ristretto) keyed by log generation
//   - Discard history for inspection
//
// # Usage Examples
//
//	reg, err := memlog.New(memlog.Options{})
//	defer reg.Close()
//
//	log := reg.CreateLog(undo.Permanent)
//	ptr, err := reg.Insert(log, xid, epoch, []byte("k=old"))
//	rec, err := reg.Fetch(ptr)
//
// # Dangers and Warnings
//
//   - **Memory Usage**: Every undiscarded record is kept in memory.
//   - **Single Writer Per Transaction**: A transaction must not insert from two goroutines at once.
//   - **Closed Logs**: A log a transaction overflowed out of accepts no further inserts.
//
// # Thread Safety
//
// The registry is safe for concurrent use. Inserts, rewinds and discards
// are serialised; fetches and position queries run concurrently.
package memlog

import (
	"sort"
	"sync"

	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/kianostad/undodiscard/internal/txn"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the size of a log when Options.Capacity is zero.
const DefaultCapacity undo.Offset = 1 << 20

// Options configures a Registry.
type Options struct {
	Capacity     undo.Offset // bytes per log
	CacheEntries int64       // decoded records cached; 0 disables the cache
	Logger       logrus.FieldLogger
}

// DiscardEvent describes one physical discard.
type DiscardEvent struct {
	Log     undo.LogNumber
	From    undo.Offset
	To      undo.Offset
	LastXID txn.TransactionID
}

type header struct {
	off undo.Offset
	xid txn.TransactionID
}

type memLog struct {
	ctl      *undo.Control
	capacity undo.Offset
	records  map[undo.Offset][]byte
	offsets  []undo.Offset // ascending
	headers  []header      // ascending
	insert   undo.Offset
	discard  undo.Offset
	prevLen  uint16
	xid      txn.TransactionID // attached transaction
	closed   bool
	gen      uint64
}

// Registry is an in-memory undo log registry and record store.
type Registry struct {
	mu       sync.RWMutex
	logs     map[undo.LogNumber]*memLog
	order    []undo.LogNumber
	nextLog  undo.LogNumber
	lastLog  map[txn.TransactionID]undo.LogNumber
	xidRecs  map[txn.TransactionID][]undo.RecPtr
	discards []DiscardEvent

	capacity undo.Offset
	cache    *recordCache
	bufs     *bufferPool
	log      logrus.FieldLogger
}

var (
	_ undo.RecordStore = (*Registry)(nil)
	_ undo.Registry    = (*Registry)(nil)
)

// New creates an empty registry.
func New(opts Options) (*Registry, error) {
	cache, err := newRecordCache(opts.CacheEntries)
	if err != nil {
		return nil, err
	}
	capacity := opts.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		logs:     make(map[undo.LogNumber]*memLog),
		lastLog:  make(map[txn.TransactionID]undo.LogNumber),
		xidRecs:  make(map[txn.TransactionID][]undo.RecPtr),
		capacity: capacity,
		cache:    cache,
		bufs:     newBufferPool(),
		log:      logger,
	}, nil
}

// Close releases the record cache.
func (r *Registry) Close() {
	r.cache.close()
}

// CreateLog registers a new empty log.
func (r *Registry) CreateLog(p undo.Persistence) undo.LogNumber {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.nextLog
	r.nextLog++
	r.logs[n] = &memLog{
		ctl:      undo.NewControl(n, p, 0),
		capacity: r.capacity,
		records:  make(map[undo.Offset][]byte),
	}
	r.order = append(r.order, n)
	r.log.WithFields(logrus.Fields{"log": n, "persistence": p}).Debug("undo log created")
	return n
}

// Insert appends a record for xid to log. The first record xid writes into
// a log becomes its header there: the previous header of the log is linked
// to it, and if xid last wrote into another log that log's header of xid
// is linked to it and the other log is closed.
func (r *Registry) Insert(log undo.LogNumber, xid txn.TransactionID, epoch txn.Epoch, payload []byte) (undo.RecPtr, error) {
	if !xid.IsValid() {
		return undo.RecPtr{}, errors.New("insert with invalid xid")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ml, ok := r.logs[log]
	if !ok {
		return undo.RecPtr{}, errors.Wrapf(undo.ErrUnknownLog, "log %d", log)
	}
	if ml.closed {
		return undo.RecPtr{}, errors.Wrapf(undo.ErrLogFull, "log %d is closed", log)
	}

	buf := r.bufs.Get()
	defer r.bufs.Put(buf)
	rec := undo.Record{XID: xid, Epoch: epoch, PrevLen: ml.prevLen, Payload: payload}
	if err := encodeRecord(buf, rec); err != nil {
		return undo.RecPtr{}, err
	}
	size := undo.Offset(buf.Len())
	if ml.insert+size > ml.capacity {
		return undo.RecPtr{}, errors.Wrapf(undo.ErrLogFull, "log %d: %d+%d > %d", log, ml.insert, size, ml.capacity)
	}

	ptr := undo.MakeRecPtr(log, ml.insert)
	starts := ml.xid != xid
	if starts {
		if len(ml.headers) > 0 {
			last := ml.headers[len(ml.headers)-1]
			ml.patchNext(last.off, undo.LinkTo(ptr))
		}
		if prev, ok := r.lastLog[xid]; ok && prev != log {
			if pl := r.logs[prev]; pl != nil {
				if h, ok := pl.headerOf(xid); ok {
					pl.patchNext(h, undo.LinkTo(ptr))
				}
				pl.closed = true
			}
		}
		ml.headers = append(ml.headers, header{off: ml.insert, xid: xid})
		ml.xid = xid
	}

	ml.records[ml.insert] = append([]byte(nil), buf.Bytes()...)
	ml.offsets = append(ml.offsets, ml.insert)
	ml.insert += size
	ml.prevLen = uint16(size)
	r.lastLog[xid] = log
	r.xidRecs[xid] = append(r.xidRecs[xid], ptr)
	return ptr, nil
}

func (ml *memLog) headerOf(xid txn.TransactionID) (undo.Offset, bool) {
	for i := len(ml.headers) - 1; i >= 0; i-- {
		if ml.headers[i].xid == xid {
			return ml.headers[i].off, true
		}
	}
	return 0, false
}

func (ml *memLog) patchNext(off undo.Offset, l undo.Link) {
	b, ok := ml.records[off]
	if !ok {
		return
	}
	putLink(b, l)
	ml.gen++
}

// Rewind drops every record xid wrote into log and moves the insertion
// pointer back to where xid started, reattaching the previous transaction.
// The previous header keeps its link, which now equals the insertion point.
func (r *Registry) Rewind(log undo.LogNumber, xid txn.TransactionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ml, ok := r.logs[log]
	if !ok {
		return errors.Wrapf(undo.ErrUnknownLog, "log %d", log)
	}
	if ml.xid != xid || len(ml.headers) == 0 {
		return errors.Errorf("log %d is not attached to xid %s", log, xid)
	}
	start := ml.headers[len(ml.headers)-1].off
	if start < ml.discard {
		return errors.Wrapf(undo.ErrRegression, "rewind of log %d below discard point", log)
	}

	i := sort.Search(len(ml.offsets), func(i int) bool { return ml.offsets[i] >= start })
	for _, off := range ml.offsets[i:] {
		delete(ml.records, off)
	}
	ml.offsets = ml.offsets[:i]
	ml.headers = ml.headers[:len(ml.headers)-1]
	ml.insert = start
	ml.prevLen = 0
	if n := len(ml.offsets); n > 0 {
		ml.prevLen = uint16(len(ml.records[ml.offsets[n-1]]))
	}
	ml.xid = txn.InvalidTransactionID
	if n := len(ml.headers); n > 0 {
		ml.xid = ml.headers[n-1].xid
	}
	ml.gen++

	kept := r.xidRecs[xid][:0]
	for _, p := range r.xidRecs[xid] {
		if p.Log != log {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		delete(r.xidRecs, xid)
		delete(r.lastLog, xid)
	} else {
		r.xidRecs[xid] = kept
		r.lastLog[xid] = kept[len(kept)-1].Log
	}
	return nil
}

// Fetch returns the record at p.
func (r *Registry) Fetch(p undo.RecPtr) (undo.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ml, ok := r.logs[p.Log]
	if !ok {
		return undo.Record{}, errors.Wrapf(undo.ErrUnknownLog, "log %d", p.Log)
	}
	if rec, ok := r.cache.get(p, ml.gen); ok {
		return rec, nil
	}
	b, ok := ml.records[p.Offset]
	if !ok {
		return undo.Record{}, errors.Wrapf(undo.ErrRecordNotFound, "at %s", p)
	}
	rec, err := decodeRecord(b)
	if err != nil {
		return undo.Record{}, errors.Wrapf(err, "at %s", p)
	}
	r.cache.set(p, ml.gen, rec)
	return rec, nil
}

// NextInsertPtr returns the insertion point of log unless another
// transaction is attached to it.
func (r *Registry) NextInsertPtr(log undo.LogNumber, xid txn.TransactionID) (undo.RecPtr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ml, ok := r.logs[log]
	if !ok {
		return undo.RecPtr{}, false
	}
	if ml.xid.IsValid() && ml.xid != xid {
		return undo.RecPtr{}, false
	}
	return undo.MakeRecPtr(log, ml.insert), true
}

// InsertPtr returns the insertion point of log.
func (r *Registry) InsertPtr(log undo.LogNumber) (undo.RecPtr, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ml, ok := r.logs[log]
	if !ok {
		return undo.RecPtr{}, errors.Wrapf(undo.ErrUnknownLog, "log %d", log)
	}
	return undo.MakeRecPtr(log, ml.insert), nil
}

// FirstValidRecord returns the oldest record still present in log.
func (r *Registry) FirstValidRecord(log undo.LogNumber) (undo.RecPtr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ml, ok := r.logs[log]
	if !ok || len(ml.offsets) == 0 {
		return undo.RecPtr{}, false
	}
	return undo.MakeRecPtr(log, ml.offsets[0]), true
}

// PrevLen returns the length of the last record in log.
func (r *Registry) PrevLen(log undo.LogNumber) uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ml, ok := r.logs[log]; ok {
		return ml.prevLen
	}
	return 0
}

// Logs returns the control blocks of all logs in creation order.
func (r *Registry) Logs() []*undo.Control {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*undo.Control, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.logs[n].ctl)
	}
	return out
}

// Get returns the control block of log.
func (r *Registry) Get(log undo.LogNumber) (*undo.Control, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ml, ok := r.logs[log]
	if !ok {
		return nil, false
	}
	return ml.ctl, true
}

// Discard drops every record of upTo.Log below upTo. Discarding at or below
// the current discard point is a no-op.
func (r *Registry) Discard(upTo undo.RecPtr, lastXID txn.TransactionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ml, ok := r.logs[upTo.Log]
	if !ok {
		return errors.Wrapf(undo.ErrUnknownLog, "log %d", upTo.Log)
	}
	if upTo.Offset > ml.insert {
		return errors.Errorf("discard of log %d to %d beyond insertion point %d", upTo.Log, upTo.Offset, ml.insert)
	}
	if upTo.Offset <= ml.discard {
		return nil
	}

	i := sort.Search(len(ml.offsets), func(i int) bool { return ml.offsets[i] >= upTo.Offset })
	for _, off := range ml.offsets[:i] {
		delete(ml.records, off)
	}
	ml.offsets = append([]undo.Offset(nil), ml.offsets[i:]...)
	j := sort.Search(len(ml.headers), func(j int) bool { return ml.headers[j].off >= upTo.Offset })
	for _, h := range ml.headers[:j] {
		r.dropRecords(h.xid, upTo)
	}
	ml.headers = append([]header(nil), ml.headers[j:]...)

	r.discards = append(r.discards, DiscardEvent{
		Log:     upTo.Log,
		From:    ml.discard,
		To:      upTo.Offset,
		LastXID: lastXID,
	})
	ml.discard = upTo.Offset
	ml.gen++
	return nil
}

func (r *Registry) dropRecords(xid txn.TransactionID, upTo undo.RecPtr) {
	recs := r.xidRecs[xid]
	kept := recs[:0]
	for _, p := range recs {
		if p.Log != upTo.Log || p.Offset >= upTo.Offset {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		delete(r.xidRecs, xid)
		if r.lastLog[xid] == upTo.Log {
			delete(r.lastLog, xid)
		}
		return
	}
	r.xidRecs[xid] = kept
}

// IsDiscarded reports whether p lies below its log's discard point.
func (r *Registry) IsDiscarded(p undo.RecPtr) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ml, ok := r.logs[p.Log]
	if !ok {
		return false
	}
	return p.Offset < ml.discard
}

// Discards returns the history of physical discards.
func (r *Registry) Discards() []DiscardEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]DiscardEvent(nil), r.discards...)
}

// RecordsOf returns the pointers of xid's records still present, in
// insertion order.
func (r *Registry) RecordsOf(xid txn.TransactionID) []undo.RecPtr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]undo.RecPtr(nil), r.xidRecs[xid]...)
}

// Usage returns the number of undiscarded bytes in log.
func (r *Registry) Usage(log undo.LogNumber) undo.Offset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ml, ok := r.logs[log]; ok {
		return ml.insert - ml.discard
	}
	return 0
}
