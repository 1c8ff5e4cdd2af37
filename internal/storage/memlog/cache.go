// Licensed under the MIT License. See LICENSE file in the project root for details.

package memlog

import (
	"bytes"
	"strconv"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/pkg/errors"
)

// recordCache caches decoded records. Keys carry the log generation, which
// is bumped whenever an existing record of the log changes or disappears,
// so a stale entry is simply never looked up again. A nil cache is valid
// and caches nothing.
type recordCache struct {
	c *ristretto.Cache[string, undo.Record]
}

func newRecordCache(entries int64) (*recordCache, error) {
	if entries <= 0 {
		return nil, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, undo.Record]{
		NumCounters: entries * 10,
		MaxCost:     entries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create record cache")
	}
	return &recordCache{c: c}, nil
}

func cacheKey(p undo.RecPtr, gen uint64) string {
	b := make([]byte, 0, 32)
	b = strconv.AppendUint(b, uint64(p.Log), 10)
	b = append(b, '/')
	b = strconv.AppendUint(b, uint64(p.Offset), 10)
	b = append(b, '@')
	b = strconv.AppendUint(b, gen, 10)
	return string(b)
}

func (rc *recordCache) get(p undo.RecPtr, gen uint64) (undo.Record, bool) {
	if rc == nil {
		return undo.Record{}, false
	}
	rec, ok := rc.c.Get(cacheKey(p, gen))
	if !ok {
		return undo.Record{}, false
	}
	rec.Payload = bytes.Clone(rec.Payload)
	return rec, true
}

func (rc *recordCache) set(p undo.RecPtr, gen uint64, rec undo.Record) {
	if rc == nil {
		return
	}
	rec.Payload = bytes.Clone(rec.Payload)
	rc.c.Set(cacheKey(p, gen), rec, 1)
}

func (rc *recordCache) close() {
	if rc == nil {
		return
	}
	rc.c.Close()
}
