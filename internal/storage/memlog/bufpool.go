// Licensed under the MIT License. See LICENSE file in the project root for details.

package memlog

import (
	"bytes"
	"sync"
)

// bufferPool recycles encode buffers across inserts.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, headerSize+64))
			},
		},
	}
}

func (p *bufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

func (p *bufferPool) Put(b *bytes.Buffer) {
	// Oversized buffers are dropped so one large payload does not pin memory
	if b.Cap() > 4*1024 {
		return
	}
	b.Reset()
	p.pool.Put(b)
}
