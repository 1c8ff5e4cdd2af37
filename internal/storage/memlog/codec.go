// Licensed under the MIT License. See LICENSE file in the project root for details.

package memlog

import (
	"bytes"
	"encoding/binary"

	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/kianostad/undodiscard/internal/txn"
	"github.com/pkg/errors"
)

// Record layout, little endian:
//
//	xid u32 | epoch u32 | linked u8 | next log u32 | next offset u64 | prevlen u16 | payload len u16 | payload
const (
	offXID        = 0
	offEpoch      = 4
	offLinked     = 8
	offNextLog    = 9
	offNextOffset = 13
	offPrevLen    = 21
	offPayloadLen = 23
	headerSize    = 25

	// MaxPayload is the largest payload a single record can carry.
	MaxPayload = 0xFFFF - headerSize
)

var errCorrupt = errors.New("corrupt undo record")

func encodeRecord(buf *bytes.Buffer, rec undo.Record) error {
	if len(rec.Payload) > MaxPayload {
		return errors.Errorf("payload of %d bytes exceeds %d", len(rec.Payload), MaxPayload)
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[offXID:], uint32(rec.XID))
	binary.LittleEndian.PutUint32(hdr[offEpoch:], uint32(rec.Epoch))
	putLink(hdr[:], rec.Next)
	binary.LittleEndian.PutUint16(hdr[offPrevLen:], rec.PrevLen)
	binary.LittleEndian.PutUint16(hdr[offPayloadLen:], uint16(len(rec.Payload)))
	buf.Write(hdr[:])
	buf.Write(rec.Payload)
	return nil
}

func putLink(b []byte, l undo.Link) {
	p, ok := l.Ptr()
	if !ok {
		b[offLinked] = 0
		binary.LittleEndian.PutUint32(b[offNextLog:], 0)
		binary.LittleEndian.PutUint64(b[offNextOffset:], 0)
		return
	}
	b[offLinked] = 1
	binary.LittleEndian.PutUint32(b[offNextLog:], uint32(p.Log))
	binary.LittleEndian.PutUint64(b[offNextOffset:], uint64(p.Offset))
}

func decodeRecord(b []byte) (undo.Record, error) {
	if len(b) < headerSize {
		return undo.Record{}, errors.Wrapf(errCorrupt, "%d byte record", len(b))
	}
	n := int(binary.LittleEndian.Uint16(b[offPayloadLen:]))
	if len(b) != headerSize+n {
		return undo.Record{}, errors.Wrapf(errCorrupt, "payload length %d in %d bytes", n, len(b))
	}
	rec := undo.Record{
		XID:     txn.TransactionID(binary.LittleEndian.Uint32(b[offXID:])),
		Epoch:   txn.Epoch(binary.LittleEndian.Uint32(b[offEpoch:])),
		PrevLen: binary.LittleEndian.Uint16(b[offPrevLen:]),
		Payload: bytes.Clone(b[headerSize:]),
	}
	if b[offLinked] != 0 {
		rec.Next = undo.LinkTo(undo.MakeRecPtr(
			undo.LogNumber(binary.LittleEndian.Uint32(b[offNextLog:])),
			undo.Offset(binary.LittleEndian.Uint64(b[offNextOffset:])),
		))
	}
	return rec, nil
}
