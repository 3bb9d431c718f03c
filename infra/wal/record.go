package wal

import (
	"time"

	"github.com/cockroachdb/errors"
)

type RecordType uint8

const (
	// RecordBatch carries one framed transaction batch; Seq is the
	// batch's last arrival index.
	RecordBatch RecordType = iota + 1
)

// Frame:
// [type:1][seq:8][time:8][len:4][payload][crc:4]
const (
	headerSize  = 21
	trailerSize = 4
)

var (
	ErrChecksum     = errors.New("wal: checksum mismatch")
	ErrNonMonotonic = errors.New("wal: non-monotonic sequence")
	ErrClosed       = errors.New("wal: closed")
	errTornRecord   = errors.New("wal: torn record")
)

type Record struct {
	Type RecordType
	Seq  uint64
	Time int64
	Data []byte
}

func NewRecord(t RecordType, seq uint64, data []byte) *Record {
	return &Record{
		Type: t,
		Seq:  seq,
		Time: time.Now().UnixNano(),
		Data: data,
	}
}
