package tx

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Batch is an ordered group of raw transactions delivered by the
// sequencer. LastIndex is the arrival index of the final transaction.
type Batch struct {
	LastIndex uint64
	Txs       [][]byte
}

// ErrBatch reports a malformed batch frame.
var ErrBatch = errors.New("tx: malformed batch")

// Frame: [lastIndex:8][count:4] then count × [len:4][raw]
func (b Batch) MarshalBinary() ([]byte, error) {
	size := 12
	for _, t := range b.Txs {
		size += 4 + len(t)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint64(buf[0:8], b.LastIndex)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(b.Txs)))

	off := 12
	for _, t := range b.Txs {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(t)))
		off += 4
		off += copy(buf[off:], t)
	}
	return buf, nil
}

func (b *Batch) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return errors.Wrap(ErrBatch, "header")
	}
	b.LastIndex = binary.BigEndian.Uint64(data[0:8])
	count := binary.BigEndian.Uint32(data[8:12])

	// every entry needs at least its length prefix
	if uint64(count)*4 > uint64(len(data)-12) {
		return errors.Wrapf(ErrBatch, "count %d", count)
	}

	b.Txs = make([][]byte, 0, count)
	off := 12
	for i := uint32(0); i < count; i++ {
		if off+4 > len(data) {
			return errors.Wrapf(ErrBatch, "entry %d length", i)
		}
		l := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if l > len(data)-off {
			return errors.Wrapf(ErrBatch, "entry %d body", i)
		}
		raw := make([]byte, l)
		copy(raw, data[off:off+l])
		b.Txs = append(b.Txs, raw)
		off += l
	}
	if off != len(data) {
		return errors.Wrap(ErrBatch, "trailing bytes")
	}
	return nil
}
