package wal

import (
	"fmt"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, dir string, segSize int64) *WAL {
	t.Helper()
	w, err := Open(Config{Dir: dir, SegmentSize: segSize, NoSync: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func collect(t *testing.T, dir string) []*Record {
	t.Helper()
	var out []*Record
	_, err := Replay(dir, func(r *Record) error {
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestAppendReplay(t *testing.T) {
	dir := t.TempDir()
	w := open(t, dir, 1<<20)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, w.Append(NewRecord(RecordBatch, i*10, []byte(fmt.Sprintf("batch-%d", i)))))
	}

	recs := collect(t, dir)
	require.Len(t, recs, 5)
	for i, r := range recs {
		assert.Equal(t, RecordBatch, r.Type)
		assert.Equal(t, uint64(i+1)*10, r.Seq)
		assert.Equal(t, fmt.Sprintf("batch-%d", i+1), string(r.Data))
	}
}

func TestAppendRejectsNonMonotonic(t *testing.T) {
	w := open(t, t.TempDir(), 1<<20)
	require.NoError(t, w.Append(NewRecord(RecordBatch, 0, nil)))
	require.NoError(t, w.Append(NewRecord(RecordBatch, 3, nil)))

	err := w.Append(NewRecord(RecordBatch, 3, nil))
	assert.True(t, errors.Is(err, ErrNonMonotonic))

	seq, ok := w.LastSeq()
	assert.True(t, ok)
	assert.Equal(t, uint64(3), seq)
}

func TestReopenContinues(t *testing.T) {
	dir := t.TempDir()
	w := open(t, dir, 64)
	for i := uint64(1); i <= 6; i++ {
		require.NoError(t, w.Append(NewRecord(RecordBatch, i, make([]byte, 40))))
	}
	require.NoError(t, w.Close())

	w = open(t, dir, 64)
	seq, ok := w.LastSeq()
	require.True(t, ok)
	assert.Equal(t, uint64(6), seq)
	assert.True(t, errors.Is(w.Append(NewRecord(RecordBatch, 6, nil)), ErrNonMonotonic))
	require.NoError(t, w.Append(NewRecord(RecordBatch, 7, nil)))

	recs := collect(t, dir)
	require.Len(t, recs, 7)
	assert.Equal(t, uint64(7), recs[6].Seq)
}

func TestRotationAndTruncate(t *testing.T) {
	dir := t.TempDir()
	// each frame is 21+40+4 bytes, so every append rotates
	w := open(t, dir, 64)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, w.Append(NewRecord(RecordBatch, i, make([]byte, 40))))
	}
	idx, err := segments(dir)
	require.NoError(t, err)
	assert.Len(t, idx, 6)

	require.NoError(t, w.TruncateBefore(3))
	recs := collect(t, dir)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(4), recs[0].Seq)

	// the active segment survives any watermark
	require.NoError(t, w.TruncateBefore(100))
	idx, err = segments(dir)
	require.NoError(t, err)
	assert.Len(t, idx, 1)
	require.NoError(t, w.Append(NewRecord(RecordBatch, 6, nil)))
	assert.Len(t, collect(t, dir), 1)
}

func TestTornTailIsCut(t *testing.T) {
	dir := t.TempDir()
	w := open(t, dir, 1<<20)
	require.NoError(t, w.Append(NewRecord(RecordBatch, 1, []byte("one"))))
	require.NoError(t, w.Append(NewRecord(RecordBatch, 2, []byte("two"))))
	require.NoError(t, w.Close())

	path := segmentPath(dir, 0)
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-3))

	recs := collect(t, dir)
	require.Len(t, recs, 1, "replay stops at the torn record")

	w = open(t, dir, 1<<20)
	seq, _ := w.LastSeq()
	assert.Equal(t, uint64(1), seq)
	require.NoError(t, w.Append(NewRecord(RecordBatch, 2, []byte("again"))))

	recs = collect(t, dir)
	require.Len(t, recs, 2)
	assert.Equal(t, "again", string(recs[1].Data))
}

func TestCorruptionDetected(t *testing.T) {
	dir := t.TempDir()
	w := open(t, dir, 1<<20)
	require.NoError(t, w.Append(NewRecord(RecordBatch, 1, []byte("payload"))))
	require.NoError(t, w.Append(NewRecord(RecordBatch, 2, []byte("payload"))))
	require.NoError(t, w.Close())

	path := segmentPath(dir, 0)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[headerSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, err = Replay(dir, func(*Record) error { return nil })
	assert.True(t, errors.Is(err, ErrChecksum))
}

func TestAppendAfterClose(t *testing.T) {
	w := open(t, t.TempDir(), 1<<20)
	require.NoError(t, w.Close())
	assert.True(t, errors.Is(w.Append(NewRecord(RecordBatch, 1, nil)), ErrClosed))
}
