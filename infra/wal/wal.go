package wal

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

type Config struct {
	Dir             string
	SegmentSize     int64
	SegmentDuration time.Duration
	// NoSync skips the fsync after each append. Tests only.
	NoSync bool
}

// WAL is the append-only journal of admitted batches. Append is durable
// when it returns.
type WAL struct {
	mu sync.Mutex

	dir         string
	segSize     int64
	segDuration time.Duration
	noSync      bool
	log         zerolog.Logger

	current    *segment
	lastRotate time.Time
	lastSeq    uint64
	seen       bool
}

// Open continues the newest segment in cfg.Dir, cutting off a torn tail
// left by a crash.
func Open(cfg Config, log zerolog.Logger) (*WAL, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 64 << 20
	}

	w := &WAL{
		dir:         cfg.Dir,
		segSize:     cfg.SegmentSize,
		segDuration: cfg.SegmentDuration,
		noSync:      cfg.NoSync,
		log:         log.With().Str("module", "wal").Logger(),
		lastRotate:  time.Now(),
	}

	idx, err := segments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	next := 0
	for _, n := range idx {
		info, err := scanSegment(segmentPath(cfg.Dir, n))
		if err != nil {
			return nil, errors.Wrapf(err, "scan segment %d", n)
		}
		if info.records > 0 && (!w.seen || info.maxSeq > w.lastSeq) {
			w.lastSeq, w.seen = info.maxSeq, true
		}
		if info.torn {
			w.log.Warn().Int("segment", n).Int64("valid", info.valid).Msg("truncating torn wal tail")
			if err := os.Truncate(segmentPath(cfg.Dir, n), info.valid); err != nil {
				return nil, err
			}
		}
		next = n
	}

	seg, err := openSegment(cfg.Dir, next)
	if err != nil {
		return nil, err
	}
	w.current = seg
	return w, nil
}

// LastSeq returns the highest sequence in the journal.
func (w *WAL) LastSeq() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq, w.seen
}

func (w *WAL) Append(r *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return ErrClosed
	}
	if w.seen && r.Seq <= w.lastSeq {
		return errors.Wrapf(ErrNonMonotonic, "seq %d after %d", r.Seq, w.lastSeq)
	}

	payloadLen := uint32(len(r.Data))
	buf := make([]byte, headerSize+int(payloadLen)+trailerSize)

	buf[0] = byte(r.Type)
	binary.BigEndian.PutUint64(buf[1:9], r.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(buf[17:21], payloadLen)
	copy(buf[headerSize:], r.Data)

	crc := CRC32(buf[:headerSize+int(payloadLen)])
	binary.BigEndian.PutUint32(buf[headerSize+int(payloadLen):], crc)

	if err := w.current.append(buf); err != nil {
		return err
	}
	if !w.noSync {
		if err := w.current.sync(); err != nil {
			return err
		}
	}
	w.lastSeq, w.seen = r.Seq, true

	if w.shouldRotate() {
		return w.rotate()
	}
	return nil
}

func (w *WAL) shouldRotate() bool {
	if w.current.offset >= w.segSize {
		return true
	}
	return w.segDuration > 0 && time.Since(w.lastRotate) >= w.segDuration
}

func (w *WAL) rotate() error {
	_ = w.current.close()

	seg, err := openSegment(w.dir, w.current.index+1)
	if err != nil {
		w.current = nil
		return err
	}

	w.current = seg
	w.lastRotate = time.Now()
	return nil
}

// TruncateBefore removes closed segments whose records all have
// seq <= seq. The active segment is never removed.
func (w *WAL) TruncateBefore(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx, err := segments(w.dir)
	if err != nil {
		return err
	}

	for _, n := range idx {
		if w.current != nil && n >= w.current.index {
			continue
		}
		path := segmentPath(w.dir, n)
		info, err := scanSegment(path)
		if err != nil {
			w.log.Warn().Err(err).Int("segment", n).Msg("skip unreadable segment")
			continue
		}
		if info.maxSeq <= seq {
			if err := os.Remove(path); err != nil {
				return err
			}
			w.log.Debug().Int("segment", n).Uint64("max_seq", info.maxSeq).Msg("segment removed")
		}
	}
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	err := w.current.close()
	w.current = nil
	return err
}
