package wal

import (
	"bufio"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

type ReplayHandler func(*Record) error

// Replay feeds every record in dir to fn in write order and returns the
// last sequence seen. A torn record at the tail of the newest segment is
// the remains of an interrupted append and ends the replay; anywhere else
// it is corruption.
func Replay(dir string, fn ReplayHandler) (lastSeq uint64, err error) {
	idx, err := segments(dir)
	if err != nil {
		return 0, err
	}

	seen := false
	for i, n := range idx {
		f, err := os.Open(segmentPath(dir, n))
		if err != nil {
			return lastSeq, err
		}

		r := bufio.NewReader(f)
		for {
			rec, _, err := readRecord(r)
			if err == io.EOF {
				break
			}
			if errors.Is(err, errTornRecord) && i == len(idx)-1 {
				break
			}
			if err != nil {
				_ = f.Close()
				return lastSeq, errors.Wrapf(err, "segment %d", n)
			}

			if seen && rec.Seq <= lastSeq {
				_ = f.Close()
				return lastSeq, errors.Wrapf(ErrNonMonotonic, "seq %d after %d", rec.Seq, lastSeq)
			}
			seen = true
			lastSeq = rec.Seq

			if err := fn(rec); err != nil {
				_ = f.Close()
				return lastSeq, err
			}
		}
		_ = f.Close()
	}

	return lastSeq, nil
}
