package snapshot

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/creachadair/atomicfile"
)

// Store keeps snapshot blobs keyed by the arrival index they cover.
type Store interface {
	Save(index uint64, blob []byte) error
	// Latest returns the newest blob or ErrNoSnapshot.
	Latest() (index uint64, blob []byte, err error)
	Close() error
}

// FileStore writes one file per snapshot. Files are replaced atomically
// so a crash mid-write never leaves a truncated snapshot behind.
type FileStore struct {
	Dir string
	// Retain is how many snapshots to keep; 0 keeps all.
	Retain int
}

const (
	filePrefix = "snapshot-"
	fileSuffix = ".bin"
)

func NewFileStore(dir string, retain int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{Dir: dir, Retain: retain}, nil
}

func (s *FileStore) path(index uint64) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s%020d%s", filePrefix, index, fileSuffix))
}

func (s *FileStore) Save(index uint64, blob []byte) error {
	if _, err := atomicfile.WriteAll(s.path(index), bytes.NewReader(blob), 0o644); err != nil {
		return errors.Wrapf(err, "write snapshot %d", index)
	}
	return s.prune()
}

func (s *FileStore) list() ([]uint64, error) {
	files, err := filepath.Glob(filepath.Join(s.Dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(files))
	for _, f := range files {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(f), filePrefix), fileSuffix)
		idx, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *FileStore) Latest() (uint64, []byte, error) {
	idx, err := s.list()
	if err != nil {
		return 0, nil, err
	}
	if len(idx) == 0 {
		return 0, nil, ErrNoSnapshot
	}
	last := idx[len(idx)-1]
	blob, err := os.ReadFile(s.path(last))
	if err != nil {
		return 0, nil, err
	}
	return last, blob, nil
}

func (s *FileStore) prune() error {
	if s.Retain <= 0 {
		return nil
	}
	idx, err := s.list()
	if err != nil {
		return err
	}
	for len(idx) > s.Retain {
		if err := os.Remove(s.path(idx[0])); err != nil {
			return err
		}
		idx = idx[1:]
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
