package snapshot

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

const pebblePrefix = "snapshot/"

// PebbleStore keeps snapshots in a pebble database, keyed by
// "snapshot/" + big-endian index so iteration order is index order.
type PebbleStore struct {
	db     *pebble.DB
	retain int
}

func OpenPebbleStore(dir string, retain int) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot store")
	}
	return &PebbleStore{db: db, retain: retain}, nil
}

func pebbleKey(index uint64) []byte {
	k := make([]byte, len(pebblePrefix)+8)
	copy(k, pebblePrefix)
	binary.BigEndian.PutUint64(k[len(pebblePrefix):], index)
	return k
}

func (s *PebbleStore) iter() (*pebble.Iterator, error) {
	upper := []byte(pebblePrefix)
	upper[len(upper)-1]++
	return s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebblePrefix),
		UpperBound: upper,
	})
}

func (s *PebbleStore) Save(index uint64, blob []byte) error {
	if err := s.db.Set(pebbleKey(index), blob, pebble.Sync); err != nil {
		return errors.Wrapf(err, "write snapshot %d", index)
	}
	return s.prune()
}

func (s *PebbleStore) Latest() (uint64, []byte, error) {
	it, err := s.iter()
	if err != nil {
		return 0, nil, err
	}
	defer it.Close()

	if !it.Last() {
		if err := it.Error(); err != nil {
			return 0, nil, err
		}
		return 0, nil, ErrNoSnapshot
	}
	index := binary.BigEndian.Uint64(it.Key()[len(pebblePrefix):])
	blob := append([]byte(nil), it.Value()...)
	return index, blob, it.Error()
}

func (s *PebbleStore) prune() error {
	if s.retain <= 0 {
		return nil
	}
	it, err := s.iter()
	if err != nil {
		return err
	}
	var keys [][]byte
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	if err := it.Close(); err != nil {
		return err
	}
	if len(keys) <= s.retain {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, k := range keys[:len(keys)-s.retain] {
		if err := b.Delete(k, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
