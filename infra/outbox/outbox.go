package outbox

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"

	"matchcore/domain/funding"
)

var ErrNotFound = errors.New("outbox: not found")

// Outbox is the durable queue of withdrawals awaiting delivery to the
// co-signers. It is written by the engine loop and drained by the relay.
type Outbox struct {
	db  *pebble.DB
	log zerolog.Logger
}

func Open(dir string, log zerolog.Logger) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open outbox")
	}
	return &Outbox{db: db, log: log.With().Str("module", "outbox").Logger()}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Put inserts NEW entries for ws in one synced batch. Entries that
// already exist are left untouched, so replaying a batch after a crash
// does not reset delivery state.
func (o *Outbox) Put(ws []funding.Withdrawal) (added int, err error) {
	if len(ws) == 0 {
		return 0, nil
	}
	b := o.db.NewBatch()
	defer b.Close()

	for _, w := range ws {
		key := KeyOf(w).bytes()
		_, closer, err := o.db.Get(key)
		if err == nil {
			_ = closer.Close()
			continue
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return 0, err
		}
		payload, err := encodeMessage(w)
		if err != nil {
			return 0, err
		}
		if err := b.Set(key, encodeRecord(Record{State: StateNew, Payload: payload}), nil); err != nil {
			return 0, err
		}
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return added, nil
}

// PutNew inserts a single withdrawal and reports whether it was new.
func (o *Outbox) PutNew(w funding.Withdrawal) (bool, error) {
	n, err := o.Put([]funding.Withdrawal{w})
	return n == 1, err
}

// UpdateState updates state after send / ack / failure.
func (o *Outbox) UpdateState(k Key, state State, retries uint32) error {
	rec, err := o.Get(k)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries = retries
	rec.LastAttempt = time.Now().UnixNano()
	return o.db.Set(k.bytes(), encodeRecord(rec), pebble.Sync)
}

func (o *Outbox) Delete(k Key) error {
	return o.db.Delete(k.bytes(), pebble.Sync)
}

func (o *Outbox) Get(k Key) (Record, error) {
	val, closer, err := o.db.Get(k.bytes())
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, errors.Wrapf(ErrNotFound, "%s", k)
	}
	if err != nil {
		return Record{}, err
	}
	defer closer.Close()

	return decodeRecord(val)
}

// ScanByState iterates all records in the given state in key order.
func (o *Outbox) ScanByState(state State, fn func(Key, Record) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if rec.State != state {
			continue
		}
		k, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		if err := fn(k, rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// PurgeAcked removes delivered entries.
func (o *Outbox) PurgeAcked() (int, error) {
	var keys []Key
	if err := o.ScanByState(StateAcked, func(k Key, _ Record) error {
		keys = append(keys, k)
		return nil
	}); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	b := o.db.NewBatch()
	defer b.Close()
	for _, k := range keys {
		if err := b.Delete(k.bytes(), nil); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	o.log.Debug().Int("count", len(keys)).Msg("purged acked withdrawals")
	return len(keys), nil
}
