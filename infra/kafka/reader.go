package kafka

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"matchcore/domain/tx"
)

type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Reader is the batch source of the engine. A fetched batch stays
// uncommitted until Commit, so a crash between the two redelivers it and
// the engine's index watermark drops the duplicate.
type Reader struct {
	r       *kafka.Reader
	log     zerolog.Logger
	pending *kafka.Message
}

func NewReader(cfg ReaderConfig, log zerolog.Logger) *Reader {
	return &Reader{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       16 << 20,
			MaxWait:        250 * time.Millisecond,
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		}),
		log: log.With().Str("module", "kafka").Str("topic", cfg.Topic).Logger(),
	}
}

// NextBatch blocks until a batch arrives. Frames that fail to parse are
// committed and skipped.
func (r *Reader) NextBatch(ctx context.Context) (tx.Batch, error) {
	for {
		m, err := r.r.FetchMessage(ctx)
		if err != nil {
			return tx.Batch{}, err
		}
		var b tx.Batch
		if err := b.UnmarshalBinary(m.Value); err != nil {
			r.log.Error().Err(err).Int64("offset", m.Offset).Msg("dropping malformed batch frame")
			if err := r.r.CommitMessages(ctx, m); err != nil {
				return tx.Batch{}, errors.Wrap(err, "commit malformed frame")
			}
			continue
		}
		r.pending = &m
		return b, nil
	}
}

// Commit acknowledges the batch returned by the last NextBatch.
func (r *Reader) Commit(ctx context.Context) error {
	if r.pending == nil {
		return nil
	}
	if err := r.r.CommitMessages(ctx, *r.pending); err != nil {
		return err
	}
	r.pending = nil
	return nil
}

func (r *Reader) Close() error {
	return r.r.Close()
}
