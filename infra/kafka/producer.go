package kafka

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/segmentio/kafka-go"

	"matchcore/domain/tx"
)

// Producer publishes transaction batches. It is used by the feed
// command; the engine only consumes.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *Producer) Send(
	ctx context.Context,
	key []byte,
	value []byte,
) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
	})
}

// SendBatch frames b and publishes it keyed by its last index. The
// topic must have a single partition for batches to stay ordered.
func (p *Producer) SendBatch(ctx context.Context, b tx.Batch) error {
	value, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], b.LastIndex)
	return p.Send(ctx, key[:], value)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
