package broadcaster

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"matchcore/infra/outbox"
)

// Store is the slice of the withdrawal outbox the relay needs.
type Store interface {
	ScanByState(state outbox.State, fn func(outbox.Key, outbox.Record) error) error
	UpdateState(k outbox.Key, state outbox.State, retries uint32) error
	PurgeAcked() (int, error)
}

type Config struct {
	Topic    string
	Interval time.Duration
	// MaxRetries moves a withdrawal to FAILED after that many failed
	// sends. Zero retries forever.
	MaxRetries uint32
	// PurgeAcked drops delivered entries after every pass.
	PurgeAcked bool
}

// Broadcaster relays withdrawals from the outbox to the co-signers.
// Delivery is at-least-once: a crash between send and ack resends the
// entry, and consumers dedupe on the message key.
type Broadcaster struct {
	store    Store
	producer sarama.SyncProducer
	cfg      Config
	log      zerolog.Logger
	metrics  *Metrics
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

func New(
	store Store,
	producer sarama.SyncProducer,
	cfg Config,
	log zerolog.Logger,
	metrics *Metrics,
) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Broadcaster{
		store:    store,
		producer: producer,
		cfg:      cfg,
		log:      log.With().Str("module", "broadcaster").Logger(),
		metrics:  metrics,
	}
}

// NewProducer dials brokers with the settings both the relay and the
// event sink rely on: every send waits for all in-sync replicas.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "kafka producer")
	}
	return producer, nil
}

// ------------------------------------------------
// LOOP
// ------------------------------------------------

func (b *Broadcaster) Run(ctx context.Context) error {
	b.log.Info().Str("topic", b.cfg.Topic).Dur("interval", b.cfg.Interval).Msg("broadcaster started")

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if _, err := b.RelayOnce(); err != nil {
				b.log.Error().Err(err).Msg("relay pass failed")
			}
		}
	}
}

// ------------------------------------------------
// RELAY LOGIC (CRITICAL)
// ------------------------------------------------

type pending struct {
	key outbox.Key
	rec outbox.Record
}

// RelayOnce makes one pass over undelivered withdrawals. SENT entries
// are retried too: they are what a crash mid-send leaves behind.
func (b *Broadcaster) RelayOnce() (sent int, err error) {
	var queue []pending
	collect := func(k outbox.Key, rec outbox.Record) error {
		queue = append(queue, pending{key: k, rec: rec})
		return nil
	}
	if err := b.store.ScanByState(outbox.StateNew, collect); err != nil {
		return 0, errors.Wrap(err, "scan new")
	}
	if err := b.store.ScanByState(outbox.StateSent, collect); err != nil {
		return 0, errors.Wrap(err, "scan sent")
	}

	for _, p := range queue {
		// 1️⃣ Mark SENT (idempotent)
		if err := b.store.UpdateState(p.key, outbox.StateSent, p.rec.Retries); err != nil {
			return sent, err
		}

		// 2️⃣ Publish to Kafka
		msg := &sarama.ProducerMessage{
			Topic: b.cfg.Topic,
			Key:   sarama.StringEncoder(p.key.String()),
			Value: sarama.ByteEncoder(p.rec.Payload),
		}
		if _, _, err := b.producer.SendMessage(msg); err != nil {
			if err := b.fail(p, err); err != nil {
				return sent, err
			}
			continue
		}

		// 3️⃣ Mark ACKED
		if err := b.store.UpdateState(p.key, outbox.StateAcked, p.rec.Retries); err != nil {
			return sent, err
		}
		sent++
		b.metrics.WithdrawalsSent.Add(1)
	}

	if b.cfg.PurgeAcked && sent > 0 {
		if _, err := b.store.PurgeAcked(); err != nil {
			return sent, errors.Wrap(err, "purge acked")
		}
	}
	return sent, nil
}

func (b *Broadcaster) fail(p pending, cause error) error {
	retries := p.rec.Retries + 1
	state := outbox.StateSent
	if b.cfg.MaxRetries > 0 && retries >= b.cfg.MaxRetries {
		state = outbox.StateFailed
		b.metrics.WithdrawalFailures.Add(1)
	}
	b.log.Warn().
		Err(cause).
		Str("withdrawal", p.key.String()).
		Uint32("retries", retries).
		Stringer("state", state).
		Msg("withdrawal send failed")
	return b.store.UpdateState(p.key, state, retries)
}

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
