package broadcaster

import (
	"context"

	"github.com/rs/zerolog"

	"matchcore/domain/kline"
	"matchcore/domain/orderbook"
	"matchcore/domain/tx"
	"matchcore/infra/memory"
	"matchcore/service"
)

// Sink receives market updates in the order the engine produced them.
type Sink interface {
	OnDepthUpdate(pair tx.Pair, diff orderbook.DepthUpdate) error
	OnKlineUpdate(pair tx.Pair, candles []kline.Candle) error
}

// Notifier decouples the engine loop from the sink. Notify never
// blocks: a full queue overwrites its oldest update.
type Notifier struct {
	queue   *memory.Ring[service.PairUpdate]
	wake    chan struct{}
	sink    Sink
	log     zerolog.Logger
	metrics *Metrics
}

func NewNotifier(size uint64, sink Sink, log zerolog.Logger, metrics *Metrics) *Notifier {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Notifier{
		queue:   memory.NewRing[service.PairUpdate](size),
		wake:    make(chan struct{}, 1),
		sink:    sink,
		log:     log.With().Str("module", "notifier").Logger(),
		metrics: metrics,
	}
}

func (n *Notifier) Notify(u service.PairUpdate) {
	if n.queue.Push(u) {
		n.metrics.NotificationsDropped.Add(1)
	}
	n.metrics.QueueLength.Set(float64(n.queue.Len()))

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is done. Updates still queued at
// shutdown are delivered before Run returns.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		n.drain()
		select {
		case <-ctx.Done():
			n.drain()
			return nil
		case <-n.wake:
		}
	}
}

func (n *Notifier) drain() {
	for {
		u, ok := n.queue.Pop()
		if !ok {
			n.metrics.QueueLength.Set(0)
			return
		}
		n.deliver(u)
	}
}

func (n *Notifier) deliver(u service.PairUpdate) {
	if err := n.sink.OnDepthUpdate(u.Pair, u.Depth); err != nil {
		n.metrics.SinkErrors.Add(1)
		n.log.Warn().Err(err).Stringer("pair", u.Pair).Msg("depth update not delivered")
	}
	if len(u.Candles) > 0 {
		if err := n.sink.OnKlineUpdate(u.Pair, u.Candles); err != nil {
			n.metrics.SinkErrors.Add(1)
			n.log.Warn().Err(err).Stringer("pair", u.Pair).Msg("kline update not delivered")
		}
	}
	n.metrics.NotificationsSent.Add(1)
}
