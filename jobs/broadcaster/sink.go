package broadcaster

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"

	"matchcore/domain/kline"
	"matchcore/domain/orderbook"
	"matchcore/domain/tx"
)

// DepthEvent is the published form of a depth diff. Levels are
// [price, amount] pairs; amount "0" removes the level.
type DepthEvent struct {
	Event     string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	FirstID   uint64      `json:"U"`
	FinalID   uint64      `json:"u"`
	PrevFinal uint64      `json:"pu"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

// KlineEvent carries the newest candles of a pair as
// [open time, close time, open, high, low, close, volume, trades].
type KlineEvent struct {
	Event     string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	Candles   [][]any `json:"k"`
}

// SaramaSink publishes market events as JSON keyed by pair, so every
// pair stays ordered within its partition.
type SaramaSink struct {
	producer sarama.SyncProducer
	topic    string
	now      func() time.Time
}

func NewSaramaSink(producer sarama.SyncProducer, topic string) *SaramaSink {
	return &SaramaSink{producer: producer, topic: topic, now: time.Now}
}

func (s *SaramaSink) OnDepthUpdate(pair tx.Pair, diff orderbook.DepthUpdate) error {
	return s.publish(pair, DepthEvent{
		Event:     "depthUpdate",
		EventTime: s.now().UnixMilli(),
		Symbol:    pair.String(),
		FirstID:   diff.FirstID,
		FinalID:   diff.FinalID,
		PrevFinal: diff.PrevFinalID,
		Bids:      levels(diff.Bids),
		Asks:      levels(diff.Asks),
	})
}

func (s *SaramaSink) OnKlineUpdate(pair tx.Pair, candles []kline.Candle) error {
	ev := KlineEvent{
		Event:     "kline",
		EventTime: s.now().UnixMilli(),
		Symbol:    pair.String(),
		Candles:   make([][]any, 0, len(candles)),
	}
	for _, c := range candles {
		ev.Candles = append(ev.Candles, []any{
			c.OpenTime, c.CloseTime,
			num(c.Open), num(c.High), num(c.Low), num(c.Close), num(c.Volume),
			c.Trades,
		})
	}
	return s.publish(pair, ev)
}

func (s *SaramaSink) publish(pair tx.Pair, ev any) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(pair.String()),
		Value: sarama.ByteEncoder(value),
	})
	return err
}

func (s *SaramaSink) Close() error {
	return s.producer.Close()
}

func levels(src []orderbook.Level) [][2]string {
	out := make([][2]string, len(src))
	for i, l := range src {
		out[i] = [2]string{num(l.Price), num(l.Amount)}
	}
	return out
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
