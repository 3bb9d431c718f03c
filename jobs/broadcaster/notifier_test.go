package broadcaster

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/cockroachdb/errors"
	"github.com/fortytw2/leaktest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchcore/domain/kline"
	"matchcore/domain/orderbook"
	"matchcore/domain/tx"
	"matchcore/service"
)

var btcUSD = tx.Pair{
	Base:  tx.Token{Chain: tx.ChainOf("BTC"), ID: 1},
	Quote: tx.Token{Chain: tx.ChainOf("USD"), ID: 2},
}

type recordingSink struct {
	mu     sync.Mutex
	depth  []orderbook.DepthUpdate
	klines [][]kline.Candle
	fail   bool
}

func (s *recordingSink) OnDepthUpdate(_ tx.Pair, diff orderbook.DepthUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.depth = append(s.depth, diff)
	return nil
}

func (s *recordingSink) OnKlineUpdate(_ tx.Pair, candles []kline.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.klines = append(s.klines, candles)
	return nil
}

func (s *recordingSink) finalIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, len(s.depth))
	for i, d := range s.depth {
		ids[i] = d.FinalID
	}
	return ids
}

func update(final uint64, candles int) service.PairUpdate {
	u := service.PairUpdate{
		Pair:  btcUSD,
		Depth: orderbook.DepthUpdate{FirstID: final, FinalID: final, PrevFinalID: final - 1},
	}
	for i := 0; i < candles; i++ {
		u.Candles = append(u.Candles, kline.Candle{OpenTime: int64(i) * kline.Interval})
	}
	return u
}

func TestNotifierDropsOldest(t *testing.T) {
	defer leaktest.Check(t)()

	sink := &recordingSink{}
	n := NewNotifier(2, sink, zerolog.Nop(), nil)
	n.Notify(update(1, 0))
	n.Notify(update(2, 1))
	n.Notify(update(3, 2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.finalIDs()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint64{2, 3}, sink.finalIDs())

	n.Notify(update(4, 0))
	require.Eventually(t, func() bool { return len(sink.finalIDs()) == 3 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.klines, 2, "updates without candles publish no kline")
	assert.Len(t, sink.klines[1], 2)
}

func TestNotifierDrainsOnShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	sink := &recordingSink{}
	n := NewNotifier(8, sink, zerolog.Nop(), nil)
	for i := uint64(1); i <= 5; i++ {
		n.Notify(update(i, 1))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, n.Run(ctx))
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, sink.finalIDs())
}

func TestNotifierSurvivesSinkErrors(t *testing.T) {
	sink := &recordingSink{fail: true}
	n := NewNotifier(4, sink, zerolog.Nop(), nil)
	n.Notify(update(1, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, n.Run(ctx))

	assert.Empty(t, sink.finalIDs())
	assert.Len(t, sink.klines, 1, "kline still published after a failed depth send")
}

func TestSaramaSinkEvents(t *testing.T) {
	sp := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	defer func() { require.NoError(t, sp.Close()) }()

	sink := NewSaramaSink(sp, "events")
	sink.now = func() time.Time { return time.UnixMilli(1700000000123) }

	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev map[string]any
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		want := map[string]any{
			"e":  "depthUpdate",
			"E":  1700000000123.0,
			"s":  "BTC:1-USD:2",
			"U":  3.0,
			"u":  5.0,
			"pu": 2.0,
			"b":  []any{[]any{"50", "1.5"}},
			"a":  []any{[]any{"51", "0"}},
		}
		if !assert.ObjectsAreEqual(want, ev) {
			return errors.Newf("depth event %v", ev)
		}
		return nil
	})
	require.NoError(t, sink.OnDepthUpdate(btcUSD, orderbook.DepthUpdate{
		FirstID:     3,
		FinalID:     5,
		PrevFinalID: 2,
		Bids:        []orderbook.Level{{Price: 50, Amount: 1.5}},
		Asks:        []orderbook.Level{{Price: 51, Amount: 0}},
	}))

	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev KlineEvent
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Event != "kline" || ev.Symbol != "BTC:1-USD:2" || len(ev.Candles) != 1 {
			return errors.Newf("kline event %+v", ev)
		}
		if c := ev.Candles[0]; len(c) != 8 || c[2] != "49.5" || c[7] != 3.0 {
			return errors.Newf("candle %v", c)
		}
		return nil
	})
	require.NoError(t, sink.OnKlineUpdate(btcUSD, []kline.Candle{{
		OpenTime: 1699999980000, CloseTime: 1700000039999,
		Open: 49.5, High: 50, Low: 49, Close: 50, Volume: 2, Trades: 3,
	}}))

	sp.ExpectSendMessageAndFail(errBroker)
	assert.ErrorIs(t, sink.OnDepthUpdate(btcUSD, orderbook.DepthUpdate{}), errBroker)
}
