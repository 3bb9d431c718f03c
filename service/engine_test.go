package service

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchcore/domain/orderbook"
	"matchcore/domain/tx"
)

var (
	btc   = tx.Token{Chain: tx.ChainOf("BTC"), ID: 1}
	usd   = tx.Token{Chain: tx.ChainOf("USD"), ID: 2}
	pair  = tx.Pair{Base: btc, Quote: usd}
	alice = tx.PublicKey{0x02, 0xa}
	bob   = tx.PublicKey{0x02, 0xb}
	carol = tx.PublicKey{0x02, 0xc}
)

// harness drives an engine with consecutive arrival indexes and
// contiguous deposit block ranges.
type harness struct {
	t      *testing.T
	e      *Engine
	index  uint64
	blocks map[tx.Chain]uint64
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	opts.StrictInvariants = true
	opts.Logger = zerolog.Nop()
	h := &harness{t: t, e: New(opts), blocks: make(map[tx.Chain]uint64)}
	for c, b := range opts.Watermarks {
		h.blocks[c] = b
	}
	return h
}

func (h *harness) next() uint64 {
	h.index++
	return h.index
}

func (h *harness) apply(txs ...tx.Tx) Report {
	h.t.Helper()
	rep := h.e.Apply(h.next(), txs)
	require.False(h.t, rep.Replayed)
	require.Len(h.t, rep.Statuses, len(txs))
	return rep
}

func (h *harness) deposit(token tx.Token, pub tx.PublicKey, amount float64) *tx.Deposit {
	from := h.blocks[token.Chain] + 1
	h.blocks[token.Chain] = from
	d := &tx.Deposit{
		Chain: token.Chain,
		From:  from,
		To:    from,
		Entries: []tx.DepositEntry{
			{TokenID: token.ID, Amount: amount, Time: 1700000000, Public: pub},
		},
		Index: h.next(),
	}
	d.Raw = tx.EncodeDeposit(d)
	return d
}

func (h *harness) fund(token tx.Token, pub tx.PublicKey, amount float64) {
	h.t.Helper()
	rep := h.apply(h.deposit(token, pub, amount))
	require.Equal(h.t, []Status{StatusOK}, rep.Statuses)
}

func (h *harness) order(side tx.Op, pub tx.PublicKey, amount, price float64) *tx.Order {
	o := &tx.Order{
		Side:   side,
		Base:   btc,
		Quote:  usd,
		Amount: amount,
		Price:  price,
		Time:   1700000060,
		Nonce:  h.e.Nonce(pub),
		Public: pub,
		Index:  h.next(),
	}
	o.Raw = tx.EncodeOrder(o)
	return o
}

func (h *harness) withdraw(pub tx.PublicKey, token tx.Token, amount float64, nonce uint32) *tx.Withdraw {
	w := &tx.Withdraw{
		Token:  token,
		Amount: amount,
		Dest:   tx.Address{0xde, 0xad},
		Time:   1700000100,
		Nonce:  nonce,
		Public: pub,
	}
	w.Raw = tx.EncodeWithdraw(w)
	return w
}

func cancelOf(o *tx.Order) *tx.Cancel {
	c := &tx.Cancel{Slice: o.Slice(), Public: o.Public}
	c.Raw = tx.EncodeCancel(c)
	return c
}

func TestScenarioRestingBuy(t *testing.T) {
	h := newHarness(t, Options{})
	h.fund(usd, alice, 100)

	rep := h.apply(h.order(tx.OpBuy, alice, 1, 50))
	require.Equal(t, []Status{StatusOK}, rep.Statuses)
	assert.Empty(t, rep.Trades)
	assert.Equal(t, []tx.Pair{pair}, rep.Pairs())
	assert.Equal(t, []orderbook.Level{{Price: 50, Amount: 1}}, rep.Updates[0].Depth.Bids)

	assert.Equal(t, 50.0, h.e.Balance(usd, alice))
	assert.Equal(t, uint32(1), h.e.Nonce(alice))

	book := h.e.Depth(pair, 10)
	assert.Equal(t, []orderbook.Level{{Price: 50, Amount: 1}}, book.Bids)
	assert.Empty(t, book.Asks)
}

func TestScenarioCrossAtMakerPrice(t *testing.T) {
	h := newHarness(t, Options{})
	h.fund(usd, alice, 100)
	h.fund(btc, bob, 1)
	h.apply(h.order(tx.OpBuy, alice, 1, 50))

	rep := h.apply(h.order(tx.OpSell, bob, 1, 40))
	require.Equal(t, []Status{StatusOK}, rep.Statuses)
	require.Len(t, rep.Trades, 1)
	assert.Equal(t, 50.0, rep.Trades[0].Price)

	assert.Equal(t, 50.0, h.e.Balance(usd, bob))
	assert.Equal(t, 1.0, h.e.Balance(btc, alice))
	assert.Equal(t, 50.0, h.e.Balance(usd, alice))
	assert.Zero(t, h.e.Balance(btc, bob))

	book := h.e.Depth(pair, 10)
	assert.Empty(t, book.Bids)
	assert.Empty(t, book.Asks)

	up := rep.Updates[0]
	assert.Equal(t, []orderbook.Level{{Price: 50, Amount: 0}}, up.Depth.Bids)
	require.Len(t, up.Candles, 1)
	assert.Equal(t, 50.0, up.Candles[0].Close)

	for _, a := range h.e.Accounts() {
		require.Len(t, a.Trades, 1, a.Public.Hex())
		assert.Empty(t, a.Orders, "filled maker leaves the open order index")
	}
}

func TestScenarioDepositGap(t *testing.T) {
	h := newHarness(t, Options{Watermarks: map[tx.Chain]uint64{btc.Chain: 8}})

	d := &tx.Deposit{
		Chain:   btc.Chain,
		From:    10,
		To:      12,
		Entries: []tx.DepositEntry{{TokenID: btc.ID, Amount: 3, Time: 1, Public: alice}},
	}
	rep := h.apply(d)
	assert.Equal(t, []Status{StatusBadBlockRange}, rep.Statuses)
	assert.Equal(t, uint64(8), h.e.Watermark(btc.Chain))
	assert.Zero(t, h.e.Balance(btc, alice))
	_, known := h.e.UserID(alice)
	assert.False(t, known)

	d.From = 9
	rep = h.apply(d)
	assert.Equal(t, []Status{StatusOK}, rep.Statuses)
	assert.Equal(t, uint64(12), h.e.Watermark(btc.Chain))
	assert.Equal(t, 3.0, h.e.Balance(btc, alice))

	d.From, d.To = 13, 12
	rep = h.apply(d)
	assert.Equal(t, []Status{StatusBadBlockRange}, rep.Statuses, "inverted range")
}

func TestScenarioCancelUnknownOrder(t *testing.T) {
	h := newHarness(t, Options{})
	h.fund(usd, alice, 100)
	h.apply(h.order(tx.OpBuy, alice, 1, 50))

	ghost := h.order(tx.OpBuy, alice, 2, 50)
	rep := h.apply(cancelOf(ghost))
	assert.Equal(t, []Status{StatusUnknownOrder}, rep.Statuses)
	assert.Equal(t, 50.0, h.e.Balance(usd, alice))
	assert.Empty(t, rep.Updates)
}

func TestScenarioWithdrawStaleNonce(t *testing.T) {
	h := newHarness(t, Options{})
	h.fund(btc, alice, 10)
	rep := h.apply(h.withdraw(alice, btc, 1, 0), h.withdraw(alice, btc, 1, 1))
	require.Equal(t, []Status{StatusOK, StatusOK}, rep.Statuses)
	require.Equal(t, uint32(2), h.e.Nonce(alice))

	rep = h.apply(h.withdraw(alice, btc, 1, 3))
	assert.Equal(t, []Status{StatusStaleNonce}, rep.Statuses)
	assert.Equal(t, 8.0, h.e.Balance(btc, alice))
	assert.Len(t, h.e.Withdrawals(btc.Chain, alice), 2)
	assert.Empty(t, rep.Withdrawals)
	assert.Equal(t, uint32(2), h.e.Nonce(alice))
}

func TestWithdraw(t *testing.T) {
	h := newHarness(t, Options{})
	h.fund(btc, alice, 2)

	rep := h.apply(
		h.withdraw(alice, btc, 0, 0),
		h.withdraw(alice, btc, -1, 0),
		h.withdraw(alice, btc, 5, 0),
		h.withdraw(alice, tx.Token{Chain: tx.ChainOf("btc"), ID: 1}, 0.5, 0),
		h.withdraw(alice, btc, 1.5, 1),
	)
	assert.Equal(t, []Status{StatusInvalid, StatusInvalid, StatusInsufficientFunds, StatusOK, StatusOK}, rep.Statuses)
	assert.Zero(t, h.e.Balance(btc, alice))

	list := h.e.Withdrawals(btc.Chain, alice)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(0), list[0].Nonce)
	assert.Equal(t, uint64(1), list[1].Nonce)
	assert.Equal(t, btc, list[0].Token, "chain is canonical")
	assert.Equal(t, list, rep.Withdrawals)
}

func TestPartialFillThenCancel(t *testing.T) {
	h := newHarness(t, Options{})
	h.fund(btc, alice, 3)
	h.fund(usd, bob, 100)

	ask := h.order(tx.OpSell, alice, 3, 20)
	h.apply(ask)
	rep := h.apply(h.order(tx.OpBuy, bob, 1, 25))
	require.Len(t, rep.Trades, 1)
	assert.Equal(t, 80.0, h.e.Balance(usd, bob), "refunded the price improvement")

	nonce := h.e.Nonce(alice)
	rep = h.apply(cancelOf(ask))
	require.Equal(t, []Status{StatusOK}, rep.Statuses)
	assert.Equal(t, 2.0, h.e.Balance(btc, alice))
	assert.Equal(t, 20.0, h.e.Balance(usd, alice))
	assert.Equal(t, nonce, h.e.Nonce(alice), "cancel carries no nonce")
	assert.Equal(t, []orderbook.Level{{Price: 20, Amount: 0}}, rep.Updates[0].Depth.Asks)

	rep = h.apply(cancelOf(ask))
	assert.Equal(t, []Status{StatusUnknownOrder}, rep.Statuses)
}

func TestCancelNeedsOwner(t *testing.T) {
	h := newHarness(t, Options{})
	h.fund(btc, alice, 1)
	ask := h.order(tx.OpSell, alice, 1, 20)
	h.apply(ask)

	c := cancelOf(ask)
	c.Public = bob
	rep := h.apply(c)
	assert.Equal(t, []Status{StatusUnknownOrder}, rep.Statuses)
	assert.Equal(t, 1, h.e.Market(pair).Len())
}

func TestNonceConsumedOnlyOnSuccess(t *testing.T) {
	h := newHarness(t, Options{})
	h.fund(usd, alice, 10)

	rep := h.apply(h.order(tx.OpBuy, alice, 1, 50))
	assert.Equal(t, []Status{StatusInsufficientFunds}, rep.Statuses)
	assert.Zero(t, h.e.Nonce(alice))
	assert.Empty(t, h.e.Pairs(), "a rejected order leaves no market behind")

	bad := h.order(tx.OpBuy, alice, 0, 5)
	rep = h.apply(bad)
	assert.Equal(t, []Status{StatusInvalid}, rep.Statuses)

	stale := h.order(tx.OpBuy, alice, 1, 5)
	stale.Nonce = 7
	rep = h.apply(stale)
	assert.Equal(t, []Status{StatusStaleNonce}, rep.Statuses)

	rep = h.apply(h.order(tx.OpBuy, alice, 1, 5))
	assert.Equal(t, []Status{StatusOK}, rep.Statuses)
	assert.Equal(t, uint32(1), h.e.Nonce(alice))
}

func TestRegisterIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	rep := h.apply(&tx.Register{Public: bob}, &tx.Register{Public: bob})
	assert.Equal(t, []Status{StatusOK, StatusOK}, rep.Statuses)

	id, ok := h.e.UserID(bob)
	require.True(t, ok)
	assert.Equal(t, uint64(1), id)
	assert.Zero(t, h.e.Nonce(bob))

	h.fund(usd, carol, 1)
	id, _ = h.e.UserID(carol)
	assert.Equal(t, uint64(2), id)
	pub, ok := h.e.PublicOf(2)
	require.True(t, ok)
	assert.Equal(t, carol, pub)
}

func TestBatchIsAppliedOnce(t *testing.T) {
	h := newHarness(t, Options{})
	d := h.deposit(usd, alice, 5)
	rep := h.e.Apply(10, []tx.Tx{d, nil})
	assert.Equal(t, []Status{StatusOK, StatusSkipped}, rep.Statuses)

	rep = h.e.Apply(10, []tx.Tx{d})
	assert.True(t, rep.Replayed)
	rep = h.e.Apply(9, []tx.Tx{d})
	assert.True(t, rep.Replayed)
	assert.Equal(t, 5.0, h.e.Balance(usd, alice))

	last, ok := h.e.LastIndex()
	require.True(t, ok)
	assert.Equal(t, uint64(10), last)
}

func TestChainCodeIsCaseInsensitive(t *testing.T) {
	h := newHarness(t, Options{})
	h.fund(usd, alice, 100)

	o := h.order(tx.OpBuy, alice, 1, 10)
	o.Base = tx.Token{Chain: tx.ChainOf("btc"), ID: 1}
	o.Raw = tx.EncodeOrder(o)
	rep := h.apply(o)
	require.Equal(t, []Status{StatusOK}, rep.Statuses)
	assert.Equal(t, []tx.Pair{pair}, h.e.Pairs())
	assert.Equal(t, 1.0, h.e.Depth(tx.Pair{Base: o.Base, Quote: usd}, 0).Bids[0].Amount)
}

func TestSamePairTokensRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.fund(usd, alice, 100)
	o := h.order(tx.OpBuy, alice, 1, 10)
	o.Base = usd
	o.Raw = tx.EncodeOrder(o)
	assert.Equal(t, []Status{StatusInvalid}, h.apply(o).Statuses)
}

func TestInvariantViolation(t *testing.T) {
	h := newHarness(t, Options{})
	h.fund(btc, alice, 1)
	ask := h.order(tx.OpSell, alice, 1, 20)
	// index entry with no resting order behind it
	h.e.accounts.AddOrder(alice, ask.Slice(), ask.Index)

	assert.Panics(t, func() { h.e.Apply(h.next(), []tx.Tx{cancelOf(ask)}) })

	lenient := New(Options{Logger: zerolog.Nop()})
	lenient.accounts.AddOrder(alice, ask.Slice(), ask.Index)
	rep := lenient.Apply(1, []tx.Tx{cancelOf(ask), &tx.Register{Public: bob}})
	assert.Equal(t, []Status{StatusInvalid, StatusOK}, rep.Statuses, "one bad transaction never aborts the batch")
}

func TestTradeHistoryExpires(t *testing.T) {
	h := newHarness(t, Options{TradeTTL: 100})
	h.fund(usd, alice, 1000)
	h.fund(btc, bob, 10)

	early := h.order(tx.OpBuy, alice, 1, 10)
	early.Time = 1000
	early.Raw = tx.EncodeOrder(early)
	h.apply(early)
	sell := h.order(tx.OpSell, bob, 1, 10)
	sell.Time = 1000
	sell.Raw = tx.EncodeOrder(sell)
	h.apply(sell)

	late := h.order(tx.OpBuy, alice, 1, 10)
	late.Time = 1200
	late.Raw = tx.EncodeOrder(late)
	h.apply(late)
	sell = h.order(tx.OpSell, bob, 1, 10)
	sell.Time = 1200
	sell.Raw = tx.EncodeOrder(sell)
	h.apply(sell)

	for _, a := range h.e.Accounts() {
		require.Len(t, a.Trades, 1)
		assert.Equal(t, uint32(1200), a.Trades[0].Time)
	}
	assert.Len(t, h.e.Candles(pair), 2)
}

func TestSnapshotRestore(t *testing.T) {
	h := newHarness(t, Options{})
	h.fund(usd, alice, 100)
	h.fund(btc, bob, 5)
	bid := h.order(tx.OpBuy, alice, 1, 50)
	h.apply(bid)
	h.apply(h.order(tx.OpBuy, alice, 1, 49))
	h.apply(h.order(tx.OpSell, bob, 0.5, 48))
	h.apply(h.order(tx.OpSell, bob, 1, 55))
	h.apply(h.withdraw(bob, btc, 1, h.e.Nonce(bob)))

	blob := h.e.Serialize()
	restored := New(Options{StrictInvariants: true, Logger: zerolog.Nop()})
	require.NoError(t, restored.Restore(blob))
	assert.Equal(t, blob, restored.Serialize())

	assert.Equal(t, h.e.Balance(usd, alice), restored.Balance(usd, alice))
	assert.Equal(t, h.e.Nonce(bob), restored.Nonce(bob))
	assert.Equal(t, h.e.Depth(pair, 0), restored.Depth(pair, 0))
	assert.Equal(t, h.e.Withdrawals(btc.Chain, bob), restored.Withdrawals(btc.Chain, bob))
	last, _ := restored.LastIndex()
	assert.Equal(t, h.index, last)

	// the open order index came back: the partially filled bid cancels
	rep := restored.Apply(h.next(), []tx.Tx{cancelOf(bid)})
	assert.Equal(t, []Status{StatusOK}, rep.Statuses)

	nonce := restored.Nonce(bob)
	assert.Equal(t, uint32(3), nonce)
	assert.Error(t, restored.Restore([]byte("garbage")))
	assert.Equal(t, nonce, restored.Nonce(bob), "failed restore changes nothing")
}

func TestSupplyCountsHolds(t *testing.T) {
	h := newHarness(t, Options{})
	h.fund(usd, alice, 100)
	h.apply(h.order(tx.OpBuy, alice, 1, 30))
	assert.Equal(t, 70.0, h.e.Balance(usd, alice))
	assert.Equal(t, 100.0, h.e.Supply(usd))
}
