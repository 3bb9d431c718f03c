package orderbook

import (
	"sort"

	"github.com/cockroachdb/errors"

	"matchcore/domain/kline"
	"matchcore/domain/tx"
)

// RestingOrder is the persisted form of a resting order: the admitted
// transaction plus its remaining amount.
type RestingOrder struct {
	Raw       []byte
	Remaining float64
}

// MarketState is a self-contained copy of a market. Orders are sorted by
// (sign-adjusted price, arrival index): buys carry a negated price so
// both sides share one ascending order.
type MarketState struct {
	Pair         tx.Pair
	FirstID      uint64
	FinalID      uint64
	LastUpdateID uint64
	Orders       []RestingOrder
	BidDepth     []Level
	AskDepth     []Level
	PendingBids  []Level
	PendingAsks  []Level
	Candles      []kline.Candle
}

func sortKey(o *Order) float64 {
	if o.Side == Bid {
		return -o.Price
	}
	return o.Price
}

// State copies the market under its lock.
func (m *Market) State() MarketState {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make([]*Order, 0, len(m.orders))
	collect := func(l *PriceLevel) {
		for o := l.Head(); o != nil; o = o.Next() {
			orders = append(orders, o)
		}
	}
	m.bidsWalk(collect)
	m.asksWalk(collect)
	sort.SliceStable(orders, func(i, j int) bool {
		ki, kj := sortKey(orders[i]), sortKey(orders[j])
		if ki != kj {
			return ki < kj
		}
		return orders[i].Index < orders[j].Index
	})

	st := MarketState{
		Pair:         m.Pair,
		FirstID:      m.firstID,
		FinalID:      m.finalID,
		LastUpdateID: m.lastUpdateID,
		Orders:       make([]RestingOrder, len(orders)),
		BidDepth:     sortedLevels(m.depth[Bid], true, 0),
		AskDepth:     sortedLevels(m.depth[Ask], false, 0),
		PendingBids:  sortedLevels(m.pending[Bid], true, 0),
		PendingAsks:  sortedLevels(m.pending[Ask], false, 0),
		Candles:      m.candles.Candles(),
	}
	for i, o := range orders {
		st.Orders[i] = RestingOrder{Raw: o.Raw, Remaining: o.Remaining}
	}
	return st
}

// RestoreMarket rebuilds a market from its state. Balances are not
// touched: holds are part of the ledger state saved alongside.
func RestoreMarket(st MarketState) (*Market, error) {
	m := NewMarket(st.Pair)
	m.firstID = st.FirstID
	m.finalID = st.FinalID
	m.lastUpdateID = st.LastUpdateID

	for _, ro := range st.Orders {
		t, err := tx.Decode(ro.Raw)
		if err != nil {
			return nil, errors.Wrap(err, "resting order")
		}
		o, ok := t.(*tx.Order)
		if !ok {
			return nil, errors.Newf("resting order has op %s", t.Op())
		}
		if o.Pair() != st.Pair {
			return nil, errors.Newf("order %d belongs to %s, not %s", o.Index, o.Pair(), st.Pair)
		}
		if _, dup := m.orders[o.Index]; dup {
			return nil, errors.Wrapf(ErrDuplicateIndex, "index %d", o.Index)
		}
		m.link(newOrder(o, ro.Remaining))
	}

	load := func(dst map[float64]float64, src []Level) {
		for _, l := range src {
			dst[l.Price] = l.Amount
		}
	}
	load(m.depth[Bid], st.BidDepth)
	load(m.depth[Ask], st.AskDepth)
	load(m.pending[Bid], st.PendingBids)
	load(m.pending[Ask], st.PendingAsks)
	m.candles.Load(st.Candles)
	return m, nil
}

// Each calls fn for every resting order, bids first, best price first.
func (m *Market) Each(fn func(Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	visit := func(l *PriceLevel) {
		for o := l.Head(); o != nil; o = o.Next() {
			cp := *o
			cp.level, cp.next, cp.prev = nil, nil, nil
			fn(cp)
		}
	}
	m.bidsWalk(visit)
	m.asksWalk(visit)
}

// Holds returns the balance reserved by resting orders, per token.
func (m *Market) Holds() map[tx.Token]float64 {
	out := make(map[tx.Token]float64, 2)
	m.Each(func(o Order) {
		if o.Side == Bid {
			out[m.Pair.Quote] += o.Remaining * o.Price
		} else {
			out[m.Pair.Base] += o.Remaining
		}
	})
	return out
}
