package orderbook

import (
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"matchcore/domain/kline"
	"matchcore/domain/tx"
)

// Epsilon is the tolerance below which aggregated depth is resynced from
// the resting orders. It is never used for balance decisions.
const Epsilon = 1e-8

var (
	ErrInvalidOrder      = errors.New("orderbook: invalid amount or price")
	ErrInsufficientFunds = errors.New("orderbook: insufficient funds")
	ErrDuplicateIndex    = errors.New("orderbook: duplicate arrival index")
	ErrUnknownOrder      = errors.New("orderbook: unknown order")
)

// Funds is the balance side of matching. *ledger.Ledger satisfies it.
type Funds interface {
	Credit(token tx.Token, acct tx.PublicKey, amount float64)
	Debit(token tx.Token, acct tx.PublicKey, amount float64) bool
}

type Trade struct {
	Pair      tx.Pair
	Time      uint32
	Price     float64
	Amount    float64
	Buyer     tx.PublicKey
	Seller    tx.PublicKey
	BuyIndex  uint64
	SellIndex uint64
	Taker     Side
}

type Placement struct {
	Trades []Trade
	// Closed holds maker orders that were fully filled and removed.
	Closed []*Order
	// Rested is the unfilled remainder placed in the book, if any.
	Rested *Order
}

// Market is the order book of one pair.
//
// The engine is its only writer. mu is held for the duration of every
// mutation and by readers that copy depth, candles or resting orders.
type Market struct {
	Pair tx.Pair

	mu     sync.Mutex
	bids   *btree.BTreeG[*PriceLevel]
	asks   *btree.BTreeG[*PriceLevel]
	orders map[uint64]*Order

	depth   [2]map[float64]float64
	pending [2]map[float64]float64

	firstID      uint64
	finalID      uint64
	lastUpdateID uint64

	candles kline.Series
}

func NewMarket(pair tx.Pair) *Market {
	return &Market{
		Pair: pair,
		// best bid first
		bids: btree.NewG(16, func(a, b *PriceLevel) bool { return a.Price > b.Price }),
		// best ask first
		asks:    btree.NewG(16, func(a, b *PriceLevel) bool { return a.Price < b.Price }),
		orders:  make(map[uint64]*Order),
		depth:   [2]map[float64]float64{make(map[float64]float64), make(map[float64]float64)},
		pending: [2]map[float64]float64{make(map[float64]float64), make(map[float64]float64)},
	}
}

func (m *Market) tree(s Side) *btree.BTreeG[*PriceLevel] {
	if s == Bid {
		return m.bids
	}
	return m.asks
}

func (m *Market) best(s Side) *PriceLevel {
	lvl, ok := m.tree(s).Min()
	if !ok {
		return nil
	}
	return lvl
}

func crosses(taker Side, limit, resting float64) bool {
	if taker == Bid {
		return limit >= resting
	}
	return limit <= resting
}

func validOrder(o *tx.Order) bool {
	ok := func(v float64) bool { return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v) }
	return ok(o.Amount) && ok(o.Price) && !math.IsInf(o.Amount*o.Price, 0)
}

// Place admits an order: it reserves the owner's balance, matches
// against resting orders at the maker price while the limit crosses, and
// rests any remainder at the order's limit price.
//
// Nothing is mutated when an error is returned.
func (m *Market) Place(o *tx.Order, funds Funds) (Placement, error) {
	if !validOrder(o) {
		return Placement{}, ErrInvalidOrder
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.orders[o.Index]; dup {
		return Placement{}, errors.Wrapf(ErrDuplicateIndex, "index %d", o.Index)
	}

	side := sideOf(o)
	if side == Bid {
		if !funds.Debit(m.Pair.Quote, o.Public, o.Amount*o.Price) {
			return Placement{}, ErrInsufficientFunds
		}
	} else if !funds.Debit(m.Pair.Base, o.Public, o.Amount) {
		return Placement{}, ErrInsufficientFunds
	}

	var res Placement
	remaining := o.Amount

	// instant match against the opposite side
	opp := Ask
	if side == Ask {
		opp = Bid
	}
	for remaining > 0 {
		lvl := m.best(opp)
		if lvl == nil || !crosses(side, o.Price, lvl.Price) {
			break
		}
		maker := lvl.Head()
		amount := math.Min(remaining, maker.Remaining)
		res.Trades = append(res.Trades, m.execute(o, side, maker, amount, funds))

		if maker.Remaining > amount {
			maker.Remaining -= amount
		} else {
			maker.Remaining = 0
			m.unlink(maker)
			res.Closed = append(res.Closed, maker)
		}
		m.removeDepth(opp, maker.Price, amount)
		m.finalID++

		if remaining > amount {
			remaining -= amount
		} else {
			remaining = 0
		}
	}

	if remaining > 0 {
		rest := newOrder(o, remaining)
		m.link(rest)
		m.addDepth(side, rest.Price, remaining)
		m.finalID++
		res.Rested = rest
	}
	return res, nil
}

// execute settles one fill at the maker's price. The taker's hold was
// taken at its own limit; a buyer is refunded the price improvement.
func (m *Market) execute(o *tx.Order, side Side, maker *Order, amount float64, funds Funds) Trade {
	price := maker.Price
	t := Trade{
		Pair:   m.Pair,
		Time:   o.Time,
		Price:  price,
		Amount: amount,
		Taker:  side,
	}

	if side == Bid {
		t.Buyer, t.BuyIndex = o.Public, o.Index
		t.Seller, t.SellIndex = maker.Owner, maker.Index

		funds.Credit(m.Pair.Base, o.Public, amount)
		funds.Credit(m.Pair.Quote, maker.Owner, amount*price)
		if refund := amount*o.Price - amount*price; refund > 0 {
			funds.Credit(m.Pair.Quote, o.Public, refund)
		}
	} else {
		t.Buyer, t.BuyIndex = maker.Owner, maker.Index
		t.Seller, t.SellIndex = o.Public, o.Index

		funds.Credit(m.Pair.Quote, o.Public, amount*price)
		funds.Credit(m.Pair.Base, maker.Owner, amount)
	}

	m.candles.Add(o.Time, price, amount)
	return t
}

// Cancel removes a resting order owned by owner and refunds its
// remaining hold.
func (m *Market) Cancel(index uint64, owner tx.PublicKey, funds Funds) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[index]
	if !ok || o.Owner != owner {
		return nil, errors.Wrapf(ErrUnknownOrder, "index %d", index)
	}

	m.unlink(o)
	m.removeDepth(o.Side, o.Price, o.Remaining)
	if o.Side == Bid {
		funds.Credit(m.Pair.Quote, owner, o.Remaining*o.Price)
	} else {
		funds.Credit(m.Pair.Base, owner, o.Remaining)
	}
	m.finalID++
	return o, nil
}

func (m *Market) link(o *Order) {
	t := m.tree(o.Side)
	lvl, ok := t.Get(&PriceLevel{Price: o.Price})
	if !ok {
		lvl = &PriceLevel{Price: o.Price}
		t.ReplaceOrInsert(lvl)
	}
	lvl.Enqueue(o)
	m.orders[o.Index] = o
}

func (m *Market) unlink(o *Order) {
	lvl := o.level
	if lvl != nil {
		lvl.Remove(o)
		if lvl.Empty() {
			m.tree(o.Side).Delete(lvl)
		}
	}
	delete(m.orders, o.Index)
}

// ---- queries ----

// Order returns a copy of a resting order.
func (m *Market) Order(index uint64) (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[index]
	if !ok {
		return Order{}, false
	}
	cp := *o
	cp.level, cp.next, cp.prev = nil, nil, nil
	return cp, true
}

func (m *Market) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// BestBid returns the best bid price.
func (m *Market) BestBid() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lvl := m.best(Bid); lvl != nil {
		return lvl.Price, true
	}
	return 0, false
}

// BestAsk returns the best ask price.
func (m *Market) BestAsk() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lvl := m.best(Ask); lvl != nil {
		return lvl.Price, true
	}
	return 0, false
}

// Candles returns a copy of the candle series.
func (m *Market) Candles() []kline.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candles.Candles()
}

// RecentCandles returns up to the n newest candles.
func (m *Market) RecentCandles(n int) []kline.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candles.Tail(n)
}

// ---- traversal helpers (caller holds mu) ----

func (m *Market) bidsWalk(fn func(*PriceLevel)) {
	m.bids.Ascend(func(l *PriceLevel) bool { fn(l); return true })
}

func (m *Market) asksWalk(fn func(*PriceLevel)) {
	m.asks.Ascend(func(l *PriceLevel) bool { fn(l); return true })
}
