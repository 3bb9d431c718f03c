package orderbook

import "matchcore/domain/tx"

type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

func sideOf(o *tx.Order) Side {
	if o.IsBuy() {
		return Bid
	}
	return Ask
}

// Order is a resting order. The admitted transaction is immutable; only
// Remaining changes as the order fills.
type Order struct {
	Index     uint64
	Side      Side
	Price     float64
	Amount    float64
	Remaining float64
	Time      uint32
	Owner     tx.PublicKey
	Slice     tx.Slice
	Raw       []byte

	level *PriceLevel
	next  *Order
	prev  *Order
}

func newOrder(o *tx.Order, remaining float64) *Order {
	return &Order{
		Index:     o.Index,
		Side:      sideOf(o),
		Price:     o.Price,
		Amount:    o.Amount,
		Remaining: remaining,
		Time:      o.Time,
		Owner:     o.Public,
		Slice:     o.Slice(),
		Raw:       o.Raw,
	}
}

// Next is a read-only traversal helper.
func (o *Order) Next() *Order {
	return o.next
}
