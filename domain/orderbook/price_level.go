package orderbook

// PriceLevel is a queue of orders at a single price, ordered by
// arrival index.
type PriceLevel struct {
	Price float64

	head *Order
	tail *Order

	OrderCount int
}

// Enqueue inserts o keeping arrival order. Orders normally arrive with
// increasing indexes, so the walk from the tail stops immediately.
func (p *PriceLevel) Enqueue(o *Order) {
	o.level = p
	p.OrderCount++

	at := p.tail
	for at != nil && at.Index > o.Index {
		at = at.prev
	}

	if at == nil {
		o.prev = nil
		o.next = p.head
		if p.head != nil {
			p.head.prev = o
		}
		p.head = o
		if p.tail == nil {
			p.tail = o
		}
		return
	}

	o.prev = at
	o.next = at.next
	if at.next != nil {
		at.next.prev = o
	} else {
		p.tail = o
	}
	at.next = o
}

// Remove unlinks o from the level.
func (p *PriceLevel) Remove(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		p.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		p.tail = o.prev
	}
	o.next, o.prev, o.level = nil, nil, nil
	p.OrderCount--
}

func (p *PriceLevel) Empty() bool {
	return p.head == nil
}

// Head is a read-only helper.
func (p *PriceLevel) Head() *Order {
	return p.head
}

// Remaining sums the unfilled amount of every queued order.
func (p *PriceLevel) Remaining() float64 {
	var sum float64
	for o := p.head; o != nil; o = o.next {
		sum += o.Remaining
	}
	return sum
}
