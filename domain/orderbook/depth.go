package orderbook

import "sort"

// Level is an aggregated depth entry. Amount 0 in an update means the
// level was removed.
type Level struct {
	Price  float64
	Amount float64
}

// DepthUpdate carries the levels changed since the previous pull.
// Subscribers detect gaps by checking PrevFinalID against the FinalID
// of the last update they applied.
type DepthUpdate struct {
	FirstID     uint64
	FinalID     uint64
	PrevFinalID uint64
	Bids        []Level
	Asks        []Level
}

func (u DepthUpdate) Empty() bool { return len(u.Bids) == 0 && len(u.Asks) == 0 }

// Book is a full depth view.
type Book struct {
	LastUpdateID uint64
	Bids         []Level
	Asks         []Level
}

func (m *Market) addDepth(s Side, price, amount float64) {
	d := m.depth[s]
	d[price] += amount
	m.pending[s][price] = d[price]
}

// removeDepth must run after the order book itself was updated: the
// level is dropped only once no order rests at price.
func (m *Market) removeDepth(s Side, price, amount float64) {
	d := m.depth[s]
	lvl, resting := m.tree(s).Get(&PriceLevel{Price: price})
	if !resting {
		delete(d, price)
		m.pending[s][price] = 0
		return
	}
	left := d[price] - amount
	if left < Epsilon {
		// rounding drift; resync with the orders still resting
		left = lvl.Remaining()
	}
	d[price] = left
	m.pending[s][price] = left
}

// PullUpdate returns and clears the pending depth changes, then starts
// the next update range.
func (m *Market) PullUpdate() DepthUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := DepthUpdate{
		FirstID:     m.firstID,
		FinalID:     m.finalID,
		PrevFinalID: m.lastUpdateID,
		Bids:        sortedLevels(m.pending[Bid], true, 0),
		Asks:        sortedLevels(m.pending[Ask], false, 0),
	}
	m.pending[Bid] = make(map[float64]float64)
	m.pending[Ask] = make(map[float64]float64)
	m.firstID = m.finalID + 1
	m.lastUpdateID = m.finalID
	return u
}

// Depth returns up to limit levels per side; limit <= 0 means all.
func (m *Market) Depth(limit int) Book {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Book{
		LastUpdateID: m.lastUpdateID,
		Bids:         sortedLevels(m.depth[Bid], true, limit),
		Asks:         sortedLevels(m.depth[Ask], false, limit),
	}
}

func sortedLevels(src map[float64]float64, desc bool, limit int) []Level {
	out := make([]Level, 0, len(src))
	for p, a := range src {
		out = append(out, Level{Price: p, Amount: a})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
