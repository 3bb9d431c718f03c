package funding

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"matchcore/domain/tx"
)

var (
	// ErrGap means the deposit range does not start right after the
	// chain's watermark (replayed or skipped blocks).
	ErrGap = errors.New("funding: non-contiguous block range")
	// ErrRange means to_block precedes from_block.
	ErrRange = errors.New("funding: inverted block range")
)

// Watermarks tracks the last processed deposit block per chain.
type Watermarks struct {
	mu     sync.RWMutex
	blocks map[tx.Chain]uint64
}

func NewWatermarks(initial map[tx.Chain]uint64) *Watermarks {
	w := &Watermarks{blocks: make(map[tx.Chain]uint64, len(initial))}
	for c, b := range initial {
		w.blocks[c.Upper()] = b
	}
	return w
}

func (w *Watermarks) Get(chain tx.Chain) uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.blocks[chain.Upper()]
}

// Check validates [from, to] against the chain's watermark without
// advancing it.
func (w *Watermarks) Check(chain tx.Chain, from, to uint64) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	cur := w.blocks[chain.Upper()]
	if from != cur+1 {
		return errors.Wrapf(ErrGap, "%s: watermark %d, from %d", chain.Upper(), cur, from)
	}
	if to < from {
		return errors.Wrapf(ErrRange, "%s: from %d, to %d", chain.Upper(), from, to)
	}
	return nil
}

// Advance checks the range and moves the watermark to to.
func (w *Watermarks) Advance(chain tx.Chain, from, to uint64) error {
	if err := w.Check(chain, from, to); err != nil {
		return err
	}
	w.mu.Lock()
	w.blocks[chain.Upper()] = to
	w.mu.Unlock()
	return nil
}

type Mark struct {
	Chain tx.Chain
	Block uint64
}

// Marks returns all watermarks sorted by chain.
func (w *Watermarks) Marks() []Mark {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Mark, 0, len(w.blocks))
	for c, b := range w.blocks {
		out = append(out, Mark{Chain: c, Block: b})
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].Chain[:]) < string(out[j].Chain[:]) })
	return out
}

func (w *Watermarks) Load(marks []Mark) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blocks = make(map[tx.Chain]uint64, len(marks))
	for _, m := range marks {
		w.blocks[m.Chain.Upper()] = m.Block
	}
}

// Withdrawal is a debited payout waiting to be co-signed. Nonce is its
// position in the account's per-chain list.
type Withdrawal struct {
	Chain  tx.Chain
	Public tx.PublicKey
	Nonce  uint64
	Token  tx.Token
	Amount float64
	Dest   tx.Address
	Time   uint32
}

// Withdrawals is the append-only per chain, per account request log.
type Withdrawals struct {
	mu    sync.RWMutex
	lists map[tx.Chain]map[tx.PublicKey][]Withdrawal
}

func NewWithdrawals() *Withdrawals {
	return &Withdrawals{lists: make(map[tx.Chain]map[tx.PublicKey][]Withdrawal)}
}

// Append records a withdrawal and returns it with its nonce filled in.
func (w *Withdrawals) Append(pub tx.PublicKey, token tx.Token, amount float64, dest tx.Address, t uint32) Withdrawal {
	w.mu.Lock()
	defer w.mu.Unlock()

	chain := token.Chain.Upper()
	m := w.lists[chain]
	if m == nil {
		m = make(map[tx.PublicKey][]Withdrawal)
		w.lists[chain] = m
	}
	rec := Withdrawal{
		Chain:  chain,
		Public: pub,
		Nonce:  uint64(len(m[pub])),
		Token:  token.Canonical(),
		Amount: amount,
		Dest:   dest,
		Time:   t,
	}
	m[pub] = append(m[pub], rec)
	return rec
}

func (w *Withdrawals) List(chain tx.Chain, pub tx.PublicKey) []Withdrawal {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]Withdrawal(nil), w.lists[chain.Upper()][pub]...)
}

// All returns every withdrawal ordered by chain, account, nonce.
func (w *Withdrawals) All() []Withdrawal {
	w.mu.RLock()
	defer w.mu.RUnlock()

	chains := make([]tx.Chain, 0, len(w.lists))
	for c := range w.lists {
		chains = append(chains, c)
	}
	sort.Slice(chains, func(i, j int) bool { return string(chains[i][:]) < string(chains[j][:]) })

	var out []Withdrawal
	for _, c := range chains {
		m := w.lists[c]
		keys := make([]tx.PublicKey, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
		for _, k := range keys {
			out = append(out, m[k]...)
		}
	}
	return out
}

// Load replaces the log. Records must be ordered by nonce within each
// account list, as All returns them.
func (w *Withdrawals) Load(recs []Withdrawal) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lists = make(map[tx.Chain]map[tx.PublicKey][]Withdrawal)
	for _, r := range recs {
		m := w.lists[r.Chain]
		if m == nil {
			m = make(map[tx.PublicKey][]Withdrawal)
			w.lists[r.Chain] = m
		}
		m[r.Public] = append(m[r.Public], r)
	}
}
