package service

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"matchcore/domain/account"
	"matchcore/domain/funding"
	"matchcore/domain/kline"
	"matchcore/domain/ledger"
	"matchcore/domain/orderbook"
	"matchcore/domain/tx"
	"matchcore/infra/sequence"
	"matchcore/snapshot"
)

// Status is the outcome of one transaction within a batch.
type Status uint8

const (
	StatusOK Status = iota
	// StatusSkipped marks a slot whose transaction failed decoding or
	// signature verification before reaching the engine.
	StatusSkipped
	StatusStaleNonce
	StatusInsufficientFunds
	StatusBadBlockRange
	StatusUnknownOrder
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSkipped:
		return "skipped"
	case StatusStaleNonce:
		return "stale_nonce"
	case StatusInsufficientFunds:
		return "insufficient_funds"
	case StatusBadBlockRange:
		return "bad_block_range"
	case StatusUnknownOrder:
		return "unknown_order"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// notifyCandles is how many of the newest candles accompany a pair update.
const notifyCandles = 2

// PairUpdate is the notification payload of one touched pair.
type PairUpdate struct {
	Pair    tx.Pair
	Depth   orderbook.DepthUpdate
	Candles []kline.Candle
}

// Report describes what one Apply call did.
type Report struct {
	LastIndex uint64
	// Replayed is set when the batch index was already applied. Nothing
	// else is filled in.
	Replayed bool
	// Statuses[i] is the outcome of txs[i].
	Statuses []Status
	// Updates holds one entry per touched pair, ordered by pair.
	Updates     []PairUpdate
	Trades      []orderbook.Trade
	Withdrawals []funding.Withdrawal
}

// Pairs returns the touched pairs in order.
func (r Report) Pairs() []tx.Pair {
	out := make([]tx.Pair, len(r.Updates))
	for i, u := range r.Updates {
		out[i] = u.Pair
	}
	return out
}

// Count returns how many transactions ended with status s.
func (r Report) Count(s Status) int {
	n := 0
	for _, st := range r.Statuses {
		if st == s {
			n++
		}
	}
	return n
}

type Options struct {
	// TradeTTL bounds account trade history, in seconds of tx time.
	TradeTTL uint32
	// StrictInvariants panics on internal consistency failures instead
	// of logging and skipping the transaction.
	StrictInvariants bool
	// Watermarks are the initial deposit block per chain.
	Watermarks map[tx.Chain]uint64
	Logger     zerolog.Logger
	Metrics    *Metrics
}

/*
Engine is the ONLY write entry point into the exchange state.

All coordination between:
- ledger balances
- markets (matching, depth, candles)
- accounts (nonces, user ids, open orders, trades)
- deposits and withdrawals
happens here, one batch at a time.
*/
type Engine struct {
	// held for a whole batch; serializes Apply, State and Load
	mu sync.Mutex

	strict  bool
	log     zerolog.Logger
	metrics *Metrics

	ledger      *ledger.Ledger
	accounts    *account.Registry
	marks       *funding.Watermarks
	withdrawals *funding.Withdrawals
	applied     *sequence.Sequencer

	marketsMu sync.RWMutex
	markets   map[tx.Pair]*orderbook.Market
}

// New wires an empty engine.
// No globals. No magic.
func New(opts Options) *Engine {
	m := opts.Metrics
	if m == nil {
		m = NopMetrics()
	}
	return &Engine{
		strict:      opts.StrictInvariants,
		log:         opts.Logger.With().Str("module", "engine").Logger(),
		metrics:     m,
		ledger:      ledger.New(),
		accounts:    account.NewRegistry(opts.TradeTTL),
		marks:       funding.NewWatermarks(opts.Watermarks),
		withdrawals: funding.NewWithdrawals(),
		applied:     sequence.New(),
		markets:     make(map[tx.Pair]*orderbook.Market),
	}
}

//
// ──────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────
//

// Apply runs one verified batch in order. lastIndex is the arrival index
// of the batch; a batch at or below the last applied index is dropped
// whole, which makes redelivery harmless. nil entries are transactions
// that failed decoding or verification.
func (e *Engine) Apply(lastIndex uint64, txs []tx.Tx) Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.applied.Admit(lastIndex) {
		e.metrics.BatchesSkipped.Add(1)
		e.log.Debug().Uint64("index", lastIndex).Msg("batch already applied")
		return Report{LastIndex: lastIndex, Replayed: true}
	}
	start := time.Now()

	rep := Report{LastIndex: lastIndex, Statuses: make([]Status, len(txs))}
	touched := make(map[tx.Pair]struct{})
	for i, t := range txs {
		st := e.apply(t, &rep, touched)
		rep.Statuses[i] = st
		switch st {
		case StatusOK:
			e.metrics.TxsApplied.Add(1)
		case StatusSkipped:
		default:
			e.metrics.TxsRejected.With("reason", st.String()).Add(1)
		}
	}

	pairs := make([]tx.Pair, 0, len(touched))
	for p := range touched {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Less(pairs[j]) })
	for _, p := range pairs {
		m := e.Market(p)
		rep.Updates = append(rep.Updates, PairUpdate{
			Pair:    p,
			Depth:   m.PullUpdate(),
			Candles: m.RecentCandles(notifyCandles),
		})
	}

	e.metrics.BatchesApplied.Add(1)
	e.metrics.LastIndex.Set(float64(lastIndex))
	e.metrics.BatchSeconds.Observe(time.Since(start).Seconds())
	return rep
}

func (e *Engine) apply(t tx.Tx, rep *Report, touched map[tx.Pair]struct{}) Status {
	switch v := t.(type) {
	case nil:
		return StatusSkipped
	case *tx.Deposit:
		return e.deposit(v)
	case *tx.Withdraw:
		return e.withdraw(v, rep)
	case *tx.Order:
		return e.place(v, rep, touched)
	case *tx.Cancel:
		return e.cancel(v, touched)
	case *tx.Register:
		e.accounts.Ensure(v.Public)
		return StatusOK
	default:
		return StatusInvalid
	}
}

func (e *Engine) deposit(d *tx.Deposit) Status {
	if err := e.marks.Check(d.Chain, d.From, d.To); err != nil {
		e.log.Debug().Err(err).Msg("deposit rejected")
		return StatusBadBlockRange
	}
	for _, en := range d.Entries {
		if !finite(en.Amount) || en.Amount < 0 {
			e.log.Warn().
				Str("chain", d.Chain.String()).
				Str("account", en.Public.Hex()).
				Float64("amount", en.Amount).
				Msg("deposit entry with invalid amount")
			return StatusInvalid
		}
	}
	if err := e.marks.Advance(d.Chain, d.From, d.To); err != nil {
		return e.violation("watermark moved between check and advance: %v", err)
	}

	for _, en := range d.Entries {
		token := tx.Token{Chain: d.Chain, ID: en.TokenID}.Canonical()
		e.accounts.Ensure(en.Public)
		e.ledger.Credit(token, en.Public, en.Amount)
		e.accounts.AddDeposit(en.Public, account.Deposit{Token: token, Amount: en.Amount, Time: en.Time})
	}
	return StatusOK
}

func (e *Engine) withdraw(w *tx.Withdraw, rep *Report) Status {
	if !(w.Amount > 0) || math.IsInf(w.Amount, 0) {
		return StatusInvalid
	}
	if !e.nonceOK(w.Public, w.Nonce) {
		return StatusStaleNonce
	}
	token := w.Token.Canonical()
	if !e.ledger.Debit(token, w.Public, w.Amount) {
		e.log.Debug().
			Str("account", w.Public.Hex()).
			Str("token", token.String()).
			Float64("amount", w.Amount).
			Msg("withdraw rejected: insufficient funds")
		return StatusInsufficientFunds
	}

	e.accounts.BumpNonce(w.Public)
	rec := e.withdrawals.Append(w.Public, token, w.Amount, w.Dest, w.Time)
	rep.Withdrawals = append(rep.Withdrawals, rec)
	return StatusOK
}

func (e *Engine) place(o *tx.Order, rep *Report, touched map[tx.Pair]struct{}) Status {
	if !e.nonceOK(o.Public, o.Nonce) {
		return StatusStaleNonce
	}
	pair := o.Pair()
	if pair.Base == pair.Quote {
		return StatusInvalid
	}

	// a new market is only kept if the order is admitted
	m := e.Market(pair)
	fresh := m == nil
	if fresh {
		m = orderbook.NewMarket(pair)
	}

	pl, err := m.Place(o, e.ledger)
	switch {
	case err == nil:
	case errors.Is(err, orderbook.ErrInvalidOrder):
		return StatusInvalid
	case errors.Is(err, orderbook.ErrInsufficientFunds):
		e.log.Debug().
			Str("account", o.Public.Hex()).
			Str("pair", pair.String()).
			Str("side", o.Side.String()).
			Msg("order rejected: insufficient funds")
		return StatusInsufficientFunds
	case errors.Is(err, orderbook.ErrDuplicateIndex):
		e.log.Warn().Err(err).Str("pair", pair.String()).Msg("order rejected")
		return StatusInvalid
	default:
		return e.violation("place %d on %s: %v", o.Index, pair, err)
	}

	if fresh {
		e.marketsMu.Lock()
		e.markets[pair] = m
		n := len(e.markets)
		e.marketsMu.Unlock()
		e.metrics.Markets.Set(float64(n))
	}

	e.accounts.BumpNonce(o.Public)
	for _, tr := range pl.Trades {
		e.accounts.RecordTrade(tr.Buyer, account.Trade{
			Time: tr.Time, Amount: tr.Amount, Price: tr.Price,
			Pair: pair, Side: tx.OpBuy, OrderIndex: tr.BuyIndex,
		})
		e.accounts.RecordTrade(tr.Seller, account.Trade{
			Time: tr.Time, Amount: tr.Amount, Price: tr.Price,
			Pair: pair, Side: tx.OpSell, OrderIndex: tr.SellIndex,
		})
	}
	for _, c := range pl.Closed {
		e.accounts.RemoveOrder(c.Owner, c.Slice)
	}
	if pl.Rested != nil {
		e.accounts.AddOrder(o.Public, pl.Rested.Slice, pl.Rested.Index)
	}

	rep.Trades = append(rep.Trades, pl.Trades...)
	touched[pair] = struct{}{}
	return StatusOK
}

func (e *Engine) cancel(c *tx.Cancel, touched map[tx.Pair]struct{}) Status {
	idx, ok := e.accounts.FindOrder(c.Public, c.Slice)
	if !ok {
		e.log.Debug().
			Str("account", c.Public.Hex()).
			Str("slice", c.Slice.Hex()).
			Msg("cancel rejected: no such open order")
		return StatusUnknownOrder
	}

	pair := c.Pair()
	m := e.Market(pair)
	if m == nil {
		return e.violation("open order %d of %s has no market %s", idx, c.Public, pair)
	}
	if _, err := m.Cancel(idx, c.Public, e.ledger); err != nil {
		return e.violation("open order %d of %s missing from %s: %v", idx, c.Public, pair, err)
	}
	e.accounts.RemoveOrder(c.Public, c.Slice)
	touched[pair] = struct{}{}
	return StatusOK
}

func (e *Engine) nonceOK(pub tx.PublicKey, got uint32) bool {
	want := e.accounts.Nonce(pub)
	if got == want {
		return true
	}
	e.log.Debug().
		Str("account", pub.Hex()).
		Uint32("nonce", got).
		Uint32("expected", want).
		Msg("stale nonce")
	return false
}

func (e *Engine) violation(format string, args ...interface{}) Status {
	err := errors.AssertionFailedf(format, args...)
	e.metrics.InvariantViolations.Add(1)
	if e.strict {
		panic(err)
	}
	e.log.Error().Err(err).Msg("invariant violation, transaction skipped")
	return StatusInvalid
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

//
// ──────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────
//

func canonicalPair(p tx.Pair) tx.Pair {
	return tx.Pair{Base: p.Base.Canonical(), Quote: p.Quote.Canonical()}
}

// Market returns the market of pair, or nil if it has never traded.
func (e *Engine) Market(pair tx.Pair) *orderbook.Market {
	e.marketsMu.RLock()
	defer e.marketsMu.RUnlock()
	return e.markets[canonicalPair(pair)]
}

// Pairs returns every market's pair in order.
func (e *Engine) Pairs() []tx.Pair {
	e.marketsMu.RLock()
	out := make([]tx.Pair, 0, len(e.markets))
	for p := range e.markets {
		out = append(out, p)
	}
	e.marketsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (e *Engine) Balance(token tx.Token, pub tx.PublicKey) float64 {
	return e.ledger.Balance(token.Canonical(), pub)
}

// Nonce returns the nonce the account's next order or withdraw must carry.
func (e *Engine) Nonce(pub tx.PublicKey) uint32 {
	return e.accounts.Nonce(pub)
}

func (e *Engine) UserID(pub tx.PublicKey) (uint64, bool) {
	return e.accounts.UserID(pub)
}

func (e *Engine) PublicOf(id uint64) (tx.PublicKey, bool) {
	return e.accounts.PublicOf(id)
}

// Depth returns up to limit levels per side. Unknown pairs have an empty book.
func (e *Engine) Depth(pair tx.Pair, limit int) orderbook.Book {
	m := e.Market(pair)
	if m == nil {
		return orderbook.Book{}
	}
	return m.Depth(limit)
}

func (e *Engine) Candles(pair tx.Pair) []kline.Candle {
	m := e.Market(pair)
	if m == nil {
		return nil
	}
	return m.Candles()
}

func (e *Engine) Withdrawals(chain tx.Chain, pub tx.PublicKey) []funding.Withdrawal {
	return e.withdrawals.List(chain, pub)
}

func (e *Engine) Watermark(chain tx.Chain) uint64 {
	return e.marks.Get(chain)
}

// Accounts returns a copy of every account ordered by user id.
func (e *Engine) Accounts() []account.Account {
	return e.accounts.Snapshot()
}

// Supply returns the ledger total of token plus what resting orders hold.
func (e *Engine) Supply(token tx.Token) float64 {
	token = token.Canonical()
	total := e.ledger.Total(token)
	for _, p := range e.Pairs() {
		total += e.Market(p).Holds()[token]
	}
	return total
}

// LastIndex returns the index of the last applied batch.
func (e *Engine) LastIndex() (uint64, bool) {
	return e.applied.Current()
}

//
// ──────────────────────────────────────────────────────────
// Snapshot
// ──────────────────────────────────────────────────────────
//

// State copies the whole engine state. It waits for an in-flight batch.
func (e *Engine) State() *snapshot.State {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, has := e.applied.Current()
	st := &snapshot.State{
		Index:       idx,
		HasIndex:    has,
		Balances:    e.ledger.Entries(),
		Accounts:    e.accounts.Snapshot(),
		LastUserID:  e.accounts.LastUserID(),
		Withdrawals: e.withdrawals.All(),
		Watermarks:  e.marks.Marks(),
	}
	for _, p := range e.Pairs() {
		st.Markets = append(st.Markets, e.Market(p).State())
	}
	return st
}

// Serialize returns the encoded snapshot of the current state.
func (e *Engine) Serialize() []byte {
	return snapshot.Encode(e.State())
}

// Restore replaces the engine state with a serialized snapshot.
func (e *Engine) Restore(blob []byte) error {
	st, err := snapshot.Decode(blob)
	if err != nil {
		return err
	}
	return e.Load(st)
}

// Load replaces the engine state. Nothing changes when an error is
// returned. The open order index of every account is rebuilt from the
// resting orders.
func (e *Engine) Load(st *snapshot.State) error {
	markets := make(map[tx.Pair]*orderbook.Market, len(st.Markets))
	for _, ms := range st.Markets {
		if _, dup := markets[ms.Pair]; dup {
			return errors.Newf("service: market %s appears twice", ms.Pair)
		}
		m, err := orderbook.RestoreMarket(ms)
		if err != nil {
			return errors.Wrapf(err, "service: market %s", ms.Pair)
		}
		markets[ms.Pair] = m
	}

	known := make(map[tx.PublicKey]bool, len(st.Accounts))
	accounts := make([]account.Account, len(st.Accounts))
	for i, a := range st.Accounts {
		a.Orders = make(map[tx.Slice]uint64)
		accounts[i] = a
		known[a.Public] = true
	}
	for pair, m := range markets {
		var err error
		m.Each(func(o orderbook.Order) {
			if err == nil && !known[o.Owner] {
				err = errors.Newf("service: order %d on %s has no account", o.Index, pair)
			}
		})
		if err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.ledger.Load(st.Balances)
	e.accounts.Load(st.LastUserID, accounts)
	for _, m := range markets {
		m.Each(func(o orderbook.Order) {
			e.accounts.AddOrder(o.Owner, o.Slice, o.Index)
		})
	}
	e.withdrawals.Load(st.Withdrawals)
	e.marks.Load(st.Watermarks)

	e.marketsMu.Lock()
	e.markets = markets
	e.marketsMu.Unlock()

	e.applied.Reset(st.Index, st.HasIndex)
	e.metrics.Markets.Set(float64(len(markets)))
	if st.HasIndex {
		e.metrics.LastIndex.Set(float64(st.Index))
	}
	e.log.Info().
		Uint64("index", st.Index).
		Int("markets", len(markets)).
		Int("accounts", len(accounts)).
		Msg("state restored")
	return nil
}
