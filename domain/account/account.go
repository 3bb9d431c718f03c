package account

import (
	"sort"
	"sync"

	"matchcore/domain/tx"
)

// DefaultTradeTTL is how long (seconds of transaction time) a trade
// stays in an account's recent history.
const DefaultTradeTTL = 1000

type Trade struct {
	Time       uint32
	Amount     float64
	Price      float64
	Pair       tx.Pair
	Side       tx.Op
	OrderIndex uint64
}

type Deposit struct {
	Token  tx.Token
	Amount float64
	Time   uint32
}

type Account struct {
	Public   tx.PublicKey
	UserID   uint64
	Nonce    uint32
	Trades   []Trade
	Deposits []Deposit

	// open orders: cancel slice → arrival index
	Orders map[tx.Slice]uint64
}

// Registry owns every account. Writes come from the engine only.
type Registry struct {
	mu     sync.RWMutex
	ttl    uint32
	lastID uint64
	byKey  map[tx.PublicKey]*Account
	byID   map[uint64]tx.PublicKey
}

func NewRegistry(tradeTTL uint32) *Registry {
	if tradeTTL == 0 {
		tradeTTL = DefaultTradeTTL
	}
	return &Registry{
		ttl:   tradeTTL,
		byKey: make(map[tx.PublicKey]*Account),
		byID:  make(map[uint64]tx.PublicKey),
	}
}

// Ensure returns the account for pub, creating it with the next user id
// when it has never been seen.
func (r *Registry) Ensure(pub tx.PublicKey) (*Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(pub)
}

func (r *Registry) ensureLocked(pub tx.PublicKey) (*Account, bool) {
	if a, ok := r.byKey[pub]; ok {
		return a, false
	}
	r.lastID++
	a := &Account{
		Public: pub,
		UserID: r.lastID,
		Orders: make(map[tx.Slice]uint64),
	}
	r.byKey[pub] = a
	r.byID[a.UserID] = pub
	return a, true
}

// Nonce returns the next expected nonce; unseen accounts start at zero.
func (r *Registry) Nonce(pub tx.PublicKey) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.byKey[pub]; ok {
		return a.Nonce
	}
	return 0
}

// BumpNonce consumes one nonce, creating the account if needed.
func (r *Registry) BumpNonce(pub tx.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, _ := r.ensureLocked(pub)
	a.Nonce++
}

func (r *Registry) RecordTrade(pub tx.PublicKey, t Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, _ := r.ensureLocked(pub)
	a.Trades = append(a.Trades, t)

	drop := 0
	for drop < len(a.Trades) && t.Time > a.Trades[drop].Time && t.Time-a.Trades[drop].Time > r.ttl {
		drop++
	}
	if drop > 0 {
		a.Trades = append(a.Trades[:0], a.Trades[drop:]...)
	}
}

func (r *Registry) AddDeposit(pub tx.PublicKey, d Deposit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, _ := r.ensureLocked(pub)
	a.Deposits = append(a.Deposits, d)
}

func (r *Registry) AddOrder(pub tx.PublicKey, s tx.Slice, index uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, _ := r.ensureLocked(pub)
	a.Orders[s] = index
}

func (r *Registry) RemoveOrder(pub tx.PublicKey, s tx.Slice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byKey[pub]; ok {
		delete(a.Orders, s)
	}
}

// FindOrder resolves a cancel slice to the arrival index of an open order.
func (r *Registry) FindOrder(pub tx.PublicKey, s tx.Slice) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byKey[pub]
	if !ok {
		return 0, false
	}
	idx, ok := a.Orders[s]
	return idx, ok
}

func (r *Registry) UserID(pub tx.PublicKey) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.byKey[pub]; ok {
		return a.UserID, true
	}
	return 0, false
}

func (r *Registry) PublicOf(id uint64) (tx.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

func (r *Registry) LastUserID() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastID
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Snapshot returns deep copies of all accounts ordered by user id.
func (r *Registry) Snapshot() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Account, 0, len(r.byKey))
	for _, a := range r.byKey {
		cp := Account{
			Public:   a.Public,
			UserID:   a.UserID,
			Nonce:    a.Nonce,
			Trades:   append([]Trade(nil), a.Trades...),
			Deposits: append([]Deposit(nil), a.Deposits...),
			Orders:   make(map[tx.Slice]uint64, len(a.Orders)),
		}
		for k, v := range a.Orders {
			cp.Orders[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Load replaces the registry contents. lastID is kept even when it is
// above every loaded account so ids are never reused.
func (r *Registry) Load(lastID uint64, accounts []Account) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byKey = make(map[tx.PublicKey]*Account, len(accounts))
	r.byID = make(map[uint64]tx.PublicKey, len(accounts))
	r.lastID = lastID
	for i := range accounts {
		a := accounts[i]
		if a.Orders == nil {
			a.Orders = make(map[tx.Slice]uint64)
		}
		r.byKey[a.Public] = &a
		r.byID[a.UserID] = a.Public
		if a.UserID > r.lastID {
			r.lastID = a.UserID
		}
	}
}
