package ledger

import (
	"math"
	"sort"
	"sync"

	"matchcore/domain/tx"
)

// Ledger maps token → account → balance.
//
// Mutations come only from the engine's single writer. The lock exists
// for concurrent readers (queries, snapshot inspection).
type Ledger struct {
	mu       sync.RWMutex
	balances map[tx.Token]map[tx.PublicKey]float64
}

func New() *Ledger {
	return &Ledger{balances: make(map[tx.Token]map[tx.PublicKey]float64)}
}

func (l *Ledger) Credit(token tx.Token, acct tx.PublicKey, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := l.balances[token]
	if m == nil {
		m = make(map[tx.PublicKey]float64)
		l.balances[token] = m
	}
	m[acct] += amount
}

// Debit subtracts amount and reports true, or reports false without
// mutating anything when the balance is insufficient or amount is
// negative or not finite.
func (l *Ledger) Debit(token tx.Token, acct tx.PublicKey, amount float64) bool {
	if !(amount >= 0) || math.IsInf(amount, 0) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	m := l.balances[token]
	bal := m[acct]
	if bal < amount {
		return false
	}
	if m == nil {
		// zero-amount debit of an untouched token
		return true
	}
	m[acct] = bal - amount
	return true
}

func (l *Ledger) Balance(token tx.Token, acct tx.PublicKey) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[token][acct]
}

// Total sums every balance of a token.
func (l *Ledger) Total(token tx.Token) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var sum float64
	for _, acct := range sortedAccounts(l.balances[token]) {
		sum += l.balances[token][acct]
	}
	return sum
}

type Entry struct {
	Token   tx.Token
	Account tx.PublicKey
	Amount  float64
}

// Entries returns every balance sorted by token then account. Tokens
// without accounts are reported with a zero account and amount so the
// set of known tokens survives a round trip.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tokens := make([]tx.Token, 0, len(l.balances))
	for t := range l.balances {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Less(tokens[j]) })

	var out []Entry
	for _, t := range tokens {
		m := l.balances[t]
		if len(m) == 0 {
			out = append(out, Entry{Token: t})
			continue
		}
		for _, a := range sortedAccounts(m) {
			out = append(out, Entry{Token: t, Account: a, Amount: m[a]})
		}
	}
	return out
}

// Load replaces the ledger contents.
func (l *Ledger) Load(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = make(map[tx.Token]map[tx.PublicKey]float64)
	var zero tx.PublicKey
	for _, e := range entries {
		m := l.balances[e.Token]
		if m == nil {
			m = make(map[tx.PublicKey]float64)
			l.balances[e.Token] = m
		}
		if e.Account == zero && e.Amount == 0 {
			continue
		}
		m[e.Account] = e.Amount
	}
}

func sortedAccounts(m map[tx.PublicKey]float64) []tx.PublicKey {
	keys := make([]tx.PublicKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
