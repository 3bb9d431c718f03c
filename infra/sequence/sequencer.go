package sequence

import (
	"sync"
)

// Sequencer tracks a monotonic arrival index. The feed side uses Next
// to stamp transactions; the engine side uses Admit to apply each
// batch exactly once.
type Sequencer struct {
	mu   sync.Mutex
	last uint64
	seen bool
}

// New creates a sequencer that has issued nothing yet.
func New() *Sequencer {
	return &Sequencer{}
}

// Resume creates a sequencer whose last issued value is last.
func Resume(last uint64) *Sequencer {
	return &Sequencer{last: last, seen: true}
}

// Next issues the next index. The first index is 0.
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen {
		s.last++
	}
	s.seen = true
	return s.last
}

// Current returns the last issued or admitted index and whether there
// is one.
func (s *Sequencer) Current() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.seen
}

// Admit reports whether a batch ending at last is new, and if so
// records it.
func (s *Sequencer) Admit(last uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen && last <= s.last {
		return false
	}
	s.last, s.seen = last, true
	return true
}

// Reset sets the last index. Used after snapshot restore and WAL replay.
func (s *Sequencer) Reset(last uint64, seen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last, s.seen = last, seen
}
