// Package history keeps the last ended rounds for joining clients.
package history

import (
	"sync"

	"pumpcrash/internal/ledger"
)

// Ring is a fixed-capacity buffer of round summaries, overwritten oldest
// first. It is safe for concurrent use.
type Ring struct {
	mu    sync.RWMutex
	items []ledger.RoundSummary
	next  int
	full  bool
}

func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{items: make([]ledger.RoundSummary, size)}
}

func (r *Ring) Add(s ledger.RoundSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.next] = s
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

// Load replaces the content with rounds ordered newest first, as returned by
// ledger.Recovery.RecentRounds.
func (r *Ring) Load(newestFirst []ledger.RoundSummary) {
	r.mu.Lock()
	r.items = make([]ledger.RoundSummary, len(r.items))
	r.next, r.full = 0, false
	r.mu.Unlock()

	if len(newestFirst) > len(r.items) {
		newestFirst = newestFirst[:len(r.items)]
	}
	for i := len(newestFirst) - 1; i >= 0; i-- {
		r.Add(newestFirst[i])
	}
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.items)
	}
	return r.next
}

// Recent returns the stored rounds, newest first.
func (r *Ring) Recent() []ledger.RoundSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.full {
		n = len(r.items)
	}
	out := make([]ledger.RoundSummary, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.items)) % len(r.items)
		out = append(out, r.items[idx])
	}
	return out
}
