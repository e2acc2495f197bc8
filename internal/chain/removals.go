package chain

import (
	"sync"

	"quoteflow/models"
)

// Removals accumulates (strike, side) pairs the provider reported no data
// for. The response path adds to it; the orchestration path drains it at
// bucket boundaries and applies it to the chain state. A request already in
// flight for a marked contract is not cancelled; the point is only that no
// further requests go out for it.
type Removals struct {
	mu sync.Mutex
	m  map[float64][]models.Right
}

func NewRemovals() *Removals {
	return &Removals{m: make(map[float64][]models.Right)}
}

// Add marks one side of a strike for removal.
func (r *Removals) Add(strike float64, right models.Right) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[strike] = append(r.m[strike], right)
}

// Drain returns the accumulated set and resets it.
func (r *Removals) Drain() map[float64][]models.Right {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.m
	r.m = make(map[float64][]models.Right)
	return out
}

// Len reports the number of strikes with pending removals.
func (r *Removals) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
