package chain

import (
	"sort"
	"sync"

	"quoteflow/models"
)

// noPrice is the sentinel for a reference price that has not arrived yet.
const noPrice = -1

// State holds the option chain for one (underlying, date) unit of work: the
// discovered contracts keyed by strike and side, and the reference price
// the ATM band is computed from. It is populated by the response path and
// pruned by the orchestration path, so every access goes through its
// methods.
type State struct {
	mu         sync.Mutex
	underlying string
	refPrice   float64
	contracts  map[float64]map[models.Right]models.Instrument
	discovered bool

	priceReady    chan struct{}
	discoveryDone chan struct{}
}

func NewState(underlying string) *State {
	return &State{
		underlying:    underlying,
		refPrice:      noPrice,
		contracts:     make(map[float64]map[models.Right]models.Instrument),
		priceReady:    make(chan struct{}),
		discoveryDone: make(chan struct{}),
	}
}

func (s *State) Underlying() string {
	return s.underlying
}

// SetReferencePrice records the underlying price the band is anchored to.
// The first value wins; later bars for the same pseudo-request leave the
// state untouched.
func (s *State) SetReferencePrice(price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refPrice != noPrice {
		return
	}
	s.refPrice = price
	close(s.priceReady)
}

// ReferencePrice returns the anchor price and whether it has been set.
func (s *State) ReferencePrice() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refPrice, s.refPrice != noPrice
}

// PriceReady is closed once the reference price has a concrete value.
func (s *State) PriceReady() <-chan struct{} {
	return s.priceReady
}

// AddContract records one discovered (strike, side) contract.
func (s *State) AddContract(inst models.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sides, ok := s.contracts[inst.Strike]
	if !ok {
		sides = make(map[models.Right]models.Instrument)
		s.contracts[inst.Strike] = sides
	}
	sides[inst.Right] = inst
}

// FinishDiscovery marks the universe as fully discovered.
func (s *State) FinishDiscovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discovered {
		return
	}
	s.discovered = true
	close(s.discoveryDone)
}

// DiscoveryDone is closed once every contract detail has been delivered.
func (s *State) DiscoveryDone() <-chan struct{} {
	return s.discoveryDone
}

func (s *State) Discovered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discovered
}

// Strikes returns the live strikes in ascending order.
func (s *State) Strikes() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedStrikes()
}

func (s *State) sortedStrikes() []float64 {
	strikes := make([]float64, 0, len(s.contracts))
	for strike := range s.contracts {
		strikes = append(strikes, strike)
	}
	sort.Float64s(strikes)
	return strikes
}

// Instruments returns every live contract, ordered by strike then side, so
// request issue order is deterministic.
func (s *State) Instruments() []models.Instrument {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Instrument
	for _, strike := range s.sortedStrikes() {
		sides := s.contracts[strike]
		for _, right := range []models.Right{models.RightCall, models.RightPut} {
			if inst, ok := sides[right]; ok {
				out = append(out, inst)
			}
		}
	}
	return out
}

// Sides returns the live sides for a strike, or nil when the strike is gone.
func (s *State) Sides(strike float64) []models.Right {
	s.mu.Lock()
	defer s.mu.Unlock()
	sides, ok := s.contracts[strike]
	if !ok {
		return nil
	}
	var out []models.Right
	for _, right := range []models.Right{models.RightCall, models.RightPut} {
		if _, ok := sides[right]; ok {
			out = append(out, right)
		}
	}
	return out
}

// PruneToBand deletes every strike whose relative distance from the strike
// closest to the reference price exceeds band (a fraction, e.g. 0.07).
func (s *State) PruneToBand(band float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	strikes := s.sortedStrikes()
	if len(strikes) == 0 || s.refPrice == noPrice {
		return
	}
	anchor := closestStrike(strikes, s.refPrice)
	for _, strike := range strikes {
		if dist(strike, anchor)/anchor > band {
			delete(s.contracts, strike)
		}
	}
}

// ApplyRemovals excises the given (strike, side) pairs, dropping a strike
// entirely once its side map is empty. An entry with no sides removes every
// side of the strike. The removal set is cleared afterwards.
func (s *State) ApplyRemovals(removals *Removals) {
	pending := removals.Drain()

	s.mu.Lock()
	defer s.mu.Unlock()
	for strike, rights := range pending {
		sides, ok := s.contracts[strike]
		if !ok {
			continue
		}
		if len(rights) == 0 {
			delete(s.contracts, strike)
			continue
		}
		for _, right := range rights {
			delete(sides, right)
		}
		if len(sides) == 0 {
			delete(s.contracts, strike)
		}
	}
}

// Len reports the number of live strikes.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contracts)
}

// closestStrike picks the strike nearest to target from an ascending list,
// breaking exact ties toward the lower strike.
func closestStrike(strikes []float64, target float64) float64 {
	pos := sort.SearchFloat64s(strikes, target)
	if pos == 0 {
		return strikes[0]
	}
	if pos == len(strikes) {
		return strikes[len(strikes)-1]
	}
	before, after := strikes[pos-1], strikes[pos]
	if after-target < target-before {
		return after
	}
	return before
}

func dist(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
