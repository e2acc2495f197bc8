package chain

import (
	"testing"
	"time"

	"quoteflow/models"
)

func chainWithStrikes(t *testing.T, strikes ...float64) *State {
	t.Helper()
	expiry := time.Date(2024, 1, 19, 0, 0, 0, 0, time.UTC)
	s := NewState("SPY")
	for _, strike := range strikes {
		s.AddContract(models.OptionInstrument("SPY", expiry, strike, models.RightCall))
		s.AddContract(models.OptionInstrument("SPY", expiry, strike, models.RightPut))
	}
	return s
}

func TestReferencePriceSetOnce(t *testing.T) {
	s := NewState("SPY")
	if _, ok := s.ReferencePrice(); ok {
		t.Fatalf("reference price set before any bar arrived")
	}

	s.SetReferencePrice(101.5)
	s.SetReferencePrice(200) // later arrivals must not change it

	price, ok := s.ReferencePrice()
	if !ok || price != 101.5 {
		t.Fatalf("reference price = %v (%v), want 101.5", price, ok)
	}

	select {
	case <-s.PriceReady():
	default:
		t.Fatalf("PriceReady not signalled after first value")
	}
}

func TestPruneToBand(t *testing.T) {
	// Universe {100, 110}, reference 101, band 5%: anchor is 100 and 110
	// sits 10% away, so only strike 100 survives, both sides intact.
	s := chainWithStrikes(t, 100, 110)
	s.SetReferencePrice(101)
	s.PruneToBand(0.05)

	strikes := s.Strikes()
	if len(strikes) != 1 || strikes[0] != 100 {
		t.Fatalf("strikes after prune = %v, want [100]", strikes)
	}
	if sides := s.Sides(100); len(sides) != 2 {
		t.Fatalf("sides of retained strike = %v, want call and put", sides)
	}
	if sides := s.Sides(110); sides != nil {
		t.Fatalf("pruned strike still has sides: %v", sides)
	}
}

func TestPruneToBandKeepsBand(t *testing.T) {
	s := chainWithStrikes(t, 95, 100, 104, 120)
	s.SetReferencePrice(101)
	s.PruneToBand(0.05)

	strikes := s.Strikes()
	// anchor 100: 95 is 5%, 104 is 4%, 120 is 20%.
	if len(strikes) != 3 || strikes[0] != 95 || strikes[1] != 100 || strikes[2] != 104 {
		t.Fatalf("strikes after prune = %v, want [95 100 104]", strikes)
	}
}

func TestClosestStrikeTieBreaksLow(t *testing.T) {
	strikes := []float64{90, 100, 110}
	if got := closestStrike(strikes, 105); got != 100 {
		t.Fatalf("closestStrike(105) = %v, want 100 (tie toward lower)", got)
	}
	if got := closestStrike(strikes, 106); got != 110 {
		t.Fatalf("closestStrike(106) = %v, want 110", got)
	}
	if got := closestStrike(strikes, 50); got != 90 {
		t.Fatalf("closestStrike(50) = %v, want 90", got)
	}
	if got := closestStrike(strikes, 500); got != 110 {
		t.Fatalf("closestStrike(500) = %v, want 110", got)
	}
}

func TestApplyRemovalsDropsEmptyStrikes(t *testing.T) {
	s := chainWithStrikes(t, 100, 105)
	removals := NewRemovals()
	removals.Add(100, models.RightCall)
	removals.Add(100, models.RightPut)
	removals.Add(105, models.RightPut)

	s.ApplyRemovals(removals)

	if sides := s.Sides(100); sides != nil {
		t.Fatalf("strike 100 should be gone entirely, has sides %v", sides)
	}
	if sides := s.Sides(105); len(sides) != 1 || sides[0] != models.RightCall {
		t.Fatalf("strike 105 sides = %v, want [C]", sides)
	}
	if removals.Len() != 0 {
		t.Fatalf("removals not cleared after apply")
	}
}

func TestApplyRemovalsUnknownStrike(t *testing.T) {
	s := chainWithStrikes(t, 100)
	removals := NewRemovals()
	removals.Add(999, models.RightCall)
	s.ApplyRemovals(removals)
	if s.Len() != 1 {
		t.Fatalf("unrelated strike affected by removal of unknown strike")
	}
}

func TestInstrumentsOrdered(t *testing.T) {
	s := chainWithStrikes(t, 110, 100)
	insts := s.Instruments()
	if len(insts) != 4 {
		t.Fatalf("instrument count = %d, want 4", len(insts))
	}
	if insts[0].Strike != 100 || insts[0].Right != models.RightCall {
		t.Fatalf("unexpected first instrument: %+v", insts[0])
	}
	if insts[3].Strike != 110 || insts[3].Right != models.RightPut {
		t.Fatalf("unexpected last instrument: %+v", insts[3])
	}
}
