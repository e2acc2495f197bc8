package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quoteflow/config"
	"quoteflow/internal/pending"
	"quoteflow/logger"
	"quoteflow/models"
)

// ErrWaitTimeout reports that the configured stall guard expired while
// waiting for the gateway.
var ErrWaitTimeout = errors.New("timed out waiting for gateway response")

// QuoteConn is the slice of the gateway connection the resolver needs.
type QuoteConn interface {
	HistoricalQuery(id int64, inst models.Instrument, start time.Time, spanMinutes int, side models.Side) error
	LiveSubscription(id int64, inst models.Instrument) error
	CancelLiveSubscription(id int64) error
	ContractDetailsQuery(id int64, inst models.Instrument) error
}

// Resolver materializes the option universe for one (underlying, date):
// expiry selection, reference price, contract discovery and the ATM band
// prune. The live State is swapped out per unit of work; the response
// router reads it through State().
type Resolver struct {
	config   *config.Config
	conn     QuoteConn
	log      *logger.Log
	removals *Removals

	mu    sync.RWMutex
	state *State
}

func NewResolver(cfg *config.Config, conn QuoteConn) *Resolver {
	return &Resolver{
		config:   cfg,
		conn:     conn,
		log:      logger.GetLogger(),
		removals: NewRemovals(),
	}
}

// State returns the chain state for the unit of work in progress, or nil
// before the first Begin.
func (r *Resolver) State() *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Removals returns the shared pending-removal set.
func (r *Resolver) Removals() *Removals {
	return r.removals
}

// Begin resets the resolver for a new (underlying, date) unit of work.
func (r *Resolver) Begin(underlying string) *State {
	r.mu.Lock()
	r.state = NewState(underlying)
	state := r.state
	r.mu.Unlock()
	r.removals.Drain()
	return state
}

// Materialize runs the full sequence for an option day: resolve the expiry,
// fetch the reference price, discover the universe and prune it to the ATM
// band. sessionStart is the clock time the reference price is sampled at.
func (r *Resolver) Materialize(ctx context.Context, underlying string, date time.Time, weekly bool, sessionStart time.Time) error {
	log := r.log.WithComponent("chain_resolver").WithFields(logger.Fields{
		"underlying": underlying,
		"date":       date.Format("20060102"),
	})

	state := r.Begin(underlying)

	expiry, err := ResolveExpiry(date, weekly)
	if err != nil {
		return err
	}
	log.WithFields(logger.Fields{"expiry": expiry.Format("20060102"), "weekly": weekly}).Info("expiry resolved")

	at := time.Date(date.Year(), date.Month(), date.Day(),
		sessionStart.Hour(), sessionStart.Minute(), 0, 0, date.Location())
	price, err := r.FetchReferencePrice(ctx, underlying, at)
	if err != nil {
		return err
	}
	log.WithFields(logger.Fields{"reference_price": price}).Info("reference price set")

	if err := r.DiscoverUniverse(ctx, underlying, expiry); err != nil {
		return err
	}

	state.PruneToBand(r.config.Fetch.ATMBand())
	log.WithFields(logger.Fields{
		"strikes": state.Len(),
		"band":    r.config.Fetch.ATMBand(),
	}).Info("universe pruned to ATM band")

	return nil
}

// FetchReferencePrice obtains the underlying price at the given moment: a
// short historical query for past dates, a live subscription otherwise. It
// blocks until the response path records a concrete price.
func (r *Resolver) FetchReferencePrice(ctx context.Context, underlying string, at time.Time) (float64, error) {
	state := r.State()
	if state == nil {
		return 0, fmt.Errorf("no active chain state")
	}

	inst := models.StockInstrument(underlying)
	live := at.After(time.Now())
	if sameDay(at, time.Now()) {
		live = true
	}

	if live {
		if err := r.conn.LiveSubscription(pending.ReqIDReferencePrice, inst); err != nil {
			return 0, fmt.Errorf("live reference-price subscription: %w", err)
		}
	} else {
		if err := r.conn.HistoricalQuery(pending.ReqIDReferencePrice, inst, at, 1, models.SideBidAsk); err != nil {
			return 0, fmt.Errorf("historical reference-price query: %w", err)
		}
	}

	if err := r.wait(ctx, state.PriceReady(), "reference price"); err != nil {
		return 0, err
	}

	if live {
		if err := r.conn.CancelLiveSubscription(pending.ReqIDReferencePrice); err != nil {
			r.log.WithComponent("chain_resolver").WithError(err).Warn("failed to cancel live subscription")
		}
	}

	price, _ := state.ReferencePrice()
	return price, nil
}

// DiscoverUniverse issues the single ambiguous details query that covers
// every strike and side for the expiry, then blocks until the response path
// marks discovery complete.
func (r *Resolver) DiscoverUniverse(ctx context.Context, underlying string, expiry time.Time) error {
	state := r.State()
	if state == nil {
		return fmt.Errorf("no active chain state")
	}

	if err := r.conn.ContractDetailsQuery(pending.ReqIDChainDetails, models.AmbiguousOption(underlying, expiry)); err != nil {
		return fmt.Errorf("contract details query: %w", err)
	}
	return r.wait(ctx, state.DiscoveryDone(), "universe discovery")
}

// wait blocks on ready, bounded by the configured stall guard when one is
// set. A zero timeout waits forever, matching the provider contract of
// "responses always come eventually".
func (r *Resolver) wait(ctx context.Context, ready <-chan struct{}, what string) error {
	var timeout <-chan time.Time
	if d := r.config.Fetch.WaitTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return fmt.Errorf("%w: %s", ErrWaitTimeout, what)
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
