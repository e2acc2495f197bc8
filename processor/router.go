package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "quoteflow/config"
	"quoteflow/internal/chain"
	"quoteflow/internal/gateway"
	"quoteflow/internal/pending"
	"quoteflow/logger"
	"quoteflow/models"
)

// Formatter turns a delivered bar into the output record for the request
// that produced it.
type Formatter interface {
	FormatRecord(req *models.FetchRequest, bar *models.Bar) models.BarRecord
}

// Sink receives formatted records.
type Sink interface {
	Append(rec models.BarRecord) error
}

// Router drains the gateway event stream and dispatches each event by its
// correlation id: bar data to the sink, terminal events to the pending
// registry, contract details to the chain state. An event carrying an id
// the registry never issued means the id bookkeeping is corrupt, and the
// router reports it on Failed() instead of guessing.
type Router struct {
	config   *appconfig.Config
	events   <-chan gateway.Event
	registry *pending.Registry
	resolver *chain.Resolver
	format   Formatter
	sink     Sink

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	failed chan error

	// Metrics
	barsRouted     int64
	streamsClosed  int64
	removalsQueued int64
	errorsCount    int64
}

func NewRouter(cfg *appconfig.Config, events <-chan gateway.Event, registry *pending.Registry, resolver *chain.Resolver, format Formatter, sink Sink) *Router {
	return &Router{
		config:   cfg,
		events:   events,
		registry: registry,
		resolver: resolver,
		format:   format,
		sink:     sink,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		failed:   make(chan error, 1),
	}
}

func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("router already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	r.log.WithComponent("router").Info("starting response router")

	r.wg.Add(1)
	go r.worker()
	return nil
}

func (r *Router) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
	r.log.WithComponent("router").WithFields(logger.Fields{
		"bars_routed":    r.barsRouted,
		"streams_closed": r.streamsClosed,
		"errors":         r.errorsCount,
	}).Info("response router stopped")
}

// Failed delivers the first invariant violation the router sees. The run
// cannot continue past one: an untracked correlation id means completed
// counts and the pacing gate are no longer trustworthy.
func (r *Router) Failed() <-chan error {
	return r.failed
}

func (r *Router) worker() {
	defer r.wg.Done()

	log := r.log.WithComponent("router")
	for {
		select {
		case <-r.ctx.Done():
			log.Info("router stopped due to context cancellation")
			return
		case ev, ok := <-r.events:
			if !ok {
				log.Info("gateway event channel closed, router stopping")
				return
			}
			r.route(ev)
		}
	}
}

func (r *Router) route(ev gateway.Event) {
	switch ev.Kind {
	case gateway.EventBar:
		r.routeBar(ev)
	case gateway.EventEndOfStream:
		r.routeEndOfStream(ev)
	case gateway.EventContractDetail:
		state := r.resolver.State()
		if state == nil {
			r.fatal(fmt.Errorf("contract detail before chain resolution began"))
			return
		}
		state.AddContract(*ev.Contract)
	case gateway.EventContractDetailEnd:
		state := r.resolver.State()
		if state == nil {
			r.fatal(fmt.Errorf("contract detail end before chain resolution began"))
			return
		}
		r.log.WithComponent("router").WithFields(logger.Fields{
			"contracts": state.Len(),
		}).Info("contract discovery complete")
		state.FinishDiscovery()
	case gateway.EventError:
		r.routeError(ev)
	}
}

func (r *Router) routeBar(ev gateway.Event) {
	if ev.ReqID == pending.ReqIDReferencePrice {
		state := r.resolver.State()
		if state == nil {
			r.fatal(fmt.Errorf("reference price bar before chain resolution began"))
			return
		}
		price := ev.Bar.Close.InexactFloat64()
		state.SetReferencePrice(price)
		r.log.WithComponent("router").WithFields(logger.Fields{
			"price": price,
		}).Debug("reference price bar")
		return
	}

	entry, ok := r.registry.Lookup(ev.ReqID)
	if !ok {
		r.fatal(fmt.Errorf("bar for untracked correlation id %d", ev.ReqID))
		return
	}

	rec := r.format.FormatRecord(entry.Request, ev.Bar)
	if err := r.sink.Append(rec); err != nil {
		r.errorsCount++
		r.log.WithComponent("router").WithError(err).WithFields(logger.Fields{
			"req_id": ev.ReqID,
			"symbol": entry.Request.Instrument.Symbol,
		}).Error("failed to write record")
		return
	}
	r.barsRouted++
	logger.IncrementBarReceived(1)
}

func (r *Router) routeEndOfStream(ev gateway.Event) {
	if ev.ReqID == pending.ReqIDReferencePrice || ev.ReqID == pending.ReqIDChainDetails {
		return
	}

	entry, err := r.registry.Complete(ev.ReqID)
	if err != nil {
		r.fatal(fmt.Errorf("end of stream for untracked correlation id %d: %w", ev.ReqID, err))
		return
	}
	r.streamsClosed++

	logger.LogFetchLatency(r.log.WithComponent("router"), "router", time.Since(entry.IssuedAt), logger.Fields{
		"req_id":      ev.ReqID,
		"symbol":      entry.Request.Instrument.Symbol,
		"side":        entry.Request.Side,
		"outstanding": r.registry.Outstanding(),
	})
}

func (r *Router) routeError(ev gateway.Event) {
	log := r.log.WithComponent("router").WithFields(logger.Fields{
		"req_id": ev.ReqID,
		"code":   ev.Code,
	})

	switch {
	case gateway.ConnectivityNotice(ev.Code):
		log.Debug("provider connectivity notice")
	case ev.Code == gateway.CodeMarketDataNotSubscribed:
		log.Debug("market data subscription notice")
	case ev.Code == gateway.CodeNoData:
		r.routeNoData(ev, log)
	default:
		r.errorsCount++
		log.WithFields(logger.Fields{"message": ev.Message}).Error("provider error")
	}
}

// routeNoData retires a request whose contract has no bars. For options the
// (strike, right) pair is queued for removal so later buckets stop asking.
func (r *Router) routeNoData(ev gateway.Event, log *logger.Entry) {
	if ev.ReqID == pending.ReqIDReferencePrice || ev.ReqID == pending.ReqIDChainDetails {
		log.Error("no data for chain bootstrap query")
		return
	}

	entry, err := r.registry.Fail(ev.ReqID)
	if err != nil {
		r.fatal(fmt.Errorf("no-data error for untracked correlation id %d: %w", ev.ReqID, err))
		return
	}

	inst := entry.Request.Instrument
	if inst.Kind == models.SecOption {
		r.resolver.Removals().Add(inst.Strike, inst.Right)
		r.removalsQueued++
	}
	log.WithFields(logger.Fields{
		"symbol": inst.Symbol,
		"strike": inst.Strike,
		"right":  inst.Right,
	}).Warn("no data for contract, retiring request")
}

func (r *Router) fatal(err error) {
	r.errorsCount++
	r.log.WithComponent("router").WithError(err).Error("correlation id bookkeeping violated")
	select {
	case r.failed <- err:
	default:
	}
}
