package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "quoteflow/config"
	"quoteflow/internal/chain"
	"quoteflow/internal/gateway"
	"quoteflow/internal/pending"
	"quoteflow/models"
)

type nopConn struct{}

func (nopConn) HistoricalQuery(int64, models.Instrument, time.Time, int, models.Side) error {
	return nil
}
func (nopConn) LiveSubscription(int64, models.Instrument) error  { return nil }
func (nopConn) CancelLiveSubscription(int64) error               { return nil }
func (nopConn) ContractDetailsQuery(int64, models.Instrument) error { return nil }

type captureSink struct {
	mu      sync.Mutex
	records []models.BarRecord
}

func (s *captureSink) Append(rec models.BarRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type symbolFormatter struct{}

func (symbolFormatter) FormatRecord(req *models.FetchRequest, bar *models.Bar) models.BarRecord {
	return models.BarRecord{
		Symbol: req.Instrument.Symbol,
		Open:   bar.Open,
		High:   bar.High,
		Low:    bar.Low,
		Close:  bar.Close,
	}
}

type routerFixture struct {
	events   chan gateway.Event
	registry *pending.Registry
	resolver *chain.Resolver
	sink     *captureSink
	router   *Router
	cancel   context.CancelFunc
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	events := make(chan gateway.Event, 16)
	registry := pending.NewRegistry()
	resolver := chain.NewResolver(&appconfig.Config{}, nopConn{})
	resolver.Begin("SPY")
	sink := &captureSink{}
	router := NewRouter(&appconfig.Config{}, events, registry, resolver, symbolFormatter{}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	if err := router.Start(ctx); err != nil {
		t.Fatalf("router start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		router.Stop()
	})
	return &routerFixture{events: events, registry: registry, resolver: resolver, sink: sink, router: router, cancel: cancel}
}

func (f *routerFixture) drain(t *testing.T) {
	t.Helper()
	close(f.events)
	f.router.Stop()
}

func testBar(close string) *models.Bar {
	c := decimal.RequireFromString(close)
	return &models.Bar{Time: time.Now(), Open: c, High: c, Low: c, Close: c}
}

func TestRouterReferencePriceBar(t *testing.T) {
	f := newRouterFixture(t)

	f.events <- gateway.Event{Kind: gateway.EventBar, ReqID: pending.ReqIDReferencePrice, Bar: testBar("471.25")}
	f.drain(t)

	price, ok := f.resolver.State().ReferencePrice()
	if !ok || price != 471.25 {
		t.Fatalf("reference price = %v (%v), want 471.25", price, ok)
	}
	if f.sink.count() != 0 {
		t.Fatalf("reference bar reached the sink")
	}
}

func TestRouterBarWritesRecordAndKeepsEntry(t *testing.T) {
	f := newRouterFixture(t)

	req := models.NewFetchRequest(models.StockInstrument("SPY"), time.Now(), 60, models.SideAsk)
	id := f.registry.Register(req)

	f.events <- gateway.Event{Kind: gateway.EventBar, ReqID: id, Bar: testBar("471.25")}
	f.events <- gateway.Event{Kind: gateway.EventBar, ReqID: id, Bar: testBar("471.30")}
	f.drain(t)

	if got := f.sink.count(); got != 2 {
		t.Fatalf("records written = %d, want 2", got)
	}
	if f.sink.records[0].Symbol != "SPY" {
		t.Errorf("record symbol = %q", f.sink.records[0].Symbol)
	}
	// Entry stays open until the end-of-stream event.
	if f.registry.Outstanding() != 1 {
		t.Fatalf("outstanding = %d, want 1", f.registry.Outstanding())
	}
}

func TestRouterEndOfStreamCompletes(t *testing.T) {
	f := newRouterFixture(t)

	req := models.NewFetchRequest(models.StockInstrument("SPY"), time.Now(), 60, models.SideBid)
	id := f.registry.Register(req)

	f.events <- gateway.Event{Kind: gateway.EventEndOfStream, ReqID: id}
	f.drain(t)

	if f.registry.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", f.registry.Outstanding())
	}
	select {
	case err := <-f.router.Failed():
		t.Fatalf("unexpected failure: %v", err)
	default:
	}
}

func TestRouterUntrackedEndOfStreamFails(t *testing.T) {
	f := newRouterFixture(t)

	f.events <- gateway.Event{Kind: gateway.EventEndOfStream, ReqID: 31337}
	f.drain(t)

	select {
	case err := <-f.router.Failed():
		if err == nil {
			t.Fatal("nil failure")
		}
	default:
		t.Fatal("untracked end of stream did not fail the router")
	}
}

func TestRouterUntrackedBarFails(t *testing.T) {
	f := newRouterFixture(t)

	f.events <- gateway.Event{Kind: gateway.EventBar, ReqID: 31337, Bar: testBar("471.25")}
	f.drain(t)

	select {
	case err := <-f.router.Failed():
		if err == nil {
			t.Fatal("nil failure")
		}
	default:
		t.Fatal("untracked bar did not fail the router")
	}
	if f.sink.count() != 0 {
		t.Fatalf("untracked bar reached the sink")
	}
}

func TestRouterChainEventBeforeResolutionFails(t *testing.T) {
	events := make(chan gateway.Event, 16)
	registry := pending.NewRegistry()
	resolver := chain.NewResolver(&appconfig.Config{}, nopConn{})
	router := NewRouter(&appconfig.Config{}, events, registry, resolver, symbolFormatter{}, &captureSink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := router.Start(ctx); err != nil {
		t.Fatalf("router start: %v", err)
	}

	expiry := time.Date(2024, time.January, 19, 0, 0, 0, 0, time.UTC)
	call := models.OptionInstrument("SPY", expiry, 470, models.RightCall)
	events <- gateway.Event{Kind: gateway.EventContractDetail, ReqID: pending.ReqIDChainDetails, Contract: &call}
	events <- gateway.Event{Kind: gateway.EventContractDetailEnd, ReqID: pending.ReqIDChainDetails}
	events <- gateway.Event{Kind: gateway.EventBar, ReqID: pending.ReqIDReferencePrice, Bar: testBar("471.25")}
	close(events)
	router.Stop()

	select {
	case err := <-router.Failed():
		if err == nil {
			t.Fatal("nil failure")
		}
	default:
		t.Fatal("chain event before resolution did not fail the router")
	}
}

func TestRouterNoDataQueuesRemoval(t *testing.T) {
	f := newRouterFixture(t)

	expiry := time.Date(2024, time.January, 19, 0, 0, 0, 0, time.UTC)
	inst := models.OptionInstrument("SPY", expiry, 470, models.RightCall)
	req := models.NewFetchRequest(inst, time.Now(), 60, models.SideAsk)
	id := f.registry.Register(req)

	f.events <- gateway.Event{Kind: gateway.EventError, ReqID: id, Code: gateway.CodeNoData, Message: "no data"}
	f.drain(t)

	if f.registry.Outstanding() != 0 {
		t.Fatalf("no-data request still outstanding")
	}
	removed := f.resolver.Removals().Drain()
	rights, ok := removed[470]
	if !ok || len(rights) != 1 || rights[0] != models.RightCall {
		t.Fatalf("removals = %v, want 470/C", removed)
	}
}

func TestRouterConnectivityNoticesIgnored(t *testing.T) {
	f := newRouterFixture(t)

	req := models.NewFetchRequest(models.StockInstrument("SPY"), time.Now(), 60, models.SideAsk)
	id := f.registry.Register(req)

	for _, code := range []int{2103, 2104, 2108, 2157, 2158, gateway.CodeMarketDataNotSubscribed} {
		f.events <- gateway.Event{Kind: gateway.EventError, ReqID: id, Code: code}
	}
	f.drain(t)

	if f.registry.Outstanding() != 1 {
		t.Fatalf("connectivity notice retired a live request")
	}
	select {
	case err := <-f.router.Failed():
		t.Fatalf("unexpected failure: %v", err)
	default:
	}
}

func TestRouterContractDetails(t *testing.T) {
	f := newRouterFixture(t)

	expiry := time.Date(2024, time.January, 19, 0, 0, 0, 0, time.UTC)
	call := models.OptionInstrument("SPY", expiry, 470, models.RightCall)
	put := models.OptionInstrument("SPY", expiry, 470, models.RightPut)

	f.events <- gateway.Event{Kind: gateway.EventContractDetail, ReqID: pending.ReqIDChainDetails, Contract: &call}
	f.events <- gateway.Event{Kind: gateway.EventContractDetail, ReqID: pending.ReqIDChainDetails, Contract: &put}
	f.events <- gateway.Event{Kind: gateway.EventContractDetailEnd, ReqID: pending.ReqIDChainDetails}
	f.drain(t)

	state := f.resolver.State()
	if !state.Discovered() {
		t.Fatal("discovery not marked done")
	}
	if state.Len() != 2 {
		t.Fatalf("contracts = %d, want 2", state.Len())
	}
	select {
	case <-state.DiscoveryDone():
	default:
		t.Fatal("DiscoveryDone channel not closed")
	}
}
