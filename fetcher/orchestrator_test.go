package fetcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	appconfig "quoteflow/config"
	"quoteflow/internal/chain"
	"quoteflow/internal/pacing"
	"quoteflow/internal/pending"
	"quoteflow/models"
)

type issuedQuery struct {
	id   int64
	inst models.Instrument
	end  time.Time
	span int
	side models.Side
}

// ackConn records every historical query and immediately completes it, as
// if the provider answered with an instant end-of-stream.
type ackConn struct {
	mu       sync.Mutex
	registry *pending.Registry
	queries  []issuedQuery
}

func (c *ackConn) HistoricalQuery(id int64, inst models.Instrument, end time.Time, span int, side models.Side) error {
	c.mu.Lock()
	c.queries = append(c.queries, issuedQuery{id: id, inst: inst, end: end, span: span, side: side})
	c.mu.Unlock()
	go c.registry.Complete(id)
	return nil
}

func (c *ackConn) LiveSubscription(int64, models.Instrument) error     { return nil }
func (c *ackConn) CancelLiveSubscription(int64) error                  { return nil }
func (c *ackConn) ContractDetailsQuery(int64, models.Instrument) error { return nil }

func (c *ackConn) issued() []issuedQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]issuedQuery, len(c.queries))
	copy(out, c.queries)
	return out
}

type recordingSink struct {
	opened    []string
	closed    int
	abandoned int
	closeErr  error
}

func (s *recordingSink) OpenDay(path string) error { s.opened = append(s.opened, path); return nil }
func (s *recordingSink) CloseDay() error           { s.closed++; return s.closeErr }
func (s *recordingSink) AbandonDay()               { s.abandoned++ }

func stockRunConfig(t *testing.T) *appconfig.Config {
	t.Helper()
	return &appconfig.Config{
		Session: appconfig.SessionConfig{Start: "0930", End: "1600", BucketMinutes: 60, GraceMinutes: 5},
		Fetch: appconfig.FetchConfig{
			SecType: appconfig.SecTypeStock,
			Assets:  []string{"AAPL"},
			Dates:   []string{"20240116"},
		},
		Pacing: appconfig.PacingConfig{WindowRequests: 1000, WindowMinutes: 10, MaxOpen: 100},
		Output: appconfig.OutputConfig{Format: appconfig.FormatText, Dir: t.TempDir()},
	}
}

func newStockOrchestrator(t *testing.T, cfg *appconfig.Config) (*Orchestrator, *ackConn, *recordingSink, chan error) {
	t.Helper()
	registry := pending.NewRegistry()
	conn := &ackConn{registry: registry}
	gate := pacing.NewGate(cfg.Pacing, registry)
	mode, err := NewMode(cfg, nil)
	if err != nil {
		t.Fatalf("NewMode failed: %v", err)
	}
	sink := &recordingSink{}
	failed := make(chan error, 1)
	o := NewOrchestrator(cfg, conn, registry, gate, nil, mode, sink, failed)
	return o, conn, sink, failed
}

func TestRunIssuesAskAndBidPerBucket(t *testing.T) {
	cfg := stockRunConfig(t)
	o, conn, sink, _ := newStockOrchestrator(t, cfg)

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Seven buckets, one ask and one bid each.
	queries := conn.issued()
	if len(queries) != 14 {
		t.Fatalf("queries issued = %d, want 14", len(queries))
	}
	asks, bids := 0, 0
	for _, q := range queries {
		switch q.side {
		case models.SideAsk:
			asks++
		case models.SideBid:
			bids++
		}
		if q.inst.Symbol != "AAPL" {
			t.Errorf("query for %q", q.inst.Symbol)
		}
	}
	if asks != 7 || bids != 7 {
		t.Errorf("asks = %d bids = %d, want 7 each", asks, bids)
	}

	// The grace cutoff never stretches the closing query.
	last := queries[len(queries)-1]
	if last.span != 60 || last.end.Format("15:04") != "16:00" {
		t.Errorf("last query span %d end %s", last.span, last.end.Format("15:04"))
	}

	wantPath := filepath.Join(cfg.Output.Dir, "AAPL", "RawData-AAPL-20240116.txt")
	if len(sink.opened) != 1 || sink.opened[0] != wantPath {
		t.Errorf("sink opened %v, want %s", sink.opened, wantPath)
	}
	if sink.closed != 1 {
		t.Errorf("sink closed %d times", sink.closed)
	}
	if sink.abandoned != 0 {
		t.Errorf("sink abandoned %d times on a clean run", sink.abandoned)
	}
}

func TestRunPropagatesSealError(t *testing.T) {
	cfg := stockRunConfig(t)
	o, _, sink, _ := newStockOrchestrator(t, cfg)

	sinkErr := errors.New("write day file: disk full")
	sink.closeErr = sinkErr

	err := o.Run(context.Background())
	if !errors.Is(err, sinkErr) {
		t.Fatalf("Run error = %v, want the seal failure", err)
	}
	if o.daysFetched != 0 {
		t.Fatalf("day counted as fetched although nothing was written")
	}
	if sink.abandoned != 0 {
		t.Fatalf("sealed day abandoned after CloseDay was attempted")
	}
}

func TestRunSkipsExistingOutput(t *testing.T) {
	cfg := stockRunConfig(t)
	dir := filepath.Join(cfg.Output.Dir, "AAPL")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "RawData-AAPL-20240116.txt")
	if err := os.WriteFile(path, []byte("already here\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	o, conn, sink, _ := newStockOrchestrator(t, cfg)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(conn.issued()) != 0 {
		t.Fatalf("queries issued for an existing day file")
	}
	if len(sink.opened) != 0 {
		t.Fatalf("sink opened for a skipped day")
	}
}

func TestRunOverwriteRefetches(t *testing.T) {
	cfg := stockRunConfig(t)
	cfg.Output.Overwrite = true
	dir := filepath.Join(cfg.Output.Dir, "AAPL")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "RawData-AAPL-20240116.txt")
	if err := os.WriteFile(path, []byte("stale\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	o, conn, _, _ := newStockOrchestrator(t, cfg)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(conn.issued()) != 14 {
		t.Fatalf("queries issued = %d, want 14", len(conn.issued()))
	}
}

func TestRunAbortsOnRouterFailure(t *testing.T) {
	cfg := stockRunConfig(t)
	o, _, sink, failed := newStockOrchestrator(t, cfg)

	sentinel := errors.New("correlation id bookkeeping violated")
	failed <- sentinel

	err := o.Run(context.Background())
	if !errors.Is(err, sentinel) {
		t.Fatalf("Run error = %v, want the router failure", err)
	}
	if sink.closed != 0 || sink.abandoned != 1 {
		t.Fatalf("aborted day closed %d abandoned %d, want the file dropped", sink.closed, sink.abandoned)
	}
}

func TestFetchBucketAppliesRemovals(t *testing.T) {
	cfg := stockRunConfig(t)
	cfg.Fetch.SecType = appconfig.SecTypeOption
	cfg.Fetch.PctFromATM = 7

	registry := pending.NewRegistry()
	conn := &ackConn{registry: registry}
	gate := pacing.NewGate(cfg.Pacing, registry)
	resolver := chain.NewResolver(cfg, conn)
	state := resolver.Begin("SPY")

	expiry := time.Date(2024, time.January, 19, 0, 0, 0, 0, time.UTC)
	for _, strike := range []float64{465, 470} {
		state.AddContract(models.OptionInstrument("SPY", expiry, strike, models.RightCall))
		state.AddContract(models.OptionInstrument("SPY", expiry, strike, models.RightPut))
	}

	mode, err := NewMode(cfg, resolver)
	if err != nil {
		t.Fatalf("NewMode failed: %v", err)
	}
	o := NewOrchestrator(cfg, conn, registry, gate, resolver, mode, &recordingSink{}, make(chan error, 1))

	bucket := Bucket{End: time.Date(2024, time.January, 16, 10, 0, 0, 0, time.UTC), SpanMinutes: 30}
	if _, err := o.fetchBucket(context.Background(), nil, bucket); err != nil {
		t.Fatalf("fetchBucket failed: %v", err)
	}
	if got := len(conn.issued()); got != 8 {
		t.Fatalf("first bucket queries = %d, want 8", got)
	}

	// A no-data removal reported between buckets retires 465 calls.
	resolver.Removals().Add(465, models.RightCall)
	if _, err := o.fetchBucket(context.Background(), nil, bucket); err != nil {
		t.Fatalf("fetchBucket failed: %v", err)
	}

	second := conn.issued()[8:]
	if len(second) != 6 {
		t.Fatalf("second bucket queries = %d, want 6", len(second))
	}
	for _, q := range second {
		if q.inst.Strike == 465 && q.inst.Right == models.RightCall {
			t.Fatalf("retired contract still queried: %+v", q.inst)
		}
	}
}
