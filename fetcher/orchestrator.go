package fetcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	appconfig "quoteflow/config"
	"quoteflow/internal/chain"
	"quoteflow/internal/pacing"
	"quoteflow/internal/pending"
	"quoteflow/logger"
	"quoteflow/models"
)

// DaySink owns the output file for the day currently being fetched.
// CloseDay seals the file; AbandonDay drops it without writing.
type DaySink interface {
	OpenDay(path string) error
	CloseDay() error
	AbandonDay()
}

// Orchestrator drives the fetch: for every trading day and asset it
// resolves the instrument universe, walks the session buckets and issues
// one ask and one bid query per instrument per bucket, each admitted by
// the pacing gate. The response router consumes the results concurrently;
// the orchestrator only blocks on admission and on the end-of-day drain.
type Orchestrator struct {
	config   *appconfig.Config
	conn     chain.QuoteConn
	registry *pending.Registry
	gate     *pacing.Gate
	resolver *chain.Resolver
	mode     Mode
	sink     DaySink
	failed   <-chan error

	log *logger.Log

	requestsIssued int64
	daysFetched    int64
	daysSkipped    int64
}

func NewOrchestrator(cfg *appconfig.Config, conn chain.QuoteConn, registry *pending.Registry, gate *pacing.Gate, resolver *chain.Resolver, mode Mode, sink DaySink, failed <-chan error) *Orchestrator {
	return &Orchestrator{
		config:   cfg,
		conn:     conn,
		registry: registry,
		gate:     gate,
		resolver: resolver,
		mode:     mode,
		sink:     sink,
		failed:   failed,
		log:      logger.GetLogger(),
	}
}

// Run fetches every configured (asset, day) pair and returns when all
// requests have drained or the run aborts.
func (o *Orchestrator) Run(ctx context.Context) error {
	dates, err := o.config.Fetch.TradingDates()
	if err != nil {
		return err
	}

	log := o.log.WithComponent("orchestrator")
	log.WithFields(logger.Fields{
		"sec_type": o.config.Fetch.SecType,
		"assets":   o.config.Fetch.Assets,
		"days":     len(dates),
	}).Info("starting fetch run")

	for _, day := range dates {
		for _, asset := range o.config.Fetch.Assets {
			if err := o.fetchDay(ctx, asset, day); err != nil {
				return fmt.Errorf("fetch %s %s: %w", asset, day.Format("20060102"), err)
			}
		}
	}

	log.WithFields(logger.Fields{
		"days_fetched":    o.daysFetched,
		"days_skipped":    o.daysSkipped,
		"requests_issued": o.requestsIssued,
	}).Info("fetch run complete")
	return nil
}

func (o *Orchestrator) fetchDay(ctx context.Context, asset string, day time.Time) error {
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"asset": asset,
		"day":   day.Format("20060102"),
	})

	path := filepath.Join(o.config.Output.Dir, o.mode.OutputDir(asset), o.mode.FileName(asset, day))
	if !o.config.Output.Overwrite {
		if _, err := os.Stat(path); err == nil {
			o.daysSkipped++
			log.WithFields(logger.Fields{"path": path}).Info("output exists, skipping day")
			return nil
		}
	}

	start := time.Now()
	universe, err := o.mode.Universe(ctx, asset, day)
	if err != nil {
		return err
	}
	if len(universe) == 0 {
		log.Warn("empty instrument universe, skipping day")
		return nil
	}

	buckets, err := SessionBuckets(day, o.config.Session)
	if err != nil {
		return err
	}

	if err := o.sink.OpenDay(path); err != nil {
		return err
	}
	// A day that aborts before sealing is discarded, so the next run does
	// not mistake a partial file for a finished one.
	sealed := false
	defer func() {
		if !sealed {
			o.sink.AbandonDay()
		}
	}()

	issued := 0
	for _, bucket := range buckets {
		if err := o.checkFailed(ctx); err != nil {
			return err
		}
		n, err := o.fetchBucket(ctx, universe, bucket)
		if err != nil {
			return err
		}
		issued += n
	}

	// Let the tail of the last bucket drain before sealing the file.
	if err := o.registry.WaitIdle(ctx); err != nil {
		return err
	}
	if err := o.checkFailed(ctx); err != nil {
		return err
	}

	sealed = true
	if err := o.sink.CloseDay(); err != nil {
		return err
	}

	o.daysFetched++
	logger.LogFetchLatency(log, "orchestrator", time.Since(start), logger.Fields{
		"instruments":     len(universe),
		"buckets":         len(buckets),
		"requests_issued": issued,
	})
	return nil
}

// fetchBucket issues the ask and bid queries for every live instrument.
// Option chains shrink between buckets: removals reported since the last
// bucket are applied first, so retired strikes are never queried again.
func (o *Orchestrator) fetchBucket(ctx context.Context, universe []models.Instrument, bucket Bucket) (int, error) {
	instruments := universe
	if o.config.Fetch.SecType == appconfig.SecTypeOption {
		state := o.resolver.State()
		state.ApplyRemovals(o.resolver.Removals())
		instruments = state.Instruments()
	}

	issued := 0
	for _, inst := range instruments {
		for _, side := range []models.Side{models.SideAsk, models.SideBid} {
			if err := o.gate.Acquire(ctx); err != nil {
				return issued, err
			}

			req := models.NewFetchRequest(inst, bucket.End, bucket.SpanMinutes, side)
			id := o.registry.Register(req)
			if err := o.conn.HistoricalQuery(id, inst, bucket.End, bucket.SpanMinutes, side); err != nil {
				o.registry.Fail(id)
				return issued, err
			}
			issued++
			o.requestsIssued++
			logger.IncrementRequestIssued()
		}
	}
	return issued, nil
}

func (o *Orchestrator) checkFailed(ctx context.Context) error {
	select {
	case err := <-o.failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
