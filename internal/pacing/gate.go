package pacing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quoteflow/config"
	"quoteflow/logger"
)

// headroom keeps admissions strictly under the configured window limit so a
// small clock disagreement with the provider cannot trip a pacing
// violation.
const headroom = 2

// Counter exposes the open-request count the gate admits against. The
// pending registry satisfies it.
type Counter interface {
	Outstanding() int
	Changes() <-chan struct{}
}

// Gate is the admission control in front of the gateway: at most R requests
// per rolling window, at most C outstanding at once, with a minimum spacing
// between consecutive issues. Acquire never fails on its own; it blocks
// until admission is safe or the context ends.
//
// Only the orchestration goroutine calls Acquire, and it issues and
// registers the request immediately after Acquire returns. That single-
// writer discipline is what closes the gap between the admission check and
// the issue.
type Gate struct {
	windowLimit int
	window      time.Duration
	maxOpen     int
	spacing     *rate.Limiter
	counter     Counter
	log         *logger.Log

	mu   sync.Mutex
	sent []time.Time
}

func NewGate(cfg config.PacingConfig, counter Counter) *Gate {
	spacing := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinSpacing > 0 {
		spacing = rate.NewLimiter(rate.Every(cfg.MinSpacing), 1)
	}
	return &Gate{
		windowLimit: cfg.WindowRequests,
		window:      time.Duration(cfg.WindowMinutes) * time.Minute,
		maxOpen:     cfg.MaxOpen,
		spacing:     spacing,
		counter:     counter,
		log:         logger.GetLogger(),
	}
}

// Acquire blocks until both pacing conditions hold, then records the issue
// timestamp into the rolling window and returns.
func (g *Gate) Acquire(ctx context.Context) error {
	log := g.log.WithComponent("pacing_gate")

	for {
		if wait := g.windowWait(time.Now()); wait > 0 {
			log.WithFields(logger.Fields{
				"wait_ms": wait.Milliseconds(),
			}).Debug("rolling window full, waiting for oldest entry to expire")
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if g.counter.Outstanding() >= g.maxOpen {
			if err := g.waitForCompletion(ctx); err != nil {
				return err
			}
			continue
		}

		if err := g.spacing.Wait(ctx); err != nil {
			return err
		}

		g.mu.Lock()
		g.sent = append(g.sent, time.Now())
		g.mu.Unlock()
		return nil
	}
}

// windowWait evicts expired timestamps and, when the window is still at the
// admission limit, returns how long until the oldest entry ages out.
func (g *Gate) windowWait(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.window)
	i := 0
	for i < len(g.sent) && g.sent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		g.sent = append(g.sent[:0], g.sent[i:]...)
	}

	if len(g.sent) < g.windowLimit-headroom {
		return 0
	}
	return g.sent[0].Add(g.window).Sub(now)
}

// WindowCount reports the number of live entries in the rolling window.
func (g *Gate) WindowCount() int {
	g.windowWait(time.Now())
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

// waitForCompletion blocks until the registry signals a removal, with a
// coarse timer as a safety net for missed signals.
func (g *Gate) waitForCompletion(ctx context.Context) error {
	timer := time.NewTimer(100 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.counter.Changes():
		return nil
	case <-timer.C:
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
