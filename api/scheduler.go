/*
scheduler.go - Automated overdue sweep

PURPOSE:
  Periodically moves invoices whose due date has passed from outstanding
  or partial to overdue, so the payment axis reflects reality without an
  operator triggering it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweeps once immediately on start, then on every tick
  - Invoices changed concurrently are skipped and retried on the next tick
  - The last result is kept for the status endpoint and logs

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewOverdueScheduler(engine.Lifecycle, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerOverdueSweep endpoint (manual sweep)
  - billing/lifecycle.go: MarkOverdue
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/billing"
)

// schedulerActor is recorded as the actor of automated transitions.
const schedulerActor = "scheduler"

// SweepResult is the outcome of one sweep.
type SweepResult struct {
	RanAt   time.Time
	Updated int
	Err     error
}

// OverdueScheduler runs MarkOverdue on a ticker.
type OverdueScheduler struct {
	Lifecycle     *billing.Lifecycle
	CheckInterval time.Duration
	Enabled       bool
	Logger        zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   *SweepResult
}

// NewOverdueScheduler creates a new scheduler.
func NewOverdueScheduler(lifecycle *billing.Lifecycle, logger zerolog.Logger) *OverdueScheduler {
	return &OverdueScheduler{
		Lifecycle:     lifecycle,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Logger:        logger,
	}
}

// Start begins the scheduler.
func (s *OverdueScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info().Msg("overdue scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx, s.ticker, s.stop)

	s.Logger.Info().Dur("interval", s.CheckInterval).Msg("overdue scheduler started")
}

// Stop cancels an in-flight sweep and waits for it to return.
func (s *OverdueScheduler) Stop() {
	s.mu.Lock()
	ticker, stop, cancel := s.ticker, s.stop, s.cancel
	s.ticker, s.stop, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	cancel()
	close(stop)
	s.wg.Wait()
	s.Logger.Info().Msg("overdue scheduler stopped")
}

// LastResult returns the most recent sweep, or nil before the first one.
func (s *OverdueScheduler) LastResult() *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

func (s *OverdueScheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-stop:
			return
		}
	}
}

func (s *OverdueScheduler) sweep(ctx context.Context) {
	now := s.Lifecycle.Clock()
	n, err := s.Lifecycle.MarkOverdue(ctx, now, schedulerActor)

	if err != nil {
		s.Logger.Error().Err(err).Msg("overdue sweep failed")
	} else {
		s.Logger.Debug().Int("updated", n).Time("as_of", now).Msg("overdue sweep complete")
	}

	s.mu.Lock()
	s.last = &SweepResult{RanAt: now, Updated: n, Err: err}
	s.mu.Unlock()
}
