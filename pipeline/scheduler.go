package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Refresher triggers one scrape-and-aggregate cycle.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context) error

func (f RefresherFunc) Refresh(ctx context.Context) error { return f(ctx) }

// SchedulerConfig holds the recurring job intervals. Zero or negative
// intervals disable the job.
type SchedulerConfig struct {
	TrendInterval   time.Duration // scrape cycle (default 1h)
	RestockInterval time.Duration // restock check (default 24h)
	CleanupInterval time.Duration // expired-listing cleanup (default 24h)
}

// Scheduler runs the recurring pipeline jobs. Each job ticks on its own
// goroutine so a slow scrape cycle never delays the daily jobs, and none of
// them block stage consumption.
type Scheduler struct {
	cfg       SchedulerConfig
	refresher Refresher
	notifier  *Notifier
	logger    *zap.SugaredLogger

	// cleanup, when set, runs before the cleanup notification fires.
	cleanup func(ctx context.Context) error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler wires the recurring jobs. refresher may be nil to disable
// scheduled scrape cycles.
func NewScheduler(cfg SchedulerConfig, refresher Refresher, notifier *Notifier, logger *zap.SugaredLogger) *Scheduler {
	if cfg.TrendInterval == 0 {
		cfg.TrendInterval = time.Hour
	}
	if cfg.RestockInterval == 0 {
		cfg.RestockInterval = 24 * time.Hour
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Scheduler{
		cfg:       cfg,
		refresher: refresher,
		notifier:  notifier,
		logger:    logger,
	}
}

// WithCleanup registers the expired-signal cleanup run by the cleanup job.
func (s *Scheduler) WithCleanup(fn func(ctx context.Context) error) *Scheduler {
	s.cleanup = fn
	return s
}

// Start launches the job tickers. Call Stop to halt them.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.refresher != nil {
		s.runEvery(ctx, "trend_refresh", s.cfg.TrendInterval, func(ctx context.Context) {
			if err := s.refresher.Refresh(ctx); err != nil {
				s.logger.Errorw("Scheduled scrape cycle failed", "error", err)
			}
		})
	}

	s.runEvery(ctx, "restock_check", s.cfg.RestockInterval, func(ctx context.Context) {
		s.notifier.Notify(ctx, "Restock check complete")
	})

	s.runEvery(ctx, "listing_cleanup", s.cfg.CleanupInterval, func(ctx context.Context) {
		if s.cleanup != nil {
			if err := s.cleanup(ctx); err != nil {
				s.logger.Errorw("Expired listing cleanup failed", "error", err)
				return
			}
		}
		s.notifier.Notify(ctx, "Expired listing cleanup complete")
	})

	s.logger.Infow("Scheduler started",
		"trend_interval", s.cfg.TrendInterval,
		"restock_interval", s.cfg.RestockInterval,
		"cleanup_interval", s.cfg.CleanupInterval)
}

// runEvery ticks fn at the given interval until ctx is cancelled.
func (s *Scheduler) runEvery(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.logger.Debugw("Running scheduled job", "job", name)
				fn(ctx)
			}
		}
	}()
}

// Stop halts all job tickers and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Infow("Scheduler stopped")
}
