// Package scheduler runs the recurring retry sweep: it finds deliveries due
// for another attempt and hands them back to the dispatcher.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mailhook/mailhook/internal/config"
	"github.com/mailhook/mailhook/internal/logging"
	"github.com/mailhook/mailhook/internal/metrics"
	"github.com/mailhook/mailhook/internal/store"
)

// Attempter is the dispatcher side the sweep drives.
type Attempter interface {
	Attempt(ctx context.Context, deliveryID int64)
}

// Scheduler sweeps due deliveries on a fixed interval. Sweeps never overlap:
// cron's SkipIfStillRunning wrapper is the non-reentrant guard, and the
// per-row claim makes a sweep safe against concurrent dispatch anyway.
type Scheduler struct {
	store     store.Store
	attempter Attempter
	cfg       config.Scheduler
	logger    *logging.Logger
	cron      *cron.Cron

	now func() time.Time // test seam
}

func New(s store.Store, a Attempter, cfg config.Scheduler, logger *logging.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Scheduler{
		store:     s,
		attempter: a,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the sweep and begins running it. Call Stop to halt.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	_, err := s.cron.AddFunc(
		"@every "+s.cfg.SweepInterval.String(),
		func() { s.Sweep(ctx) },
	)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep performs one pass over due deliveries. A failure on one delivery
// must not starve the rest, so Attempt swallows per-row errors; a failure
// to even list due rows ends the sweep and the next tick retries.
func (s *Scheduler) Sweep(ctx context.Context) {
	start := time.Now()
	ids, err := s.store.DueDeliveries(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("retry sweep: list due deliveries failed")
		return
	}
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.attempter.Attempt(ctx, id)
	}
	metrics.RecordSweep(time.Since(start), len(ids))
	if len(ids) > 0 {
		s.logger.WithContext(ctx).WithField("picked", len(ids)).Info("retry sweep completed")
	}
}
