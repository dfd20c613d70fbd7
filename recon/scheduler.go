package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the polling scheduler.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	Logger     *slog.Logger
}

// Scheduler drives reconciliation ticks on a fixed cadence. Overlap is
// handled inside the reconciler itself; the scheduler never queues ticks.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{reconciler: cfg.Reconciler, interval: interval, logger: logger}
}

// Start begins the polling loop until the context is cancelled. The first
// tick runs immediately so a restarted process catches up without waiting a
// full interval.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	if err := s.reconciler.Tick(ctx); err != nil {
		s.logger.Error("reconciliation tick failed", "err", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reconciler.Tick(ctx); err != nil {
				s.logger.Error("reconciliation tick failed", "err", err)
			}
		}
	}
}
