// Package cron runs the periodic stale-run sweep on a cron schedule.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Sweeper recovers stale runs. Implemented by the orchestrator.
type Sweeper interface {
	RecoverStaleRuns(ctx context.Context) (int, error)
}

// Config holds the dependencies for the sweep scheduler.
type Config struct {
	Sweeper  Sweeper
	Schedule string        // cron expression; defaults to every 10 minutes
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler fires the stale-run sweep whenever the cron schedule is due.
type Scheduler struct {
	sweeper  Sweeper
	schedule cronlib.Schedule
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "*/10 * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sweeper:  cfg.Sweeper,
		schedule: schedule,
		logger:   logger,
		interval: interval,
	}, nil
}

// Start begins the scheduler loop in a background goroutine. The sweep
// fires once immediately, then on the cron schedule.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweep scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweep scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	next := s.schedule.Next(time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			s.sweep(ctx)
			next = s.schedule.Next(now)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	recovered, err := s.sweeper.RecoverStaleRuns(ctx)
	if err != nil {
		s.logger.Error("stale run sweep failed", "error", err)
		return
	}
	if recovered > 0 {
		s.logger.Info("stale run sweep", "recovered", recovered)
	}
}

// NextRunTime parses the cron expression and returns the next fire time
// after the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}
