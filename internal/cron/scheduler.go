// Package cron fires workflow runs on five-field cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one scheduled workflow.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	// Now overrides the clock in tests.
	Now func() time.Time
}

type entry struct {
	job     Job
	sched   cronlib.Schedule
	nextRun time.Time
	running bool
}

// Scheduler checks its jobs every Interval and starts the ones that are due.
// A job whose previous run is still in flight is not started again.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		logger:   logger,
		interval: interval,
		now:      now,
	}
}

// Add registers a job. Its first run is the first match after now.
func (s *Scheduler) Add(job Job) error {
	sched, err := cronParser.Parse(job.Expr)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{job: job, sched: sched, nextRun: sched.Next(s.now())})
	return nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", s.Len())
}

// Stop cancels the scheduler loop and waits for it and any running jobs to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every due job that is not already running.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if now.Before(e.nextRun) {
			continue
		}
		e.nextRun = e.sched.Next(now)
		if e.running {
			s.logger.Warn("cron: previous run still in flight, skipping",
				"job", e.job.Name, "next_run_at", e.nextRun)
			continue
		}
		e.running = true
		s.wg.Add(1)
		go s.fire(ctx, e)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		e.running = false
		s.mu.Unlock()
	}()

	started := s.now()
	s.logger.Info("cron: job fired", "job", e.job.Name)
	if err := e.job.Run(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", e.job.Name, "error", err)
		return
	}
	s.logger.Info("cron: job finished", "job", e.job.Name, "duration", s.now().Sub(started))
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
