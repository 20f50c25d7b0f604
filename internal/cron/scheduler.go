// Package cron runs the agent's periodic jobs (update checks, deferred
// sync, connectivity probes, retention) on cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus descriptors such as
// "@every 30s" and "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one named periodic action.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// KV records each job's last run. Optional.
type KV interface {
	KVSet(ctx context.Context, key, val string) error
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Jobs     []Job
	KV       KV
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 second if zero
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
	next     time.Time
	running  bool
	lastRun  time.Time
	lastErr  error
}

// Status is a snapshot of one job.
type Status struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	LastRun time.Time `json:"last_run,omitempty"`
	LastErr string    `json:"last_error,omitempty"`
	Running bool      `json:"running"`
}

// Scheduler ticks at a fixed interval and fires every job whose next run
// time has passed. A job still running from its previous firing is skipped.
type Scheduler struct {
	kv       KV
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses every job spec up front so a bad expression fails at
// startup rather than silently never firing.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{kv: cfg.KV, logger: logger, interval: interval}
	now := time.Now()
	for _, j := range cfg.Jobs {
		if j.Run == nil {
			return nil, fmt.Errorf("cron job %q has no run function", j.Name)
		}
		sched, err := cronParser.Parse(j.Spec)
		if err != nil {
			return nil, fmt.Errorf("cron job %q: parse %q: %w", j.Name, j.Spec, err)
		}
		s.entries = append(s.entries, &entry{job: j, schedule: sched, next: sched.Next(now)})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "jobs", len(s.entries), "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it and any running job to
// exit.
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
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		e.next = e.schedule.Next(now)
		if e.running {
			s.logger.Debug("cron: job still running, skipped", "job", e.job.Name)
			continue
		}
		e.running = true
		s.wg.Add(1)
		go s.fire(ctx, e, now)
	}
}

// RunNow fires the named job immediately and waits for it.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var target *entry
	for _, e := range s.entries {
		if e.job.Name == name {
			target = e
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("cron job %q not found", name)
	}
	return target.job.Run(ctx)
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	defer s.wg.Done()
	err := e.job.Run(ctx)

	s.mu.Lock()
	e.running = false
	e.lastRun = now
	e.lastErr = err
	next := e.next
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("cron: job failed", "job", e.job.Name, "error", err)
	} else {
		s.logger.Debug("cron: job fired", "job", e.job.Name, "next_run_at", next)
	}
	if s.kv != nil {
		if kerr := s.kv.KVSet(context.WithoutCancel(ctx), "cron.last_run."+e.job.Name, now.UTC().Format(time.RFC3339)); kerr != nil {
			s.logger.Debug("cron: record last run", "job", e.job.Name, "error", kerr)
		}
	}
}

// Jobs returns a snapshot of every job.
func (s *Scheduler) Jobs() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{Name: e.job.Name, Spec: e.job.Spec, Next: e.next, LastRun: e.lastRun, Running: e.running}
		if e.lastErr != nil {
			st.LastErr = e.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
