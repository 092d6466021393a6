// Package scheduler drives the reminder engine: a periodic sweep of due
// reminders and a cron-scheduled purge of old terminal ones.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/notexe/nagbot/internal/reminder"
)

// Ticker is the engine's sweep entry point.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (reminder.TickReport, error)
}

// maxSweeps bounds how many sweeps may overlap. A sweep held up by a
// slow delivery keeps one slot; the reminders it owns are skipped by the
// others.
const maxSweeps = 4

// Scheduler calls Tick on a fixed interval and, when a purger is set,
// runs the retention purge on a cron schedule. Sweeps run in the
// background and do not wait for each other.
type Scheduler struct {
	engine   Ticker
	clock    clock.Clock
	interval time.Duration
	log      *zap.SugaredLogger

	purger    reminder.Purger
	purgeSpec string
	retention time.Duration

	sweeps chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock whose time is passed to Tick.
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) { s.clock = clk }
}

// WithPurge enables the retention job: on every spec firing, terminal
// reminders older than retention are removed.
func WithPurge(p reminder.Purger, spec string, retention time.Duration) Option {
	return func(s *Scheduler) {
		s.purger = p
		s.purgeSpec = spec
		s.retention = retention
	}
}

// New creates a Scheduler.
func New(engine Ticker, interval time.Duration, log *zap.SugaredLogger, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:   engine,
		clock:    clock.New(),
		interval: interval,
		log:      log,
		sweeps:   make(chan struct{}, maxSweeps),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks and runs a sweep on interval and immediately on start.
// It exits when ctx is cancelled, after the running sweeps return.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", s.interval)
	}

	if s.purger != nil {
		c, err := s.startPurge(ctx)
		if err != nil {
			return err
		}
		defer func() { <-c.Stop().Done() }()
	}

	s.log.Infof("Started. Interval: %s", s.interval)

	defer s.wg.Wait()

	s.startSweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Shutting down...")
			return nil
		case <-ticker.C:
			s.startSweep(ctx)
		}
	}
}

// startSweep runs a sweep in the background unless maxSweeps are
// already running.
func (s *Scheduler) startSweep(ctx context.Context) {
	select {
	case s.sweeps <- struct{}{}:
	default:
		s.log.Warnw("Previous sweeps still running, skipping this one", "running", maxSweeps)
		return
	}

	now := s.clock.Now()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sweeps }()
		s.tick(ctx, now)
	}()
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	report, err := s.engine.Tick(ctx, now)
	if err != nil {
		s.log.Errorw("Sweep failed", "error", err)
		return
	}
	if report.Due == 0 {
		s.log.Debug("No reminders due.")
		return
	}

	s.log.Infow("Sweep done",
		"due", report.Due,
		"fired", report.Fired,
		"retrying", report.Retrying,
		"failed_fires", report.FailedFires,
		"expired", report.Expired,
		"skipped", report.Skipped,
		"errors", report.Errors)
}

func (s *Scheduler) startPurge(ctx context.Context) (*cron.Cron, error) {
	if s.retention <= 0 {
		return nil, fmt.Errorf("purge retention must be positive, got %s", s.retention)
	}

	c := cron.New()
	if _, err := c.AddFunc(s.purgeSpec, func() { s.purge(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", s.purgeSpec, err)
	}
	c.Start()
	s.log.Infof("Purge scheduled %q, retention %s", s.purgeSpec, s.retention)
	return c, nil
}

func (s *Scheduler) purge(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.retention)
	n, err := s.purger.Purge(ctx, cutoff)
	if err != nil {
		s.log.Errorw("Purge failed", "cutoff", cutoff, "error", err)
		return
	}
	s.log.Infow("Purged terminal reminders", "count", n, "cutoff", cutoff)
}
