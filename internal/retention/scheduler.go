package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kozaktomas/child-finder/internal/logging"
)

// Schedule decides when a recurring job runs.
type Schedule interface {
	// Next returns the first run strictly after t.
	Next(t time.Time) time.Time
	// Due reports whether a run started at t is on schedule.
	Due(t time.Time) bool
	String() string
}

type monthly struct {
	day int
}

// Monthly runs at midnight on the given day of every month. day must be 1-28.
func Monthly(day int) Schedule {
	return monthly{day: day}
}

func (m monthly) Next(t time.Time) time.Time {
	next := time.Date(t.Year(), t.Month(), m.day, 0, 0, 0, 0, t.Location())
	if !next.After(t) {
		next = next.AddDate(0, 1, 0)
	}
	return next
}

func (m monthly) Due(t time.Time) bool {
	return t.Day() == m.day
}

func (m monthly) String() string {
	return fmt.Sprintf("monthly on day %d", m.day)
}

type every struct {
	interval time.Duration
}

// Every runs at a fixed interval. Any time is on schedule.
func Every(interval time.Duration) Schedule {
	return every{interval: interval}
}

func (e every) Next(t time.Time) time.Time {
	return t.Add(e.interval)
}

func (e every) Due(time.Time) bool {
	return true
}

func (e every) String() string {
	return "every " + e.interval.String()
}

// NewSchedule builds a schedule from its configuration name.
func NewSchedule(kind string, dayOfMonth int, interval time.Duration) (Schedule, error) {
	switch kind {
	case "monthly":
		if dayOfMonth < 1 || dayOfMonth > 28 {
			return nil, fmt.Errorf("day of month must be within [1, 28], got %d", dayOfMonth)
		}
		return Monthly(dayOfMonth), nil
	case "interval":
		if interval <= 0 {
			return nil, fmt.Errorf("interval must be positive, got %s", interval)
		}
		return Every(interval), nil
	}
	return nil, fmt.Errorf("unknown schedule %q", kind)
}

// Job is one scheduled run.
type Job func(ctx context.Context, now time.Time) error

// Scheduler runs a job on a schedule until its context is cancelled.
type Scheduler struct {
	name       string
	schedule   Schedule
	job        Job
	runOnStart bool
	logger     *slog.Logger

	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// NewScheduler creates a scheduler. With runOnStart the job also runs at
// startup when the schedule says the current time is due.
func NewScheduler(name string, schedule Schedule, job Job, runOnStart bool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		name:       name,
		schedule:   schedule,
		job:        job,
		runOnStart: runOnStart,
		logger:     logging.OrDefault(logger),
		Now:        time.Now,
	}
}

// Run blocks until ctx is done. Job errors are logged and do not stop the scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := s.logger.With("job", s.name, "schedule", s.schedule.String())

	if s.runOnStart && s.schedule.Due(s.Now()) {
		s.runJob(ctx, logger)
	}

	for {
		now := s.Now()
		next := s.schedule.Next(now)
		logger.Debug("next run scheduled", "at", next)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.runJob(ctx, logger)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, logger *slog.Logger) {
	if err := s.job(ctx, s.Now()); err != nil {
		logger.Error("scheduled job failed", "error", err)
	}
}
