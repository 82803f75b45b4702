package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/roach88/covenant/internal/logging"
)

// DefaultSchedule runs a cycle every minute.
const DefaultSchedule = "* * * * *"

// Cycler runs one ingestion cycle. *Pipeline satisfies it.
type Cycler interface {
	RunCycle(ctx context.Context) (CycleReport, error)
}

// Scheduler triggers cycles on a cron schedule.
// A tick that arrives while a cycle is still running is skipped, so cycles
// never overlap. Cycle errors are logged and the next tick retries.
type Scheduler struct {
	cycler   Cycler
	schedule string
	now      func() time.Time
	retry    time.Duration
	logger   zerolog.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock sets the clock used to compute the next tick.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler creates a Scheduler for a five or six field cron expression.
func NewScheduler(c Cycler, schedule string, logger zerolog.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid ingest schedule %q", schedule)
	}
	s := &Scheduler{
		cycler:   c,
		schedule: schedule,
		now:      time.Now,
		retry:    30 * time.Second,
		logger:   logging.Component(logger, "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run triggers cycles until ctx is cancelled. It returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Str("schedule", s.schedule).Msg("scheduler_started")
	defer s.logger.Info().Msg("scheduler_stopped")

	for {
		next, err := gronx.NextTickAfter(s.schedule, s.now(), false)
		if err != nil {
			s.logger.Error().Err(err).Str("schedule", s.schedule).Msg("scheduler_nexttick_failed")
			if !sleep(ctx, s.retry) {
				return nil
			}
			continue
		}

		if wait := next.Sub(s.now()); wait > 0 {
			if !sleep(ctx, wait) {
				return nil
			}
		}
		s.tick(ctx)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// tick runs one cycle and logs its failure.
func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.cycler.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrCycleInProgress):
		s.logger.Warn().Msg("tick_skipped_cycle_running")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error().Err(err).Msg("tick_failed")
	}
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
