package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RunFunc is invoked once per follow round.
type RunFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// Immediate runs the first round without waiting for the interval.
	Immediate bool
	// MaxRounds stops the loop after that many rounds; zero runs until cancelled.
	MaxRounds int
}

// Scheduler repeats an ingestion run on a fixed cadence.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking fn each interval until ctx is cancelled or MaxRounds
// rounds have run. A failing round is logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context, fn RunFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	rounds := 0
	if s.opts.Immediate {
		s.round(ctx, fn, time.Now().UTC())
		rounds++
	}

	next := s.nextRun(time.Now().UTC())
	for s.opts.MaxRounds == 0 || rounds < s.opts.MaxRounds {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextRun(time.Now().UTC())
			delay = time.Until(next)
		}

		s.logger.Debug().Time("next_run", next).Msg("waiting for next run")
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		s.round(ctx, fn, s.roundStart(next))
		rounds++
		next = next.Add(s.opts.Interval)
	}
	return nil
}

func (s *Scheduler) round(ctx context.Context, fn RunFunc, at time.Time) {
	s.logger.Info().Time("at", at).Msg("executing follow round")
	if err := fn(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("at", at).Msg("follow round failed")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextRun(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	next := now.Truncate(s.opts.Interval)
	if !next.After(now) {
		next = next.Add(s.opts.Interval)
	}
	return next
}

func (s *Scheduler) roundStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
