// Package locator finds the first trade at or after a timestamp on sources
// that are only paginated by trade ID.
package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"tick-downloader/internal/fetcher"
	"tick-downloader/internal/ticks"
)

// ErrNotConverged is returned when the search exceeds its round budget.
var ErrNotConverged = errors.New("locator: search did not converge")

// ErrNoTrades is returned when the source has no trades at all.
var ErrNoTrades = errors.New("locator: source returned no trades")

const (
	defaultMaxRounds  = 100
	defaultRetryDelay = 750 * time.Millisecond
	minDensity        = 1e-3
)

// Options tune the search.
type Options struct {
	Pacer      *fetcher.Pacer
	RetryDelay time.Duration
	MaxRounds  int
}

// Result is the located window trimmed to trades at or after the target.
type Result struct {
	Ticks  []ticks.Tick
	Rounds int
	Direct bool
}

// Locator resolves timestamps to trade IDs.
type Locator struct {
	src    fetcher.TickSource
	opts   Options
	logger zerolog.Logger
}

// New constructs a Locator.
func New(src fetcher.TickSource, opts Options, logger zerolog.Logger) *Locator {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = defaultMaxRounds
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = opts.Pacer.Delay()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	return &Locator{
		src:    src,
		opts:   opts,
		logger: logger.With().Str("component", "locator").Logger(),
	}
}

// Locate returns the trades at or after target from the first window that
// encloses it. Sources implementing fetcher.TimeSource are asked directly;
// otherwise the ID is estimated from the trade density of the windows seen so
// far and refined round by round.
func (l *Locator) Locate(ctx context.Context, target int64) (Result, error) {
	if ts, ok := l.src.(fetcher.TimeSource); ok {
		page, err := ts.FetchTicksAtTime(ctx, target, nil)
		if err == nil {
			return Result{Ticks: ticks.Since(ticks.SortDedup(page), target), Direct: true}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if !errors.Is(err, fetcher.ErrTimeQueryUnsupported) {
			l.logger.Warn().Err(err).Msg("time-indexed fetch failed, estimating by density")
		}
	}

	l.logger.Info().Time("target", time.UnixMilli(target).UTC()).Msg("finding id for start time")
	window, err := l.fetch(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	if len(window) == 0 {
		return Result{}, ErrNoTrades
	}
	highest := window[len(window)-1].TradeID
	if target > window[len(window)-1].Timestamp {
		// nothing has traded at or after target yet
		return Result{}, nil
	}

	var (
		densities []float64
		rounds    int
	)
	for !encloses(window, target) {
		if rounds >= l.opts.MaxRounds {
			return Result{Rounds: rounds}, fmt.Errorf("%w after %d rounds", ErrNotConverged, rounds)
		}
		rounds++
		if err := l.opts.Pacer.Wait(ctx); err != nil {
			return Result{Rounds: rounds}, err
		}

		first, last := window[0], window[len(window)-1]
		densities = append(densities, float64(last.Timestamp-first.Timestamp)/float64(len(window)))
		density := mean(densities)
		if density < minDensity {
			density = minDensity
		}
		forward := int64(float64(first.Timestamp-target) / density)
		if first.Timestamp >= target && forward < 1 {
			// trades sharing the target millisecond may sit below the window
			forward = int64(max(1, len(window)/2))
		}
		candidate := int64(first.TradeID) - forward
		if candidate < 1 {
			candidate = 1
		}
		if uint64(candidate) > highest {
			candidate = int64(highest)
		}
		l.logger.Debug().
			Uint64("earliest_id", first.TradeID).
			Time("from", time.UnixMilli(first.Timestamp).UTC()).
			Time("to", time.UnixMilli(last.Timestamp).UTC()).
			Int64("estimated_distance", forward).
			Msg("estimating start id")

		id := uint64(candidate)
		page, err := l.fetch(ctx, &id)
		if err != nil {
			return Result{Rounds: rounds}, err
		}
		if len(page) == 0 {
			continue
		}
		window = page
		if id == 1 && window[0].Timestamp >= target {
			break
		}
	}
	l.logger.Info().Int("rounds", rounds).Uint64("first_id", window[0].TradeID).Msg("found id for start time")
	return Result{Ticks: ticks.Since(window, target), Rounds: rounds}, nil
}

// LocateInWindow returns a window whose span strictly contains target,
// starting from an optional previously fetched window. Each step projects
// the target ID linearly from the current window and recentres the next
// fetch half a window below the projection.
func (l *Locator) LocateInWindow(ctx context.Context, target int64, window []ticks.Tick) ([]ticks.Tick, error) {
	if len(window) == 0 {
		page, err := l.fetch(ctx, nil)
		if err != nil {
			return nil, err
		}
		window = page
	}
	for round := 0; ; round++ {
		if len(window) == 0 {
			return nil, ErrNoTrades
		}
		first, last := window[0], window[len(window)-1]
		if first.Timestamp < target && target < last.Timestamp {
			return window, nil
		}
		if round >= l.opts.MaxRounds {
			return nil, fmt.Errorf("%w after %d rounds", ErrNotConverged, round)
		}
		if err := l.opts.Pacer.Wait(ctx); err != nil {
			return nil, err
		}

		span := float64(last.Timestamp - first.Timestamp)
		if span <= 0 {
			span = 1
		}
		n := float64(len(window))
		var guess float64
		if target < first.Timestamp {
			guess = float64(first.TradeID) - n*float64(first.Timestamp-target)/span
		} else {
			guess = float64(last.TradeID) + n*float64(target-last.Timestamp)/span
		}
		guess -= n / 2
		if guess < 1 {
			guess = 1
		}
		id := uint64(guess)
		page, err := l.fetch(ctx, &id)
		if err != nil {
			return nil, err
		}
		l.logger.Debug().Uint64("guessed_id", id).Int("count", len(page)).Msg("recentred window")
		if len(page) > 0 && page[0].TradeID == first.TradeID && page[len(page)-1].TradeID == last.TradeID {
			return nil, fmt.Errorf("%w: window stopped moving at id %d", ErrNotConverged, id)
		}
		window = page
	}
}

// fetch retries a page request after the standard delay until it succeeds or
// ctx is cancelled.
func (l *Locator) fetch(ctx context.Context, fromID *uint64) ([]ticks.Tick, error) {
	var page []ticks.Tick
	op := func() error {
		res, err := l.src.FetchTicks(ctx, fromID)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			l.logger.Warn().Err(err).Msg("failed to fetch, retrying")
			return err
		}
		page = ticks.SortDedup(res)
		return nil
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(l.opts.RetryDelay), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("fetch window: %w", err)
	}
	return page, nil
}

// encloses reports whether the first trade at or after target is inside
// window with its predecessor: the window must start strictly before target,
// unless it starts at the very first trade.
func encloses(window []ticks.Tick, target int64) bool {
	first, last := window[0], window[len(window)-1]
	if target > last.Timestamp {
		return false
	}
	return first.Timestamp < target || first.TradeID == 1
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
