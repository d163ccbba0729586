// Package catchup follows a source's trade history forward by ID, one page at
// a time, until it reaches a bound, the live tip or the settle window.
package catchup

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tick-downloader/internal/fetcher"
	"tick-downloader/internal/ticks"
)

// DefaultSettleWindow is how far behind wall-clock time history is considered final.
const DefaultSettleWindow = 10 * time.Second

// StopReason explains why a run ended.
type StopReason string

const (
	StopReachedEnd StopReason = "reached_end"
	StopEmpty      StopReason = "empty"
	StopNoProgress StopReason = "no_progress"
	StopSettled    StopReason = "settled"
	StopFetchError StopReason = "fetch_error"
	StopCanceled   StopReason = "canceled"
)

// Checkpointer flushes whole blocks of a frame to durable storage.
type Checkpointer interface {
	Checkpoint(frame []ticks.Tick) ([]ticks.Tick, []string, error)
}

// Options configure the fetcher.
type Options struct {
	Pacer        *fetcher.Pacer
	SettleWindow time.Duration
	Now          func() time.Time
}

// Request describes one catch-up run.
type Request struct {
	// FromID is the next trade ID wanted.
	FromID uint64
	// FromTime is the timestamp of the newest trade already held.
	FromTime int64
	// MaxID stops the run once passed; 0 is unbounded.
	MaxID uint64
	// MaxTime stops the run once passed; ticks.OpenEnded is unbounded.
	MaxTime int64
	// Ceiling drops accumulated ticks above it; 0 keeps everything.
	Ceiling uint64
	// Frame seeds the accumulated ticks.
	Frame []ticks.Tick
	// Checkpoint flushes completed blocks while running.
	Checkpoint bool
}

// Result is the state left behind by a run.
type Result struct {
	Frame    []ticks.Tick
	NextID   uint64
	LastTime int64
	Pages    int
	Written  []string
	Stop     StopReason
}

// Fetcher runs sequential catch-up against one source.
type Fetcher struct {
	src    fetcher.TickSource
	store  Checkpointer
	opts   Options
	logger zerolog.Logger
}

// New constructs a Fetcher. store may be nil when checkpointing is never requested.
func New(src fetcher.TickSource, store Checkpointer, opts Options, logger zerolog.Logger) *Fetcher {
	if opts.SettleWindow <= 0 {
		opts.SettleWindow = DefaultSettleWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Fetcher{
		src:    src,
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "catchup").Logger(),
	}
}

// Settled reports whether history at ts may still change.
func (f *Fetcher) Settled(ts int64) bool {
	return f.opts.Now().UnixMilli()-ts <= f.opts.SettleWindow.Milliseconds()
}

// Run pages forward from req.FromID. Fetch errors end the run without
// failing it; only a cancelled context or a failed checkpoint is returned as
// an error.
func (f *Fetcher) Run(ctx context.Context, req Request) (Result, error) {
	res := Result{Frame: req.Frame, NextID: req.FromID, LastTime: req.FromTime}
	if res.NextID == 0 {
		res.NextID = 1
	}
	for {
		switch {
		case req.MaxID != 0 && res.NextID > req.MaxID:
			res.Stop = StopReachedEnd
		case req.MaxTime != ticks.OpenEnded && res.LastTime > req.MaxTime:
			res.Stop = StopReachedEnd
		case f.Settled(res.LastTime):
			res.Stop = StopSettled
		}
		if res.Stop != "" {
			break
		}

		if err := f.opts.Pacer.Wait(ctx); err != nil {
			res.Stop = StopCanceled
			return res, err
		}
		from := res.NextID
		page, err := f.src.FetchTicks(ctx, &from)
		if err != nil {
			if ctx.Err() != nil {
				res.Stop = StopCanceled
				return res, ctx.Err()
			}
			f.logger.Warn().Err(err).Uint64("from_id", from).Msg("failed to fetch, stopping catch-up")
			res.Stop = StopFetchError
			break
		}
		res.Pages++
		page = ticks.SortDedup(page)
		if len(page) == 0 {
			f.logger.Info().Uint64("from_id", from).Msg("response empty, no new trades")
			res.Stop = StopEmpty
			break
		}
		last := page[len(page)-1]
		if last.TradeID < from {
			f.logger.Info().Uint64("from_id", from).Msg("same trade id again, no new trades")
			res.Stop = StopNoProgress
			break
		}

		res.Frame = ticks.Merge(res.Frame, page)
		res.NextID = last.TradeID + 1
		res.LastTime = last.Timestamp
		if req.Ceiling != 0 {
			ceiling := req.Ceiling
			res.Frame = ticks.Filter(res.Frame, func(t ticks.Tick) bool { return t.TradeID <= ceiling })
		}
		if req.Checkpoint && f.store != nil {
			rest, written, err := f.store.Checkpoint(res.Frame)
			res.Frame = rest
			res.Written = append(res.Written, written...)
			if err != nil {
				return res, err
			}
		}
		f.logger.Debug().
			Uint64("next_id", res.NextID).
			Time("last_time", time.UnixMilli(res.LastTime).UTC()).
			Int("held", len(res.Frame)).
			Msg("caught up page")
	}
	f.logger.Debug().Str("stop", string(res.Stop)).Int("pages", res.Pages).Msg("catch-up finished")
	return res, nil
}
