package fetcher

import (
	"context"
	"errors"

	"tick-downloader/internal/ticks"
)

// ErrTimeQueryUnsupported is returned by sources that cannot look trades up by time.
var ErrTimeQueryUnsupported = errors.New("fetcher: time-indexed fetch not supported")

// TickSource pages through an exchange's trade history by trade ID.
// A nil fromID returns the most recent page. Pages are ascending by ID.
type TickSource interface {
	FetchTicks(ctx context.Context, fromID *uint64) ([]ticks.Tick, error)
}

// TimeSource is implemented by sources that can fetch the first trades at or
// after a timestamp directly.
type TimeSource interface {
	FetchTicksAtTime(ctx context.Context, startTime int64, endTime *int64) ([]ticks.Tick, error)
}

// FetchFrom is a convenience wrapper around FetchTicks for a known ID.
func FetchFrom(ctx context.Context, src TickSource, id uint64) ([]ticks.Tick, error) {
	return src.FetchTicks(ctx, &id)
}
