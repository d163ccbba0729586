package archive

import (
	"context"
	"errors"
	"fmt"

	"tick-downloader/internal/ticks"
)

// Request bounds an ingestion: trades with StartTime <= ts <= EndTime and
// StartID < id <= EndID. Zero IDs and an OpenEnded time are unbounded.
type Request struct {
	StartTime int64
	EndTime   int64
	StartID   uint64
	EndID     uint64
}

// Result is the frame and watermark left after the last unit.
type Result struct {
	Frame     []ticks.Tick
	StartID   uint64
	StartTime int64
	NextID    uint64
	LastTime  int64
	Written   []string
	Units     int
	Failed    int
}

// Ingest walks the archive units covering the request, merging each into a
// running frame and flushing completed blocks through store. A unit that
// cannot be fetched or decoded is logged and contributes nothing.
func (f *Fetcher) Ingest(ctx context.Context, req Request, store Checkpointer) (Result, error) {
	res := Result{
		StartID:   req.StartID,
		StartTime: req.StartTime,
		NextID:    req.StartID + 1,
		LastTime:  req.StartTime,
	}

	var reference []ticks.Tick
	if f.opts.Format == FormatCSVGz && f.opts.Reference != nil {
		ref, err := f.opts.Reference(ctx, req.StartID, req.StartTime)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			f.logger.Warn().Err(err).Msg("no reference window, archive ids cannot be deduced")
		}
		reference = ref
	}

	for _, unit := range f.Units(req.StartTime, req.EndTime) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Units++
		rows, err := f.FetchUnit(ctx, unit, reference)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			if errors.Is(err, ErrNotPublished) {
				f.logger.Info().Str("unit", unit.Date).Msg("archive not published")
			} else {
				f.logger.Warn().Err(err).Str("unit", unit.Date).Msg("failed to fetch archive")
			}
			continue
		}

		startID, startTime := res.StartID, res.StartTime
		rows = ticks.Filter(rows, func(t ticks.Tick) bool {
			switch {
			case t.Timestamp < startTime:
				return false
			case req.EndTime != ticks.OpenEnded && t.Timestamp > req.EndTime:
				return false
			case startID != 0 && t.TradeID <= startID:
				return false
			case req.EndID != 0 && t.TradeID > req.EndID:
				return false
			}
			return true
		})
		res.Frame = ticks.Merge(res.Frame, rows)

		if store != nil {
			rest, written, err := store.Checkpoint(res.Frame)
			res.Frame = rest
			res.Written = append(res.Written, written...)
			if err != nil {
				return res, fmt.Errorf("checkpoint archive %s: %w", unit.Date, err)
			}
		}
		if len(res.Frame) > 0 {
			first, last := res.Frame[0], res.Frame[len(res.Frame)-1]
			res.StartID = first.TradeID - 1
			res.StartTime = first.Timestamp
			res.NextID = last.TradeID + 1
			res.LastTime = last.Timestamp
		}
	}
	return res, nil
}
