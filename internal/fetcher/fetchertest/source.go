// Package fetchertest provides an in-memory trade history for exercising the
// ingestion stages without a network.
package fetchertest

import (
	"context"
	"errors"
	"sync"

	"tick-downloader/internal/fetcher"
	"tick-downloader/internal/ticks"
)

// ErrInjected is returned when a failure has been scheduled with FailNext.
var ErrInjected = errors.New("fetchertest: injected failure")

// Source serves a dense ID space 1..Tip with timestamps derived from TimeOf.
type Source struct {
	mu sync.Mutex

	tip          uint64
	timeOf       func(id uint64) int64
	pageSize     int
	supportsTime bool
	failNext     int

	IDCalls   int
	TimeCalls int
	// Requested records every fromID passed to FetchTicks; 0 stands for nil.
	Requested []uint64
}

// Options configure a Source.
type Options struct {
	Tip          uint64
	TimeOf       func(id uint64) int64
	PageSize     int
	SupportsTime bool
}

// New builds a source. The default clock is 1e6 + 10ms per ID.
func New(opts Options) *Source {
	if opts.TimeOf == nil {
		opts.TimeOf = LinearTime(1_000_000, 10)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	return &Source{tip: opts.Tip, timeOf: opts.TimeOf, pageSize: opts.PageSize, supportsTime: opts.SupportsTime}
}

// LinearTime returns a clock where ID n trades at base + n*step.
func LinearTime(base, step int64) func(uint64) int64 {
	return func(id uint64) int64 { return base + int64(id)*step }
}

// SetTip moves the newest available trade ID.
func (s *Source) SetTip(tip uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tip = tip
}

// FailNext makes the next n calls return ErrInjected.
func (s *Source) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Calls returns the total number of fetches served.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.IDCalls + s.TimeCalls
}

// Tick returns the synthetic trade with the given ID.
func (s *Source) Tick(id uint64) ticks.Tick {
	return ticks.Tick{
		TradeID:      id,
		Price:        100 + float64(id%7),
		Qty:          1 + float64(id%3),
		Timestamp:    s.timeOf(id),
		IsBuyerMaker: id%2 == 0,
	}
}

// Range returns ticks lo..hi inclusive, clipped to the tip.
func (s *Source) Range(lo, hi uint64) []ticks.Tick {
	if lo == 0 {
		lo = 1
	}
	if hi > s.tip {
		hi = s.tip
	}
	if hi < lo {
		return nil
	}
	out := make([]ticks.Tick, 0, hi-lo+1)
	for id := lo; id <= hi; id++ {
		out = append(out, s.Tick(id))
	}
	return out
}

func (s *Source) FetchTicks(ctx context.Context, fromID *uint64) ([]ticks.Tick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IDCalls++
	if s.failNext > 0 {
		s.failNext--
		return nil, ErrInjected
	}
	page := uint64(s.pageSize)
	if fromID == nil {
		s.Requested = append(s.Requested, 0)
		lo := uint64(1)
		if s.tip >= page {
			lo = s.tip - page + 1
		}
		return s.Range(lo, s.tip), nil
	}
	s.Requested = append(s.Requested, *fromID)
	return s.Range(*fromID, *fromID+page-1), nil
}

func (s *Source) FetchTicksAtTime(ctx context.Context, startTime int64, endTime *int64) ([]ticks.Tick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TimeCalls++
	if !s.supportsTime {
		return nil, fetcher.ErrTimeQueryUnsupported
	}
	// the clock is monotone so a binary search finds the first ID at or after startTime
	lo, hi := uint64(1), s.tip+1
	for lo < hi {
		mid := lo + (hi-lo)/2
		if s.timeOf(mid) < startTime {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	out := s.Range(lo, lo+uint64(s.pageSize)-1)
	if endTime != nil {
		out = ticks.Filter(out, func(t ticks.Tick) bool { return t.Timestamp <= *endTime })
	}
	return out, nil
}

var (
	_ fetcher.TickSource = (*Source)(nil)
	_ fetcher.TimeSource = (*Source)(nil)
)
