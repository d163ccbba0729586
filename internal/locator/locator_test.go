package locator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tick-downloader/internal/fetcher"
	"tick-downloader/internal/fetcher/fetchertest"
	"tick-downloader/internal/ticks"
)

func newLocator(src *fetchertest.Source) *Locator {
	return New(src, Options{RetryDelay: time.Millisecond}, zerolog.Nop())
}

func assertBoundary(t *testing.T, src *fetchertest.Source, res Result, target int64) {
	t.Helper()
	require.NotEmpty(t, res.Ticks)
	first := res.Ticks[0]
	assert.GreaterOrEqual(t, first.Timestamp, target)
	if first.TradeID > 1 {
		assert.Less(t, src.Tick(first.TradeID-1).Timestamp, target)
	}
}

func TestLocateConcreteScenario(t *testing.T) {
	src := fetchertest.New(fetchertest.Options{Tip: 500_000})
	target := int64(1_000_000 + 250_000*10)

	res, err := newLocator(src).Locate(context.Background(), target)
	require.NoError(t, err)

	assert.False(t, res.Direct)
	assert.LessOrEqual(t, res.Rounds, 10)
	id := res.Ticks[0].TradeID
	assert.GreaterOrEqual(t, id, uint64(249_995))
	assert.LessOrEqual(t, id, uint64(250_005))
	assertBoundary(t, src, res, target)
	assert.Equal(t, 1, src.TimeCalls)
}

func TestLocateUsesTimeIndexedFetch(t *testing.T) {
	src := fetchertest.New(fetchertest.Options{Tip: 500_000, SupportsTime: true})
	target := int64(1_000_000 + 123_456*10 + 3)

	res, err := newLocator(src).Locate(context.Background(), target)
	require.NoError(t, err)
	assert.True(t, res.Direct)
	assert.Equal(t, 0, src.IDCalls)
	assert.Equal(t, uint64(123_457), res.Ticks[0].TradeID)
}

func TestLocateConvergesOnUnevenDensity(t *testing.T) {
	clock := func(id uint64) int64 {
		if id <= 200_000 {
			return 1_000_000 + int64(id)*10
		}
		return 3_000_000 + int64(id-200_000)*2
	}
	src := fetchertest.New(fetchertest.Options{Tip: 500_000, TimeOf: clock})

	for _, target := range []int64{clock(100_000), clock(100_000) + 5, clock(350_000), clock(499_500)} {
		res, err := newLocator(src).Locate(context.Background(), target)
		require.NoError(t, err, "target %d", target)
		assertBoundary(t, src, res, target)
	}
}

func TestLocateWithRepeatedTimestamps(t *testing.T) {
	// four trades per millisecond bucket
	clock := func(id uint64) int64 { return 1_000_000 + int64(id/4)*10 }
	src := fetchertest.New(fetchertest.Options{Tip: 500_000, TimeOf: clock})

	for _, id := range []uint64{1, 2, 4, 1_003, 250_001, 333_334, 499_999} {
		target := clock(id)
		res, err := newLocator(src).Locate(context.Background(), target)
		require.NoError(t, err, "target %d", target)
		assertBoundary(t, src, res, target)
		assert.Equal(t, max(1, id/4*4), res.Ticks[0].TradeID, "target %d", target)
	}
}

func TestLocateStepsBelowWindowStartingAtTarget(t *testing.T) {
	src := fetchertest.New(fetchertest.Options{Tip: 500_000})
	target := src.Tick(250_000).Timestamp

	loc := newLocator(src)
	window, err := loc.fetch(context.Background(), ptr(uint64(250_000)))
	require.NoError(t, err)
	assert.False(t, encloses(window, target))

	window, err = loc.fetch(context.Background(), ptr(uint64(1)))
	require.NoError(t, err)
	assert.True(t, encloses(window, src.Tick(1).Timestamp))

	res, err := loc.Locate(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, uint64(250_000), res.Ticks[0].TradeID)
	assertBoundary(t, src, res, target)
}

func TestNewFallsBackToDefaultRetryDelay(t *testing.T) {
	src := fetchertest.New(fetchertest.Options{Tip: 10})
	loc := New(src, Options{Pacer: fetcher.NewPacer(0)}, zerolog.Nop())
	assert.Equal(t, defaultRetryDelay, loc.opts.RetryDelay)

	loc = New(src, Options{Pacer: fetcher.NewPacer(2 * time.Second)}, zerolog.Nop())
	assert.Equal(t, 2*time.Second, loc.opts.RetryDelay)
}

func ptr[T any](v T) *T { return &v }

func TestLocateBeforeFirstTrade(t *testing.T) {
	src := fetchertest.New(fetchertest.Options{Tip: 500_000})
	res, err := newLocator(src).Locate(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Ticks[0].TradeID)
}

func TestLocateAfterTip(t *testing.T) {
	src := fetchertest.New(fetchertest.Options{Tip: 500_000})
	res, err := newLocator(src).Locate(context.Background(), src.Tick(500_000).Timestamp+1)
	require.NoError(t, err)
	assert.Empty(t, res.Ticks)
}

func TestLocateRetriesFailedFetches(t *testing.T) {
	src := fetchertest.New(fetchertest.Options{Tip: 500_000})
	src.FailNext(3)
	target := int64(1_000_000 + 42_000*10)

	res, err := newLocator(src).Locate(context.Background(), target)
	require.NoError(t, err)
	assertBoundary(t, src, res, target)
}

type stuckSource struct{ latest []ticks.Tick }

func (s *stuckSource) FetchTicks(_ context.Context, fromID *uint64) ([]ticks.Tick, error) {
	if fromID == nil {
		return s.latest, nil
	}
	return nil, nil
}

func TestLocateGivesUpAfterMaxRounds(t *testing.T) {
	src := &stuckSource{latest: []ticks.Tick{{TradeID: 900, Timestamp: 9000}, {TradeID: 1000, Timestamp: 10000}}}
	l := New(src, Options{RetryDelay: time.Millisecond, MaxRounds: 3}, zerolog.Nop())

	res, err := l.Locate(context.Background(), 100)
	require.ErrorIs(t, err, ErrNotConverged)
	assert.Equal(t, 3, res.Rounds)
}

func TestLocateHonoursCancellation(t *testing.T) {
	src := fetchertest.New(fetchertest.Options{Tip: 500_000})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newLocator(src).Locate(ctx, 5_000_000)
	require.Error(t, err)
}

func TestLocateInWindow(t *testing.T) {
	src := fetchertest.New(fetchertest.Options{Tip: 500_000})
	target := src.Tick(250_000).Timestamp

	window, err := newLocator(src).LocateInWindow(context.Background(), target, nil)
	require.NoError(t, err)
	require.NotEmpty(t, window)
	assert.Less(t, window[0].Timestamp, target)
	assert.Greater(t, window[len(window)-1].Timestamp, target)

	// a window that already encloses the target is returned untouched
	calls := src.Calls()
	again, err := newLocator(src).LocateInWindow(context.Background(), target, window)
	require.NoError(t, err)
	assert.Equal(t, window, again)
	assert.Equal(t, calls, src.Calls())
}
