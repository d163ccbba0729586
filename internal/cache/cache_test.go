package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tick-downloader/internal/chunkstore"
	"tick-downloader/internal/ticks"
)

func seedStore(t *testing.T, frames ...[]ticks.Tick) *chunkstore.Store {
	t.Helper()
	store, err := chunkstore.New(chunkstore.Options{Dir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	for _, f := range frames {
		_, err := store.Save(f, "", true)
		require.NoError(t, err)
	}
	return store
}

func tk(id uint64, price float64, ibm bool) ticks.Tick {
	return ticks.Tick{TradeID: id, Price: price, Qty: 1, Timestamp: int64(id) * 100, IsBuyerMaker: ibm}
}

func TestSelect(t *testing.T) {
	names := []string{"1_10_100_1000.csv", "11_20_1100_2000.csv", "21_30_2100_3000.csv", "broken.csv"}
	assert.Equal(t, names[1:3], Select(names, 1500, 2500))
	assert.Equal(t, names[:3], Select(names, 50, ticks.OpenEnded))
	assert.Equal(t, names[1:2], Select(names, 1100, 2000))
}

func TestBuildCollapsesRunsAcrossChunks(t *testing.T) {
	store := seedStore(t,
		[]ticks.Tick{tk(1, 10, false), tk(2, 10, false), tk(3, 11, false), tk(4, 11, true)},
		[]ticks.Tick{tk(5, 11, true), tk(6, 10, true), tk(7, 10, true)},
	)
	m := New(store, Options{Dir: t.TempDir()}, zerolog.Nop())

	a, err := m.Build(context.Background(), 0, ticks.OpenEnded)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 11, 11, 10}, a.Price)
	assert.Equal(t, []uint8{0, 0, 1, 1}, a.BuyerMaker)
	assert.Equal(t, []int64{100, 300, 400, 600}, a.Timestamp)

	a, err = m.Build(context.Background(), 300, 500)
	require.NoError(t, err)
	assert.Equal(t, []int64{300, 400}, a.Timestamp)
}

func TestPrepareAndLoadColumns(t *testing.T) {
	store := seedStore(t, []ticks.Tick{tk(1, 10, false), tk(2, 12, true), tk(3, 13, false)})
	m := New(store, Options{Dir: t.TempDir(), SessionName: "btc"}, zerolog.Nop())

	built, err := m.Prepare(context.Background(), 0, ticks.OpenEnded)
	require.NoError(t, err)
	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, built, loaded)

	info, err := os.Stat(m.Paths().Price)
	require.NoError(t, err)
	assert.Equal(t, int64(3*8), info.Size())
}

func TestPrepareAndLoadSingleFile(t *testing.T) {
	store := seedStore(t, []ticks.Tick{tk(1, 10.5, false), tk(2, 12.25, true)})
	m := New(store, Options{Dir: t.TempDir(), SingleFile: true}, zerolog.Nop())

	built, err := m.Prepare(context.Background(), 0, ticks.OpenEnded)
	require.NoError(t, err)
	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, built, loaded)

	info, err := os.Stat(m.Paths().Ticks)
	require.NoError(t, err)
	assert.Equal(t, int64(2*24), info.Size())
}

func TestLoadOrBuildRebuildsOnMismatch(t *testing.T) {
	store := seedStore(t, []ticks.Tick{tk(1, 10, false), tk(2, 12, true)})
	m := New(store, Options{Dir: t.TempDir()}, zerolog.Nop())

	downloads := 0
	download := func(context.Context) error { downloads++; return nil }

	a, err := m.LoadOrBuild(context.Background(), 0, ticks.OpenEnded, download)
	require.NoError(t, err)
	assert.Equal(t, 1, downloads)
	n, err := a.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// cached: no download
	_, err = m.LoadOrBuild(context.Background(), 0, ticks.OpenEnded, download)
	require.NoError(t, err)
	assert.Equal(t, 1, downloads)

	// a shorter buyer_maker column forces a rebuild
	require.NoError(t, os.WriteFile(m.Paths().BuyerMaker, []byte{1}, 0o644))
	_, err = m.Load()
	require.ErrorIs(t, err, ErrLengthMismatch)

	a, err = m.LoadOrBuild(context.Background(), 0, ticks.OpenEnded, download)
	require.NoError(t, err)
	assert.Equal(t, 2, downloads)
	assert.Len(t, a.BuyerMaker, 2)
}

func TestLoadOrBuildSpans(t *testing.T) {
	dir := t.TempDir()
	store := seedStore(t, []ticks.Tick{tk(1, 10, false), tk(2, 12, true), tk(3, 12, true)})
	m := New(store, Options{Dir: dir, SessionName: "btc", SingleFile: true, Spans: 8}, zerolog.Nop())

	paths := m.SpanPaths()
	assert.Equal(t, filepath.Join(dir, "btc_n_spans_8", "prices.bin"), paths.Price)

	downloads := 0
	download := func(context.Context) error { downloads++; return nil }

	a, err := m.LoadOrBuildSpans(context.Background(), 0, ticks.OpenEnded, download)
	require.NoError(t, err)
	assert.Equal(t, 1, downloads)
	assert.Equal(t, []float64{10, 12}, a.Price)
	for _, p := range []string{paths.Price, paths.BuyerMaker, paths.Timestamp} {
		_, err := os.Stat(p)
		require.NoError(t, err, p)
	}

	// the span directory wins even after the session cache is gone
	require.NoError(t, os.Remove(m.Paths().Ticks))
	again, err := m.LoadOrBuildSpans(context.Background(), 0, ticks.OpenEnded, download)
	require.NoError(t, err)
	assert.Equal(t, 1, downloads)
	assert.Equal(t, a, again)

	// a damaged span column is rebuilt from the session cache
	require.NoError(t, os.WriteFile(paths.Timestamp, []byte{1, 2, 3}, 0o644))
	again, err = m.LoadOrBuildSpans(context.Background(), 0, ticks.OpenEnded, download)
	require.NoError(t, err)
	assert.Equal(t, 2, downloads)
	assert.Equal(t, a, again)
}

func TestLoadOrBuildSpansRequiresSpans(t *testing.T) {
	m := New(seedStore(t), Options{Dir: t.TempDir()}, zerolog.Nop())
	assert.Equal(t, Paths{}, m.SpanPaths())
	_, err := m.LoadOrBuildSpans(context.Background(), 0, ticks.OpenEnded, nil)
	require.Error(t, err)
}
