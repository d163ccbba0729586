package chunkstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tick-downloader/internal/ticks"
)

func span(lo, hi uint64) []ticks.Tick {
	out := make([]ticks.Tick, 0, hi-lo+1)
	for id := lo; id <= hi; id++ {
		out = append(out, ticks.Tick{TradeID: id, Price: 100 + float64(id%5), Qty: 0.5, Timestamp: 1_000_000 + int64(id)*10, IsBuyerMaker: id%2 == 1})
	}
	return out
}

func newStore(t *testing.T) (*Store, *[]Event) {
	t.Helper()
	var events []Event
	s, err := New(Options{Dir: t.TempDir(), Observer: func(ev Event) { events = append(events, ev) }}, zerolog.Nop())
	require.NoError(t, err)
	return s, &events
}

func TestNameRoundTrip(t *testing.T) {
	n := NameOf(span(200000, 299999))
	assert.Equal(t, "200000_299999_3000000_3999990.csv", n.String())

	parsed, err := ParseName(n.String())
	require.NoError(t, err)
	assert.Equal(t, n, parsed)

	for _, bad := range []string{"200000_299999.csv", "a_b_c_d.csv", "1_2_3_4.txt"} {
		_, err := ParseName(bad)
		assert.Error(t, err, bad)
	}
}

func TestListSortsByFirstIDUnknownLast(t *testing.T) {
	s, _ := newStore(t)
	for _, name := range []string{"300000_399999_5_6.csv", "junk.csv", "1_99999_1_2.csv", "200000_299999_3_4.csv", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), name), []byte("trade_id\n"), 0o644))
	}
	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"1_99999_1_2.csv", "200000_299999_3_4.csv", "300000_399999_5_6.csv", "junk.csv"}, names)
}

func TestValidateGapFreeBlock(t *testing.T) {
	v := Validate(span(100000, 199999))
	assert.False(t, v.HasGaps)
	assert.Empty(t, v.Gaps)
	assert.True(t, ticks.IsContiguous(v.Ticks))
}

func TestValidateFindsInternalAndBoundaryGaps(t *testing.T) {
	frame := append(span(250123, 250200), span(250300, 260000)...)
	frame = append(frame, span(250150, 250160)...)
	v := Validate(frame)

	require.True(t, v.HasGaps)
	assert.Equal(t, []ticks.Gap{
		{StartID: 200000, EndID: 250122},
		{StartID: 250201, EndID: 250299},
		{StartID: 260001, EndID: 299999},
	}, v.Gaps)
	assert.True(t, ticks.IsContiguous(v.Ticks[:78]))
	assert.Equal(t, uint64(200000), v.AnchorID())
}

func TestValidateNormalisesIDZero(t *testing.T) {
	v := Validate(span(5, 99999))
	assert.Equal(t, []ticks.Gap{{StartID: 1, EndID: 4}}, v.Gaps)

	v = Validate(span(1, 99999))
	assert.False(t, v.HasGaps)
}

func TestValidateIsIdempotentAfterRepair(t *testing.T) {
	frame := append(span(300000, 300500), span(300400, 399999)...)
	first := Validate(frame)
	assert.False(t, first.HasGaps)
	second := Validate(first.Ticks)
	assert.False(t, second.HasGaps)
	assert.Equal(t, first.Ticks, second.Ticks)
}

func TestSaveRenamesReplacesOrSkips(t *testing.T) {
	s, events := newStore(t)

	frame := span(250000, 260000)
	name, err := s.Save(frame, "", false)
	require.NoError(t, err)
	assert.Equal(t, NameOf(frame).String(), name)

	// unchanged, not repaired: no I/O
	again, err := s.Save(frame, name, false)
	require.NoError(t, err)
	assert.Empty(t, again)

	// unchanged but repaired: overwrite in place
	again, err = s.Save(frame, name, true)
	require.NoError(t, err)
	assert.Equal(t, name, again)

	// content grew: new name, old file removed
	grown := append(span(200000, 249999), frame...)
	renamed, err := s.Save(grown, name, true)
	require.NoError(t, err)
	assert.Equal(t, "200000_260000_3000000_3600000.csv", renamed)
	_, statErr := os.Stat(s.Path(name))
	assert.True(t, os.IsNotExist(statErr))

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{renamed}, names)

	kinds := make([]EventKind, 0, len(*events))
	for _, ev := range *events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventSaved, EventReplaced, EventSaved, EventRemoved}, kinds)

	_, err = s.Save(nil, "", true)
	assert.ErrorIs(t, err, ErrEmptyChunk)
}

func TestReadWriteRoundTripAndLegacySide(t *testing.T) {
	s, _ := newStore(t)
	frame := span(1, 50)
	name, err := s.Save(frame, "", true)
	require.NoError(t, err)

	got, err := s.Read(name)
	require.NoError(t, err)
	assert.Equal(t, frame, got)

	legacy := "trade_id,price,qty,timestamp,side\n7,1.5,2,1000,Sell\n8,1.6,1,1001,Buy\n"
	require.NoError(t, os.WriteFile(s.Path("legacy.csv"), []byte(legacy), 0o644))
	got, err = s.Read("legacy.csv")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].IsBuyerMaker)
	assert.False(t, got[1].IsBuyerMaker)
}

func TestCheckpointFlushesWholeBlocks(t *testing.T) {
	s, _ := newStore(t)
	rest, written, err := s.Checkpoint(span(250000, 420000))
	require.NoError(t, err)

	require.Len(t, written, 2)
	assert.Equal(t, NameOf(span(250000, 299999)).String(), written[0])
	assert.Equal(t, NameOf(span(300000, 399999)).String(), written[1])
	require.NotEmpty(t, rest)
	assert.Equal(t, uint64(400000), rest[0].TradeID)
	assert.Equal(t, uint64(420000), rest[len(rest)-1].TradeID)

	// a frame that starts on its only boundary is kept in memory
	rest, written, err = s.Checkpoint(span(400000, 400100))
	require.NoError(t, err)
	assert.Empty(t, written)
	assert.Len(t, rest, 101)
}

func TestSuperseded(t *testing.T) {
	names := []string{
		NameOf(span(200000, 299999)).String(),
		NameOf(span(250000, 260000)).String(),
		NameOf(span(300000, 310000)).String(),
	}
	fragment := Validate(span(250000, 260000))
	assert.True(t, Superseded(names[1], names, fragment, 299999))

	// aligned final chunk is never a fragment
	last := Validate(span(300000, 310000))
	assert.False(t, Superseded(names[2], names, last, 299999))

	// nothing else owns the block
	lone := []string{names[1], names[2]}
	assert.False(t, Superseded(names[1], lone, fragment, 0))

	// chunks anchored at ID 1 survive
	origin := Validate(span(1, 500))
	assert.False(t, Superseded(NameOf(span(1, 500)).String(), []string{"0_99999_1_2.csv", NameOf(span(1, 500)).String()}, origin, 99999))
}

func TestTrimToLastBlock(t *testing.T) {
	trimmed := TrimToLastBlock(span(200000, 300500))
	assert.Equal(t, uint64(299999), trimmed[len(trimmed)-1].TradeID)

	untouched := TrimToLastBlock(span(250000, 300500))
	assert.Equal(t, uint64(300500), untouched[len(untouched)-1].TradeID)
}

func TestComputeChunkGaps(t *testing.T) {
	ts := func(id uint64) int64 { return 1_000_000 + int64(id)*10 }
	a := NameOf(span(200000, 299999)).String()
	b := NameOf(span(400000, 499999)).String()

	t.Run("empty directory", func(t *testing.T) {
		gaps := ComputeChunkGaps(nil, nil, 5, ticks.OpenEnded)
		assert.Equal(t, []ticks.ChunkGap{{StartTime: 5, EndTime: ticks.OpenEnded}}, gaps)
	})

	t.Run("hole between chunks and open tail", func(t *testing.T) {
		gaps := ComputeChunkGaps([]string{a, b}, nil, ts(250000), ticks.OpenEnded)
		assert.Equal(t, []ticks.ChunkGap{
			{StartTime: ts(299999), EndTime: ts(400000), StartID: 299999, EndID: 400000},
			{StartTime: ts(499999), EndTime: ticks.OpenEnded, StartID: 499999},
		}, gaps)
	})

	t.Run("modified chunk suppresses hole", func(t *testing.T) {
		gaps := ComputeChunkGaps([]string{a, b}, map[string]bool{b: true}, ts(250000), ticks.OpenEnded)
		assert.Equal(t, []ticks.ChunkGap{{StartTime: ts(499999), EndTime: ticks.OpenEnded, StartID: 499999}}, gaps)
	})

	t.Run("end bound clips", func(t *testing.T) {
		gaps := ComputeChunkGaps([]string{a, b}, nil, ts(250000), ts(350000))
		assert.Equal(t, []ticks.ChunkGap{{StartTime: ts(299999), EndTime: ts(350000), StartID: 299999}}, gaps)
	})

	t.Run("covered bounded range", func(t *testing.T) {
		gaps := ComputeChunkGaps([]string{a}, nil, ts(250000), ts(260000))
		assert.Empty(t, gaps)
	})

	t.Run("chunk after start with no anchor", func(t *testing.T) {
		gaps := ComputeChunkGaps([]string{b}, nil, ts(250000), ticks.OpenEnded)
		assert.Equal(t, []ticks.ChunkGap{
			{StartTime: ts(250000), EndTime: ts(400000), EndID: 400000},
			{StartTime: ts(499999), EndTime: ticks.OpenEnded, StartID: 499999},
		}, gaps)
	})
}
