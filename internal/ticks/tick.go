// Package ticks defines the trade records shared by every ingestion stage.
package ticks

import "sort"

const (
	// BlockSize is the checkpoint spacing of trade IDs. Chunks are named and
	// repaired so that each one eventually covers whole blocks.
	BlockSize uint64 = 100_000
	// Lookback bounds how far below a checkpoint boundary a flushed segment may reach.
	Lookback uint64 = 1_000_000
	// OpenEnded marks a time bound that runs through "now".
	OpenEnded int64 = -1
)

// Tick is one executed (aggregate) trade.
type Tick struct {
	TradeID      uint64
	Price        float64
	Qty          float64
	Timestamp    int64
	IsBuyerMaker bool
}

// Gap is an inclusive range of trade IDs missing inside one chunk.
type Gap struct {
	StartID uint64
	EndID   uint64
}

// Len returns the number of missing IDs.
func (g Gap) Len() uint64 {
	if g.EndID < g.StartID {
		return 0
	}
	return g.EndID - g.StartID + 1
}

// ChunkGap is an uncovered region between two chunks. A zero ID is unknown and
// must be resolved by time; EndTime may be OpenEnded.
type ChunkGap struct {
	StartTime int64
	EndTime   int64
	StartID   uint64
	EndID     uint64
}

// BlockStart returns the first ID of the block containing id.
func BlockStart(id uint64) uint64 {
	return id - id%BlockSize
}

// BlockEnd returns the last ID of the block containing id.
func BlockEnd(id uint64) uint64 {
	return BlockStart(id) + BlockSize - 1
}

// IsBlockStart reports whether id sits on a checkpoint boundary.
func IsBlockStart(id uint64) bool {
	return id%BlockSize == 0
}

// SortDedup orders ticks by trade ID and drops repeated IDs, keeping the first
// occurrence. The input slice is reordered in place.
func SortDedup(in []Tick) []Tick {
	if len(in) < 2 {
		return in
	}
	sort.SliceStable(in, func(i, j int) bool { return in[i].TradeID < in[j].TradeID })
	out := in[:1]
	for _, t := range in[1:] {
		if t.TradeID == out[len(out)-1].TradeID {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Merge combines two frames into one sorted, de-duplicated frame. Ticks already
// present in base win over ticks in extra.
func Merge(base, extra []Tick) []Tick {
	out := make([]Tick, 0, len(base)+len(extra))
	out = append(out, base...)
	out = append(out, extra...)
	return SortDedup(out)
}

// Filter returns the ticks for which keep reports true.
func Filter(in []Tick, keep func(Tick) bool) []Tick {
	out := make([]Tick, 0, len(in))
	for _, t := range in {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// Since drops ticks older than ts.
func Since(in []Tick, ts int64) []Tick {
	return Filter(in, func(t Tick) bool { return t.Timestamp >= ts })
}

// IsContiguous reports whether IDs increase by exactly one across the frame.
func IsContiguous(in []Tick) bool {
	for i := 1; i < len(in); i++ {
		if in[i].TradeID != in[i-1].TradeID+1 {
			return false
		}
	}
	return true
}
