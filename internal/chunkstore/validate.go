package chunkstore

import (
	"sort"

	"tick-downloader/internal/ticks"
)

// Validation is the outcome of checking one chunk.
type Validation struct {
	HasGaps bool
	Ticks   []ticks.Tick
	Gaps    []ticks.Gap
}

// Validate sorts and de-duplicates a frame and lists the trade IDs it is
// missing. Besides holes between adjacent ticks, a chunk that does not begin
// on a block boundary is missing [BlockStart(first), first-1] and one that
// does not end on a block end is missing [last+1, BlockEnd(last)], so a fully
// repaired chunk covers whole blocks. ID 0 does not exist; ranges starting
// there begin at 1.
func Validate(frame []ticks.Tick) Validation {
	clean := ticks.SortDedup(frame)
	if len(clean) == 0 {
		return Validation{Ticks: clean}
	}

	var gaps []ticks.Gap
	add := func(start, end uint64) {
		if start == 0 {
			start = 1
		}
		if start > end {
			return
		}
		gaps = append(gaps, ticks.Gap{StartID: start, EndID: end})
	}

	for i := 1; i < len(clean); i++ {
		prev, next := clean[i-1].TradeID, clean[i].TradeID
		if next != prev+1 {
			add(prev+1, next-1)
		}
	}
	first, last := clean[0].TradeID, clean[len(clean)-1].TradeID
	if !ticks.IsBlockStart(first) {
		add(ticks.BlockStart(first), first-1)
	}
	if last != ticks.BlockEnd(last) {
		add(last+1, ticks.BlockEnd(last))
	}

	sort.Slice(gaps, func(i, j int) bool { return gaps[i].StartID < gaps[j].StartID })
	return Validation{HasGaps: len(gaps) > 0, Ticks: clean, Gaps: gaps}
}

// AnchorID is the lowest ID the chunk is responsible for once repaired.
func (v Validation) AnchorID() uint64 {
	if len(v.Ticks) == 0 {
		return 0
	}
	id := v.Ticks[0].TradeID
	if len(v.Gaps) > 0 && v.Gaps[0].StartID < id {
		id = v.Gaps[0].StartID
	}
	return id
}

// Superseded reports whether a gapped chunk is a fragment of a block that
// another chunk in names already owns. highest is the largest trade ID seen in
// chunks processed before this one. A chunk anchored at ID 1 is never a
// fragment, and neither is a correctly aligned final chunk.
func Superseded(name string, names []string, v Validation, highest uint64) bool {
	if !v.HasGaps || len(v.Ticks) == 0 {
		return false
	}
	anchor := v.AnchorID()
	if anchor == 1 {
		return false
	}
	block := ticks.BlockStart(anchor)
	if len(names) > 0 && names[len(names)-1] == name {
		if n, err := ParseName(name); err == nil && n.FirstID == block {
			return false
		}
	}
	lastID := v.Ticks[len(v.Ticks)-1].TradeID
	for _, other := range names {
		if other == name {
			continue
		}
		on, err := ParseName(other)
		if err != nil || on.FirstID != block {
			continue
		}
		if on.LastID == ticks.BlockEnd(block) || highest == on.FirstID || highest == on.LastID || highest > lastID {
			return true
		}
	}
	return false
}

// TrimToLastBlock drops everything from the last block boundary onwards when
// the frame spans more than one boundary, leaving the tail to be fetched again.
func TrimToLastBlock(frame []ticks.Tick) []ticks.Tick {
	boundaries := 0
	cut := -1
	for i, t := range frame {
		if ticks.IsBlockStart(t.TradeID) {
			boundaries++
			cut = i
		}
	}
	if boundaries > 1 {
		return frame[:cut]
	}
	return frame
}
