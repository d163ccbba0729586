package chunkstore

import "tick-downloader/internal/ticks"

// ComputeChunkGaps walks chunk names in order and returns the uncovered
// regions between them inside [start, end]. modified holds chunks rewritten
// earlier in the run; a discontinuity in front of them is not reported. A
// trailing gap after the last chunk is always produced unless the chunks
// already reach past a bounded end. Unparsable names are skipped.
func ComputeChunkGaps(names []string, modified map[string]bool, start, end int64) []ticks.ChunkGap {
	open := end == ticks.OpenEnded
	var (
		out      []ticks.ChunkGap
		prevID   uint64
		prevTime = start
		parsed   int
	)
	for _, name := range names {
		n, err := ParseName(name)
		if err != nil {
			continue
		}
		parsed++
		if n.FirstID != prevID+1 && !modified[name] && n.FirstTime >= prevTime && n.FirstTime >= start {
			switch {
			case !open && end < n.FirstTime && prevTime <= end:
				out = append(out, ticks.ChunkGap{StartTime: prevTime, EndTime: end, StartID: prevID})
			case open || end > n.FirstTime:
				out = append(out, ticks.ChunkGap{StartTime: prevTime, EndTime: n.FirstTime, StartID: prevID, EndID: n.FirstID})
			}
		}
		if n.FirstTime >= start || n.LastTime >= start {
			prevID = n.LastID
			prevTime = n.LastTime
		}
	}

	switch {
	case parsed == 0:
		out = append(out, ticks.ChunkGap{StartTime: start, EndTime: end})
	case open || prevTime < end:
		out = append(out, ticks.ChunkGap{StartTime: prevTime, EndTime: end, StartID: prevID})
	}
	return out
}
