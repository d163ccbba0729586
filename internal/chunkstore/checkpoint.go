package chunkstore

import (
	"fmt"

	"tick-downloader/internal/ticks"
)

// Checkpoint flushes the part of an in-memory frame that lies before each
// block boundary it contains. Every boundary b closes the segment
// [max(b-Lookback, previous boundary), b), which is saved as its own chunk.
// The remainder, starting at the last boundary, is returned together with the
// names written.
func (s *Store) Checkpoint(frame []ticks.Tick) ([]ticks.Tick, []string, error) {
	var written []string
	segStart := 0
	for i := 1; i < len(frame); i++ {
		b := frame[i].TradeID
		if !ticks.IsBlockStart(b) {
			continue
		}
		seg := frame[segStart:i]
		if b > ticks.Lookback {
			floor := b - ticks.Lookback
			seg = ticks.Filter(seg, func(t ticks.Tick) bool { return t.TradeID >= floor })
		}
		if len(seg) > 0 {
			name, err := s.Save(seg, "", true)
			if err != nil {
				return frame[segStart:], written, fmt.Errorf("checkpoint before %d: %w", b, err)
			}
			written = append(written, name)
		}
		segStart = i
	}
	if segStart == 0 {
		return frame, written, nil
	}
	rest := make([]ticks.Tick, len(frame)-segStart)
	copy(rest, frame[segStart:])
	return rest, written, nil
}
