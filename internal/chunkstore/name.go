package chunkstore

import (
	"fmt"
	"strconv"
	"strings"

	"tick-downloader/internal/ticks"
)

const chunkExt = ".csv"

// Name is the boundary tuple a chunk file is named after.
type Name struct {
	FirstID   uint64
	LastID    uint64
	FirstTime int64
	LastTime  int64
}

// NameOf derives the canonical name of a sorted, non-empty frame.
func NameOf(frame []ticks.Tick) Name {
	first, last := frame[0], frame[len(frame)-1]
	return Name{FirstID: first.TradeID, LastID: last.TradeID, FirstTime: first.Timestamp, LastTime: last.Timestamp}
}

// String renders {first_id}_{last_id}_{first_ts}_{last_ts}.csv.
func (n Name) String() string {
	return fmt.Sprintf("%d_%d_%d_%d%s", n.FirstID, n.LastID, n.FirstTime, n.LastTime, chunkExt)
}

// Overlaps reports whether the chunk's time span intersects [start, end].
// An OpenEnded end never bounds the range.
func (n Name) Overlaps(start, end int64) bool {
	if n.LastTime < start {
		return false
	}
	return end == ticks.OpenEnded || n.FirstTime <= end
}

// ParseName decodes a chunk file name.
func ParseName(name string) (Name, error) {
	base := strings.TrimSuffix(name, chunkExt)
	parts := strings.Split(base, "_")
	if len(parts) != 4 || base == name {
		return Name{}, fmt.Errorf("malformed chunk name %q", name)
	}
	var (
		n   Name
		err error
	)
	if n.FirstID, err = strconv.ParseUint(parts[0], 10, 64); err != nil {
		return Name{}, fmt.Errorf("parse first id of %q: %w", name, err)
	}
	if n.LastID, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
		return Name{}, fmt.Errorf("parse last id of %q: %w", name, err)
	}
	if n.FirstTime, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return Name{}, fmt.Errorf("parse first time of %q: %w", name, err)
	}
	if n.LastTime, err = strconv.ParseInt(parts[3], 10, 64); err != nil {
		return Name{}, fmt.Errorf("parse last time of %q: %w", name, err)
	}
	return n, nil
}

// prefixID returns the numeric first_trade_id prefix used for ordering.
func prefixID(name string) (uint64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(name[:idx], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
