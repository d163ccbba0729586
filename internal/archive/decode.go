package archive

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"tick-downloader/internal/ticks"
)

// ErrNoIDMatch is returned when trade IDs cannot be deduced for an archive
// that does not carry them.
var ErrNoIDMatch = errors.New("archive: unable to deduce trade ids")

// microsecond timestamps are larger than any millisecond one before year 5138
const microsThreshold = 100_000_000_000_000

// decodeZip reads every CSV member of an aggTrades zip. Members have no
// reliable header: rows whose first field is not a trade ID are skipped and
// only the first seven columns are used.
func decodeZip(r io.ReaderAt, size int64) ([]ticks.Tick, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	var out []ticks.Tick
	for _, member := range zr.File {
		if member.FileInfo().IsDir() {
			continue
		}
		rc, err := member.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", member.Name, err)
		}
		rows, err := decodeAggTradeRows(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", member.Name, err)
		}
		out = append(out, rows...)
	}
	return ticks.SortDedup(out), nil
}

func decodeAggTradeRows(r io.Reader) ([]ticks.Tick, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	var out []ticks.Tick
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 7 {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSpace(rec[0]), 10, 64)
		if err != nil {
			// header row
			continue
		}
		t := ticks.Tick{TradeID: id}
		if t.Price, err = strconv.ParseFloat(rec[1], 64); err != nil {
			return nil, fmt.Errorf("trade %d price: %w", id, err)
		}
		if t.Qty, err = strconv.ParseFloat(rec[2], 64); err != nil {
			return nil, fmt.Errorf("trade %d qty: %w", id, err)
		}
		if t.Timestamp, err = strconv.ParseInt(rec[5], 10, 64); err != nil {
			return nil, fmt.Errorf("trade %d timestamp: %w", id, err)
		}
		if t.Timestamp > microsThreshold {
			t.Timestamp /= 1000
		}
		if t.IsBuyerMaker, err = strconv.ParseBool(strings.TrimSpace(rec[6])); err != nil {
			return nil, fmt.Errorf("trade %d is_buyer_maker: %w", id, err)
		}
		out = append(out, t)
	}
}

// decodeCSVGz reads a daily trade dump keyed by header (timestamp in
// seconds, price, size, side). Rows carry no trade IDs; they are returned in
// time order with TradeID unset.
func decodeCSVGz(r io.Reader) ([]ticks.Tick, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	cr := csv.NewReader(gz)
	cr.FieldsPerRecord = -1
	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(head))
	for i, h := range head {
		cols[strings.TrimSpace(strings.ToLower(h))] = i
	}
	for _, need := range []string{"timestamp", "price", "size", "side"} {
		if _, ok := cols[need]; !ok {
			return nil, fmt.Errorf("missing column %q", need)
		}
	}

	var out []ticks.Tick
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		secs, err := strconv.ParseFloat(rec[cols["timestamp"]], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d timestamp: %w", line, err)
		}
		var t ticks.Tick
		t.Timestamp = int64(math.Round(secs * 1000))
		if t.Price, err = strconv.ParseFloat(rec[cols["price"]], 64); err != nil {
			return nil, fmt.Errorf("line %d price: %w", line, err)
		}
		if t.Qty, err = strconv.ParseFloat(rec[cols["size"]], 64); err != nil {
			return nil, fmt.Errorf("line %d size: %w", line, err)
		}
		t.IsBuyerMaker = strings.EqualFold(rec[cols["side"]], "sell")
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// assignIDs numbers rows by locating a reference trade among them. The first
// and then the last reference tick are tried; a match must be unique on
// (timestamp, price, qty).
func assignIDs(rows, reference []ticks.Tick) error {
	if len(reference) == 0 {
		return ErrNoIDMatch
	}
	for _, ref := range []ticks.Tick{reference[0], reference[len(reference)-1]} {
		pos, matches := -1, 0
		for i, r := range rows {
			if r.Timestamp == ref.Timestamp && r.Price == ref.Price && r.Qty == ref.Qty {
				pos = i
				matches++
			}
		}
		if matches != 1 || uint64(pos) >= ref.TradeID {
			continue
		}
		numberFrom(rows, ref.TradeID-uint64(pos))
		return nil
	}
	return ErrNoIDMatch
}

func numberFrom(rows []ticks.Tick, first uint64) {
	for i := range rows {
		rows[i].TradeID = first + uint64(i)
	}
}
