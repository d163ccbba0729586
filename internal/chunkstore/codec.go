package chunkstore

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"tick-downloader/internal/ticks"
)

var header = []string{"trade_id", "price", "qty", "timestamp", "is_buyer_maker"}

func encodeCSV(w io.Writer, frame []ticks.Tick) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for _, t := range frame {
		row[0] = strconv.FormatUint(t.TradeID, 10)
		row[1] = strconv.FormatFloat(t.Price, 'f', -1, 64)
		row[2] = strconv.FormatFloat(t.Qty, 'f', -1, 64)
		row[3] = strconv.FormatInt(t.Timestamp, 10)
		if t.IsBuyerMaker {
			row[4] = "1"
		} else {
			row[4] = "0"
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// decodeCSV reads a chunk body. Columns are located by header; older files
// carrying a side column (Buy/Sell) instead of is_buyer_maker are accepted.
func decodeCSV(r io.Reader) ([]ticks.Tick, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	head, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(head))
	for i, h := range head {
		cols[strings.TrimSpace(strings.ToLower(h))] = i
	}
	idx := func(name string) (int, error) {
		i, ok := cols[name]
		if !ok {
			return 0, fmt.Errorf("missing column %q", name)
		}
		return i, nil
	}
	var iID, iPrice, iQty, iTS int
	if iID, err = idx("trade_id"); err != nil {
		return nil, err
	}
	if iPrice, err = idx("price"); err != nil {
		return nil, err
	}
	if iQty, err = idx("qty"); err != nil {
		return nil, err
	}
	if iTS, err = idx("timestamp"); err != nil {
		return nil, err
	}
	iIBM, hasIBM := cols["is_buyer_maker"]
	iSide, hasSide := cols["side"]
	if !hasIBM && !hasSide {
		return nil, fmt.Errorf("missing column %q", "is_buyer_maker")
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
		var t ticks.Tick
		if t.TradeID, err = strconv.ParseUint(rec[iID], 10, 64); err != nil {
			return nil, fmt.Errorf("line %d trade_id: %w", line, err)
		}
		if t.Price, err = strconv.ParseFloat(rec[iPrice], 64); err != nil {
			return nil, fmt.Errorf("line %d price: %w", line, err)
		}
		if t.Qty, err = strconv.ParseFloat(rec[iQty], 64); err != nil {
			return nil, fmt.Errorf("line %d qty: %w", line, err)
		}
		if t.Timestamp, err = strconv.ParseInt(rec[iTS], 10, 64); err != nil {
			return nil, fmt.Errorf("line %d timestamp: %w", line, err)
		}
		if hasIBM {
			if t.IsBuyerMaker, err = ParseBool(rec[iIBM]); err != nil {
				return nil, fmt.Errorf("line %d is_buyer_maker: %w", line, err)
			}
		} else {
			t.IsBuyerMaker = strings.EqualFold(rec[iSide], "sell")
		}
		out = append(out, t)
	}
	return out, nil
}

// ParseBool accepts the boolean spellings found in exchange dumps.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t":
		return true, nil
	case "0", "false", "f", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
