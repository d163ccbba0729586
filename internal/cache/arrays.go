package cache

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// ErrLengthMismatch is returned when cached arrays disagree in length.
var ErrLengthMismatch = errors.New("cache: array length mismatch")

// Arrays are the index-aligned columns consumed by the backtester.
type Arrays struct {
	Price      []float64
	BuyerMaker []uint8
	Timestamp  []int64
}

// Len returns the common length, or an error if the columns disagree.
func (a Arrays) Len() (int, error) {
	n := len(a.Price)
	if len(a.BuyerMaker) != n || len(a.Timestamp) != n {
		return 0, fmt.Errorf("%w: price=%d is_buyer_maker=%d timestamp=%d",
			ErrLengthMismatch, len(a.Price), len(a.BuyerMaker), len(a.Timestamp))
	}
	return n, nil
}

// Paths locate the cache files of one session.
type Paths struct {
	Price      string
	BuyerMaker string
	Timestamp  string
	Ticks      string
}

// PathsFor derives the per-session cache file names under dir.
func PathsFor(dir, session string) Paths {
	name := func(kind string) string {
		return filepath.Join(dir, fmt.Sprintf("%s_%s_cache.bin", session, kind))
	}
	return Paths{
		Price:      name("price"),
		BuyerMaker: name("buyer_maker"),
		Timestamp:  name("time"),
		Ticks:      name("ticks"),
	}
}

// SpanPathsFor derives the optimizer cache directory {session}_n_spans_{n}
// under dir and its column files.
func SpanPathsFor(dir, session string, n int) Paths {
	sub := filepath.Join(dir, fmt.Sprintf("%s_n_spans_%d", session, n))
	return Paths{
		Price:      filepath.Join(sub, "prices.bin"),
		BuyerMaker: filepath.Join(sub, "is_buyer_maker.bin"),
		Timestamp:  filepath.Join(sub, "timestamps.bin"),
	}
}

// writeColumns stores each column as a flat little-endian array.
func writeColumns(p Paths, a Arrays) error {
	if err := writeFile(p.Price, func(w io.Writer) error { return binary.Write(w, binary.LittleEndian, a.Price) }); err != nil {
		return err
	}
	if err := writeFile(p.BuyerMaker, func(w io.Writer) error { _, err := w.Write(a.BuyerMaker); return err }); err != nil {
		return err
	}
	return writeFile(p.Timestamp, func(w io.Writer) error { return binary.Write(w, binary.LittleEndian, a.Timestamp) })
}

// writeCombined stores rows of (price, is_buyer_maker, timestamp) as float64 triples.
func writeCombined(path string, a Arrays) error {
	return writeFile(path, func(w io.Writer) error {
		var row [24]byte
		for i := range a.Price {
			binary.LittleEndian.PutUint64(row[0:], math.Float64bits(a.Price[i]))
			binary.LittleEndian.PutUint64(row[8:], math.Float64bits(float64(a.BuyerMaker[i])))
			binary.LittleEndian.PutUint64(row[16:], math.Float64bits(float64(a.Timestamp[i])))
			if _, err := w.Write(row[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

func readColumns(p Paths) (Arrays, error) {
	priceRaw, err := os.ReadFile(p.Price)
	if err != nil {
		return Arrays{}, err
	}
	ibm, err := os.ReadFile(p.BuyerMaker)
	if err != nil {
		return Arrays{}, err
	}
	tsRaw, err := os.ReadFile(p.Timestamp)
	if err != nil {
		return Arrays{}, err
	}
	if len(priceRaw)%8 != 0 || len(tsRaw)%8 != 0 {
		return Arrays{}, fmt.Errorf("%w: truncated column file", ErrLengthMismatch)
	}
	a := Arrays{
		Price:      make([]float64, len(priceRaw)/8),
		BuyerMaker: ibm,
		Timestamp:  make([]int64, len(tsRaw)/8),
	}
	for i := range a.Price {
		a.Price[i] = math.Float64frombits(binary.LittleEndian.Uint64(priceRaw[i*8:]))
	}
	for i := range a.Timestamp {
		a.Timestamp[i] = int64(binary.LittleEndian.Uint64(tsRaw[i*8:]))
	}
	return a, nil
}

func readCombined(path string) (Arrays, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Arrays{}, err
	}
	if len(raw)%24 != 0 {
		return Arrays{}, fmt.Errorf("%w: truncated tick file", ErrLengthMismatch)
	}
	n := len(raw) / 24
	a := Arrays{Price: make([]float64, n), BuyerMaker: make([]uint8, n), Timestamp: make([]int64, n)}
	for i := 0; i < n; i++ {
		row := raw[i*24:]
		a.Price[i] = math.Float64frombits(binary.LittleEndian.Uint64(row[0:]))
		a.BuyerMaker[i] = uint8(math.Float64frombits(binary.LittleEndian.Uint64(row[8:])))
		a.Timestamp[i] = int64(math.Float64frombits(binary.LittleEndian.Uint64(row[16:])))
	}
	return a, nil
}

func writeFile(path string, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	bw := bufio.NewWriter(tmp)
	if err := fill(bw); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}
