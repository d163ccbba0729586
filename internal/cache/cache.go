// Package cache materializes downloaded chunks into compact columnar arrays
// for the backtester.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/rs/zerolog"

	"tick-downloader/internal/chunkstore"
	"tick-downloader/internal/ticks"
)

const batchSize = 100

// ChunkReader is the read side of the chunk store.
type ChunkReader interface {
	List() ([]string, error)
	Read(name string) ([]ticks.Tick, error)
}

// Options configure a Materializer.
type Options struct {
	Dir         string
	SessionName string
	SingleFile  bool
	// Spans > 0 enables the optimizer cache under {session}_n_spans_{Spans}.
	Spans int
}

// Materializer builds and loads the cache of one session.
type Materializer struct {
	chunks ChunkReader
	opts   Options
	paths  Paths
	logger zerolog.Logger
}

// New constructs a Materializer.
func New(chunks ChunkReader, opts Options, logger zerolog.Logger) *Materializer {
	if opts.SessionName == "" {
		opts.SessionName = "session"
	}
	return &Materializer{
		chunks: chunks,
		opts:   opts,
		paths:  PathsFor(opts.Dir, opts.SessionName),
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

// Paths returns the files this materializer writes.
func (m *Materializer) Paths() Paths { return m.paths }

// SpanPaths returns the optimizer cache files; they are empty when Spans is unset.
func (m *Materializer) SpanPaths() Paths {
	if m.opts.Spans <= 0 {
		return Paths{}
	}
	return SpanPathsFor(m.opts.Dir, m.opts.SessionName, m.opts.Spans)
}

// SingleFile reports the configured output mode.
func (m *Materializer) SingleFile() bool { return m.opts.SingleFile }

// Select returns the chunks from the first one whose span contains start up
// to the first one whose span contains end. Without a containing chunk the
// selection runs from the first or to the last name respectively.
func Select(names []string, start, end int64) []string {
	parsed := make([]chunkstore.Name, len(names))
	valid := make([]bool, len(names))
	for i, name := range names {
		n, err := chunkstore.ParseName(name)
		parsed[i], valid[i] = n, err == nil
	}
	from := 0
	for i := range names {
		if valid[i] && parsed[i].FirstTime <= start && start <= parsed[i].LastTime {
			from = i
			break
		}
	}
	to := len(names)
	if end != ticks.OpenEnded {
		for i := range names {
			if valid[i] && parsed[i].FirstTime <= end && end <= parsed[i].LastTime {
				to = i + 1
				break
			}
		}
	}
	if from >= to {
		return nil
	}
	out := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		if valid[i] {
			out = append(out, names[i])
		}
	}
	return out
}

// Build reads the selected chunks in batches, keeps ticks inside
// [start, end] and collapses runs of consecutive ticks that share price and
// side into their first tick.
func (m *Materializer) Build(ctx context.Context, start, end int64) (Arrays, error) {
	names, err := m.chunks.List()
	if err != nil {
		return Arrays{}, err
	}
	selected := Select(names, start, end)
	m.logger.Info().Int("chunks", len(selected)).Msg("loading chunks")

	var (
		out  Arrays
		c    compressor
		read int
	)
	for lo := 0; lo < len(selected); lo += batchSize {
		if err := ctx.Err(); err != nil {
			return Arrays{}, err
		}
		hi := min(lo+batchSize, len(selected))
		for _, name := range selected[lo:hi] {
			frame, err := m.chunks.Read(name)
			if err != nil {
				return Arrays{}, err
			}
			for _, t := range frame {
				if t.Timestamp < start || (end != ticks.OpenEnded && t.Timestamp > end) {
					continue
				}
				read++
				c.push(&out, t)
			}
		}
		m.logger.Debug().Int("loaded", hi).Int("of", len(selected)).Msg("loaded chunk batch")
	}
	n, _ := out.Len()
	m.logger.Info().Int("ticks", read).Int("compressed", n).Msg("compressed ticks")
	return out, nil
}

type compressor struct {
	started bool
	price   float64
	ibm     bool
}

func (c *compressor) push(out *Arrays, t ticks.Tick) {
	if c.started && t.Price == c.price && t.IsBuyerMaker == c.ibm {
		return
	}
	c.started, c.price, c.ibm = true, t.Price, t.IsBuyerMaker
	var ibm uint8
	if t.IsBuyerMaker {
		ibm = 1
	}
	out.Price = append(out.Price, t.Price)
	out.BuyerMaker = append(out.BuyerMaker, ibm)
	out.Timestamp = append(out.Timestamp, t.Timestamp)
}

// Prepare builds the arrays for [start, end] and writes them.
func (m *Materializer) Prepare(ctx context.Context, start, end int64) (Arrays, error) {
	a, err := m.Build(ctx, start, end)
	if err != nil {
		return Arrays{}, fmt.Errorf("build cache: %w", err)
	}
	if err := m.Write(a); err != nil {
		return Arrays{}, err
	}
	return a, nil
}

// Write persists arrays in the configured mode.
func (m *Materializer) Write(a Arrays) error {
	n, err := a.Len()
	if err != nil {
		return err
	}
	if m.opts.SingleFile {
		m.logger.Info().Int("ticks", n).Str("file", m.paths.Ticks).Msg("saving single tick file")
		return writeCombined(m.paths.Ticks, a)
	}
	m.logger.Info().Int("ticks", n).Str("dir", m.opts.Dir).Msg("saving price, buyer_maker and time files")
	return writeColumns(m.paths, a)
}

// Load reads the cached arrays and checks that they are aligned.
func (m *Materializer) Load() (Arrays, error) {
	var (
		a   Arrays
		err error
	)
	if m.opts.SingleFile {
		a, err = readCombined(m.paths.Ticks)
	} else {
		a, err = readColumns(m.paths)
	}
	if err != nil {
		return Arrays{}, err
	}
	if _, err := a.Len(); err != nil {
		return Arrays{}, err
	}
	return a, nil
}

// LoadOrBuild returns the cached arrays, running download and rebuilding
// the cache when it is missing or misaligned.
func (m *Materializer) LoadOrBuild(ctx context.Context, start, end int64, download func(context.Context) error) (Arrays, error) {
	a, err := m.Load()
	if err == nil {
		m.logger.Info().Msg("loading cached tick data")
		return a, nil
	}
	switch {
	case errors.Is(err, ErrLengthMismatch):
		m.logger.Warn().Err(err).Msg("tick data does not match, starting over")
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Arrays{}, fmt.Errorf("load cache: %w", err)
	}
	if download != nil {
		if err := download(ctx); err != nil {
			return Arrays{}, err
		}
	}
	if _, err := m.Prepare(ctx, start, end); err != nil {
		return Arrays{}, err
	}
	return m.Load()
}

// LoadOrBuildSpans serves the optimizer cache. An existing span directory is
// loaded as is; otherwise the session cache is loaded or rebuilt through
// LoadOrBuild and copied into a fresh span directory.
func (m *Materializer) LoadOrBuildSpans(ctx context.Context, start, end int64, download func(context.Context) error) (Arrays, error) {
	if m.opts.Spans <= 0 {
		return Arrays{}, fmt.Errorf("cache: spans must be greater than zero, got %d", m.opts.Spans)
	}
	paths := m.SpanPaths()
	a, err := readColumns(paths)
	switch {
	case err == nil:
		if _, err := a.Len(); err == nil {
			m.logger.Info().Str("dir", filepath.Dir(paths.Price)).Msg("loading cached span data")
			return a, nil
		}
		m.logger.Warn().Err(err).Msg("span data does not match, starting over")
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrLengthMismatch):
	default:
		return Arrays{}, fmt.Errorf("load span cache: %w", err)
	}

	a, err = m.LoadOrBuild(ctx, start, end, download)
	if err != nil {
		return Arrays{}, err
	}
	n, _ := a.Len()
	m.logger.Info().Int("ticks", n).Str("dir", filepath.Dir(paths.Price)).Msg("dumping span cache")
	if err := writeColumns(paths, a); err != nil {
		return Arrays{}, err
	}
	return a, nil
}
