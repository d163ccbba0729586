// Package archive backfills history from an exchange's published per-month
// and per-day trade archives.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tick-downloader/internal/ticks"
)

// ErrNotPublished is returned for archives the exchange has not published (HTTP 404).
var ErrNotPublished = errors.New("archive: not published")

// Format names an archive layout.
type Format string

const (
	// FormatZip is the Binance aggTrades layout: monthly and daily zips of
	// headerless CSV rows carrying trade IDs.
	FormatZip Format = "zip"
	// FormatCSVGz is a daily-only gzip CSV without trade IDs; IDs are deduced
	// from a reference window fetched through the API.
	FormatCSVGz Format = "csvgz"
)

const dataHost = "https://data.binance.vision/data/"

// DefaultBaseURLs returns the Binance public data roots for a market.
func DefaultBaseURLs(market string) (monthly, daily string) {
	var path string
	switch strings.ToLower(market) {
	case "spot":
		path = "spot"
	case "cm":
		path = "futures/cm"
	default:
		path = "futures/um"
	}
	return dataHost + path + "/monthly/aggTrades/", dataHost + path + "/daily/aggTrades/"
}

// ReferenceFunc returns API ticks near startTime (or just below startID when
// known) used to number archive rows that carry no IDs.
type ReferenceFunc func(ctx context.Context, startID uint64, startTime int64) ([]ticks.Tick, error)

// Checkpointer flushes whole blocks of a frame to durable storage.
type Checkpointer interface {
	Checkpoint(frame []ticks.Tick) ([]ticks.Tick, []string, error)
}

// Options configure a Fetcher.
type Options struct {
	Symbol         string
	Format         Format
	MonthlyBaseURL string
	DailyBaseURL   string
	Timeout        time.Duration
	HTTPClient     *http.Client
	Reference      ReferenceFunc
	Now            func() time.Time
}

// Fetcher downloads and decodes archive units.
type Fetcher struct {
	opts   Options
	client *http.Client
	logger zerolog.Logger

	// next ID to hand out for ID-less archives once one unit was matched
	chainID uint64
}

// New constructs a Fetcher.
func New(opts Options, logger zerolog.Logger) *Fetcher {
	opts.Symbol = strings.ToUpper(opts.Symbol)
	if opts.Format == "" {
		opts.Format = FormatZip
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Fetcher{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "archive").Str("symbol", opts.Symbol).Logger(),
	}
}

// SetReference installs the reference window provider used by ID-less formats.
func (f *Fetcher) SetReference(fn ReferenceFunc) { f.opts.Reference = fn }

// Format returns the archive layout in use.
func (f *Fetcher) Format() Format { return f.opts.Format }

// URL returns the download location of a unit.
func (f *Fetcher) URL(u Unit) string {
	if f.opts.Format == FormatCSVGz {
		return fmt.Sprintf("%s%s/%s%s.csv.gz", f.opts.DailyBaseURL, f.opts.Symbol, f.opts.Symbol, u.Date)
	}
	base := f.opts.DailyBaseURL
	if u.Monthly {
		base = f.opts.MonthlyBaseURL
	}
	return fmt.Sprintf("%s%s/%s-aggTrades-%s.zip", base, f.opts.Symbol, f.opts.Symbol, u.Date)
}

// Units lists the archives to fetch for [start, end] in this format.
func (f *Fetcher) Units(start, end int64) []Unit {
	return Units(start, end, f.opts.Now(), f.opts.Format == FormatZip)
}

// FetchUnit downloads and decodes one archive. For ID-less formats reference
// is used to number the rows.
func (f *Fetcher) FetchUnit(ctx context.Context, u Unit, reference []ticks.Tick) ([]ticks.Tick, error) {
	url := f.URL(u)
	f.logger.Info().Str("unit", u.Date).Msg("fetching archive")

	tmp, err := os.CreateTemp("", "tickdl-archive-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err := f.download(ctx, url, tmp)
	if err != nil {
		return nil, err
	}

	switch f.opts.Format {
	case FormatCSVGz:
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind spool file: %w", err)
		}
		rows, err := decodeCSVGz(tmp)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", u.Date, err)
		}
		if err := f.number(rows, reference); err != nil {
			return nil, fmt.Errorf("number %s: %w", u.Date, err)
		}
		return rows, nil
	default:
		rows, err := decodeZip(tmp, size)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", u.Date, err)
		}
		return rows, nil
	}
}

func (f *Fetcher) number(rows, reference []ticks.Tick) error {
	if len(rows) == 0 {
		return nil
	}
	if err := assignIDs(rows, reference); err != nil {
		if f.chainID == 0 {
			return err
		}
		numberFrom(rows, f.chainID)
	}
	f.chainID = rows[len(rows)-1].TradeID + 1
	return nil
}

func (f *Fetcher) download(ctx context.Context, url string, dst io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %s", ErrNotPublished, url)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("download %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", url, err)
	}
	return n, nil
}
