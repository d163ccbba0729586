package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tick-downloader/internal/ticks"
)

// Binance market identifiers.
const (
	MarketSpot = "spot"
	MarketUSDM = "um"
	MarketCOIN = "cm"
)

const (
	defaultPageLimit = 1000
	deliveryBaseURL  = "https://dapi.binance.com"
)

// BinanceOptions parameterise the Binance aggregate-trade source.
type BinanceOptions struct {
	Market    string
	Symbol    string
	BaseURL   string
	Timeout   time.Duration
	PageLimit int
}

type aggTradeQuery struct {
	fromID    *int64
	startTime *int64
	endTime   *int64
	limit     int
}

type aggTrade struct {
	id           int64
	price        string
	qty          string
	timestamp    int64
	isBuyerMaker bool
}

type aggTradesFunc func(ctx context.Context, q aggTradeQuery) ([]aggTrade, error)

// Binance fetches aggregate trades through the go-binance SDK. It owns its HTTP
// client; call Close when the run is done.
type Binance struct {
	opts       BinanceOptions
	logger     zerolog.Logger
	httpClient *http.Client
	fetch      aggTradesFunc
}

// NewBinance constructs a source for the configured market.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) (*Binance, error) {
	if opts.Symbol == "" {
		return nil, fmt.Errorf("binance symbol is required")
	}
	opts.Symbol = strings.ToUpper(opts.Symbol)
	if opts.PageLimit <= 0 || opts.PageLimit > defaultPageLimit {
		opts.PageLimit = defaultPageLimit
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	b := &Binance{
		opts:       opts,
		logger:     logger.With().Str("component", "binance_source").Str("market", opts.Market).Logger(),
		httpClient: &http.Client{Timeout: timeout},
	}

	switch strings.ToLower(opts.Market) {
	case MarketSpot:
		b.fetch = b.spotFetcher()
	case MarketUSDM, "":
		b.fetch = b.futuresFetcher()
	case MarketCOIN:
		b.fetch = b.deliveryFetcher()
	default:
		return nil, fmt.Errorf("unknown binance market %q", opts.Market)
	}
	return b, nil
}

// FetchTicks returns one page starting at fromID, or the latest page.
func (b *Binance) FetchTicks(ctx context.Context, fromID *uint64) ([]ticks.Tick, error) {
	q := aggTradeQuery{limit: b.opts.PageLimit}
	if fromID != nil {
		id := int64(*fromID)
		q.fromID = &id
	}
	out, err := b.do(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		b.logger.Debug().
			Uint64("first_id", out[0].TradeID).
			Time("first_time", time.UnixMilli(out[0].Timestamp).UTC()).
			Int("count", len(out)).
			Msg("fetched ticks")
	}
	return out, nil
}

// FetchTicksAtTime returns the first page at or after startTime.
func (b *Binance) FetchTicksAtTime(ctx context.Context, startTime int64, endTime *int64) ([]ticks.Tick, error) {
	q := aggTradeQuery{limit: b.opts.PageLimit, startTime: &startTime, endTime: endTime}
	return b.do(ctx, q)
}

// Close releases idle connections held by the run.
func (b *Binance) Close() {
	b.httpClient.CloseIdleConnections()
}

func (b *Binance) do(ctx context.Context, q aggTradeQuery) ([]ticks.Tick, error) {
	raw, err := b.fetch(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("fetch binance agg trades: %w", err)
	}
	out := make([]ticks.Tick, 0, len(raw))
	for _, t := range raw {
		tick, convErr := convertAggTrade(t)
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, tick)
	}
	return ticks.SortDedup(out), nil
}

func convertAggTrade(t aggTrade) (ticks.Tick, error) {
	if t.id < 0 {
		return ticks.Tick{}, fmt.Errorf("negative agg trade id %d", t.id)
	}
	price, err := decimal.NewFromString(t.price)
	if err != nil {
		return ticks.Tick{}, fmt.Errorf("parse price %q: %w", t.price, err)
	}
	qty, err := decimal.NewFromString(t.qty)
	if err != nil {
		return ticks.Tick{}, fmt.Errorf("parse qty %q: %w", t.qty, err)
	}
	return ticks.Tick{
		TradeID:      uint64(t.id),
		Price:        price.InexactFloat64(),
		Qty:          qty.InexactFloat64(),
		Timestamp:    t.timestamp,
		IsBuyerMaker: t.isBuyerMaker,
	}, nil
}

func (b *Binance) spotFetcher() aggTradesFunc {
	client := binance.NewClient("", "")
	client.HTTPClient = b.httpClient
	if b.opts.BaseURL != "" {
		client.BaseURL = strings.TrimRight(b.opts.BaseURL, "/")
	}
	return func(ctx context.Context, q aggTradeQuery) ([]aggTrade, error) {
		svc := client.NewAggTradesService().Symbol(b.opts.Symbol).Limit(q.limit)
		if q.fromID != nil {
			svc = svc.FromID(*q.fromID)
		}
		if q.startTime != nil {
			svc = svc.StartTime(*q.startTime)
		}
		if q.endTime != nil {
			svc = svc.EndTime(*q.endTime)
		}
		res, err := svc.Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]aggTrade, 0, len(res))
		for _, t := range res {
			out = append(out, aggTrade{id: t.AggTradeID, price: t.Price, qty: t.Quantity, timestamp: t.Timestamp, isBuyerMaker: t.IsBuyerMaker})
		}
		return out, nil
	}
}

func (b *Binance) futuresFetcher() aggTradesFunc {
	client := futures.NewClient("", "")
	client.HTTPClient = b.httpClient
	if b.opts.BaseURL != "" {
		client.BaseURL = strings.TrimRight(b.opts.BaseURL, "/")
	}
	return func(ctx context.Context, q aggTradeQuery) ([]aggTrade, error) {
		svc := client.NewAggTradesService().Symbol(b.opts.Symbol).Limit(q.limit)
		if q.fromID != nil {
			svc = svc.FromID(*q.fromID)
		}
		if q.startTime != nil {
			svc = svc.StartTime(*q.startTime)
		}
		if q.endTime != nil {
			svc = svc.EndTime(*q.endTime)
		}
		res, err := svc.Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]aggTrade, 0, len(res))
		for _, t := range res {
			out = append(out, aggTrade{id: t.AggTradeID, price: t.Price, qty: t.Quantity, timestamp: t.Timestamp, isBuyerMaker: t.IsBuyerMaker})
		}
		return out, nil
	}
}

// deliveryFetcher queries /dapi/v1/aggTrades directly: the SDK's delivery
// client has no REST agg trades service. Rows decode into the futures
// AggTrade type, which shares the wire format.
func (b *Binance) deliveryFetcher() aggTradesFunc {
	base := deliveryBaseURL
	if b.opts.BaseURL != "" {
		base = strings.TrimRight(b.opts.BaseURL, "/")
	}
	return func(ctx context.Context, q aggTradeQuery) ([]aggTrade, error) {
		params := url.Values{}
		params.Set("symbol", b.opts.Symbol)
		params.Set("limit", strconv.Itoa(q.limit))
		if q.fromID != nil {
			params.Set("fromId", strconv.FormatInt(*q.fromID, 10))
		}
		if q.startTime != nil {
			params.Set("startTime", strconv.FormatInt(*q.startTime, 10))
		}
		if q.endTime != nil {
			params.Set("endTime", strconv.FormatInt(*q.endTime, 10))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/dapi/v1/aggTrades?"+params.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := b.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			apiErr := new(common.APIError)
			if json.Unmarshal(body, apiErr) == nil && apiErr.Code != 0 {
				return nil, apiErr
			}
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var res []futures.AggTrade
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("decode agg trades: %w", err)
		}
		out := make([]aggTrade, 0, len(res))
		for _, t := range res {
			out = append(out, aggTrade{id: t.AggTradeID, price: t.Price, qty: t.Quantity, timestamp: t.Timestamp, isBuyerMaker: t.IsBuyerMaker})
		}
		return out, nil
	}
}

var (
	_ TickSource = (*Binance)(nil)
	_ TimeSource = (*Binance)(nil)
)
