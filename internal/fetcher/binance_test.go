package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

const aggTradesPayload = `[
 {"a":101,"p":"27000.10","q":"0.500","f":1,"l":2,"T":1700000000000,"m":true,"M":true},
 {"a":100,"p":"27000.00","q":"1.250","f":0,"l":0,"T":1699999999000,"m":false,"M":true},
 {"a":101,"p":"1.0","q":"1.0","f":1,"l":2,"T":1700000000000,"m":true,"M":true}
]`

func TestBinanceFetchTicksFromID(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(aggTradesPayload))
	}))
	defer srv.Close()

	src, err := NewBinance(BinanceOptions{Market: MarketUSDM, Symbol: "btcusdt", BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	require.NoError(t, err)
	defer src.Close()

	from := uint64(100)
	out, err := src.FetchTicks(context.Background(), &from)
	require.NoError(t, err)

	assert.Equal(t, "/fapi/v1/aggTrades", gotPath)
	assert.Contains(t, gotQuery, "symbol=BTCUSDT")
	assert.Contains(t, gotQuery, "fromId=100")
	require.Len(t, out, 2)
	assert.Equal(t, uint64(100), out[0].TradeID)
	assert.Equal(t, 27000.0, out[0].Price)
	assert.Equal(t, 1.25, out[0].Qty)
	assert.False(t, out[0].IsBuyerMaker)
	assert.Equal(t, uint64(101), out[1].TradeID)
	assert.Equal(t, 27000.1, out[1].Price)
	assert.True(t, out[1].IsBuyerMaker)
}

func TestBinanceSpotFetchAtTime(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	src, err := NewBinance(BinanceOptions{Market: MarketSpot, Symbol: "ETHUSDT", BaseURL: srv.URL}, noopLogger())
	require.NoError(t, err)

	out, err := src.FetchTicksAtTime(context.Background(), 1700000000000, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, "/api/v3/aggTrades", gotPath)
	assert.Contains(t, gotQuery, "startTime=1700000000000")
	assert.False(t, strings.Contains(gotQuery, "fromId"))
}

func TestBinanceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"too many requests"}`))
	}))
	defer srv.Close()

	src, err := NewBinance(BinanceOptions{Market: MarketCOIN, Symbol: "BTCUSD_PERP", BaseURL: srv.URL}, noopLogger())
	require.NoError(t, err)

	_, err = src.FetchTicks(context.Background(), nil)
	require.Error(t, err)
	var apiErr *common.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, int64(-1003), apiErr.Code)
}

func TestBinanceDeliveryFetchTicksFromID(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(aggTradesPayload))
	}))
	defer srv.Close()

	src, err := NewBinance(BinanceOptions{Market: MarketCOIN, Symbol: "btcusd_perp", BaseURL: srv.URL + "/"}, noopLogger())
	require.NoError(t, err)
	defer src.Close()

	from := uint64(100)
	out, err := src.FetchTicks(context.Background(), &from)
	require.NoError(t, err)

	assert.Equal(t, "/dapi/v1/aggTrades", gotPath)
	assert.Contains(t, gotQuery, "symbol=BTCUSD_PERP")
	assert.Contains(t, gotQuery, "fromId=100")
	assert.Contains(t, gotQuery, "limit=1000")
	require.Len(t, out, 2)
	assert.Equal(t, uint64(100), out[0].TradeID)
	assert.Equal(t, 1.25, out[0].Qty)
	assert.Equal(t, int64(1700000000000), out[1].Timestamp)
	assert.True(t, out[1].IsBuyerMaker)
}

func TestBinanceDeliveryFetchAtTime(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	src, err := NewBinance(BinanceOptions{Market: MarketCOIN, Symbol: "ETHUSD_PERP", BaseURL: srv.URL}, noopLogger())
	require.NoError(t, err)

	end := int64(1700000060000)
	out, err := src.FetchTicksAtTime(context.Background(), 1700000000000, &end)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Contains(t, gotQuery, "startTime=1700000000000")
	assert.Contains(t, gotQuery, "endTime=1700000060000")
	assert.NotContains(t, gotQuery, "fromId")
}

func TestNewBinanceRejectsUnknownMarket(t *testing.T) {
	_, err := NewBinance(BinanceOptions{Market: "options", Symbol: "BTCUSDT"}, noopLogger())
	require.Error(t, err)

	_, err = NewBinance(BinanceOptions{Market: MarketSpot}, noopLogger())
	require.Error(t, err)
}
