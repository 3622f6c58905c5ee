package market

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yuguogang/mock-exchange/internal/config"
	"github.com/yuguogang/mock-exchange/internal/series"
)

const (
	minuteMS           = 60_000
	binanceKlineLimit  = 1000
	binanceFundLimit   = 1000
	okxCandleLimit     = 300
	okxFundingLimit    = 100
	okxSuccessCode     = "0"
	candleInterval     = "1m"
	okxCandleIntervalQ = "bar"
)

// Source fetches the part of a leg's history newer than since (0 = recent).
type Source interface {
	Klines(ctx context.Context, symbol string, since int64) ([]series.PricePoint, error)
	FundingRates(ctx context.Context, symbol string, since int64) ([]series.FundingPoint, error)
}

type Binance struct {
	client httpClient
}

func NewBinance(baseURL string, timeout time.Duration) *Binance {
	return &Binance{client: newHTTPClient(baseURL, timeout)}
}

func (b *Binance) Klines(ctx context.Context, symbol string, since int64) ([]series.PricePoint, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", candleInterval)
	q.Set("limit", strconv.Itoa(binanceKlineLimit))
	if since > 0 {
		q.Set("startTime", strconv.FormatInt(since+minuteMS, 10))
	}
	payload, err := b.client.getJSON(ctx, "/fapi/v1/klines", q)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
	}
	rows, ok := toSlice(payload)
	if !ok {
		return nil, fmt.Errorf("binance klines %s: unexpected payload", symbol)
	}
	return parseCandles(rows), nil
}

func (b *Binance) FundingRates(ctx context.Context, symbol string, since int64) ([]series.FundingPoint, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(binanceFundLimit))
	if since > 0 {
		q.Set("startTime", strconv.FormatInt(since+1, 10))
	}
	payload, err := b.client.getJSON(ctx, "/fapi/v1/fundingRate", q)
	if err != nil {
		return nil, fmt.Errorf("binance funding %s: %w", symbol, err)
	}
	rows, ok := toSlice(payload)
	if !ok {
		return nil, fmt.Errorf("binance funding %s: unexpected payload", symbol)
	}
	return parseFunding(rows), nil
}

// OKX only serves recent pages; results are newest first and get reversed.
type OKX struct {
	client httpClient
}

func NewOKX(baseURL string, timeout time.Duration) *OKX {
	return &OKX{client: newHTTPClient(baseURL, timeout)}
}

func (o *OKX) Klines(ctx context.Context, symbol string, since int64) ([]series.PricePoint, error) {
	q := url.Values{}
	q.Set("instId", symbol)
	q.Set(okxCandleIntervalQ, candleInterval)
	q.Set("limit", strconv.Itoa(okxCandleLimit))
	rows, err := o.data(ctx, "/api/v5/market/candles", q)
	if err != nil {
		return nil, fmt.Errorf("okx candles %s: %w", symbol, err)
	}
	return series.After(reversed(parseCandles(rows)), since), nil
}

func (o *OKX) FundingRates(ctx context.Context, symbol string, since int64) ([]series.FundingPoint, error) {
	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("limit", strconv.Itoa(okxFundingLimit))
	rows, err := o.data(ctx, "/api/v5/public/funding-rate-history", q)
	if err != nil {
		return nil, fmt.Errorf("okx funding %s: %w", symbol, err)
	}
	return series.After(reversed(parseFunding(rows)), since), nil
}

func (o *OKX) data(ctx context.Context, path string, q url.Values) ([]any, error) {
	payload, err := o.client.getJSON(ctx, path, q)
	if err != nil {
		return nil, err
	}
	envelope, ok := toMap(payload)
	if !ok {
		return nil, errors.New("unexpected payload")
	}
	if code := stringFromAny(envelope["code"]); code != okxSuccessCode {
		return nil, fmt.Errorf("code %s: %s", code, stringFromAny(envelope["msg"]))
	}
	rows, _ := toSlice(envelope["data"])
	return rows, nil
}

func parseCandles(rows []any) []series.PricePoint {
	out := make([]series.PricePoint, 0, len(rows))
	for _, row := range rows {
		if ts, price, ok := candleClose(row); ok {
			out = append(out, series.PricePoint{TS: ts, Price: price})
		}
	}
	return out
}

func parseFunding(rows []any) []series.FundingPoint {
	out := make([]series.FundingPoint, 0, len(rows))
	for _, row := range rows {
		if ts, rate, ok := fundingEntry(row); ok {
			out = append(out, series.FundingPoint{TS: ts, Rate: rate})
		}
	}
	return out
}

func reversed[T any](in []T) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// SourceFor picks the client for an exchange name from the download config.
func SourceFor(exchange string, cfg config.DownloadConfig) (Source, error) {
	switch strings.ToLower(exchange) {
	case "binance":
		return NewBinance(cfg.BinanceURL, cfg.Timeout), nil
	case "okx":
		return NewOKX(cfg.OKXURL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("%w: no downloader for exchange %q", config.ErrConfig, exchange)
	}
}
