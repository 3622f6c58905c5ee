package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client reads positions, trades and income back from the mock exchange.
// The pipeline never calls it; verification tooling does.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type Position struct {
	Symbol           string
	Side             string
	Size             float64
	EntryPrice       float64
	Margin           float64
	CurrentPrice     float64
	UnrealizedProfit float64
}

func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	payload, err := c.get(ctx, "/mock/positions")
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	return parsePositions(payload), nil
}

func parsePositions(payload any) []Position {
	list, ok := payload.([]any)
	if !ok {
		return nil
	}
	out := make([]Position, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Position{
			Symbol:           stringFromAny(entry["symbol"]),
			Side:             stringFromAny(entry["side"]),
			Size:             floatOrZero(entry["size"]),
			EntryPrice:       floatOrZero(entry["entryPrice"]),
			Margin:           floatOrZero(entry["margin"]),
			CurrentPrice:     floatOrZero(entry["currentPrice"]),
			UnrealizedProfit: floatOrZero(entry["unRealizedProfit"]),
		})
	}
	return out
}

func (c *Client) get(ctx context.Context, path string) (any, error) {
	if c.baseURL == "" {
		return nil, errors.New("base url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func floatOrZero(v any) float64 {
	if f, ok := floatFromAny(v); ok {
		return f
	}
	return 0
}

func int64FromAny(v any) int64 {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return i
		}
	}
	if f, ok := floatFromAny(v); ok {
		return int64(f)
	}
	return 0
}
