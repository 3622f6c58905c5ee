package account

import (
	"context"
	"fmt"
)

type Trade struct {
	ID         string
	OrderID    string
	Symbol     string
	Side       string
	Price      float64
	Qty        float64
	Commission float64
	TimeMS     int64
}

func (c *Client) Trades(ctx context.Context) ([]Trade, error) {
	payload, err := c.get(ctx, "/mock/trades")
	if err != nil {
		return nil, fmt.Errorf("trades: %w", err)
	}
	return parseTrades(payload), nil
}

func parseTrades(payload any) []Trade {
	list, ok := payload.([]any)
	if !ok {
		return nil
	}
	trades := make([]Trade, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		trades = append(trades, Trade{
			ID:         stringFromAny(entry["id"]),
			OrderID:    firstString(entry, "order_id", "orderId"),
			Symbol:     stringFromAny(entry["symbol"]),
			Side:       stringFromAny(entry["side"]),
			Price:      floatOrZero(entry["price"]),
			Qty:        floatOrZero(entry["qty"]),
			Commission: floatOrZero(entry["commission"]),
			TimeMS:     int64FromAny(entry["timestamp"]),
		})
	}
	return trades
}

func firstString(entry map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringFromAny(entry[key]); s != "" {
			return s
		}
	}
	return ""
}
