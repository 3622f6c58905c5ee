package account

import (
	"context"
	"fmt"
	"sort"
)

const incomeFundingFee = "FUNDING_FEE"

type Income struct {
	Symbol     string
	IncomeType string
	Amount     float64
	Asset      string
	TimeMS     int64
	Info       string
}

// Income returns the mock exchange's income history, newest first.
func (c *Client) Income(ctx context.Context) ([]Income, error) {
	payload, err := c.get(ctx, "/fapi/v1/income")
	if err != nil {
		return nil, fmt.Errorf("income: %w", err)
	}
	return parseIncome(payload), nil
}

func parseIncome(payload any) []Income {
	list, ok := payload.([]any)
	if !ok {
		return nil
	}
	out := make([]Income, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Income{
			Symbol:     stringFromAny(entry["symbol"]),
			IncomeType: stringFromAny(entry["incomeType"]),
			Amount:     floatOrZero(entry["income"]),
			Asset:      stringFromAny(entry["asset"]),
			TimeMS:     int64FromAny(entry["time"]),
			Info:       stringFromAny(entry["info"]),
		})
	}
	return out
}

type FundingSummary struct {
	Symbol string
	Total  float64
	Count  int
}

// SummarizeFunding sums FUNDING_FEE income per symbol, sorted by symbol.
func SummarizeFunding(income []Income) []FundingSummary {
	bySymbol := make(map[string]*FundingSummary)
	for _, inc := range income {
		if inc.IncomeType != incomeFundingFee {
			continue
		}
		s, ok := bySymbol[inc.Symbol]
		if !ok {
			s = &FundingSummary{Symbol: inc.Symbol}
			bySymbol[inc.Symbol] = s
		}
		s.Total += inc.Amount
		s.Count++
	}
	out := make([]FundingSummary, 0, len(bySymbol))
	for _, s := range bySymbol {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// TotalFunding is the sum over all symbols.
func TotalFunding(summary []FundingSummary) float64 {
	var total float64
	for _, s := range summary {
		total += s.Total
	}
	return total
}
