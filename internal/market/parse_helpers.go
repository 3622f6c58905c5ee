package market

import (
	"encoding/json"
	"strconv"
	"strings"
)

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
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

func floatFromMap(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int64:
		return float64(val), true
	case int:
		return float64(val), true
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

// int64FromAny reads millisecond timestamps, which exchanges send either as
// JSON numbers or as decimal strings.
func int64FromAny(v any) (int64, bool) {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, true
		}
		f, err := val.Float64()
		return int64(f), err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return i, err == nil
	case float64:
		return int64(val), true
	case int64:
		return val, true
	case int:
		return int64(val), true
	default:
		return 0, false
	}
}

// candleClose reads [ts, open, high, low, close, ...] rows.
func candleClose(row any) (int64, float64, bool) {
	fields, ok := toSlice(row)
	if !ok || len(fields) < 5 {
		return 0, 0, false
	}
	ts, ok := int64FromAny(fields[0])
	if !ok {
		return 0, 0, false
	}
	price, ok := floatFromAny(fields[4])
	if !ok || price <= 0 {
		return 0, 0, false
	}
	return ts, price, true
}

func fundingEntry(entry any) (int64, float64, bool) {
	m, ok := toMap(entry)
	if !ok {
		return 0, 0, false
	}
	ts, ok := int64FromAny(m["fundingTime"])
	if !ok {
		return 0, 0, false
	}
	rate, ok := floatFromMap(m, "fundingRate", "realizedRate")
	if !ok {
		return 0, 0, false
	}
	return ts, rate, true
}
