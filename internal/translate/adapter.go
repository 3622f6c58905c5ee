package translate

import (
	"fmt"
	"math"
	"strings"

	"github.com/yuguogang/mock-exchange/internal/config"
	"github.com/yuguogang/mock-exchange/internal/sink"
)

// ErrUnknownExchange is a configuration error: a leg names an exchange with
// no adapter.
var ErrUnknownExchange = fmt.Errorf("%w: unknown exchange", config.ErrConfig)

// ExchangeAdapter converts venue-neutral order parameters into the shape one
// exchange expects.
type ExchangeAdapter interface {
	Name() string
	MapSymbol(symbol string) string
	ConvertQuantity(baseQty, contractSize float64) float64
	BuildOrder(params OrderParams) sink.Order
}

type OrderParams struct {
	Symbol        string
	Side          string
	Quantity      float64
	Price         float64
	ClientOrderID string
}

// Binance USDT-M futures take quantities in the base asset.
type Binance struct{}

func (Binance) Name() string { return "BINANCE" }

func (Binance) MapSymbol(symbol string) string { return symbol }

func (Binance) ConvertQuantity(baseQty, _ float64) float64 { return baseQty }

func (Binance) BuildOrder(p OrderParams) sink.Order {
	return buildMarketOrder(p)
}

// OKX swaps trade whole contracts and name instruments BASE-QUOTE-SWAP.
type OKX struct{}

func (OKX) Name() string { return "OKX" }

func (OKX) MapSymbol(symbol string) string {
	if strings.Contains(symbol, "-") {
		return symbol
	}
	return strings.Replace(symbol, "USDT", "-USDT-SWAP", 1)
}

func (OKX) ConvertQuantity(baseQty, contractSize float64) float64 {
	if contractSize <= 0 {
		contractSize = 1
	}
	return math.Floor(baseQty / contractSize)
}

func (OKX) BuildOrder(p OrderParams) sink.Order {
	return buildMarketOrder(p)
}

func buildMarketOrder(p OrderParams) sink.Order {
	return sink.Order{
		Symbol:        p.Symbol,
		Side:          strings.ToUpper(p.Side),
		Type:          sink.OrderTypeMarket,
		Quantity:      p.Quantity,
		Price:         p.Price,
		ClientOrderID: p.ClientOrderID,
	}
}

func AdapterFor(exchange string) (ExchangeAdapter, error) {
	switch strings.ToLower(strings.TrimSpace(exchange)) {
	case "binance":
		return Binance{}, nil
	case "okx":
		return OKX{}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownExchange, exchange)
	}
}
