package sink

import "context"

const (
	OrderTypeMarket  = "MARKET"
	IncomeFundingFee = "FUNDING_FEE"
	AssetUSDT        = "USDT"
)

// Order is a market order intent for the mock exchange.
type Order struct {
	Symbol        string
	Side          string
	Type          string
	Quantity      float64
	Price         float64
	ClientOrderID string
}

// Income is a funding or fee record injected into the mock exchange ledger.
type Income struct {
	Symbol     string
	IncomeType string
	Amount     float64
	Asset      string
	Time       int64
	Info       string
}

type Kind string

const (
	KindOrder  Kind = "ORDER"
	KindIncome Kind = "INCOME"
)

// Item is one side effect produced by the pipeline. Key identifies it for
// idempotent delivery across re-runs.
type Item struct {
	Kind     Kind
	Exchange string
	Key      string
	Order    *Order
	Income   *Income
}

func OrderItem(exchange string, order Order) Item {
	return Item{Kind: KindOrder, Exchange: exchange, Key: order.ClientOrderID, Order: &order}
}

func IncomeItem(exchange, key string, income Income) Item {
	return Item{Kind: KindIncome, Exchange: exchange, Key: key, Income: &income}
}

// Result is the outcome of one injection. A failed injection is reported,
// never returned as an error: callers log it and move on.
type Result struct {
	OK      bool
	OrderID string
	TradeID string
	Err     error
}

func failed(err error) Result {
	return Result{Err: err}
}

// Sink is the mock-exchange capability the pipeline writes to.
type Sink interface {
	InjectOrder(ctx context.Context, order Order) Result
	InjectIncome(ctx context.Context, income Income) Result
}
