package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Client talks to the mock exchange over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

type orderRequest struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price,omitempty"`
	ClientOrderID string  `json:"clientOrderId,omitempty"`
}

type orderResponse struct {
	Success bool        `json:"success"`
	OrderID json.Number `json:"orderId"`
	TradeID json.Number `json:"tradeId"`
	Error   string      `json:"error"`
}

type incomeRequest struct {
	Symbol     string `json:"symbol"`
	IncomeType string `json:"incomeType"`
	Income     string `json:"income"`
	Asset      string `json:"asset"`
	Time       int64  `json:"time"`
	Info       string `json:"info,omitempty"`
}

type ackResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (c *Client) InjectOrder(ctx context.Context, order Order) Result {
	if order.Type == "" {
		order.Type = OrderTypeMarket
	}
	req := orderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		Price:         order.Price,
		ClientOrderID: order.ClientOrderID,
	}
	var resp orderResponse
	if err := c.post(ctx, "/mock/order", req, &resp); err != nil {
		return failed(fmt.Errorf("inject order %s: %w", order.ClientOrderID, err))
	}
	if !resp.Success {
		return failed(fmt.Errorf("inject order %s: %s", order.ClientOrderID, orDefault(resp.Error, "rejected")))
	}
	return Result{OK: true, OrderID: resp.OrderID.String(), TradeID: resp.TradeID.String()}
}

func (c *Client) InjectIncome(ctx context.Context, income Income) Result {
	req := incomeRequest{
		Symbol:     income.Symbol,
		IncomeType: orDefault(income.IncomeType, IncomeFundingFee),
		Income:     FormatAmount(income.Amount),
		Asset:      orDefault(income.Asset, AssetUSDT),
		Time:       income.Time,
		Info:       income.Info,
	}
	var resp ackResponse
	if err := c.post(ctx, "/mock/income", req, &resp); err != nil {
		return failed(fmt.Errorf("inject income %s@%d: %w", income.Symbol, income.Time, err))
	}
	if !resp.Success {
		return failed(fmt.Errorf("inject income %s@%d: %s", income.Symbol, income.Time, orDefault(resp.Error, "rejected")))
	}
	return Result{OK: true}
}

// SetPrice seeds the mark price the mock exchange fills market orders at.
func (c *Client) SetPrice(ctx context.Context, symbol string, price float64) Result {
	var resp ackResponse
	if err := c.post(ctx, "/mock/price", map[string]any{"symbol": symbol, "price": price}, &resp); err != nil {
		return failed(fmt.Errorf("set price %s: %w", symbol, err))
	}
	return Result{OK: resp.Success}
}

type Position struct {
	Symbol     string  `json:"symbol"`
	Size       float64 `json:"size"`
	Margin     float64 `json:"margin"`
	EntryPrice float64 `json:"entryPrice"`
	Side       string  `json:"side"`
}

// SetPosition writes a position directly; size 0 clears it.
func (c *Client) SetPosition(ctx context.Context, pos Position) Result {
	var resp ackResponse
	if err := c.post(ctx, "/mock/position", pos, &resp); err != nil {
		return failed(fmt.Errorf("set position %s: %w", pos.Symbol, err))
	}
	return Result{OK: resp.Success}
}

// FormatAmount renders an income amount with eight fixed decimals.
func FormatAmount(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(8)
}

func (c *Client) post(ctx context.Context, path string, req any, out any) error {
	if c.baseURL == "" {
		return errors.New("sink base url is empty")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
