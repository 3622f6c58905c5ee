package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestInjectOrderPostsMarketOrder(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mock/order" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"success":true,"orderId":7,"tradeId":11,"symbol":"TRXUSDT"}`))
	}))
	defer server.Close()

	client := New(server.URL+"/", time.Second, zap.NewNop())
	res := client.InjectOrder(context.Background(), Order{Symbol: "TRXUSDT", Side: "SELL", Quantity: 33333, Price: 0.3, ClientOrderID: "sig_1_open_A"})
	if !res.OK || res.OrderID != "7" || res.TradeID != "11" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got["type"] != OrderTypeMarket || got["clientOrderId"] != "sig_1_open_A" || got["quantity"].(float64) != 33333 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestInjectIncomeFormatsEightDecimals(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, nil)
	res := client.InjectIncome(context.Background(), Income{Symbol: "TRXUSDT", Amount: -1.5, Time: 1700})
	if !res.OK {
		t.Fatalf("unexpected failure %v", res.Err)
	}
	if got["income"] != "-1.50000000" || got["incomeType"] != IncomeFundingFee || got["asset"] != AssetUSDT {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestInjectFailureIsReportedNotReturned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"No price available for symbol"}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, nil)
	res := client.InjectOrder(context.Background(), Order{Symbol: "X", Side: "BUY", Quantity: 1})
	if res.OK || res.Err == nil {
		t.Fatalf("expected failed result, got %+v", res)
	}
}

func TestUnreachableSink(t *testing.T) {
	client := New("http://127.0.0.1:1", 200*time.Millisecond, nil)
	res := client.InjectIncome(context.Background(), Income{Symbol: "X", Amount: 1})
	if res.OK || res.Err == nil {
		t.Fatalf("expected failure for unreachable sink")
	}
}

func TestFormatAmount(t *testing.T) {
	cases := map[float64]string{
		0.1:          "0.10000000",
		12.345678919: "12.34567892",
		-3:           "-3.00000000",
	}
	for in, want := range cases {
		if got := FormatAmount(in); got != want {
			t.Fatalf("FormatAmount(%v) = %q, want %q", in, got, want)
		}
	}
}
