package lifi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dextrend/internal/config"
)

func newTestClient(baseURL string) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(config.FeedsConfig{
		LiFiBaseURL: baseURL,
		HTTPTimeout: 5 * time.Second,
	}, logger)
}

func TestQuoteSendsRequiredParams(t *testing.T) {
	t.Parallel()

	var query map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"q1","tool":"jupiter",
			"action":{"fromToken":{"symbol":"ETH"},"toToken":{"symbol":"TST"},"fromAmount":"100"},
			"estimate":{"fromAmount":"100","toAmount":"4200","toAmountMin":"4100"},
			"transactionRequest":{"to":"0xrouter","data":"0xdeadbeef","value":"100","chainId":8453}
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	route, err := c.EVMNativeBuy(context.Background(), 8453, "0xtoken", "100", "0xwallet", 0.005)
	if err != nil {
		t.Fatalf("EVMNativeBuy: %v", err)
	}

	want := map[string]string{
		"fromChain":        "8453",
		"toChain":          "8453",
		"fromToken":        EVMNativeToken,
		"toToken":          "0xtoken",
		"fromAmount":       "100",
		"fromAddress":      "0xwallet",
		"slippage":         "0.005",
		"allowSwitchChain": "false",
	}
	for k, v := range want {
		if query[k] != v {
			t.Errorf("param %s = %q, want %q", k, query[k], v)
		}
	}
	if route.TransactionRequest == nil || route.TransactionRequest.To != "0xrouter" {
		t.Errorf("tx request = %+v", route.TransactionRequest)
	}
	if route.IsSolana() {
		t.Error("EVM route misdetected as Solana")
	}
}

func TestSolBuyRouteDetection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("toAddress"); got != r.URL.Query().Get("fromAddress") {
			t.Errorf("toAddress %q should equal fromAddress", got)
		}
		if got := r.URL.Query().Get("fromToken"); got != "SOL" {
			t.Errorf("fromToken = %q, want SOL", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"q2","tool":"jupiter",
			"action":{"fromToken":{"symbol":"SOL"},"toToken":{"symbol":"TST"}},
			"estimate":{"toAmount":"999"},
			"transactionRequest":{"data":"AXNlcmlhbGl6ZWQtdHg="}
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	route, err := c.SolBuy(context.Background(), "MintAddr", "5000000", "WalletAddr", 0.01)
	if err != nil {
		t.Fatalf("SolBuy: %v", err)
	}
	if !route.IsSolana() {
		t.Error("SOL route not detected as Solana")
	}
}

func TestSerializedPayloadImpliesSolana(t *testing.T) {
	t.Parallel()

	// Chain code lost but the payload is clearly not EVM calldata.
	r := &Route{}
	r.TransactionRequest = &TxRequest{Data: "AXNlcmlhbGl6ZWQ="}
	if !r.IsSolana() {
		t.Error("serialized tx without 0x prefix should dispatch to SPL")
	}

	evm := &Route{}
	evm.TransactionRequest = &TxRequest{To: "0xrouter", Data: "0xdeadbeef"}
	if evm.IsSolana() {
		t.Error("EVM calldata should not dispatch to SPL")
	}
}

func TestQuoteValidation(t *testing.T) {
	t.Parallel()
	c := newTestClient("http://unreachable.invalid")

	if _, err := c.Quote(context.Background(), QuoteRequest{}); err == nil {
		t.Error("empty request should fail before any HTTP call")
	}
	if _, err := c.Quote(context.Background(), QuoteRequest{
		FromChain: "8453", ToChain: "8453",
	}); err == nil {
		t.Error("missing amount should fail before any HTTP call")
	}
}

func TestQuoteErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"no route found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if _, err := c.EVMNativeBuy(context.Background(), 1, "0xtoken", "100", "0xwallet", 0.005); err == nil {
		t.Error("404 should surface as an error")
	}
}
