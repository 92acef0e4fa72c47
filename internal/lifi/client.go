// Package lifi is a client for the LI.FI meta-aggregator quote API. The
// execution stage attaches a same-chain route to each BUY; in live mode the
// trader hands the route's transaction request to the matching signer.
package lifi

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"dextrend/internal/config"
)

// EVMNativeToken is the zero address, which the aggregator treats as the
// chain's native coin on EVM networks.
const EVMNativeToken = "0x0000000000000000000000000000000000000000"

// SolChainCode is the aggregator's chain code for Solana.
const SolChainCode = "SOL"

// SolNativeToken is the aggregator's symbolic code for native SOL. It also
// accepts the system-program mint 11111111111111111111111111111111; the
// symbolic form is what the quote endpoint documents.
const SolNativeToken = "SOL"

// QuoteRequest is one same-chain swap quote.
type QuoteRequest struct {
	FromChain   string
	ToChain     string
	FromToken   string
	ToToken     string
	FromAmount  string // integer in the chain's smallest unit
	FromAddress string
	ToAddress   string
	Slippage    float64
}

// TxRequest is the ready-to-sign transaction payload of a route. For EVM
// routes To/Data/Value/GasLimit are set; for Solana routes Data carries the
// base64-serialized transaction and the EVM fields stay empty.
type TxRequest struct {
	To       string `json:"to,omitempty"`
	Data     string `json:"data,omitempty"`
	Value    string `json:"value,omitempty"`
	GasLimit string `json:"gasLimit,omitempty"`
	GasPrice string `json:"gasPrice,omitempty"`
	ChainID  int64  `json:"chainId,omitempty"`
}

// Route is the aggregator's quote: the estimate plus the transaction to sign.
type Route struct {
	ID   string `json:"id"`
	Tool string `json:"tool"`

	Action struct {
		FromChainID any    `json:"fromChainId"`
		ToChainID   any    `json:"toChainId"`
		FromToken   Token  `json:"fromToken"`
		ToToken     Token  `json:"toToken"`
		FromAmount  string `json:"fromAmount"`
		FromAddress string `json:"fromAddress"`
		ToAddress   string `json:"toAddress"`
	} `json:"action"`

	Estimate struct {
		FromAmount    string `json:"fromAmount"`
		ToAmount      string `json:"toAmount"`
		ToAmountMin   string `json:"toAmountMin"`
		ExecutionSecs float64 `json:"executionDuration"`
	} `json:"estimate"`

	TransactionRequest *TxRequest `json:"transactionRequest,omitempty"`

	// FromChain is the request's chain code, kept for signer dispatch.
	FromChain string `json:"-"`
}

type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	ChainID  any    `json:"chainId"`
}

// IsSolana reports whether this route must be executed by the SPL signer:
// either the chain code says so, or the payload is a serialized transaction
// rather than EVM calldata.
func (r *Route) IsSolana() bool {
	if strings.EqualFold(r.FromChain, SolChainCode) {
		return true
	}
	if r.TransactionRequest == nil {
		return false
	}
	tx := r.TransactionRequest
	return tx.To == "" && tx.Data != "" && !strings.HasPrefix(tx.Data, "0x")
}

type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

func New(cfg config.FeedsConfig, logger *slog.Logger) *Client {
	http := resty.New().
		SetBaseURL(cfg.LiFiBaseURL).
		SetTimeout(cfg.HTTPTimeout).
		SetRetryCount(2).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= 500
		})
	return &Client{
		http:   http,
		logger: logger.With("component", "lifi"),
	}
}

// Quote fetches one route. Quotes never switch chains.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*Route, error) {
	if req.FromChain == "" || req.ToChain == "" {
		return nil, fmt.Errorf("lifi quote: chain codes required")
	}
	if req.FromAmount == "" || req.FromAddress == "" {
		return nil, fmt.Errorf("lifi quote: amount and from address required")
	}

	var route Route
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"fromChain":        req.FromChain,
			"toChain":          req.ToChain,
			"fromToken":        req.FromToken,
			"toToken":          req.ToToken,
			"fromAmount":       req.FromAmount,
			"fromAddress":      req.FromAddress,
			"toAddress":        req.ToAddress,
			"slippage":         strconv.FormatFloat(req.Slippage, 'f', -1, 64),
			"allowSwitchChain": "false",
		}).
		SetResult(&route).
		Get("/v1/quote")
	if err != nil {
		return nil, fmt.Errorf("lifi quote: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("lifi quote: status %d: %s", resp.StatusCode(), resp.String())
	}
	route.FromChain = req.FromChain

	c.logger.Debug("quote fetched",
		"tool", route.Tool,
		"from", route.Action.FromToken.Symbol,
		"to", route.Action.ToToken.Symbol)
	return &route, nil
}

// EVMNativeBuy quotes buying an ERC-20 with the chain's native coin.
// amountWei is the integer wei amount as a decimal string.
func (c *Client) EVMNativeBuy(ctx context.Context, chainID int64, tokenAddress, amountWei, wallet string, slippage float64) (*Route, error) {
	chain := strconv.FormatInt(chainID, 10)
	return c.Quote(ctx, QuoteRequest{
		FromChain:   chain,
		ToChain:     chain,
		FromToken:   EVMNativeToken,
		ToToken:     tokenAddress,
		FromAmount:  amountWei,
		FromAddress: wallet,
		ToAddress:   wallet,
		Slippage:    slippage,
	})
}

// SolBuy quotes buying an SPL token with native SOL. amountLamports is the
// integer lamport amount as a decimal string. The aggregator requires the
// destination to equal the sender on Solana.
func (c *Client) SolBuy(ctx context.Context, mint, amountLamports, wallet string, slippage float64) (*Route, error) {
	return c.Quote(ctx, QuoteRequest{
		FromChain:   SolChainCode,
		ToChain:     SolChainCode,
		FromToken:   SolNativeToken,
		ToToken:     mint,
		FromAmount:  amountLamports,
		FromAddress: wallet,
		ToAddress:   wallet,
		Slippage:    slippage,
	})
}
