package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"dextrend/internal/lifi"
	"dextrend/pkg/types"
)

// evmChainIDs maps aggregator chain slugs onto numeric EVM chain ids.
var evmChainIDs = map[string]int64{
	"ethereum":  1,
	"optimism":  10,
	"bsc":       56,
	"polygon":   137,
	"base":      8453,
	"arbitrum":  42161,
	"avalanche": 43114,
}

// Quoter is the meta-aggregator surface the route attacher uses.
type Quoter interface {
	EVMNativeBuy(ctx context.Context, chainID int64, tokenAddress, amountWei, wallet string, slippage float64) (*lifi.Route, error)
	SolBuy(ctx context.Context, mint, amountLamports, wallet string, slippage float64) (*lifi.Route, error)
}

// RouteAttacher builds same-chain native→token routes for live buys: wei on
// EVM chains, lamports on Solana. The USD notional is converted through the
// candidate's own USD and native quotes.
type RouteAttacher struct {
	quoter    Quoter
	evmWallet string
	solWallet string
	slippage  float64
}

func NewRouteAttacher(quoter Quoter, evmWallet, solWallet string, slippagePct float64) *RouteAttacher {
	return &RouteAttacher{
		quoter:    quoter,
		evmWallet: evmWallet,
		solWallet: solWallet,
		slippage:  slippagePct / 100,
	}
}

func (r *RouteAttacher) Attach(ctx context.Context, cand *types.Candidate, notionalUSD float64) (*lifi.Route, error) {
	native, err := nativeAmount(cand, notionalUSD)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(cand.Chain, "solana") {
		if r.solWallet == "" {
			return nil, fmt.Errorf("route %s: no solana wallet configured", cand.Symbol)
		}
		return r.quoter.SolBuy(ctx, cand.TokenAddress, toBaseUnits(native, 9), r.solWallet, r.slippage)
	}

	chainID, ok := evmChainIDs[strings.ToLower(cand.Chain)]
	if !ok {
		return nil, fmt.Errorf("route %s: unsupported chain %q", cand.Symbol, cand.Chain)
	}
	if r.evmWallet == "" {
		return nil, fmt.Errorf("route %s: no evm wallet configured", cand.Symbol)
	}
	return r.quoter.EVMNativeBuy(ctx, chainID, cand.TokenAddress, toBaseUnits(native, 18), r.evmWallet, r.slippage)
}

// nativeAmount converts the USD notional into the chain's native currency
// using the candidate's paired USD and native quotes.
func nativeAmount(cand *types.Candidate, notionalUSD float64) (float64, error) {
	usd := types.Deref(cand.PriceUSD, 0)
	nat := types.Deref(cand.PriceNative, 0)
	if usd <= 0 || nat <= 0 {
		return 0, fmt.Errorf("route %s: no usd/native quote pair", cand.Symbol)
	}
	return notionalUSD / usd * nat, nil
}

// toBaseUnits renders amount·10^decimals as a decimal integer string.
func toBaseUnits(amount float64, decimals int32) string {
	return decimal.NewFromFloat(amount).Shift(decimals).Truncate(0).String()
}
