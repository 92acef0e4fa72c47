package sentinel

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// AccountData is the lending pool's view of one wallet. Amounts are USD
// with 8-decimal base units already converted to floats; HealthFactor is the
// pool's ray-scaled value converted to a plain float.
type AccountData struct {
	TotalCollateralUSD float64
	TotalDebtUSD       float64
	AvailableBorrowUSD float64
	LiqThresholdBps    float64
	LTVBps             float64
	HealthFactor       float64
}

// Equity is collateral minus debt.
func (a AccountData) Equity() float64 { return a.TotalCollateralUSD - a.TotalDebtUSD }

// poolReader reads account state from an Aave-style pool over raw eth_call,
// avoiding generated bindings for the handful of methods used.
type poolReader struct {
	client *ethclient.Client
	pool   common.Address
	oracle common.Address
}

func newPoolReader(rpcURL, poolAddress, oracleAddress string) (*poolReader, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &poolReader{
		client: client,
		pool:   common.HexToAddress(poolAddress),
		oracle: common.HexToAddress(oracleAddress),
	}, nil
}

var (
	// getUserAccountData(address) returns six uint256 words.
	selUserAccountData = selector("getUserAccountData(address)")
	// getReserveData(address) returns the reserve struct, one word per field.
	selReserveData = selector("getReserveData(address)")
	// getAssetPrice(address) on the oracle, base-currency 8 decimals.
	selAssetPrice = selector("getAssetPrice(address)")
	// balanceOf(address) on ERC-20s for the wallet USDC balance.
	selBalanceOf = selector("balanceOf(address)")
	// decimals() for token scaling.
	selDecimals = selector("decimals()")
)

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

// base-currency amounts use 8 decimals; health factor is ray (1e18);
// interest rates are ray (1e27).
var (
	baseUnit    = new(big.Float).SetFloat64(1e8)
	rayUnit     = new(big.Float).SetFloat64(1e18)
	rayRateUnit = new(big.Float).SetFloat64(1e27)
)

// UserAccountData fetches the wallet's aggregate pool position.
func (r *poolReader) UserAccountData(ctx context.Context, wallet common.Address) (*AccountData, error) {
	data := append(append([]byte{}, selUserAccountData...), common.LeftPadBytes(wallet.Bytes(), 32)...)
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.pool, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getUserAccountData: %w", err)
	}
	if len(out) < 6*32 {
		return nil, fmt.Errorf("getUserAccountData: short return (%d bytes)", len(out))
	}

	word := func(i int) *big.Int { return new(big.Int).SetBytes(out[i*32 : (i+1)*32]) }
	toFloat := func(v *big.Int, unit *big.Float) float64 {
		f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), unit).Float64()
		return f
	}

	return &AccountData{
		TotalCollateralUSD: toFloat(word(0), baseUnit),
		TotalDebtUSD:       toFloat(word(1), baseUnit),
		AvailableBorrowUSD: toFloat(word(2), baseUnit),
		LiqThresholdBps:    float64(word(3).Int64()),
		LTVBps:             float64(word(4).Int64()),
		HealthFactor:       toFloat(word(5), rayUnit),
	}, nil
}

// ReserveData is the slice of the pool's per-reserve state the sentinel
// needs: current rates as plain yearly fractions plus the two token
// addresses whose balances are the wallet's supply and variable debt.
type ReserveData struct {
	SupplyAPR         float64
	BorrowAPR         float64
	AToken            common.Address
	VariableDebtToken common.Address
}

// ReserveData fetches one asset's reserve state. The struct comes back one
// word per field: rates at words 2 and 4, the aToken at word 8 and the
// variable debt token at word 10.
func (r *poolReader) ReserveData(ctx context.Context, asset common.Address) (*ReserveData, error) {
	data := append(append([]byte{}, selReserveData...), common.LeftPadBytes(asset.Bytes(), 32)...)
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.pool, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getReserveData: %w", err)
	}
	if len(out) < 11*32 {
		return nil, fmt.Errorf("getReserveData: short return (%d bytes)", len(out))
	}

	word := func(i int) *big.Int { return new(big.Int).SetBytes(out[i*32 : (i+1)*32]) }
	rate := func(i int) float64 {
		f, _ := new(big.Float).Quo(new(big.Float).SetInt(word(i)), rayRateUnit).Float64()
		return f
	}

	return &ReserveData{
		SupplyAPR:         rate(2),
		BorrowAPR:         rate(4),
		AToken:            common.BytesToAddress(out[8*32 : 9*32]),
		VariableDebtToken: common.BytesToAddress(out[10*32 : 11*32]),
	}, nil
}

// AssetPrice reads the oracle's base-currency price for one asset.
func (r *poolReader) AssetPrice(ctx context.Context, asset common.Address) (float64, error) {
	data := append(append([]byte{}, selAssetPrice...), common.LeftPadBytes(asset.Bytes(), 32)...)
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.oracle, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("getAssetPrice: %w", err)
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("getAssetPrice: short return")
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(new(big.Int).SetBytes(out[:32])), baseUnit).Float64()
	return f, nil
}

// TokenBalance reads an ERC-20 balance scaled by the token's decimals.
func (r *poolReader) TokenBalance(ctx context.Context, token, wallet common.Address) (float64, error) {
	data := append(append([]byte{}, selBalanceOf...), common.LeftPadBytes(wallet.Bytes(), 32)...)
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("balanceOf: %w", err)
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("balanceOf: short return")
	}
	raw := new(big.Int).SetBytes(out[:32])

	decOut, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: selDecimals}, nil)
	if err != nil || len(decOut) < 32 {
		return 0, fmt.Errorf("decimals: %w", err)
	}
	decimals := new(big.Int).SetBytes(decOut[:32]).Int64()

	unit := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), unit).Float64()
	return f, nil
}

// Strategy classifies the account posture from its collateral/debt mix.
type Strategy string

const (
	StrategyLong    Strategy = "LONG"
	StrategyShort   Strategy = "SHORT"
	StrategyNeutral Strategy = "NEUTRAL"
)

// strategyOf derives posture: meaningful debt against collateral is a
// leveraged LONG; debt with little collateral is SHORT; otherwise NEUTRAL.
func strategyOf(a *AccountData) Strategy {
	if a.TotalDebtUSD < 1 {
		return StrategyNeutral
	}
	if a.TotalCollateralUSD >= 2*a.TotalDebtUSD {
		return StrategyLong
	}
	if a.TotalCollateralUSD < a.TotalDebtUSD {
		return StrategyShort
	}
	return StrategyLong
}

// liquidationPrice estimates the main-asset price multiple at which the
// position liquidates: current HF of 1.0 maps to a drop of (1 - 1/HF).
func liquidationPrice(currentPrice, healthFactor float64) float64 {
	if healthFactor <= 0 || currentPrice <= 0 {
		return 0
	}
	return currentPrice / healthFactor
}

// AssetPosition is one asset's slice of the account: supplied, borrowed and
// idle wallet value in USD, plus the reserve's current rates.
type AssetPosition struct {
	Symbol      string
	SuppliedUSD float64
	DebtUSD     float64
	WalletUSD   float64
	SupplyAPR   float64
	BorrowAPR   float64
}

// netAPY weighs every asset's supply earnings against its borrow cost and
// expresses the result as a yearly fraction of equity.
func netAPY(assets []AssetPosition, equity float64) float64 {
	if equity <= 0 {
		return 0
	}
	var net float64
	for _, a := range assets {
		net += a.SuppliedUSD*a.SupplyAPR - a.DebtUSD*a.BorrowAPR
	}
	return net / equity
}

// shortAddr renders an address as 0x1234…abcd for notifications.
func shortAddr(addr string) string {
	if len(addr) <= 12 || !strings.HasPrefix(addr, "0x") {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
