package sentinel

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"dextrend/internal/config"
)

var (
	selApprove = selector("approve(address,uint256)")
	selSupply  = selector("supply(address,uint256,address,uint16)")
)

// usdcDecimals scales the rescue amount; the rescue asset is a 6-decimal
// stablecoin.
const usdcDecimals = 6

// rescuer executes the approve-then-supply pair for an emergency injection.
type rescuer struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	from       common.Address
	pool       common.Address
	usdc       common.Address
	chainID    *big.Int
}

func newRescuer(cfg config.SentinelConfig) (*rescuer, error) {
	keyHex := strings.TrimPrefix(cfg.PrivateKey, "0x")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse rescue key: %w", err)
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return &rescuer{
		client:     client,
		privateKey: privateKey,
		from:       crypto.PubkeyToAddress(privateKey.PublicKey),
		pool:       common.HexToAddress(cfg.PoolAddress),
		usdc:       common.HexToAddress(cfg.USDCAddress),
		chainID:    chainID,
	}, nil
}

// Supply approves the pool for the amount and supplies it as collateral.
// Returns the supply transaction's hash.
func (r *rescuer) Supply(ctx context.Context, amountUSD float64) (string, error) {
	amount := usdToUnits(amountUSD)

	approveData := append(append([]byte{}, selApprove...),
		packArgs(common.LeftPadBytes(r.pool.Bytes(), 32), common.LeftPadBytes(amount.Bytes(), 32))...)
	if _, err := r.send(ctx, r.usdc, approveData); err != nil {
		return "", fmt.Errorf("approve: %w", err)
	}

	supplyData := append(append([]byte{}, selSupply...),
		packArgs(
			common.LeftPadBytes(r.usdc.Bytes(), 32),
			common.LeftPadBytes(amount.Bytes(), 32),
			common.LeftPadBytes(r.from.Bytes(), 32),
			make([]byte, 32), // referral code 0
		)...)
	hash, err := r.send(ctx, r.pool, supplyData)
	if err != nil {
		return "", fmt.Errorf("supply: %w", err)
	}
	return hash, nil
}

func (r *rescuer) send(ctx context.Context, to common.Address, data []byte) (string, error) {
	nonce, err := r.client.PendingNonceAt(ctx, r.from)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := r.client.EstimateGas(ctx, ethereum.CallMsg{From: r.from, To: &to, Data: data})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, to, new(big.Int), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(r.chainID), r.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	if err := r.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func packArgs(words ...[]byte) []byte {
	var out []byte
	for _, w := range words {
		out = append(out, w...)
	}
	return out
}

func usdToUnits(amount float64) *big.Int {
	scaled := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(math.Pow10(usdcDecimals)))
	units, _ := scaled.Int(nil)
	return units
}
