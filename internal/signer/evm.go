package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"dextrend/internal/config"
	"dextrend/internal/lifi"
)

// EVM signs and broadcasts EVM-route transactions with a single EOA key.
type EVM struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	client     *ethclient.Client
}

// NewEVM parses the key, derives the address, and dials the RPC endpoint.
func NewEVM(cfg config.WalletConfig) (*EVM, error) {
	if cfg.EVMPrivateKey == "" {
		return nil, fmt.Errorf("evm signer: private key not configured")
	}
	if cfg.EVMRPCURL == "" {
		return nil, fmt.Errorf("evm signer: rpc url not configured")
	}

	keyHex := strings.TrimPrefix(cfg.EVMPrivateKey, "0x")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("evm signer: parse private key: %w", err)
	}

	client, err := ethclient.Dial(cfg.EVMRPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm signer: dial rpc: %w", err)
	}

	return &EVM{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(cfg.EVMChainID),
		client:     client,
	}, nil
}

func (s *EVM) Address() string { return s.address.Hex() }

// SendRaw builds a legacy transaction from the route's request, signs it
// with the EOA key, and broadcasts it.
func (s *EVM) SendRaw(ctx context.Context, route *lifi.Route) (string, error) {
	txReq := route.TransactionRequest
	if txReq == nil || txReq.To == "" {
		return "", fmt.Errorf("evm signer: route has no transaction request")
	}

	to := common.HexToAddress(txReq.To)
	data, err := decodeHexField(txReq.Data)
	if err != nil {
		return "", fmt.Errorf("evm signer: decode calldata: %w", err)
	}
	value, err := decodeBigField(txReq.Value)
	if err != nil {
		return "", fmt.Errorf("evm signer: decode value: %w", err)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("evm signer: nonce: %w", err)
	}

	gasLimit, err := decodeBigField(txReq.GasLimit)
	if err != nil || gasLimit.Sign() == 0 {
		estimated, eerr := s.client.EstimateGas(ctx, ethCallMsg(s.address, to, value, data))
		if eerr != nil {
			return "", fmt.Errorf("evm signer: estimate gas: %w", eerr)
		}
		gasLimit = new(big.Int).SetUint64(estimated)
	}

	gasPrice, err := decodeBigField(txReq.GasPrice)
	if err != nil || gasPrice.Sign() == 0 {
		suggested, serr := s.client.SuggestGasPrice(ctx)
		if serr != nil {
			return "", fmt.Errorf("evm signer: gas price: %w", serr)
		}
		gasPrice = suggested
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit.Uint64(), gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("evm signer: sign: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("evm signer: broadcast: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func ethCallMsg(from, to common.Address, value *big.Int, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}
}

// decodeHexField parses 0x-prefixed calldata; empty means no data.
func decodeHexField(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hexutil.Decode(s)
}

// decodeBigField parses either a 0x hex quantity or a decimal string.
func decodeBigField(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return hexutil.DecodeBig(s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal quantity: %q", s)
	}
	return v, nil
}
