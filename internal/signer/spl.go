package signer

import (
	"context"
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"dextrend/internal/config"
	"dextrend/internal/lifi"
)

// SPL signs and broadcasts Solana-route transactions. The aggregator returns
// a fully built serialized transaction; the signer refreshes the blockhash,
// signs with the wallet key, and submits it.
type SPL struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	client     *rpc.Client
}

func NewSPL(cfg config.WalletConfig) (*SPL, error) {
	if cfg.SolPrivateKey == "" {
		return nil, fmt.Errorf("spl signer: private key not configured")
	}
	if cfg.SolRPCURL == "" {
		return nil, fmt.Errorf("spl signer: rpc url not configured")
	}

	privateKey, err := solana.PrivateKeyFromBase58(cfg.SolPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("spl signer: parse private key: %w", err)
	}

	return &SPL{
		privateKey: privateKey,
		publicKey:  privateKey.PublicKey(),
		client:     rpc.New(cfg.SolRPCURL),
	}, nil
}

func (s *SPL) Address() string { return s.publicKey.String() }

// SendRaw deserializes the route's base64 transaction, re-anchors it on a
// fresh blockhash, signs, and broadcasts. Returns the signature.
func (s *SPL) SendRaw(ctx context.Context, route *lifi.Route) (string, error) {
	if route.TransactionRequest == nil || route.TransactionRequest.Data == "" {
		return "", fmt.Errorf("spl signer: route has no serialized transaction")
	}

	raw, err := base64.StdEncoding.DecodeString(route.TransactionRequest.Data)
	if err != nil {
		return "", fmt.Errorf("spl signer: decode transaction: %w", err)
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", fmt.Errorf("spl signer: deserialize transaction: %w", err)
	}

	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("spl signer: blockhash: %w", err)
	}
	tx.Message.RecentBlockhash = recent.Value.Blockhash

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.publicKey) {
			return &s.privateKey
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("spl signer: sign: %w", err)
	}

	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return "", fmt.Errorf("spl signer: broadcast: %w", err)
	}
	return sig.String(), nil
}

// ForRoute returns the signer matching a route's shape, or an error naming
// the missing configuration.
func ForRoute(route *lifi.Route, evm *EVM, spl *SPL) (Signer, error) {
	if route.IsSolana() {
		if spl == nil {
			return nil, fmt.Errorf("route requires SPL signer but none is configured")
		}
		return spl, nil
	}
	if evm == nil {
		return nil, fmt.Errorf("route requires EVM signer but none is configured")
	}
	return evm, nil
}
