// Package signer holds the live-execution signers. A Signer turns an
// aggregator route's transaction request into a broadcast transaction and
// returns its hash. Two variants exist: EVM and SPL; the trader picks one by
// inspecting the route shape.
package signer

import (
	"context"

	"dextrend/internal/lifi"
)

// Signer broadcasts a route's transaction and reports the wallet identity.
type Signer interface {
	// SendRaw signs and broadcasts the route's transaction request,
	// returning the transaction hash or signature.
	SendRaw(ctx context.Context, route *lifi.Route) (string, error)

	// Address returns the wallet address in the chain's native encoding.
	Address() string
}
