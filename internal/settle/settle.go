// Package settle executes x402 payment authorizations: a non-mutating
// dry run (Simulate) followed by an on-chain broadcast (Settle).
//
// Two backends implement the same capability interface: DemoClient for
// deterministic, networkless operation and ChainClient for real
// smart-contract wallet settlement. Settle must only be invoked after a
// passing Simulate for the same request; the authoritative replay defense
// is the payer contract's on-chain nonce consumption, not this package.
package settle

import (
	"context"

	"github.com/dhiyaancnirmal/kitegate/internal/x402"
)

// Client is the settlement capability consumed by the facilitator and the
// payment gate.
type Client interface {
	// Simulate performs a read-only dry run of the transfer. A nil error
	// means the authorization would execute; any failure (bad signature,
	// expired validity window, consumed nonce) surfaces as
	// simulation_failed.
	Simulate(ctx context.Context, req *x402.NormalizedPaymentRequest) error

	// Settle broadcasts the transfer and returns a transaction reference.
	// Callable only after a passing Simulate for the same request.
	Settle(ctx context.Context, req *x402.NormalizedPaymentRequest) (string, error)

	// Mode identifies the backend ("demo" or "chain").
	Mode() string
}
