// Package facilitator exposes the x402 verify/settle surface: discovery of
// supported scheme/network kinds, a non-mutating verify, and a settle that
// broadcasts only after a passing simulation. It owns the mapping from
// protocol errors to HTTP statuses.
package facilitator

import (
	"context"
	"net/http"

	"github.com/dhiyaancnirmal/kitegate/internal/settle"
	"github.com/dhiyaancnirmal/kitegate/internal/traces"
	"github.com/dhiyaancnirmal/kitegate/internal/x402"
)

// Service performs verify and settle against one settlement backend.
type Service struct {
	client settle.Client
}

// NewService creates a facilitator service.
func NewService(client settle.Client) *Service {
	return &Service{client: client}
}

// Client returns the underlying settlement backend.
func (s *Service) Client() settle.Client {
	return s.client
}

// SupportedKinds declares the scheme/network combinations this facilitator
// can verify and settle.
func (s *Service) SupportedKinds() []x402.SupportedKind {
	return []x402.SupportedKind{
		{
			X402Version: x402.X402Version,
			Scheme:      x402.SchemeGokiteAA,
			Network:     x402.NetworkKite,
		},
	}
}

// Verify normalizes the request and runs a read-only simulation. It never
// mutates chain state.
func (s *Service) Verify(ctx context.Context, req *x402.VerifyRequest) (*x402.VerifyResponse, *x402.Error) {
	norm, perr := x402.Normalize(req)
	if perr != nil {
		return nil, perr
	}

	ctx, span := traces.StartSpan(ctx, "facilitator.verify",
		traces.PaymentRequestID(norm.PaymentRequestID),
		traces.Payer(norm.Authorization.From))
	defer span.End()

	if err := s.client.Simulate(ctx, norm); err != nil {
		return nil, asProtocolError(err, x402.ErrCodeSimulationFailed)
	}

	return &x402.VerifyResponse{
		Valid:            true,
		Verified:         true,
		Authorized:       true,
		Scheme:           norm.Scheme,
		Network:          norm.Network,
		X402Version:      norm.X402Version,
		PaymentRequestID: norm.PaymentRequestID,
	}, nil
}

// Settle normalizes, simulates, and then broadcasts the transfer. Settle is
// never attempted without a passing simulation on the same call path.
func (s *Service) Settle(ctx context.Context, req *x402.VerifyRequest) (*x402.SettleResponse, *x402.Error) {
	norm, perr := x402.Normalize(req)
	if perr != nil {
		return nil, perr
	}

	ctx, span := traces.StartSpan(ctx, "facilitator.settle",
		traces.PaymentRequestID(norm.PaymentRequestID),
		traces.Payer(norm.Authorization.From),
		traces.Amount(norm.MaxAmountRequired))
	defer span.End()

	if err := s.client.Simulate(ctx, norm); err != nil {
		return nil, asProtocolError(err, x402.ErrCodeSimulationFailed)
	}

	txHash, err := s.client.Settle(ctx, norm)
	if err != nil {
		return nil, asProtocolError(err, x402.ErrCodeSettlementFailed)
	}

	return &x402.SettleResponse{
		Settled:          true,
		Success:          true,
		TxHash:           txHash,
		Scheme:           norm.Scheme,
		Network:          norm.Network,
		X402Version:      norm.X402Version,
		PaymentRequestID: norm.PaymentRequestID,
	}, nil
}

// asProtocolError preserves a typed protocol error and classifies anything
// else under the fallback code.
func asProtocolError(err error, fallbackCode string) *x402.Error {
	if pe, ok := err.(*x402.Error); ok {
		return pe
	}
	return x402.WrapError(fallbackCode, "settlement backend failure", err)
}

// VerifyStatus maps a verify-path error to an HTTP status. Fatal
// configuration problems are the operator's fault; everything else on this
// path is caller-fault input.
func VerifyStatus(err *x402.Error) int {
	if x402.IsFatal(err) {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// SettleStatus maps a settle-path error to an HTTP status. Simulation and
// settlement failures mean payment is still required.
func SettleStatus(err *x402.Error) int {
	switch err.Code {
	case x402.ErrCodeSimulationFailed, x402.ErrCodeSettlementFailed:
		return http.StatusPaymentRequired
	case x402.ErrCodeMissingPrivateKey, x402.ErrCodeChainIDMismatch:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}
