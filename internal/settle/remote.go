package settle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dhiyaancnirmal/kitegate/internal/x402"
)

// RemoteClient delegates verify and settle to an external facilitator's
// /v2 API instead of talking to the chain itself. Protocol errors returned
// by the facilitator keep their code on this side.
type RemoteClient struct {
	baseURL string
	httpc   *http.Client
}

// NewRemoteClient creates a client for the facilitator at baseURL.
func NewRemoteClient(baseURL string) *RemoteClient {
	return &RemoteClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Mode identifies this backend.
func (c *RemoteClient) Mode() string { return "remote" }

// Ping checks that the facilitator answers its discovery endpoint.
func (c *RemoteClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/supported", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator returned status %d", resp.StatusCode)
	}
	return nil
}

// Simulate delegates to POST /v2/verify.
func (c *RemoteClient) Simulate(ctx context.Context, req *x402.NormalizedPaymentRequest) error {
	_, err := c.post(ctx, "/v2/verify", req, x402.ErrCodeSimulationFailed)
	return err
}

// Settle delegates to POST /v2/settle and returns the facilitator's
// transaction reference.
func (c *RemoteClient) Settle(ctx context.Context, req *x402.NormalizedPaymentRequest) (string, error) {
	body, err := c.post(ctx, "/v2/settle", req, x402.ErrCodeSettlementFailed)
	if err != nil {
		return "", err
	}
	var resp x402.SettleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", x402.WrapError(x402.ErrCodeSettlementFailed, "facilitator returned malformed settle response", err)
	}
	if resp.TxHash == "" {
		return "", x402.NewError(x402.ErrCodeSettlementFailed, "facilitator settle response carried no transaction hash")
	}
	return resp.TxHash, nil
}

func (c *RemoteClient) post(ctx context.Context, path string, norm *x402.NormalizedPaymentRequest, fallbackCode string) ([]byte, error) {
	payload, err := json.Marshal(wireRequest(norm))
	if err != nil {
		return nil, x402.WrapError(fallbackCode, "request encoding failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, x402.WrapError(fallbackCode, "request construction failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, x402.WrapError(fallbackCode, "facilitator unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, x402.WrapError(fallbackCode, "facilitator response read failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		// The facilitator speaks our error shape; keep its code when it does.
		var perr x402.Error
		if jsonErr := json.Unmarshal(body, &perr); jsonErr == nil && perr.Code != "" {
			return nil, &perr
		}
		return nil, x402.NewError(fallbackCode, fmt.Sprintf("facilitator returned status %d", resp.StatusCode))
	}
	return body, nil
}

// wireRequest rebuilds the /v2 request body from a normalized record. The
// remote facilitator re-normalizes it on arrival.
func wireRequest(norm *x402.NormalizedPaymentRequest) *x402.VerifyRequest {
	auth := norm.Authorization
	return &x402.VerifyRequest{
		X402Version: norm.X402Version,
		PaymentPayload: &x402.PaymentPayload{
			X402Version: norm.X402Version,
			Scheme:      norm.Scheme,
			Network:     norm.Network,
			Payload: x402.ExactAAPayload{
				Signature:     norm.Signature,
				Authorization: &auth,
				SessionID:     norm.SessionID,
				Metadata:      norm.Metadata,
			},
		},
		PaymentRequirements: &x402.PaymentRequirement{
			Scheme:            norm.Scheme,
			Network:           norm.Network,
			Asset:             norm.Asset,
			PayTo:             norm.PayTo,
			MaxAmountRequired: norm.MaxAmountRequired,
			PaymentRequestID:  norm.PaymentRequestID,
		},
	}
}
