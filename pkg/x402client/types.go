// Package x402client is an HTTP client with automatic x402 payment
// handling for the gokite account-abstraction rail. On a 402 response it
// asks a caller-supplied signer for payment evidence and retries the
// request with the evidence attached.
package x402client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Protocol identifiers.
const (
	X402Version    = 1
	SchemeGokiteAA = "gokite-aa"
	NetworkKite    = "kite-testnet"
)

// Evidence headers.
const (
	HeaderPayment          = "X-Payment"
	HeaderPaymentRequestID = "X-Payment-Request-Id"
	HeaderPaymentResponse  = "X-Payment-Response"
)

// PaymentAuthorization is the signed tuple transferring value under
// delegated authority.
type PaymentAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Token       string `json:"token"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactAAPayload is the scheme-specific inner payload.
type ExactAAPayload struct {
	Signature     string                `json:"signature"`
	Authorization *PaymentAuthorization `json:"authorization"`
	SessionID     string                `json:"sessionId"`
	Metadata      string                `json:"metadata,omitempty"`
}

// PaymentPayload is the outer payment evidence envelope.
type PaymentPayload struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     string         `json:"network"`
	Payload     ExactAAPayload `json:"payload"`
}

// PaymentRequirement describes one acceptable payment from a 402 body.
type PaymentRequirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	PaymentRequestID  string `json:"paymentRequestId"`
	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
}

// PaymentRequired is the 402 response body.
type PaymentRequired struct {
	X402Version      int                  `json:"x402Version"`
	Error            string               `json:"error,omitempty"`
	PaymentRequestID string               `json:"paymentRequestId"`
	Accepts          []PaymentRequirement `json:"accepts"`
}

// Error is an x402 error response body.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response checks if an HTTP response is a 402 Payment Required.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParsePaymentRequired extracts the payment demand from a 402 response.
// It does not close the response body.
func ParsePaymentRequired(resp *http.Response) (*PaymentRequired, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var pr PaymentRequired
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("failed to parse payment demand: %w", err)
	}
	if len(pr.Accepts) == 0 {
		return nil, fmt.Errorf("402 response carries no accepted payment kinds")
	}

	return &pr, nil
}
