package x402client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"
)

// Signer produces signed payment evidence for one requirement. The
// implementation owns the session key material; the client never sees it.
type Signer interface {
	SignPayment(ctx context.Context, req *PaymentRequirement) (*PaymentPayload, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(ctx context.Context, req *PaymentRequirement) (*PaymentPayload, error)

func (f SignerFunc) SignPayment(ctx context.Context, req *PaymentRequirement) (*PaymentPayload, error) {
	return f(ctx, req)
}

// Result records one completed payment made by the client.
type Result struct {
	PaymentRequestID string
	Amount           string
	TxHash           string // from X-Payment-Response, empty if absent
}

// Client wraps http.Client with automatic 402 payment handling
type Client struct {
	httpClient *http.Client
	signer     Signer

	// Configuration
	MaxRetries int    // Max payment retries (default: 1)
	AutoPay    bool   // Automatically pay 402s (default: true)
	MaxPayment string // Max base-unit amount per payment (default: unlimited)

	// Bearer token attached to every request when set; lets the server
	// bind payments to the session identity.
	AccessToken string

	// OnPayment is called before each payment is attached.
	OnPayment func(req *PaymentRequirement, payload *PaymentPayload)
}

// New creates an x402-enabled HTTP client around the given signer.
func New(signer Signer) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		signer:     signer,
		MaxRetries: 1,
		AutoPay:    true,
	}
}

// Do performs an HTTP request with automatic 402 payment handling. When
// the server answers 402 the client signs the first acceptable
// requirement, attaches the evidence, and resubmits.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	// Clone the request body if present (we might need to retry)
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		_ = req.Body.Close()
	}

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		if c.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.AccessToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		// Not a 402 - return response as-is
		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}

		if !c.AutoPay {
			return resp, nil
		}

		demand, err := ParsePaymentRequired(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}

		requirement, err := pickRequirement(demand)
		if err != nil {
			return nil, err
		}

		if c.MaxPayment != "" {
			if err := checkPaymentLimit(requirement.MaxAmountRequired, c.MaxPayment); err != nil {
				return nil, err
			}
		}

		payload, err := c.signer.SignPayment(ctx, requirement)
		if err != nil {
			return nil, fmt.Errorf("payment signing failed: %w", err)
		}

		if c.OnPayment != nil {
			c.OnPayment(requirement, payload)
		}

		if err := AttachEvidence(req, requirement.PaymentRequestID, payload); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("payment retries exhausted")
}

// Get performs a GET request with automatic 402 handling.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// SettlementResult extracts the payment outcome from a paid response.
// The second return is false when the response carried no settlement.
func SettlementResult(resp *http.Response) (Result, bool) {
	tx := resp.Header.Get(HeaderPaymentResponse)
	if tx == "" {
		return Result{}, false
	}
	return Result{
		PaymentRequestID: resp.Request.Header.Get(HeaderPaymentRequestID),
		TxHash:           tx,
	}, true
}

// AttachEvidence sets the payment headers on a request: the base64 JSON
// payload plus the correlation id the server minted.
func AttachEvidence(req *http.Request, paymentRequestID string, payload *PaymentPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	req.Header.Set(HeaderPayment, base64.StdEncoding.EncodeToString(data))
	req.Header.Set(HeaderPaymentRequestID, paymentRequestID)
	return nil
}

// pickRequirement chooses the first requirement on the supported rail.
func pickRequirement(demand *PaymentRequired) (*PaymentRequirement, error) {
	for i := range demand.Accepts {
		r := &demand.Accepts[i]
		if r.Scheme == SchemeGokiteAA && r.Network == NetworkKite {
			if r.PaymentRequestID == "" {
				r.PaymentRequestID = demand.PaymentRequestID
			}
			return r, nil
		}
	}
	return nil, fmt.Errorf("no supported payment kind in 402 response")
}

// checkPaymentLimit verifies the payment doesn't exceed max
func checkPaymentLimit(amount, max string) error {
	maxAmount, ok := new(big.Int).SetString(max, 10)
	if !ok {
		return fmt.Errorf("invalid max payment %q", max)
	}
	reqAmount, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid required amount %q", amount)
	}
	if reqAmount.Cmp(maxAmount) > 0 {
		return fmt.Errorf("payment %s exceeds max %s", amount, max)
	}
	return nil
}
