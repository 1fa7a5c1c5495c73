package x402client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner(t *testing.T) Signer {
	t.Helper()
	return SignerFunc(func(ctx context.Context, req *PaymentRequirement) (*PaymentPayload, error) {
		return &PaymentPayload{
			X402Version: X402Version,
			Scheme:      req.Scheme,
			Network:     req.Network,
			Payload: ExactAAPayload{
				Signature: "0x" + strings.Repeat("ab", 65),
				Authorization: &PaymentAuthorization{
					From:        "0x1111111111111111111111111111111111111111",
					To:          req.PayTo,
					Token:       req.Asset,
					Value:       req.MaxAmountRequired,
					ValidAfter:  "0",
					ValidBefore: "99999999999",
					Nonce:       "0x" + strings.Repeat("44", 32),
				},
				SessionID: "0x" + strings.Repeat("aa", 32),
			},
		}, nil
	})
}

// paidServer answers 402 until evidence arrives, then 200.
func paidServer(t *testing.T, amount string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderPayment) == "" {
			w.Header().Set(HeaderPaymentRequestID, "pr_test")
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(PaymentRequired{
				X402Version:      X402Version,
				Error:            "PAYMENT_REQUIRED",
				PaymentRequestID: "pr_test",
				Accepts: []PaymentRequirement{{
					Scheme:            SchemeGokiteAA,
					Network:           NetworkKite,
					Asset:             "0x2222222222222222222222222222222222222222",
					PayTo:             "0x3333333333333333333333333333333333333333",
					MaxAmountRequired: amount,
					PaymentRequestID:  "pr_test",
				}},
			})
			return
		}

		if r.Header.Get(HeaderPaymentRequestID) != "pr_test" {
			http.Error(w, "missing correlation", http.StatusBadRequest)
			return
		}

		// Evidence must decode as base64 JSON
		raw, err := base64.StdEncoding.DecodeString(r.Header.Get(HeaderPayment))
		if err != nil {
			http.Error(w, "bad evidence encoding", http.StatusBadRequest)
			return
		}
		var payload PaymentPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			http.Error(w, "bad evidence", http.StatusBadRequest)
			return
		}

		w.Header().Set(HeaderPaymentResponse, "0xdeadbeef")
		_ = json.NewEncoder(w).Encode(map[string]any{"paid": true})
	}))
}

func TestClient_AutoPays402(t *testing.T) {
	srv := paidServer(t, "1000000")
	defer srv.Close()

	var paid *PaymentRequirement
	c := New(testSigner(t))
	c.OnPayment = func(req *PaymentRequirement, _ *PaymentPayload) { paid = req }

	resp, err := c.Get(context.Background(), srv.URL+"/api/v1/forecast")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, paid)
	assert.Equal(t, "pr_test", paid.PaymentRequestID)
	assert.Equal(t, "1000000", paid.MaxAmountRequired)

	result, ok := SettlementResult(resp)
	require.True(t, ok)
	assert.Equal(t, "0xdeadbeef", result.TxHash)
	assert.Equal(t, "pr_test", result.PaymentRequestID)
}

func TestClient_AutoPayDisabled(t *testing.T) {
	srv := paidServer(t, "1000000")
	defer srv.Close()

	c := New(testSigner(t))
	c.AutoPay = false

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestClient_MaxPaymentLimit(t *testing.T) {
	srv := paidServer(t, "5000000")
	defer srv.Close()

	c := New(testSigner(t))
	c.MaxPayment = "1000000"

	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds max")
}

func TestClient_RetriesWithBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get(HeaderPayment) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(PaymentRequired{
				X402Version:      X402Version,
				PaymentRequestID: "pr_body",
				Accepts: []PaymentRequirement{{
					Scheme:            SchemeGokiteAA,
					Network:           NetworkKite,
					MaxAmountRequired: "1",
					PaymentRequestID:  "pr_body",
				}},
			})
			return
		}
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(testSigner(t))
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL, strings.NewReader(`{"q":"hello"}`))
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"q":"hello"}`, gotBody, "body must survive the payment retry")
}

func TestClient_NoSupportedKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(PaymentRequired{
			X402Version:      X402Version,
			PaymentRequestID: "pr_x",
			Accepts: []PaymentRequirement{{
				Scheme:            "exact",
				Network:           "base-sepolia",
				MaxAmountRequired: "1",
			}},
		})
	}))
	defer srv.Close()

	c := New(testSigner(t))
	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no supported payment kind")
}

func TestParsePaymentRequired(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("{}")),
	}
	_, err := ParsePaymentRequired(resp)
	assert.Error(t, err)

	resp = &http.Response{
		StatusCode: http.StatusPaymentRequired,
		Body:       io.NopCloser(strings.NewReader(`{"x402Version":1,"accepts":[]}`)),
	}
	_, err = ParsePaymentRequired(resp)
	assert.Error(t, err, "empty accepts must be rejected")
}

func TestIs402Response(t *testing.T) {
	assert.True(t, Is402Response(&http.Response{StatusCode: http.StatusPaymentRequired}))
	assert.False(t, Is402Response(&http.Response{StatusCode: http.StatusOK}))
}
