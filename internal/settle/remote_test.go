package settle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhiyaancnirmal/kitegate/internal/x402"
)

// fakeFacilitator records the last /v2 request body and serves canned
// responses per path.
type fakeFacilitator struct {
	t        *testing.T
	lastBody *x402.VerifyRequest

	verifyStatus int
	verifyBody   any
	settleStatus int
	settleBody   any
}

func (f *fakeFacilitator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/supported", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"kinds": []any{}})
	})
	mux.HandleFunc("/v2/verify", func(w http.ResponseWriter, r *http.Request) {
		f.capture(r)
		f.respond(w, f.verifyStatus, f.verifyBody)
	})
	mux.HandleFunc("/v2/settle", func(w http.ResponseWriter, r *http.Request) {
		f.capture(r)
		f.respond(w, f.settleStatus, f.settleBody)
	})
	return mux
}

func (f *fakeFacilitator) capture(r *http.Request) {
	var req x402.VerifyRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	f.lastBody = &req
}

func (f *fakeFacilitator) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestRemoteSimulate_OK(t *testing.T) {
	fake := &fakeFacilitator{
		t:            t,
		verifyStatus: http.StatusOK,
		verifyBody:   x402.VerifyResponse{Valid: true},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := NewRemoteClient(srv.URL)
	assert.Equal(t, "remote", c.Mode())

	err := c.Simulate(context.Background(), demoRequest())
	require.NoError(t, err)

	// The wire body must round-trip the normalized record.
	require.NotNil(t, fake.lastBody)
	require.NotNil(t, fake.lastBody.PaymentPayload)
	assert.Equal(t, x402.SchemeGokiteAA, fake.lastBody.PaymentPayload.Scheme)
	assert.Equal(t, "0xdeadbeef", fake.lastBody.PaymentPayload.Payload.Signature)
	require.NotNil(t, fake.lastBody.PaymentRequirements)
	assert.Equal(t, "pr_0123456789abcdef0123456789abcdef", fake.lastBody.PaymentRequirements.PaymentRequestID)
}

func TestRemoteSimulate_KeepsProtocolCode(t *testing.T) {
	fake := &fakeFacilitator{
		t:            t,
		verifyStatus: http.StatusBadRequest,
		verifyBody:   x402.NewError(x402.ErrCodeSimulationFailed, "transfer dry run reverted"),
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	err := NewRemoteClient(srv.URL).Simulate(context.Background(), demoRequest())
	require.Error(t, err)
	assert.Equal(t, x402.ErrCodeSimulationFailed, x402.CodeOf(err))
}

func TestRemoteSettle_OK(t *testing.T) {
	fake := &fakeFacilitator{
		t:            t,
		settleStatus: http.StatusOK,
		settleBody:   x402.SettleResponse{Settled: true, TxHash: "0xabc123"},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	tx, err := NewRemoteClient(srv.URL).Settle(context.Background(), demoRequest())
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", tx)
}

func TestRemoteSettle_FailureKeepsCode(t *testing.T) {
	fake := &fakeFacilitator{
		t:            t,
		settleStatus: http.StatusPaymentRequired,
		settleBody:   x402.NewError(x402.ErrCodeSettlementFailed, "broadcast rejected"),
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	_, err := NewRemoteClient(srv.URL).Settle(context.Background(), demoRequest())
	require.Error(t, err)
	assert.Equal(t, x402.ErrCodeSettlementFailed, x402.CodeOf(err))
}

func TestRemoteSettle_MissingTxHash(t *testing.T) {
	fake := &fakeFacilitator{
		t:            t,
		settleStatus: http.StatusOK,
		settleBody:   x402.SettleResponse{Settled: true},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	_, err := NewRemoteClient(srv.URL).Settle(context.Background(), demoRequest())
	require.Error(t, err)
	assert.Equal(t, x402.ErrCodeSettlementFailed, x402.CodeOf(err))
}

func TestRemotePing(t *testing.T) {
	fake := &fakeFacilitator{t: t}
	srv := httptest.NewServer(fake.handler())

	c := NewRemoteClient(srv.URL)
	assert.NoError(t, c.Ping(context.Background()))

	srv.Close()
	assert.Error(t, c.Ping(context.Background()))
}
