package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/dhiyaancnirmal/kitegate/internal/x402"
)

// DemoClient is a networkless settlement backend for demos and tests.
// Simulate succeeds for anything the normalizer accepted; Settle returns a
// deterministic pseudo-reference derived from the paymentRequestId plus a
// time component, so repeated runs are reproducible and distinguishable.
type DemoClient struct {
	now func() time.Time
}

// NewDemoClient creates a demo settlement client.
func NewDemoClient() *DemoClient {
	return &DemoClient{now: time.Now}
}

// NewDemoClientWithClock creates a demo client with an injected clock.
func NewDemoClientWithClock(now func() time.Time) *DemoClient {
	return &DemoClient{now: now}
}

var _ Client = (*DemoClient)(nil)

func (c *DemoClient) Mode() string { return "demo" }

// Configured always holds; the demo backend needs no signing key.
func (c *DemoClient) Configured() bool { return true }

// Ping always succeeds; there is no network behind the demo backend.
func (c *DemoClient) Ping(ctx context.Context) error { return nil }

// Simulate always passes: the payload already survived normalization and
// there is no chain to consult.
func (c *DemoClient) Simulate(ctx context.Context, req *x402.NormalizedPaymentRequest) error {
	if req == nil {
		return x402.NewError(x402.ErrCodeSimulationFailed, "nil request")
	}
	return nil
}

// Settle returns a pseudo transaction reference. The prefix is stable for
// a given paymentRequestId; the suffix records when settlement happened.
func (c *DemoClient) Settle(ctx context.Context, req *x402.NormalizedPaymentRequest) (string, error) {
	if req == nil {
		return "", x402.NewError(x402.ErrCodeSettlementFailed, "nil request")
	}
	id := req.PaymentRequestID
	if len(id) > 16 {
		id = id[:16]
	}
	return fmt.Sprintf("demo-%s-%d", id, c.now().Unix()), nil
}
