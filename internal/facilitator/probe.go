package facilitator

import (
	"context"
	"sync"
	"time"

	"github.com/dhiyaancnirmal/kitegate/internal/settle"
)

// DefaultProbeTTL bounds how often the probe hits the settlement backend.
const DefaultProbeTTL = 30 * time.Second

// ProbeStatus is the consolidated capability report for one settlement
// backend: what mode it runs in, whether it can sign, and whether verify
// and settle would currently reach it.
type ProbeStatus struct {
	Mode            string    `json:"mode"`
	Configured      bool      `json:"configured"`
	VerifyReachable bool      `json:"verifyReachable"`
	SettleReachable bool      `json:"settleReachable"`
	LatencyMS       int64     `json:"latencyMs"`
	LastError       string    `json:"lastError,omitempty"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// Probe checks a settlement backend's capabilities, caching the result for
// a TTL so health polling never hammers the RPC node.
type Probe struct {
	client settle.Client
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	cached *ProbeStatus
}

// NewProbe creates a capability probe for the given backend.
func NewProbe(client settle.Client, ttl time.Duration) *Probe {
	if ttl <= 0 {
		ttl = DefaultProbeTTL
	}
	return &Probe{client: client, ttl: ttl, now: time.Now}
}

// Check returns the backend's capability status, re-probing only when the
// cached result has aged past the TTL.
func (p *Probe) Check(ctx context.Context) ProbeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.now().Sub(p.cached.CheckedAt) < p.ttl {
		return *p.cached
	}

	st := ProbeStatus{
		Mode:       p.client.Mode(),
		Configured: true,
		CheckedAt:  p.now(),
	}
	if c, ok := p.client.(interface{ Configured() bool }); ok {
		st.Configured = c.Configured()
	}

	start := time.Now()
	var err error
	if pinger, ok := p.client.(interface{ Ping(context.Context) error }); ok {
		err = pinger.Ping(ctx)
	}
	st.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		st.LastError = err.Error()
	} else {
		st.VerifyReachable = true
		// Settle additionally needs a signing key.
		st.SettleReachable = st.Configured
	}

	p.cached = &st
	return st
}
