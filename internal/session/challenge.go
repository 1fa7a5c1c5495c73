// Package session establishes wallet-backed session identity: a
// challenge/response handshake followed by access/refresh token issuance.
//
// Both the sign-in challenge and the refresh token follow the same
// single-use discipline: the consuming read always deletes the record, so
// a credential can never be presented twice, not even by its legitimate
// holder.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dhiyaancnirmal/kitegate/internal/idgen"
)

// DefaultChallengeTTL when the caller does not specify one.
const DefaultChallengeTTL = 5 * time.Minute

// ChallengeParams describe the signing context embedded in the challenge
// message.
type ChallengeParams struct {
	Domain       string
	URI          string
	ChainID      int64
	OwnerAddress string
	AgentID      string
	TTL          time.Duration
}

// ChallengeIssuer creates and single-use-consumes wallet sign-in challenges.
type ChallengeIssuer struct {
	store ChallengeStore
	now   func() time.Time
}

// NewChallengeIssuer creates a challenge issuer over the given store.
func NewChallengeIssuer(store ChallengeStore) *ChallengeIssuer {
	return &ChallengeIssuer{store: store, now: time.Now}
}

// CreateChallenge generates a lookup id and a nonce, renders the
// wallet-signable message, and stores the record with an absolute expiry.
// Each creation also performs a best-effort sweep of already-expired
// entries; amortized cleanup keeps the store bounded with no background
// timer.
func (i *ChallengeIssuer) CreateChallenge(ctx context.Context, p ChallengeParams) (*ChallengeRecord, error) {
	if p.OwnerAddress == "" {
		return nil, fmt.Errorf("ownerAddress is required")
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}

	now := i.now()
	_, _ = i.store.Sweep(ctx, now)

	rec := &ChallengeRecord{
		ID:           idgen.WithPrefix("ch_"),
		Nonce:        idgen.Hex(16),
		OwnerAddress: strings.ToLower(p.OwnerAddress),
		AgentID:      p.AgentID,
		ExpiresAt:    now.Add(ttl),
	}
	rec.Message = renderChallengeMessage(p, rec.Nonce, now, rec.ExpiresAt)

	if err := i.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}
	return rec, nil
}

// ConsumeChallenge is an atomic read-and-delete. It returns the record only
// if it existed and had not expired at the moment of consumption; the
// entry is removed in every case, so a given id can never be consumed
// twice and probing cannot distinguish expired from already-consumed.
func (i *ChallengeIssuer) ConsumeChallenge(ctx context.Context, id string) (*ChallengeRecord, error) {
	return i.store.Consume(ctx, id, i.now())
}

// renderChallengeMessage produces the human-readable, wallet-signable
// sign-in message.
func renderChallengeMessage(p ChallengeParams, nonce string, issuedAt, expiresAt time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your wallet:\n", p.Domain)
	fmt.Fprintf(&b, "%s\n\n", strings.ToLower(p.OwnerAddress))
	b.WriteString("Agent session sign-in\n\n")
	fmt.Fprintf(&b, "URI: %s\n", p.URI)
	fmt.Fprintf(&b, "Chain ID: %d\n", p.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", nonce)
	fmt.Fprintf(&b, "Issued At: %s\n", issuedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Expiration Time: %s", expiresAt.UTC().Format(time.RFC3339))
	if p.AgentID != "" {
		fmt.Fprintf(&b, "\nAgent ID: %s", p.AgentID)
	}
	return b.String()
}
