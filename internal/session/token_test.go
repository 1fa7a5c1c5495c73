package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	iss, err := NewTokenIssuer(TokenIssuerConfig{
		Secret:     testSecret,
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
	}, NewMemoryRefreshStore())
	require.NoError(t, err)
	return iss
}

func TestNewTokenIssuer_ShortSecret(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{Secret: []byte("short")}, NewMemoryRefreshStore())
	assert.Error(t, err)
}

func TestIssueAndVerify(t *testing.T) {
	iss := newTestIssuer(t)
	ctx := context.Background()

	pair, err := iss.IssueTokenPair(ctx, "0xAAAA567890123456789012345678901234567890", "agent-1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(pair.RefreshToken, "rt_"))
	assert.Equal(t, int64(900), pair.AccessExpiresIn)
	assert.Equal(t, int64(3600), pair.RefreshExpiresIn)

	ident, err := iss.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "0xaaaa567890123456789012345678901234567890", ident.OwnerAddress)
	assert.Equal(t, "agent-1", ident.AgentID)
	assert.Equal(t, AuthModeWallet, ident.AuthMode)
	assert.Equal(t, ident.IssuedAt+900, ident.ExpiresAt)
}

func TestVerifyAccessToken_Invalid(t *testing.T) {
	iss := newTestIssuer(t)
	pair, err := iss.IssueTokenPair(context.Background(), "0x1111111111111111111111111111111111111111", "")
	require.NoError(t, err)

	// Every failure mode maps to the same undifferentiated error.
	cases := map[string]string{
		"empty":         "",
		"garbage":       "not.a.token",
		"two segments":  "eyJh.eyJi",
		"tampered body": tamper(pair.AccessToken),
	}
	for name, token := range cases {
		_, err := iss.VerifyAccessToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}

	// A token signed under a different secret fails the same way.
	other, err := NewTokenIssuer(TokenIssuerConfig{
		Secret: []byte("ffffffffffffffffffffffffffffffff"),
	}, NewMemoryRefreshStore())
	require.NoError(t, err)
	foreign, err := other.IssueTokenPair(context.Background(), "0x1111111111111111111111111111111111111111", "")
	require.NoError(t, err)
	_, err = iss.VerifyAccessToken(foreign.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// tamper flips a character inside the claims segment.
func tamper(token string) string {
	parts := strings.SplitN(token, ".", 3)
	body := []byte(parts[1])
	if body[0] == 'A' {
		body[0] = 'B'
	} else {
		body[0] = 'A'
	}
	return parts[0] + "." + string(body) + "." + parts[2]
}

func TestVerifyAccessToken_Expired(t *testing.T) {
	iss := newTestIssuer(t)
	start := time.Now()
	iss.now = func() time.Time { return start }

	pair, err := iss.IssueTokenPair(context.Background(), "0x1111111111111111111111111111111111111111", "")
	require.NoError(t, err)

	_, err = iss.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)

	iss.now = func() time.Time { return start.Add(16 * time.Minute) }
	_, err = iss.VerifyAccessToken(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRotateRefreshToken_SingleUseChain(t *testing.T) {
	iss := newTestIssuer(t)
	ctx := context.Background()

	pair1, err := iss.IssueTokenPair(ctx, "0x1111111111111111111111111111111111111111", "agent-9")
	require.NoError(t, err)

	// First rotation succeeds and stays bound to the same identity.
	pair2, err := iss.RotateRefreshToken(ctx, pair1.RefreshToken)
	require.NoError(t, err)
	ident, err := iss.VerifyAccessToken(pair2.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "agent-9", ident.AgentID)

	// Replaying the rotated token fails like an unknown token.
	_, err = iss.RotateRefreshToken(ctx, pair1.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	// The new refresh token works exactly once.
	_, err = iss.RotateRefreshToken(ctx, pair2.RefreshToken)
	require.NoError(t, err)
	_, err = iss.RotateRefreshToken(ctx, pair2.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRotateRefreshToken_Unknown(t *testing.T) {
	iss := newTestIssuer(t)
	_, err := iss.RotateRefreshToken(context.Background(), "rt_never_issued")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRotateRefreshToken_Expired(t *testing.T) {
	iss := newTestIssuer(t)
	ctx := context.Background()
	start := time.Now()
	iss.now = func() time.Time { return start }

	pair, err := iss.IssueTokenPair(ctx, "0x1111111111111111111111111111111111111111", "")
	require.NoError(t, err)

	iss.now = func() time.Time { return start.Add(2 * time.Hour) }
	_, err = iss.RotateRefreshToken(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}
