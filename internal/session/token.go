package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dhiyaancnirmal/kitegate/internal/idgen"
)

// Auth-mode tag embedded in every access token this issuer mints.
const AuthModeWallet = "wallet"

// Default token lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	// ErrInvalidToken is the single undifferentiated result for any access
	// token failure: bad structure, bad signature, expired, or missing
	// claims. Callers get no oracle on which check failed.
	ErrInvalidToken = errors.New("session: invalid token")

	// ErrInvalidRefreshToken covers unknown, expired, and already-rotated
	// refresh tokens identically.
	ErrInvalidRefreshToken = errors.New("session: invalid refresh token")
)

// TokenPair is what a successful challenge verification or refresh returns.
type TokenPair struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	AccessExpiresIn  int64  `json:"accessExpiresIn"`  // seconds
	RefreshExpiresIn int64  `json:"refreshExpiresIn"` // seconds
}

// Identity is the claim set carried by a verified access token.
type Identity struct {
	OwnerAddress string `json:"ownerAddress"`
	AgentID      string `json:"agentId,omitempty"`
	AuthMode     string `json:"authMode"`
	IssuedAt     int64  `json:"issuedAt"`
	ExpiresAt    int64  `json:"expiresAt"`
}

type accessClaims struct {
	AgentID  string `json:"agentId,omitempty"`
	AuthMode string `json:"authMode"`
	jwt.RegisteredClaims
}

// TokenIssuer mints access/refresh token pairs and rotates refresh tokens
// with replay detection. The access token is a self-contained HS256 JWT;
// claims remain readable, only tamper-evidence is provided. The refresh
// token is opaque and tracked server-side by hash.
type TokenIssuer struct {
	secret     []byte
	refresh    RefreshStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenIssuerConfig for creating a TokenIssuer.
type TokenIssuerConfig struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// NewTokenIssuer creates a token issuer over the given refresh store.
func NewTokenIssuer(cfg TokenIssuerConfig, refresh RefreshStore) (*TokenIssuer, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes")
	}
	iss := &TokenIssuer{
		secret:     cfg.Secret,
		refresh:    refresh,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
	if iss.accessTTL <= 0 {
		iss.accessTTL = DefaultAccessTTL
	}
	if iss.refreshTTL <= 0 {
		iss.refreshTTL = DefaultRefreshTTL
	}
	return iss, nil
}

// IssueTokenPair mints an access token for ownerAddress plus an opaque,
// server-tracked refresh token. Access and refresh expiries run
// independently.
func (t *TokenIssuer) IssueTokenPair(ctx context.Context, ownerAddress, agentID string) (*TokenPair, error) {
	owner := strings.ToLower(ownerAddress)
	now := t.now()

	claims := accessClaims{
		AgentID:  agentID,
		AuthMode: AuthModeWallet,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshToken := "rt_" + idgen.Hex(32)
	rec := &RefreshRecord{
		TokenHash:    hashToken(refreshToken),
		OwnerAddress: owner,
		AgentID:      agentID,
		ExpiresAt:    now.Add(t.refreshTTL),
		CreatedAt:    now,
	}
	if err := t.refresh.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshToken,
		AccessExpiresIn:  int64(t.accessTTL.Seconds()),
		RefreshExpiresIn: int64(t.refreshTTL.Seconds()),
	}, nil
}

// VerifyAccessToken checks structure, signature, expiry, and required
// claims. Any failure returns ErrInvalidToken.
func (t *TokenIssuer) VerifyAccessToken(token string) (*Identity, error) {
	var claims accessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.AuthMode != AuthModeWallet ||
		claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}

	return &Identity{
		OwnerAddress: claims.Subject,
		AgentID:      claims.AgentID,
		AuthMode:     claims.AuthMode,
		IssuedAt:     claims.IssuedAt.Unix(),
		ExpiresAt:    claims.ExpiresAt.Unix(),
	}, nil
}

// RotateRefreshToken atomically invalidates oldToken and issues a new bound
// pair. Absent, expired, and already-rotated tokens are rejected
// identically; a replayed token looks exactly like an unknown one.
func (t *TokenIssuer) RotateRefreshToken(ctx context.Context, oldToken string) (*TokenPair, error) {
	rec, err := t.refresh.Consume(ctx, hashToken(oldToken), t.now())
	if err != nil {
		return nil, fmt.Errorf("refresh lookup failed: %w", err)
	}
	if rec == nil {
		return nil, ErrInvalidRefreshToken
	}
	return t.IssueTokenPair(ctx, rec.OwnerAddress, rec.AgentID)
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
