package session

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *TokenIssuer) {
	t.Helper()
	challenges := NewChallengeIssuer(NewMemoryChallengeStore())
	tokens, err := NewTokenIssuer(TokenIssuerConfig{
		Secret:     testSecret,
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
	}, NewMemoryRefreshStore())
	require.NoError(t, err)

	h := NewHandler(HandlerConfig{
		Domain:  "api.example.com",
		URI:     "https://api.example.com",
		ChainID: 2368,
	}, challenges, tokens)

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r, tokens
}

func newWallet(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func signMessage(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	// Present as a wallet would, with v in 27/28.
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSessionFlow_ChallengeSignVerifyRefresh(t *testing.T) {
	r, _ := newTestRouter(t)
	key, owner := newWallet(t)

	// Challenge.
	w := postJSON(t, r, "/v1/session/challenge", gin.H{
		"ownerAddress": owner,
		"agentId":      "agent-42",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var challenge ChallengeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))
	assert.NotEmpty(t, challenge.Message)

	// Sign and verify.
	signature := signMessage(t, key, challenge.Message)
	w = postJSON(t, r, "/v1/session/verify", gin.H{
		"challengeId": challenge.ID,
		"message":     challenge.Message,
		"signature":   signature,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var pair TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	// Session read with the access token.
	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)

	var ident Identity
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &ident))
	assert.Equal(t, "agent-42", ident.AgentID)
	assert.Equal(t, AuthModeWallet, ident.AuthMode)

	// Refresh once: succeeds and rotates.
	w = postJSON(t, r, "/v1/session/refresh", gin.H{"refreshToken": pair.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var pair2 TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair2))
	assert.NotEqual(t, pair.RefreshToken, pair2.RefreshToken)

	// Replaying the original refresh token is a 401.
	w = postJSON(t, r, "/v1/session/refresh", gin.H{"refreshToken": pair.RefreshToken}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_REFRESH_TOKEN")
}

func TestCreateChallenge_TTLCeiling(t *testing.T) {
	r, _ := newTestRouter(t)
	_, owner := newWallet(t)

	// A caller asking for a century still gets at most the configured
	// ceiling (DefaultChallengeTTL here).
	w := postJSON(t, r, "/v1/session/challenge", gin.H{
		"ownerAddress": owner,
		"ttlSeconds":   int64(100 * 365 * 24 * 3600),
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var challenge ChallengeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))
	assert.WithinDuration(t, time.Now().Add(DefaultChallengeTTL), challenge.ExpiresAt, 5*time.Second)

	// Shortening below the ceiling is honored.
	w = postJSON(t, r, "/v1/session/challenge", gin.H{
		"ownerAddress": owner,
		"ttlSeconds":   int64(30),
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))
	assert.WithinDuration(t, time.Now().Add(30*time.Second), challenge.ExpiresAt, 5*time.Second)
}

func TestSessionErrors_CarryCode(t *testing.T) {
	r, _ := newTestRouter(t)

	// Unknown challenge.
	w := postJSON(t, r, "/v1/session/verify", gin.H{
		"challengeId": "ch_missing",
		"message":     "whatever",
		"signature":   "0x00",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "INVALID_CHALLENGE", body["code"])
	assert.Equal(t, "INVALID_CHALLENGE", body["error"])

	// Replayed refresh token path.
	w = postJSON(t, r, "/v1/session/refresh", gin.H{"refreshToken": "rt_unknown"}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "INVALID_REFRESH_TOKEN", body["code"])

	// Missing bearer token.
	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	require.Equal(t, http.StatusUnauthorized, rw.Code)
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &body))
	assert.Equal(t, "INVALID_TOKEN", body["code"])
}

func TestVerify_WrongSigner(t *testing.T) {
	r, _ := newTestRouter(t)
	_, owner := newWallet(t)
	attacker, _ := newWallet(t)

	w := postJSON(t, r, "/v1/session/challenge", gin.H{"ownerAddress": owner}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var challenge ChallengeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))

	// Signed by the wrong key.
	w = postJSON(t, r, "/v1/session/verify", gin.H{
		"challengeId": challenge.ID,
		"message":     challenge.Message,
		"signature":   signMessage(t, attacker, challenge.Message),
	}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_SIGNATURE")

	// The challenge was consumed by the failed attempt: even the right
	// owner cannot use it now.
	w = postJSON(t, r, "/v1/session/verify", gin.H{
		"challengeId": challenge.ID,
		"message":     challenge.Message,
		"signature":   signMessage(t, attacker, challenge.Message),
	}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_CHALLENGE")
}

func TestVerify_UnknownChallenge(t *testing.T) {
	r, _ := newTestRouter(t)
	key, _ := newWallet(t)

	w := postJSON(t, r, "/v1/session/verify", gin.H{
		"challengeId": "ch_does_not_exist",
		"message":     "whatever",
		"signature":   signMessage(t, key, "whatever"),
	}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_CHALLENGE")
}

func TestVerify_MessageMismatch(t *testing.T) {
	r, _ := newTestRouter(t)
	key, owner := newWallet(t)

	w := postJSON(t, r, "/v1/session/challenge", gin.H{"ownerAddress": owner}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var challenge ChallengeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))

	// A signature over a different message must not pass, even if the
	// submitted message is self-consistent with the signature.
	forged := challenge.Message + "\nResource: something-else"
	w = postJSON(t, r, "/v1/session/verify", gin.H{
		"challengeId": challenge.ID,
		"message":     forged,
		"signature":   signMessage(t, key, forged),
	}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_CHALLENGE")
}

func TestReadSession_RequiresToken(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVerifySignature_Direct(t *testing.T) {
	key, owner := newWallet(t)
	msg := "hello agent"

	require.NoError(t, VerifySignature(msg, signMessage(t, key, msg), owner))

	// Recovery-id form 0/1 is accepted too.
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	require.NoError(t, err)
	require.NoError(t, VerifySignature(msg, "0x"+hex.EncodeToString(sig), owner))

	assert.Error(t, VerifySignature("other message", signMessage(t, key, msg), owner))
	assert.Error(t, VerifySignature(msg, "0x1234", owner))
	assert.Error(t, VerifySignature(msg, signMessage(t, key, msg), "0x0000000000000000000000000000000000000000"))
}
