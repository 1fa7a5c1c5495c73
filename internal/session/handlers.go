package session

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dhiyaancnirmal/kitegate/internal/logging"
	"github.com/dhiyaancnirmal/kitegate/internal/metrics"
)

// Handler provides the session HTTP surface: challenge, verify, read,
// refresh.
type Handler struct {
	challenges *ChallengeIssuer
	tokens     *TokenIssuer

	// Signing-domain context baked into challenge messages.
	domain  string
	uri     string
	chainID int64

	challengeTTL time.Duration
}

// HandlerConfig for the session handler.
type HandlerConfig struct {
	Domain  string
	URI     string
	ChainID int64

	// ChallengeTTL is the ceiling on challenge lifetime. Zero means
	// DefaultChallengeTTL.
	ChallengeTTL time.Duration
}

// NewHandler creates a session handler.
func NewHandler(cfg HandlerConfig, challenges *ChallengeIssuer, tokens *TokenIssuer) *Handler {
	ttl := cfg.ChallengeTTL
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &Handler{
		challenges:   challenges,
		tokens:       tokens,
		domain:       cfg.Domain,
		uri:          cfg.URI,
		chainID:      cfg.ChainID,
		challengeTTL: ttl,
	}
}

// RegisterRoutes mounts the session endpoints on the given group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/session/challenge", h.CreateChallenge)
	rg.POST("/session/verify", h.VerifyChallenge)
	rg.GET("/session", RequireSession(h.tokens), h.ReadSession)
	rg.POST("/session/refresh", h.Refresh)
}

// CreateChallengeRequest is the request body for POST /session/challenge.
type CreateChallengeRequest struct {
	OwnerAddress string `json:"ownerAddress" binding:"required"`
	AgentID      string `json:"agentId"`
	TTLSeconds   int64  `json:"ttlSeconds"`
}

// CreateChallenge issues a fresh single-use sign-in challenge.
func (h *Handler) CreateChallenge(c *gin.Context) {
	var req CreateChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ownerAddress is required",
		})
		return
	}

	// Callers may shorten the challenge window but never extend it past
	// the configured ceiling.
	ttl := h.challengeTTL
	if req.TTLSeconds > 0 {
		if caller := time.Duration(req.TTLSeconds) * time.Second; caller < ttl {
			ttl = caller
		}
	}

	rec, err := h.challenges.CreateChallenge(c.Request.Context(), ChallengeParams{
		Domain:       h.domain,
		URI:          h.uri,
		ChainID:      h.chainID,
		OwnerAddress: req.OwnerAddress,
		AgentID:      req.AgentID,
		TTL:          ttl,
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("challenge creation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create challenge",
		})
		return
	}

	metrics.ChallengesIssuedTotal.Inc()
	c.JSON(http.StatusOK, rec)
}

// VerifyChallengeRequest is the request body for POST /session/verify.
type VerifyChallengeRequest struct {
	ChallengeID  string `json:"challengeId" binding:"required"`
	Message      string `json:"message" binding:"required"`
	Signature    string `json:"signature" binding:"required"`
	OwnerAddress string `json:"ownerAddress"`
}

// VerifyChallenge consumes the challenge, checks the wallet signature over
// the challenge message, and mints a token pair. The challenge is gone
// after this call whether or not verification succeeded.
func (h *Handler) VerifyChallenge(c *gin.Context) {
	var req VerifyChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "challengeId, message, and signature are required",
		})
		return
	}

	rec, err := h.challenges.ConsumeChallenge(c.Request.Context(), req.ChallengeID)
	if err != nil {
		logging.L(c.Request.Context()).Error("challenge consume failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to look up challenge",
		})
		return
	}
	if rec == nil || req.Message != rec.Message {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "INVALID_CHALLENGE",
			"code":    "INVALID_CHALLENGE",
			"message": "Challenge is unknown, expired, or already used",
		})
		return
	}

	if err := VerifySignature(rec.Message, req.Signature, rec.OwnerAddress); err != nil {
		logging.L(c.Request.Context()).Warn("challenge signature rejected",
			"challengeId", rec.ID, "owner", rec.OwnerAddress)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "INVALID_SIGNATURE",
			"code":    "INVALID_SIGNATURE",
			"message": "Signature does not match the challenge owner",
		})
		return
	}

	pair, err := h.tokens.IssueTokenPair(c.Request.Context(), rec.OwnerAddress, rec.AgentID)
	if err != nil {
		logging.L(c.Request.Context()).Error("token issuance failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue tokens",
		})
		return
	}

	metrics.SessionsIssuedTotal.Inc()
	c.JSON(http.StatusOK, pair)
}

// ReadSession returns the identity claims of the presented access token.
func (h *Handler) ReadSession(c *gin.Context) {
	ident, ok := GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "INVALID_TOKEN", "code": "INVALID_TOKEN", "message": "Access token required"})
		return
	}
	c.JSON(http.StatusOK, ident)
}

// RefreshRequest is the request body for POST /session/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// Refresh rotates a refresh token into a new pair. Replayed, expired, and
// unknown tokens all get the same 401.
func (h *Handler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "refreshToken is required",
		})
		return
	}

	pair, err := h.tokens.RotateRefreshToken(c.Request.Context(), req.RefreshToken)
	if err == ErrInvalidRefreshToken {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "INVALID_REFRESH_TOKEN",
			"code":    "INVALID_REFRESH_TOKEN",
			"message": "Refresh token is invalid",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("refresh rotation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to rotate refresh token",
		})
		return
	}

	c.JSON(http.StatusOK, pair)
}
