package session

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyIdentity is the gin context key for the verified identity.
	ContextKeyIdentity = "sessionIdentity"
)

// Middleware extracts and verifies a bearer access token if present.
// Invalid tokens are ignored here; RequireSession enforces.
func Middleware(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearerToken(c); token != "" {
			if ident, err := tokens.VerifyAccessToken(token); err == nil {
				c.Set(ContextKeyIdentity, ident)
			}
		}
		c.Next()
	}
}

// RequireSession rejects requests without a valid access token.
func RequireSession(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyIdentity); exists {
			c.Next()
			return
		}

		token := bearerToken(c)
		if token != "" {
			if ident, err := tokens.VerifyAccessToken(token); err == nil {
				c.Set(ContextKeyIdentity, ident)
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "INVALID_TOKEN",
			"code":    "INVALID_TOKEN",
			"message": "Valid bearer access token required",
		})
	}
}

// GetIdentity returns the verified session identity from context.
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil, false
	}
	ident, ok := v.(*Identity)
	return ident, ok
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	token := strings.TrimPrefix(header, "Bearer ")
	return strings.TrimSpace(token)
}
