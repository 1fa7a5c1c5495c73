// Package gate prices HTTP routes behind the x402 protocol: a request
// without payment evidence gets a 402 challenge with a fresh
// PaymentRequirement; a request carrying evidence is normalized, verified,
// and settled before the protected handler runs.
package gate

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dhiyaancnirmal/kitegate/internal/idgen"
	"github.com/dhiyaancnirmal/kitegate/internal/ledger"
	"github.com/dhiyaancnirmal/kitegate/internal/logging"
	"github.com/dhiyaancnirmal/kitegate/internal/session"
	"github.com/dhiyaancnirmal/kitegate/internal/settle"
	"github.com/dhiyaancnirmal/kitegate/internal/syncutil"
	"github.com/dhiyaancnirmal/kitegate/internal/x402"
)

// Request and response headers of the payment exchange.
const (
	HeaderPayment          = "X-Payment"
	HeaderPaymentRequestID = "X-Payment-Request-Id"
	HeaderPaymentResponse  = "X-Payment-Response"
)

// Gate-level error codes. These are deliberately distinct from the
// challenge itself: a rejected payment is not the same as an absent one.
const (
	CodePaymentRequired = "PAYMENT_REQUIRED"
	CodeVerifyFailed    = "PAYMENT_VERIFY_FAILED"
	CodeSettleFailed    = "PAYMENT_SETTLE_FAILED"
	CodePayerMismatch   = "PAYER_MISMATCH"
)

const contextKeyPayment = "gatePayment"

// PayerResolver maps a session owner to the payer address linked to that
// identity. A nil resolver disables the payer-binding check.
type PayerResolver func(ctx context.Context, ownerAddress string) (string, error)

// Config for the payment gate.
type Config struct {
	Client settle.Client
	Ledger *ledger.Ledger

	// Requirement template stamped into every challenge.
	Scheme  string
	Network string
	Asset   string
	PayTo   string

	MaxTimeoutSeconds int

	ResolvePayer PayerResolver
}

// Gate issues payment challenges and orchestrates verify and settle for
// priced routes.
type Gate struct {
	cfg Config

	// Serializes redeems per paymentRequestID so two requests presenting
	// evidence for the same challenge cannot both reach the backend.
	redeems *syncutil.ContextShardedMutex
}

// New creates a payment gate.
func New(cfg Config) *Gate {
	if cfg.Scheme == "" {
		cfg.Scheme = x402.SchemeGokiteAA
	}
	if cfg.Network == "" {
		cfg.Network = x402.NetworkKite
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 60
	}
	return &Gate{cfg: cfg, redeems: syncutil.NewContextShardedMutex()}
}

// Middleware prices a route at the given base-unit amount. The protected
// handler only ever runs after a settled payment.
func (g *Gate) Middleware(amount, description string) gin.HandlerFunc {
	return func(c *gin.Context) {
		evidence := c.GetHeader(HeaderPayment)
		if evidence == "" {
			g.challenge(c, amount, description)
			return
		}
		g.redeem(c, evidence)
	}
}

// challenge mints a fresh PaymentRequirement, records the lifecycle entry,
// and answers 402.
func (g *Gate) challenge(c *gin.Context, amount, description string) {
	ctx := c.Request.Context()
	paymentRequestID := idgen.WithPrefix("pr_")
	resource := c.FullPath()

	req := x402.PaymentRequirement{
		Scheme:            g.cfg.Scheme,
		Network:           g.cfg.Network,
		Asset:             g.cfg.Asset,
		PayTo:             g.cfg.PayTo,
		MaxAmountRequired: amount,
		PaymentRequestID:  paymentRequestID,
		Resource:          resource,
		Description:       description,
		MaxTimeoutSeconds: g.cfg.MaxTimeoutSeconds,
	}

	entry := &ledger.Payment{
		PaymentRequestID: paymentRequestID,
		AgentID:          agentID(c),
		PayTo:            g.cfg.PayTo,
		Asset:            g.cfg.Asset,
		Amount:           amount,
		Scheme:           g.cfg.Scheme,
		Network:          g.cfg.Network,
		Resource:         resource,
	}
	if err := g.cfg.Ledger.RecordRequested(ctx, entry); err != nil {
		logging.L(ctx).Error("challenge ledger entry failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to record payment challenge",
		})
		return
	}

	c.Header(HeaderPaymentRequestID, paymentRequestID)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, x402.PaymentRequired{
		X402Version:      x402.X402Version,
		Error:            CodePaymentRequired,
		PaymentRequestID: paymentRequestID,
		Accepts:          []x402.PaymentRequirement{req},
	})
}

// redeem verifies and settles submitted evidence against the challenge it
// correlates to, then lets the protected handler run.
func (g *Gate) redeem(c *gin.Context, evidence string) {
	ctx := c.Request.Context()

	paymentRequestID := c.GetHeader(HeaderPaymentRequestID)
	if paymentRequestID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   x402.ErrCodeInvalidPayload,
			"message": "Payment evidence requires a " + HeaderPaymentRequestID + " correlation header",
		})
		return
	}

	unlock, err := g.redeems.LockContext(ctx, paymentRequestID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":   CodeVerifyFailed,
			"message": "Request cancelled while waiting for payment processing",
		})
		return
	}
	defer unlock()

	entry, err := g.cfg.Ledger.GetPayment(ctx, paymentRequestID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   x402.ErrCodeInvalidPayload,
			"message": "Unknown paymentRequestId",
		})
		return
	}

	req := &x402.VerifyRequest{
		XPayment: evidence,
		PaymentRequirements: &x402.PaymentRequirement{
			Scheme:            entry.Scheme,
			Network:           entry.Network,
			Asset:             entry.Asset,
			PayTo:             entry.PayTo,
			MaxAmountRequired: entry.Amount,
			PaymentRequestID:  entry.PaymentRequestID,
			Resource:          entry.Resource,
		},
	}

	norm, perr := x402.Normalize(req)
	if perr != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, perr)
		return
	}

	// Payer binding comes before any chain interaction.
	if !g.checkPayerBinding(c, norm) {
		return
	}

	if err := g.cfg.Client.Simulate(ctx, norm); err != nil {
		g.recordFailure(ctx, paymentRequestID, err)
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":   CodeVerifyFailed,
			"message": "Payment evidence was rejected",
			"code":    CodeVerifyFailed,
		})
		return
	}

	settled, err := g.cfg.Ledger.RecordAuthorized(ctx, paymentRequestID, norm.Authorization.From)
	if err != nil {
		// Double-redeem of the same challenge lands here once the first
		// settlement completed.
		logging.L(ctx).Warn("authorize transition rejected",
			"paymentRequestId", paymentRequestID, "error", err)
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":   CodeVerifyFailed,
			"message": "Payment evidence was rejected",
			"code":    CodeVerifyFailed,
		})
		return
	}

	g.noteBudget(ctx, settled.AgentID, settled.Amount)

	txHash, err := g.cfg.Client.Settle(ctx, norm)
	if err != nil {
		if _, lerr := g.cfg.Ledger.RecordFailed(ctx, paymentRequestID, failureCode(err)); lerr != nil {
			logging.L(ctx).Error("failed-transition error", "paymentRequestId", paymentRequestID, "error", lerr)
		}
		logging.L(ctx).Error("settlement failed",
			"paymentRequestId", paymentRequestID, "code", failureCode(err))
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":   CodeSettleFailed,
			"message": "Settlement failed; obtain fresh payment evidence",
			"code":    CodeSettleFailed,
		})
		return
	}

	final, err := g.cfg.Ledger.RecordSettled(ctx, paymentRequestID, txHash)
	if err != nil {
		logging.L(ctx).Error("settled-transition error", "paymentRequestId", paymentRequestID, "error", err)
		final = settled
	}

	c.Header(HeaderPaymentResponse, txHash)
	c.Set(contextKeyPayment, final)
	c.Next()
}

// checkPayerBinding rejects evidence whose payer does not match the address
// linked to the caller's session. Returns false when the request was
// aborted.
func (g *Gate) checkPayerBinding(c *gin.Context, norm *x402.NormalizedPaymentRequest) bool {
	if g.cfg.ResolvePayer == nil {
		return true
	}
	ident, ok := session.GetIdentity(c)
	if !ok {
		return true
	}

	linked, err := g.cfg.ResolvePayer(c.Request.Context(), ident.OwnerAddress)
	if err != nil {
		logging.L(c.Request.Context()).Error("payer resolution failed",
			"owner", ident.OwnerAddress, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to resolve linked payer",
		})
		return false
	}
	if linked == "" || !strings.EqualFold(linked, norm.Authorization.From) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   CodePayerMismatch,
			"message": "Payment payer does not match the session's linked address",
			"code":    CodePayerMismatch,
		})
		return false
	}
	return true
}

// noteBudget logs advisory budget overruns. Settlement proceeds regardless.
func (g *Gate) noteBudget(ctx context.Context, agentID, amount string) {
	if agentID == "" {
		return
	}
	over, err := g.cfg.Ledger.WouldExceedBudget(ctx, agentID, amount)
	if err != nil {
		logging.L(ctx).Warn("budget check failed", "agentId", agentID, "error", err)
		return
	}
	if over {
		ledger.ObserveBudgetOverrun()
		logging.L(ctx).Warn("agent exceeding advisory budget", "agentId", agentID, "amount", amount)
	}
}

func (g *Gate) recordFailure(ctx context.Context, paymentRequestID string, err error) {
	if _, lerr := g.cfg.Ledger.RecordFailed(ctx, paymentRequestID, failureCode(err)); lerr != nil {
		logging.L(ctx).Warn("failed-transition error",
			"paymentRequestId", paymentRequestID, "error", lerr)
	}
}

func failureCode(err error) string {
	if code := x402.CodeOf(err); code != "" {
		return code
	}
	return x402.ErrCodeSettlementFailed
}

func agentID(c *gin.Context) string {
	if ident, ok := session.GetIdentity(c); ok {
		return ident.AgentID
	}
	return ""
}

// GetPayment returns the settled payment attached to the request, if the
// gate let it through.
func GetPayment(c *gin.Context) (*ledger.Payment, bool) {
	v, exists := c.Get(contextKeyPayment)
	if !exists {
		return nil, false
	}
	p, ok := v.(*ledger.Payment)
	return p, ok
}
