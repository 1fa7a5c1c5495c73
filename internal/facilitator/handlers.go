package facilitator

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dhiyaancnirmal/kitegate/internal/logging"
	"github.com/dhiyaancnirmal/kitegate/internal/metrics"
	"github.com/dhiyaancnirmal/kitegate/internal/x402"
)

// Handler is the facilitator HTTP surface.
type Handler struct {
	svc   *Service
	probe *Probe
}

// NewHandler creates the facilitator handler.
func NewHandler(svc *Service, probe *Probe) *Handler {
	return &Handler{svc: svc, probe: probe}
}

// RegisterRoutes mounts the facilitator API endpoints. Health is
// registered separately so an embedding server can keep its own /health.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	v2 := r.Group("/v2")
	v2.GET("/supported", h.Supported)
	v2.POST("/verify", h.Verify)
	v2.POST("/settle", h.Settle)
}

// Health reports liveness plus the settlement backend's capability status.
func (h *Handler) Health(c *gin.Context) {
	status := h.probe.Check(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"backend": status,
	})
}

// Supported declares the scheme/network kinds this facilitator accepts.
func (h *Handler) Supported(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"kinds": h.svc.SupportedKinds()})
}

// Verify handles POST /v2/verify: normalize plus a read-only simulation.
func (h *Handler) Verify(c *gin.Context) {
	var req x402.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, x402.NewError(x402.ErrCodeInvalidPayload, "request body is not valid JSON"))
		return
	}

	resp, perr := h.svc.Verify(c.Request.Context(), &req)
	if perr != nil {
		metrics.VerificationsTotal.WithLabelValues(perr.Code).Inc()
		status := VerifyStatus(perr)
		logRejection(c, "verify rejected", status, perr)
		c.JSON(status, perr)
		return
	}

	metrics.VerificationsTotal.WithLabelValues("valid").Inc()
	c.JSON(http.StatusOK, resp)
}

// Settle handles POST /v2/settle: normalize, simulate, then broadcast.
func (h *Handler) Settle(c *gin.Context) {
	var req x402.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, x402.NewError(x402.ErrCodeInvalidPayload, "request body is not valid JSON"))
		return
	}

	start := time.Now()
	resp, perr := h.svc.Settle(c.Request.Context(), &req)
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	if perr != nil {
		metrics.SettlementsTotal.WithLabelValues(perr.Code).Inc()
		status := SettleStatus(perr)
		logRejection(c, "settle rejected", status, perr)
		c.JSON(status, perr)
		return
	}
	metrics.SettlementsTotal.WithLabelValues("settled").Inc()

	logging.L(c.Request.Context()).Info("payment settled",
		"paymentRequestId", resp.PaymentRequestID, "txHash", resp.TxHash)
	c.JSON(http.StatusOK, resp)
}

// logRejection records enough for triage without leaking signing material.
func logRejection(c *gin.Context, msg string, status int, perr *x402.Error) {
	args := []any{"status", status, "code", perr.Code, "message", perr.Message}
	for k, v := range perr.Details {
		args = append(args, "detail."+k, v)
	}
	logging.L(c.Request.Context()).Warn(msg, args...)
}
