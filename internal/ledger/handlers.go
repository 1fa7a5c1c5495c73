package ledger

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dhiyaancnirmal/kitegate/internal/logging"
	"github.com/dhiyaancnirmal/kitegate/internal/pagination"
)

// Handler exposes the payment ledger query surface.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a ledger handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes mounts the ledger endpoints on the given group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/payments", h.ListPayments)
	rg.GET("/payments/:id", h.GetPayment)
	rg.GET("/activity", h.ListActivity)
	rg.GET("/agents/:agentId/budget", h.GetBudget)
	rg.PUT("/agents/:agentId/budget", h.SetBudget)
}

// ListPayments handles GET /payments with optional agentId/payer/status
// filters and opaque cursor pagination.
func (h *Handler) ListPayments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is not valid",
		})
		return
	}

	f := Filter{
		AgentID: c.Query("agentId"),
		Payer:   c.Query("payer"),
		Status:  Status(c.Query("status")),
		Limit:   limit + 1, // one extra row decides has_more
	}
	if cursor != nil {
		f.Before = cursor.CreatedAt
		f.BeforeID = cursor.ID
	}

	payments, err := h.ledger.ListPayments(c.Request.Context(), f)
	if err != nil {
		logging.L(c.Request.Context()).Error("payment list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list payments",
		})
		return
	}

	payments, next, more := pagination.ComputePage(payments, limit, func(p *Payment) (time.Time, string) {
		return p.CreatedAt, p.PaymentRequestID
	})

	resp := gin.H{"payments": payments, "count": len(payments), "hasMore": more}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetPayment handles GET /payments/:id.
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.ledger.GetPayment(c.Request.Context(), c.Param("id"))
	if err == ErrPaymentNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "payment_not_found",
			"message": "No payment with that id",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("payment lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to look up payment",
		})
		return
	}

	c.JSON(http.StatusOK, p)
}

// ListActivity handles GET /activity.
func (h *Handler) ListActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	events, err := h.ledger.ListActivity(c.Request.Context(), Filter{
		AgentID: c.Query("agentId"),
		Limit:   limit,
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("activity list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list activity",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"activity": events, "count": len(events)})
}

// GetBudget handles GET /agents/:agentId/budget.
func (h *Handler) GetBudget(c *gin.Context) {
	st, err := h.ledger.BudgetStatus(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		logging.L(c.Request.Context()).Error("budget status failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute budget status",
		})
		return
	}

	c.JSON(http.StatusOK, st)
}

// SetBudgetRequest is the request body for PUT /agents/:agentId/budget.
type SetBudgetRequest struct {
	Ceiling string `json:"ceiling"`
}

// SetBudget handles PUT /agents/:agentId/budget. An empty ceiling removes
// the budget. Budgets are advisory and never block settlement.
func (h *Handler) SetBudget(c *gin.Context) {
	var req SetBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must be JSON with a ceiling field",
		})
		return
	}

	if err := h.ledger.SetBudget(c.Param("agentId"), req.Ceiling); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Ceiling must be a non-negative base-unit amount",
		})
		return
	}

	st, err := h.ledger.BudgetStatus(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		logging.L(c.Request.Context()).Error("budget status failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute budget status",
		})
		return
	}

	c.JSON(http.StatusOK, st)
}
