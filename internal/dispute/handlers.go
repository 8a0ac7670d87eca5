package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mquinn/marketsettle/internal/audit"
	"github.com/mquinn/marketsettle/internal/authz"
	"github.com/mquinn/marketsettle/internal/escrow"
	"github.com/mquinn/marketsettle/internal/order"
)

// Handler provides the dispute endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/disputes", h.RaiseDispute)
	r.GET("/orders/:id/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/evaluate", h.EvaluateDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

func actorFrom(c *gin.Context) authz.Actor {
	return authz.Actor{
		ID:        c.GetString("actorID"),
		Role:      authz.Role(c.GetString("actorRole")),
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

type raiseRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RaiseDispute handles POST /v1/orders/:id/disputes
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req raiseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A reason is required to raise a dispute",
		})
		return
	}

	d, err := h.service.Raise(c.Request.Context(), c.Param("id"), actorFrom(c), req.Reason)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// ListDisputes handles GET /v1/orders/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.service.ListByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// EvaluateDispute handles POST /v1/disputes/:id/evaluate
func (h *Handler) EvaluateDispute(c *gin.Context) {
	d, err := h.service.Evaluate(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req, actorFrom(c))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func writeDisputeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "dispute_not_found",
			"message": "No dispute with that ID",
		})
	case errors.Is(err, order.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "order_not_found",
			"message": "No order with that ID",
		})
	case errors.Is(err, ErrDuplicateDispute):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_dispute",
			"message": "Order already has an unresolved dispute",
		})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_resolved",
			"message": "Dispute is already resolved",
		})
	case errors.Is(err, ErrInvalidOutcome), errors.Is(err, ErrAmountRequired),
		errors.Is(err, order.ErrReasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, order.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrLockTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "lock_timeout",
			"message": "Escrow is busy, retry shortly",
		})
	case errors.Is(err, authz.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Actor role may not perform this action",
		})
	case errors.Is(err, audit.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "audit_unavailable",
			"message": "Audit ledger unavailable, operation rolled back",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
	}
}
