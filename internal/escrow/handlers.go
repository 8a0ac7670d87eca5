package escrow

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mquinn/marketsettle/internal/audit"
	"github.com/mquinn/marketsettle/internal/authz"
	"github.com/mquinn/marketsettle/internal/order"
)

// Handler provides the escrow governance endpoints.
type Handler struct {
	service *Service
	orders  *order.Machine
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, orders *order.Machine) *Handler {
	return &Handler{service: service, orders: orders}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id/escrow", h.GetEscrow)
	r.POST("/orders/:id/escrow/release", h.ReleaseEscrow)
	r.POST("/orders/:id/escrow/refund", h.RefundEscrow)
	r.POST("/orders/:id/escrow/freeze", h.FreezeEscrow)
	r.POST("/orders/:id/escrow/unfreeze", h.UnfreezeEscrow)
}

func actorFrom(c *gin.Context) authz.Actor {
	return authz.Actor{
		ID:        c.GetString("actorID"),
		Role:      authz.Role(c.GetString("actorRole")),
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

type governanceRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// GetEscrow handles GET /v1/orders/:id/escrow
func (h *Handler) GetEscrow(c *gin.Context) {
	a, err := h.service.GetByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// ReleaseEscrow handles POST /v1/orders/:id/escrow/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req governanceRequest
	_ = c.ShouldBindJSON(&req)

	a, err := h.service.Release(c.Request.Context(), c.Param("id"), actorFrom(c),
		WithReason(req.Reason))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// RefundEscrow handles POST /v1/orders/:id/escrow/refund. A zero amount
// refunds the full remaining balance, which also moves the order to REFUNDED.
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req governanceRequest
	_ = c.ShouldBindJSON(&req)
	actor := actorFrom(c)
	ctx := c.Request.Context()
	orderID := c.Param("id")

	a, err := h.service.Refund(ctx, orderID, req.Amount, actor, WithReason(req.Reason))
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	if a.Status == StatusRefunded && h.orders != nil {
		if _, err := h.orders.MarkRefunded(ctx, orderID, actor); err != nil {
			// The money moved; surface the order inconsistency loudly but keep
			// the escrow response intact.
			c.JSON(http.StatusOK, gin.H{"escrow": a, "warning": "order status update failed"})
			return
		}
	}
	c.JSON(http.StatusOK, a)
}

// FreezeEscrow handles POST /v1/orders/:id/escrow/freeze
func (h *Handler) FreezeEscrow(c *gin.Context) {
	var req governanceRequest
	_ = c.ShouldBindJSON(&req)

	a, err := h.service.Freeze(c.Request.Context(), c.Param("id"), actorFrom(c),
		WithReason(req.Reason))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// UnfreezeEscrow handles POST /v1/orders/:id/escrow/unfreeze. If the order
// is still DELIVERED the release window is re-armed from the delivery time.
func (h *Handler) UnfreezeEscrow(c *gin.Context) {
	var req governanceRequest
	_ = c.ShouldBindJSON(&req)
	ctx := c.Request.Context()
	orderID := c.Param("id")

	var rearmFrom time.Time
	if h.orders != nil {
		if o, err := h.orders.Get(ctx, orderID); err == nil && o.Status == order.StatusDelivered {
			if t := o.DeliveredAt(); t != nil {
				rearmFrom = *t
			}
		}
	}

	a, err := h.service.Unfreeze(ctx, orderID, rearmFrom, actorFrom(c),
		WithReason(req.Reason))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func writeEscrowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "escrow_not_found",
			"message": "No escrow account for that order",
		})
	case errors.Is(err, ErrFrozen):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "escrow_frozen",
			"message": "Escrow is frozen pending dispute resolution",
		})
	case errors.Is(err, ErrDisputePending):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_pending",
			"message": "Order has an unresolved dispute",
		})
	case errors.Is(err, ErrEscrowExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "escrow_exists",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidEscrowState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_escrow_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.Is(err, ErrLockTimeout):
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
