package order

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mquinn/marketsettle/internal/audit"
	"github.com/mquinn/marketsettle/internal/authz"
)

// Handler provides HTTP endpoints for the order lifecycle.
type Handler struct {
	machine *Machine
}

// NewHandler creates a new order handler.
func NewHandler(machine *Machine) *Handler {
	return &Handler{machine: machine}
}

// RegisterRoutes sets up order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.PlaceOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/confirm-payment", h.action(ActionConfirmPayment))
	r.POST("/orders/:id/ship", h.action(ActionShip))
	r.POST("/orders/:id/deliver", h.action(ActionDeliver))
	r.POST("/orders/:id/cancel", h.action(ActionCancel))
	r.POST("/orders/:id/return-request", h.action(ActionReturnRequest))
}

func actorFrom(c *gin.Context) authz.Actor {
	return authz.Actor{
		ID:        c.GetString("actorID"),
		Role:      authz.Role(c.GetString("actorRole")),
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// PlaceOrder handles POST /v1/orders
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	o, err := h.machine.Place(c.Request.Context(), req, actorFrom(c))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.machine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

type transitionRequest struct {
	Reason string `json:"reason"`
}

// action builds the handler for a lifecycle transition endpoint.
func (h *Handler) action(a Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transitionRequest
		// Body is optional for most transitions.
		_ = c.ShouldBindJSON(&req)

		var opts []TransitionOption
		if req.Reason != "" {
			opts = append(opts, WithReason(req.Reason))
		}

		o, err := h.machine.Transition(c.Request.Context(), c.Param("id"), a, actorFrom(c), opts...)
		if err != nil {
			writeOrderError(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

func writeOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "order_not_found",
			"message": "No order with that ID",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "concurrent_modification",
			"message": "Order was modified concurrently, retry with fresh state",
		})
	case errors.Is(err, ErrReasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "reason_required",
			"message": "This transition requires a reason",
		})
	case errors.Is(err, ErrEmptyOrder), errors.Is(err, ErrTotalMismatch):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_order",
			"message": err.Error(),
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
