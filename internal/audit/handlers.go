package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mquinn/marketsettle/internal/authz"
)

// Handler provides the read-only audit query endpoint.
type Handler struct {
	ledger Ledger
}

// NewHandler creates a new audit handler.
func NewHandler(ledger Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up audit routes on an admin-scoped group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.QueryAudit)
}

// QueryAudit handles GET /v1/audit?entityType=&entityId=&actorId=&cursor=&limit=
func (h *Handler) QueryAudit(c *gin.Context) {
	actor := authz.Actor{
		ID:   c.GetString("actorID"),
		Role: authz.Role(c.GetString("actorRole")),
	}
	if err := authz.Check(actor, authz.ActionQueryAudit); err != nil {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Actor role may not query the audit ledger",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	filter := Filter{
		EntityType: c.Query("entityType"),
		EntityID:   c.Query("entityId"),
		ActorID:    c.Query("actorId"),
	}

	entries, next, err := h.ledger.Query(c.Request.Context(), filter, c.Query("cursor"), limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid query parameters",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":    entries,
		"nextCursor": next,
		"hasMore":    next != "",
	})
}
