package quota

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbaier/clinicgate/internal/tenant"
	"github.com/mbaier/clinicgate/internal/traces"
)

// Handler provides the consult reservation endpoint.
type Handler struct {
	mgr *Manager
}

// NewHandler creates a new quota handler.
func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

// RegisterRoutes sets up quota routes under a tenant-scoped group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/consults/reserve", h.Reserve)
}

// Reserve handles POST /v1/tenants/:id/consults/reserve
//
// 200 with admitted=true consumes one consult; 403 carries the denial
// reason and the numbers the client needs for its upgrade prompt. Store
// failures are 503: the caller must not start a consult it could not
// reserve.
func (h *Handler) Reserve(c *gin.Context) {
	tenantID := c.Param("id")
	ctx, span := traces.StartSpan(c.Request.Context(), "quota.reserve", traces.TenantID(tenantID))
	defer span.End()

	res, err := h.mgr.Reserve(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transient_error", "message": "reservation unavailable, retry"})
		return
	}

	if !res.Admitted {
		c.JSON(http.StatusForbidden, gin.H{
			"error":       res.Reason,
			"used":        res.Used,
			"cap":         res.Cap,
			"nextResetAt": res.NextResetAt,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}
