package entitlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbaier/clinicgate/internal/tenant"
)

// Handler provides the entitlement read endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new entitlement handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up entitlement routes under a tenant-scoped group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id/entitlement", h.Get)
	r.GET("/tenants/:id/entitlement/check", h.Check)
}

// Get handles GET /v1/tenants/:id/entitlement
func (h *Handler) Get(c *gin.Context) {
	ent, err := h.svc.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, body := errorResponse(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entitlement": ent})
}

// Check handles GET /v1/tenants/:id/entitlement/check?action=create_consult
func (h *Handler) Check(c *gin.Context) {
	action := Action(c.Query("action"))
	if !ValidAction(action) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_action",
			"message": "action must be one of create_consult, upload_diagnostics, access_analytics",
		})
		return
	}

	res, err := h.svc.Check(c.Request.Context(), c.Param("id"), action)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "check unavailable"})
		return
	}
	if res.Reason == ReasonTenantNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func errorResponse(err error) (int, gin.H) {
	if errors.Is(err, tenant.ErrTenantNotFound) {
		return http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"}
	}
	return http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "entitlement unavailable"}
}
