package device

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbaier/clinicgate/internal/tenant"
	"github.com/mbaier/clinicgate/internal/validation"
)

// Handler provides HTTP endpoints for device admission and management.
type Handler struct {
	ctrl *Controller
}

// NewHandler creates a new device handler.
func NewHandler(ctrl *Controller) *Handler {
	return &Handler{ctrl: ctrl}
}

// RegisterRoutes sets up device routes under a tenant-scoped group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/devices/admit", h.Admit)
	r.GET("/tenants/:id/devices", h.List)
	r.DELETE("/tenants/:id/devices/:deviceId", h.Revoke)
}

// Admit handles POST /v1/tenants/:id/devices/admit
func (h *Handler) Admit(c *gin.Context) {
	tenantID := c.Param("id")

	var req struct {
		Fingerprint string `json:"fingerprint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "fingerprint required"})
		return
	}
	if !validation.IsValidFingerprint(req.Fingerprint) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_fingerprint", "message": "malformed device fingerprint"})
		return
	}

	adm, err := h.ctrl.Admit(c.Request.Context(), tenantID, req.Fingerprint)
	if err != nil {
		if err == tenant.ErrTenantNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "admission unavailable"})
		return
	}

	if !adm.Admitted {
		c.JSON(http.StatusForbidden, gin.H{
			"error":          adm.Reason,
			"currentDevices": adm.CurrentDevices,
			"maxDevices":     adm.MaxDevices,
		})
		return
	}
	c.JSON(http.StatusOK, adm)
}

// List handles GET /v1/tenants/:id/devices
func (h *Handler) List(c *gin.Context) {
	tenantID := c.Param("id")

	sessions, err := h.ctrl.List(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	active, err := h.ctrl.ActiveCount(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": sessions, "count": len(sessions), "active": active})
}

// Revoke handles DELETE /v1/tenants/:id/devices/:deviceId
func (h *Handler) Revoke(c *gin.Context) {
	tenantID := c.Param("id")

	if err := h.ctrl.Revoke(c.Request.Context(), tenantID, c.Param("deviceId")); err != nil {
		if err == ErrSessionNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "device session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
