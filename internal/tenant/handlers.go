package tenant

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbaier/clinicgate/internal/auth"
	"github.com/mbaier/clinicgate/internal/clock"
	"github.com/mbaier/clinicgate/internal/idgen"
	"github.com/mbaier/clinicgate/internal/validation"
)

// Handler provides HTTP endpoints for tenant management.
type Handler struct {
	store       Store
	authMgr     *auth.Manager
	clk         clock.Clock
	trialLength time.Duration
}

// NewHandler creates a new tenant handler.
func NewHandler(store Store, authMgr *auth.Manager, clk clock.Clock, trialLength time.Duration) *Handler {
	return &Handler{store: store, authMgr: authMgr, clk: clk, trialLength: trialLength}
}

// RegisterAdminRoutes sets up admin-only tenant routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.GET("/tenants", h.ListTenants)
}

// RegisterProtectedRoutes sets up tenant routes that require API key auth.
// Get is accessible to both admins and tenant key holders; tier and billing
// linkage changes are admin-only (checked per-handler).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id", h.GetTenant)
	r.PATCH("/tenants/:id", h.UpdateTenant)
	r.POST("/tenants/:id/keys", h.CreateKey)
	r.GET("/tenants/:id/keys", h.ListKeys)
	r.DELETE("/tenants/:id/keys/:keyId", h.RevokeKey)
}

// CreateTenant handles POST /v1/tenants (admin only).
//
// New clinics start in a trial of the requested tier (professional when
// unspecified), with usage tracked against the trial consult cap.
func (h *Handler) CreateTenant(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
		Tier Tier   `json:"tier"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name required"})
		return
	}

	if req.Tier == "" {
		req.Tier = TierProfessional
	}
	if !ValidTier(req.Tier) || req.Tier == TierNone {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "unknown tier"})
		return
	}

	now := h.clk.Now()
	trialEnds := now.Add(h.trialLength)
	t := &Tenant{
		ID:                idgen.WithPrefix("ten_"),
		Name:              validation.SanitizeString(req.Name, 200),
		State:             StateTrial,
		Tier:              req.Tier,
		BillingCycleStart: now,
		TrialEndsAt:       &trialEnds,
		UsagePeriodStart:  now,
		Limits:            DefaultLimitsForTier(req.Tier),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := h.store.Create(c.Request.Context(), t); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create tenant"})
		return
	}

	rawKey, keyInfo, err := h.authMgr.GenerateKey(c.Request.Context(), t.ID, "Tenant admin key")
	if err != nil {
		c.JSON(http.StatusCreated, gin.H{
			"tenant":  t,
			"warning": "Tenant created but key generation failed. Use admin API to create keys.",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"tenant":  t,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
	})
}

// ListTenants handles GET /v1/admin/tenants (admin only).
func (h *Handler) ListTenants(c *gin.Context) {
	limit, offset := parsePage(c)
	tenants, err := h.store.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants, "count": len(tenants)})
}

// GetTenant handles GET /v1/tenants/:id
func (h *Handler) GetTenant(c *gin.Context) {
	t, ok := h.loadOwned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// UpdateTenant handles PATCH /v1/tenants/:id
func (h *Handler) UpdateTenant(c *gin.Context) {
	t, ok := h.loadOwned(c)
	if !ok {
		return
	}

	var req struct {
		Name               *string `json:"name"`
		Tier               *Tier   `json:"tier"`
		BillingCustomerRef *string `json:"billingCustomerRef"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	if req.Name != nil {
		t.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.Tier != nil {
		if !ValidTier(*req.Tier) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "unknown tier"})
			return
		}
		// Tier changes come from the billing provider or an operator.
		if !auth.IsAdmin(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "tier changes require admin"})
			return
		}
		t.Tier = *req.Tier
		t.Limits = DefaultLimitsForTier(*req.Tier)
	}
	if req.BillingCustomerRef != nil {
		if !auth.IsAdmin(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "billing linkage requires admin"})
			return
		}
		t.BillingCustomerRef = *req.BillingCustomerRef
	}
	t.UpdatedAt = h.clk.Now()

	if err := h.store.Update(c.Request.Context(), t); err != nil {
		if err == ErrRefTaken {
			c.JSON(http.StatusConflict, gin.H{"error": "ref_taken", "message": "billing customer ref already linked"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update tenant"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// CreateKey handles POST /v1/tenants/:id/keys
func (h *Handler) CreateKey(c *gin.Context) {
	t, ok := h.loadOwned(c)
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "API key"
	}

	rawKey, keyInfo, err := h.authMgr.GenerateKey(c.Request.Context(), t.ID, validation.SanitizeString(req.Name, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to generate key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /v1/tenants/:id/keys
func (h *Handler) ListKeys(c *gin.Context) {
	t, ok := h.loadOwned(c)
	if !ok {
		return
	}

	keys, err := h.authMgr.ListKeys(c.Request.Context(), t.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey handles DELETE /v1/tenants/:id/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	t, ok := h.loadOwned(c)
	if !ok {
		return
	}

	if err := h.authMgr.RevokeKey(c.Request.Context(), c.Param("keyId"), t.ID); err != nil {
		if err == auth.ErrKeyNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// loadOwned fetches the tenant in :id and enforces that the caller is an
// admin or holds a key for that tenant.
func (h *Handler) loadOwned(c *gin.Context) (*Tenant, bool) {
	id := c.Param("id")

	t, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if err == ErrTenantNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return nil, false
	}

	if !auth.IsAdmin(c) && auth.GetTenantID(c) != t.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not your tenant"})
		return nil, false
	}
	return t, true
}

func parsePage(c *gin.Context) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}
