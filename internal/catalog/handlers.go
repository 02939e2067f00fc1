package catalog

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/saturn/internal/httpapi"
	"github.com/mbd888/saturn/internal/idgen"
	"github.com/mbd888/saturn/internal/security"
	"github.com/mbd888/saturn/internal/validation"
)

// SatsConverter turns a USD-micros price into sats at the current rate.
// Injected so the catalog stays independent of the pricing oracle.
type SatsConverter func(usdMicros int64) int64

// Handler provides the public services listing and the admin catalog CRUD.
type Handler struct {
	store  Store
	toSats SatsConverter
	logger *slog.Logger

	// endpointCheck guards community base URLs against private and
	// loopback addresses. Curated services are platform-operated and
	// may point at internal gateways.
	endpointCheck func(rawURL string) error
}

// NewHandler creates a new catalog handler
func NewHandler(store Store, toSats SatsConverter, logger *slog.Logger) *Handler {
	return &Handler{
		store:         store,
		toSats:        toSats,
		logger:        logger,
		endpointCheck: security.ValidateEndpointURL,
	}
}

// RegisterRoutes sets up the public catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/services", h.ListServices)
}

// RegisterAdminRoutes sets up catalog administration. The group must be
// guarded by the admin-secret middleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/services", h.CreateService)
	r.PATCH("/services/:slug", h.UpdateService)
	r.PUT("/services/:slug/pricing", h.SetPricing)
	r.PUT("/services/:slug/capabilities", h.SetCapabilities)
}

// serviceView is the public shape of a service: no auth configuration.
type serviceView struct {
	Slug        string            `json:"slug"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Tier        Tier              `json:"tier"`
	Pricing     []*ServicePricing `json:"pricing"`
}

// ListServices handles GET /v1/services
func (h *Handler) ListServices(c *gin.Context) {
	services, err := h.store.ListServices(c.Request.Context(), true)
	if err != nil {
		h.logger.Error("list services failed", "error", err)
		httpapi.Internal(c)
		return
	}

	out := make([]serviceView, 0, len(services))
	for _, svc := range services {
		pricing, err := h.store.ListPricing(c.Request.Context(), svc.ID)
		if err != nil {
			h.logger.Error("list pricing failed", "service", svc.Slug, "error", err)
			httpapi.Internal(c)
			return
		}
		out = append(out, serviceView{
			Slug:        svc.Slug,
			Name:        svc.Name,
			Description: svc.Description,
			Tier:        svc.Tier,
			Pricing:     pricing,
		})
	}

	c.JSON(http.StatusOK, gin.H{"services": out})
}

// CreateService handles POST /internal/admin/services
func (h *Handler) CreateService(c *gin.Context) {
	var req CreateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "Invalid request body")
		return
	}

	if msg := validateServiceFields(req.Slug, req.BaseURL, req.AuthType,
		req.AuthCredentialEnv, req.AuthHeader, req.AuthParam); msg != "" {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, msg)
		return
	}

	tier := req.Tier
	if tier == "" {
		tier = TierCommunity
	}
	if tier != TierCurated && tier != TierCommunity {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "tier must be curated or community")
		return
	}
	if tier == TierCommunity {
		if err := h.endpointCheck(req.BaseURL); err != nil {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "baseUrl: "+err.Error())
			return
		}
	}

	svc := &Service{
		ID:                idgen.WithPrefix("svc_"),
		Slug:              req.Slug,
		Name:              req.Name,
		Description:       req.Description,
		Tier:              tier,
		Status:            StatusActive,
		BaseURL:           req.BaseURL,
		AuthType:          req.AuthType,
		AuthCredentialEnv: req.AuthCredentialEnv,
		AuthHeader:        req.AuthHeader,
		AuthParam:         req.AuthParam,
		Metadata:          req.Metadata,
	}

	if err := h.store.CreateService(c.Request.Context(), svc); err != nil {
		if errors.Is(err, ErrSlugTaken) {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "Slug already registered")
			return
		}
		h.logger.Error("create service failed", "slug", req.Slug, "error", err)
		httpapi.Internal(c)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"service": svc})
}

// UpdateService handles PATCH /internal/admin/services/:slug
func (h *Handler) UpdateService(c *gin.Context) {
	svc, ok := h.serviceBySlug(c)
	if !ok {
		return
	}

	var req UpdateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "Invalid request body")
		return
	}

	if req.Name != nil {
		svc.Name = *req.Name
	}
	if req.Description != nil {
		svc.Description = *req.Description
	}
	if req.Status != nil {
		if *req.Status != StatusActive && *req.Status != StatusDisabled {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "status must be active or disabled")
			return
		}
		svc.Status = *req.Status
	}
	if req.Tier != nil {
		if *req.Tier != TierCurated && *req.Tier != TierCommunity {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "tier must be curated or community")
			return
		}
		svc.Tier = *req.Tier
	}
	if req.BaseURL != nil {
		svc.BaseURL = *req.BaseURL
	}
	if req.AuthType != nil {
		svc.AuthType = *req.AuthType
	}
	if req.AuthCredentialEnv != nil {
		svc.AuthCredentialEnv = *req.AuthCredentialEnv
	}
	if req.AuthHeader != nil {
		svc.AuthHeader = *req.AuthHeader
	}
	if req.AuthParam != nil {
		svc.AuthParam = *req.AuthParam
	}
	if req.Metadata != nil {
		svc.Metadata = *req.Metadata
	}

	if msg := validateServiceFields(svc.Slug, svc.BaseURL, svc.AuthType,
		svc.AuthCredentialEnv, svc.AuthHeader, svc.AuthParam); msg != "" {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, msg)
		return
	}
	if svc.Tier == TierCommunity {
		if err := h.endpointCheck(svc.BaseURL); err != nil {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "baseUrl: "+err.Error())
			return
		}
	}

	if err := h.store.UpdateService(c.Request.Context(), svc); err != nil {
		h.logger.Error("update service failed", "slug", svc.Slug, "error", err)
		httpapi.Internal(c)
		return
	}

	c.JSON(http.StatusOK, gin.H{"service": svc})
}

// SetPricing handles PUT /internal/admin/services/:slug/pricing
func (h *Handler) SetPricing(c *gin.Context) {
	svc, ok := h.serviceBySlug(c)
	if !ok {
		return
	}

	var req struct {
		Rows []PricingRowRequest `json:"rows" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "Invalid request body")
		return
	}

	rows := make([]*ServicePricing, 0, len(req.Rows))
	seen := map[string]bool{}
	for _, r := range req.Rows {
		if !validation.IsValidSlug(r.Operation) {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "operation must be a slug")
			return
		}
		if seen[r.Operation] {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "duplicate operation "+r.Operation)
			return
		}
		seen[r.Operation] = true
		if !r.Unit.Valid() {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "unknown pricing unit")
			return
		}
		if r.PriceUsdMicros < 0 || r.CostUsdMicros < 0 {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "prices must be non-negative")
			return
		}
		rows = append(rows, &ServicePricing{
			ID:             idgen.WithPrefix("prc_"),
			ServiceID:      svc.ID,
			Operation:      r.Operation,
			Unit:           r.Unit,
			CostUsdMicros:  r.CostUsdMicros,
			PriceUsdMicros: r.PriceUsdMicros,
			PriceSats:      h.toSats(r.PriceUsdMicros),
		})
	}

	if err := h.store.SetPricing(c.Request.Context(), svc.ID, rows); err != nil {
		h.logger.Error("set pricing failed", "slug", svc.Slug, "error", err)
		httpapi.Internal(c)
		return
	}

	c.JSON(http.StatusOK, gin.H{"pricing": rows})
}

// SetCapabilities handles PUT /internal/admin/services/:slug/capabilities
func (h *Handler) SetCapabilities(c *gin.Context) {
	svc, ok := h.serviceBySlug(c)
	if !ok {
		return
	}

	var req struct {
		Routes []CapabilityRouteRequest `json:"routes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "Invalid request body")
		return
	}

	routes := make([]*CapabilityRoute, 0, len(req.Routes))
	for _, r := range req.Routes {
		if !validation.IsValidSlug(r.Capability) {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "capability must be a slug")
			return
		}
		if r.Priority < 0 {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "priority must be non-negative")
			return
		}
		// Community services route after every curated one.
		if svc.Tier == TierCommunity && r.Priority < 100 {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError,
				"community services must use priority >= 100")
			return
		}
		if svc.Tier == TierCurated && r.Priority > 99 {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError,
				"curated services must use priority 0-99")
			return
		}
		routes = append(routes, &CapabilityRoute{
			ServiceID:  svc.ID,
			Capability: r.Capability,
			Priority:   r.Priority,
		})
	}

	if err := h.store.SetCapabilities(c.Request.Context(), svc.ID, routes); err != nil {
		h.logger.Error("set capabilities failed", "slug", svc.Slug, "error", err)
		httpapi.Internal(c)
		return
	}

	c.JSON(http.StatusOK, gin.H{"routes": routes})
}

func (h *Handler) serviceBySlug(c *gin.Context) (*Service, bool) {
	slug := c.Param("slug")
	if !validation.IsValidSlug(slug) {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "Invalid slug")
		return nil, false
	}
	svc, err := h.store.GetServiceBySlug(c.Request.Context(), slug)
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			httpapi.Error(c, http.StatusNotFound, httpapi.CodeNotFound, "Service not found")
			return nil, false
		}
		h.logger.Error("get service failed", "slug", slug, "error", err)
		httpapi.Internal(c)
		return nil, false
	}
	return svc, true
}

// validateServiceFields checks the catalog invariants shared by create and
// update. Returns an empty string when valid.
func validateServiceFields(slug, baseURL string, authType AuthType, credEnv, authHeader, authParam string) string {
	if !validation.IsValidSlug(slug) {
		return "slug must be lowercase alphanumeric with - or _ separators"
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "baseUrl must be an absolute http(s) URL"
	}
	if !authType.Valid() {
		return "authType must be bearer, api_key_header, basic or query_param"
	}
	if !ValidAuthCredentialEnv(credEnv) {
		return "authCredentialEnv must match ^[A-Z][A-Z0-9_]*_(API_KEY|API_TOKEN)$"
	}
	if authType == AuthAPIKeyHeader && authHeader == "" {
		return "authHeader is required for api_key_header services"
	}
	if authType == AuthQueryParam && authParam == "" {
		return "authParam is required for query_param services"
	}
	return ""
}
