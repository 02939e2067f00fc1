package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/saturn/internal/auth"
	"github.com/mbd888/saturn/internal/httpapi"
	"github.com/mbd888/saturn/internal/normalize"
)

// Handler exposes the two call surfaces: direct service calls and
// capability-routed calls.
type Handler struct {
	executor *Executor
	logger   *slog.Logger
}

// NewHandler creates a proxy handler.
func NewHandler(executor *Executor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{executor: executor, logger: logger}
}

// RegisterRoutes sets up the call routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/proxy/:service_slug", h.CallService)
	r.POST("/capabilities/:capability", h.CallCapability)
}

// CallService handles POST /v1/proxy/:service_slug. The response body
// is the upstream body verbatim; billing metadata travels in the
// X-Saturn-* headers.
func (h *Handler) CallService(c *gin.Context) {
	ident, ok := auth.GetIdentity(c)
	if !ok {
		httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "Authentication required")
		return
	}
	body, ok := bindCallBody(c)
	if !ok {
		return
	}

	result, err := h.executor.Execute(c.Request.Context(), Call{
		Identity:    ident,
		ServiceSlug: c.Param("service_slug"),
		Body:        body,
	})
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	writeMetadataHeaders(c, result.Metadata)
	writeUpstreamHeaders(c, result.Headers)
	c.JSON(result.Status, result.Data)
}

// CallCapability handles POST /v1/capabilities/:capability. The
// provider query parameter pins a specific service; it is still
// policy-checked as that service. Successful responses are normalized
// into the capability's shape.
func (h *Handler) CallCapability(c *gin.Context) {
	ident, ok := auth.GetIdentity(c)
	if !ok {
		httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "Authentication required")
		return
	}
	body, ok := bindCallBody(c)
	if !ok {
		return
	}
	capabilityName := c.Param("capability")

	result, err := h.executor.Execute(c.Request.Context(), Call{
		Identity:   ident,
		Capability: capabilityName,
		Provider:   c.Query("provider"),
		Body:       body,
	})
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	writeMetadataHeaders(c, result.Metadata)
	writeUpstreamHeaders(c, result.Headers)

	data := result.Data
	if result.Status < 400 {
		data = normalize.Normalize(capabilityName, result.Metadata.Provider, result.Data)
	}
	c.JSON(result.Status, data)
}

// bindCallBody reads the request body as a JSON object. An empty body
// is a valid empty call.
func bindCallBody(c *gin.Context) (map[string]any, bool) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, true
		}
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError,
			"Request body must be a JSON object")
		return nil, false
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, true
}

func (h *Handler) writeCallError(c *gin.Context, err error) {
	var ce *CallError
	if !errors.As(err, &ce) {
		h.logger.Error("proxy call failed", "error", err)
		httpapi.Internal(c)
		return
	}
	writeMetadataHeaders(c, ce.Metadata)
	if ce.Details != nil {
		httpapi.ErrorWithDetails(c, ce.Status, ce.Code, ce.Message, ce.Details)
		return
	}
	httpapi.Error(c, ce.Status, ce.Code, ce.Message)
}

func writeMetadataHeaders(c *gin.Context, m Metadata) {
	if m.AuditID != "" {
		c.Header("X-Saturn-Audit-Id", m.AuditID)
	}
	c.Header("X-Saturn-Quoted-Sats", strconv.FormatInt(m.QuotedSats, 10))
	c.Header("X-Saturn-Charged-Sats", strconv.FormatInt(m.ChargedSats, 10))
	c.Header("X-Saturn-Quoted-Usd-Cents", strconv.FormatInt(m.QuotedUSDCents, 10))
	c.Header("X-Saturn-Charged-Usd-Cents", strconv.FormatInt(m.ChargedUSDCents, 10))
	c.Header("X-Saturn-Balance-After", strconv.FormatInt(m.BalanceAfter, 10))
	if m.Capability != "" {
		c.Header("X-Saturn-Capability", m.Capability)
	}
	if m.Provider != "" {
		c.Header("X-Saturn-Provider", m.Provider)
	}
}

// writeUpstreamHeaders echoes filtered upstream headers. Content-Type
// is skipped; the body written here is always JSON.
func writeUpstreamHeaders(c *gin.Context, headers map[string]string) {
	for k, v := range headers {
		if strings.EqualFold(k, "Content-Type") {
			continue
		}
		c.Header(k, v)
	}
}
