package audit

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/saturn/internal/httpapi"
	"github.com/mbd888/saturn/internal/pagination"
	"github.com/mbd888/saturn/internal/validation"
)

// Handler provides the audit listing endpoint.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new audit handler
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up audit routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.List)
}

// List handles GET /v1/audit?limit=&cursor=&agent=
func (h *Handler) List(c *gin.Context) {
	accountID := c.GetString("authAccountID")
	if accountID == "" {
		httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "Authentication required")
		return
	}

	opts := []ListOption{WithLimit(validation.ParseLimit(c, 50, 200))}
	if cursor := c.Query("cursor"); cursor != "" {
		opts = append(opts, WithCursor(cursor))
	}
	if agentID := c.Query("agent"); agentID != "" {
		if !validation.HasIDPrefix(agentID, "agt_") {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "agent must be a valid agt_ id")
			return
		}
		opts = append(opts, WithAgent(agentID))
	}

	entries, nextCursor, err := h.svc.List(c.Request.Context(), accountID, opts...)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "Invalid cursor")
			return
		}
		h.logger.Error("list audit entries failed", "account_id", accountID, "error", err)
		httpapi.Internal(c)
		return
	}

	resp := gin.H{"entries": entries}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}
