package invoices

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/saturn/internal/auth"
	"github.com/mbd888/saturn/internal/httpapi"
	"github.com/mbd888/saturn/internal/ledger"
	"github.com/mbd888/saturn/internal/pagination"
	"github.com/mbd888/saturn/internal/validation"
)

const (
	maxMemoLen     = 500
	maxWebhookBody = 64 << 10
)

// Handler provides the Lightning funding endpoints.
type Handler struct {
	service *Service
	secret  []byte
	logger  *slog.Logger
}

// NewHandler creates the funding handler. webhookSecret signs
// /internal/webhooks/lightning payloads; empty disables the endpoint.
func NewHandler(service *Service, webhookSecret string, logger *slog.Logger) *Handler {
	var secret []byte
	if webhookSecret != "" {
		secret = []byte(webhookSecret)
	}
	return &Handler{service: service, secret: secret, logger: logger}
}

// RegisterRoutes sets up funding routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/fund", h.Fund)
	r.GET("/wallet/invoices", h.ListInvoices)
}

// RegisterWebhookRoutes sets up the unauthenticated settlement webhook.
// Callers authenticate with the shared-secret signature instead.
func (h *Handler) RegisterWebhookRoutes(r gin.IRoutes) {
	r.POST("/webhooks/lightning", h.LightningWebhook)
}

// FundRequest asks for a Lightning invoice to top up the wallet.
type FundRequest struct {
	AmountSats int64  `json:"amountSats" binding:"required"`
	Memo       string `json:"memo"`
}

// Fund handles POST /v1/wallet/fund
func (h *Handler) Fund(c *gin.Context) {
	ident, ok := auth.GetIdentity(c)
	if !ok {
		httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "Authentication required")
		return
	}

	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "amountSats is required")
		return
	}
	if len(req.Memo) > maxMemoLen {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "memo must be at most 500 characters")
		return
	}

	inv, err := h.service.CreateInvoice(c.Request.Context(), ident.Account.ID, req.AmountSats, req.Memo)
	switch {
	case errors.Is(err, ErrInvalidAmount):
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "amountSats must be between 1 and 100000000")
	case errors.Is(err, ledger.ErrBalanceCapExceeded):
		httpapi.Error(c, http.StatusConflict, httpapi.CodeValidationError, "Settling this invoice would exceed the wallet balance cap")
	case err != nil:
		h.logger.Error("invoice creation failed", "account_id", ident.Account.ID, "error", err)
		httpapi.Internal(c)
	default:
		c.JSON(http.StatusCreated, inv)
	}
}

// ListInvoices handles GET /v1/wallet/invoices?limit=&cursor=
func (h *Handler) ListInvoices(c *gin.Context) {
	ident, ok := auth.GetIdentity(c)
	if !ok {
		httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "Authentication required")
		return
	}

	opts := []ListOption{WithLimit(validation.ParseLimit(c, 50, 200))}
	if cursor := c.Query("cursor"); cursor != "" {
		opts = append(opts, WithCursor(cursor))
	}

	invoices, nextCursor, err := h.service.List(c.Request.Context(), ident.Account.ID, opts...)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "Invalid cursor")
			return
		}
		h.logger.Error("list invoices failed", "account_id", ident.Account.ID, "error", err)
		httpapi.Internal(c)
		return
	}

	if invoices == nil {
		invoices = []*Invoice{}
	}
	resp := gin.H{"invoices": invoices}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// lightningEvent is the settlement notification body. Field names
// follow the node's invoice JSON.
type lightningEvent struct {
	RHash       string    `json:"r_hash"`
	IsConfirmed bool      `json:"is_confirmed"`
	SettledAt   time.Time `json:"settled_at"`
}

// LightningWebhook handles POST /internal/webhooks/lightning
//
// External pollers push settlement notifications here; the claim path
// makes redelivery harmless. Processing failures are logged and still
// acknowledged so a broken poller cannot build a retry storm.
func (h *Handler) LightningWebhook(c *gin.Context) {
	if len(h.secret) == 0 {
		httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "Webhook not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "Could not read request body")
		return
	}
	if !h.verifySignature(body, c.GetHeader("X-Saturn-Signature")) {
		webhookRejected.Inc()
		httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "Invalid signature")
		return
	}

	var ev lightningEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.RHash == "" {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "r_hash is required")
		return
	}
	if !ev.IsConfirmed {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := h.service.ProcessSettlement(c.Request.Context(), ev.RHash, ev.SettledAt); err != nil {
		h.logger.Error("webhook settlement failed", "r_hash", ev.RHash, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) verifySignature(body []byte, header string) bool {
	sig, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
