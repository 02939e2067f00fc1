package checkout

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/saturn/internal/auth"
	"github.com/mbd888/saturn/internal/httpapi"
)

const maxWebhookBody = 64 << 10

// Handler provides the card funding endpoints.
type Handler struct {
	service       *Service
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates the card funding handler. webhookSecret is the
// Stripe endpoint signing secret; empty disables the webhook.
func NewHandler(service *Service, webhookSecret string, logger *slog.Logger) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret, logger: logger}
}

// RegisterRoutes sets up card funding routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/fund-card", h.FundCard)
}

// RegisterWebhookRoutes sets up the unauthenticated provider webhook.
// Stripe authenticates with the endpoint signature instead.
func (h *Handler) RegisterWebhookRoutes(r gin.IRoutes) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// FundCardRequest asks for a hosted card checkout to top up the wallet.
type FundCardRequest struct {
	AmountUSDCents int64 `json:"amountUsdCents" binding:"required"`
}

// FundCard handles POST /v1/wallet/fund-card
func (h *Handler) FundCard(c *gin.Context) {
	ident, ok := auth.GetIdentity(c)
	if !ok {
		httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "Authentication required")
		return
	}

	var req FundCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "amountUsdCents is required")
		return
	}

	cs, err := h.service.CreateSession(c.Request.Context(), ident.Account.ID, req.AmountUSDCents)
	switch {
	case errors.Is(err, ErrInvalidAmount):
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "amountUsdCents must be between 1 and 1000000")
	case err != nil:
		h.logger.Error("checkout session creation failed", "account_id", ident.Account.ID, "error", err)
		httpapi.Internal(c)
	default:
		c.JSON(http.StatusCreated, cs)
	}
}

// StripeWebhook handles POST /internal/webhooks/stripe
//
// Completion and expiry both land on conditional status flips, so a
// redelivered event has no effect. Every verified payload is
// acknowledged with 200; a non-2xx would put Stripe into retry and
// redeliver events that were already applied.
func (h *Handler) StripeWebhook(c *gin.Context) {
	if h.webhookSecret == "" {
		httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "Webhook not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "Could not read request body")
		return
	}

	// Only the session ID is read out of payloads, so drift between the
	// endpoint's pinned API version and the SDK's does not matter.
	event, err := webhook.ConstructEventWithOptions(body, c.GetHeader("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		webhookRejected.Inc()
		httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "Invalid signature")
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		if id, ok := h.eventSessionID(event); ok {
			var completedAt time.Time
			if event.Created > 0 {
				completedAt = time.Unix(event.Created, 0).UTC()
			}
			if err := h.service.ProcessCompleted(c.Request.Context(), id, completedAt); err != nil {
				h.logger.Error("checkout completion failed", "provider_session_id", id, "error", err)
			}
		}
	case "checkout.session.expired":
		if id, ok := h.eventSessionID(event); ok {
			if err := h.service.MarkExpired(c.Request.Context(), id); err != nil {
				h.logger.Error("checkout expiry failed", "provider_session_id", id, "error", err)
			}
		}
	case "charge.refunded", "refund.created":
		h.logger.Warn("refund event received, wallet not auto-debited",
			"event_id", event.ID, "event_type", string(event.Type))
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) eventSessionID(event stripe.Event) (string, bool) {
	if event.Data == nil {
		h.logger.Error("event carries no session payload", "event_id", event.ID)
		return "", false
	}
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		h.logger.Error("malformed checkout session payload", "event_id", event.ID, "error", err)
		return "", false
	}
	if cs.ID == "" {
		h.logger.Error("checkout session payload missing id", "event_id", event.ID)
		return "", false
	}
	return cs.ID, true
}
