package ledger

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/saturn/internal/httpapi"
	"github.com/mbd888/saturn/internal/pagination"
	"github.com/mbd888/saturn/internal/validation"
)

// Handler provides HTTP endpoints for wallet reads. Funding endpoints
// (Lightning invoices, card checkout) live with their providers.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new wallet handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up wallet routes. The group must already require
// authentication; handlers read the account from context.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.ListTransactions)
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	accountID := c.GetString("authAccountID")
	if accountID == "" {
		httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "Authentication required")
		return
	}

	wallet, err := h.ledger.GetWalletByAccount(c.Request.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			httpapi.Error(c, http.StatusNotFound, httpapi.CodeNotFound, "Wallet not found")
			return
		}
		h.logger.Error("get wallet failed", "account_id", accountID, "error", err)
		httpapi.Internal(c)
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

// ListTransactions handles GET /v1/wallet/transactions?limit=&cursor=
func (h *Handler) ListTransactions(c *gin.Context) {
	accountID := c.GetString("authAccountID")
	if accountID == "" {
		httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "Authentication required")
		return
	}

	wallet, err := h.ledger.GetWalletByAccount(c.Request.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			httpapi.Error(c, http.StatusNotFound, httpapi.CodeNotFound, "Wallet not found")
			return
		}
		h.logger.Error("get wallet failed", "account_id", accountID, "error", err)
		httpapi.Internal(c)
		return
	}

	limit := validation.ParseLimit(c, 50, 200)
	txns, nextCursor, err := h.ledger.ListTransactions(c.Request.Context(), wallet.ID,
		WithLimit(limit), WithCursor(c.Query("cursor")))
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidationError, "Invalid cursor")
			return
		}
		h.logger.Error("list transactions failed", "wallet_id", wallet.ID, "error", err)
		httpapi.Internal(c)
		return
	}

	resp := gin.H{"transactions": txns}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}
