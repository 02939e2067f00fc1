package ledger

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupWalletRouter serves the read endpoints behind a stub that injects
// the account ID the way RequireAuth does. An empty accountID leaves
// the request unauthenticated.
func setupWalletRouter(l *Ledger, accountID string) *gin.Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := gin.New()
	h := NewHandler(l, logger)

	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if accountID != "" {
			c.Set("authAccountID", accountID)
		}
		c.Next()
	})
	h.RegisterRoutes(v1)
	return r
}

func getPath(t *testing.T, r *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetWallet_ReturnsBalances(t *testing.T) {
	l, w := newTestLedger(t)
	fund(t, l, w.ID, CurrencySats, 7_000, "ref_sats")
	fund(t, l, w.ID, CurrencyUSDCents, 1_200, "ref_usd")

	r := setupWalletRouter(l, "acc_test")
	resp := getPath(t, r, "/v1/wallet")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var body struct {
		Wallet Wallet `json:"wallet"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Wallet.ID != w.ID {
		t.Errorf("expected wallet %s, got %s", w.ID, body.Wallet.ID)
	}
	if body.Wallet.BalanceSats != 7_000 {
		t.Errorf("expected 7000 sats, got %d", body.Wallet.BalanceSats)
	}
	if body.Wallet.BalanceUSDCents != 1_200 {
		t.Errorf("expected 1200 usd cents, got %d", body.Wallet.BalanceUSDCents)
	}
}

func TestGetWallet_RequiresAuth(t *testing.T) {
	l, _ := newTestLedger(t)
	r := setupWalletRouter(l, "")

	resp := getPath(t, r, "/v1/wallet")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestGetWallet_NotFound(t *testing.T) {
	l, _ := newTestLedger(t)
	r := setupWalletRouter(l, "acc_missing")

	resp := getPath(t, r, "/v1/wallet")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestListTransactions_PagesOverHTTP(t *testing.T) {
	l, w := newTestLedger(t)
	for i := 0; i < 3; i++ {
		fund(t, l, w.ID, CurrencySats, 1_000, fmt.Sprintf("ref_%d", i))
	}

	r := setupWalletRouter(l, "acc_test")
	resp := getPath(t, r, "/v1/wallet/transactions?limit=2")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var page struct {
		Transactions []*Transaction `json:"transactions"`
		NextCursor   string         `json:"nextCursor"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(page.Transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(page.Transactions))
	}
	if page.NextCursor == "" {
		t.Fatal("expected next cursor")
	}

	resp = getPath(t, r, "/v1/wallet/transactions?limit=2&cursor="+url.QueryEscape(page.NextCursor))
	if resp.Code != http.StatusOK {
		t.Fatalf("second page: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var rest struct {
		Transactions []*Transaction `json:"transactions"`
		NextCursor   string         `json:"nextCursor"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &rest); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(rest.Transactions) != 1 {
		t.Errorf("expected 1 remaining transaction, got %d", len(rest.Transactions))
	}
	if rest.NextCursor != "" {
		t.Errorf("expected no further cursor, got %q", rest.NextCursor)
	}
}

func TestListTransactions_InvalidCursor(t *testing.T) {
	l, _ := newTestLedger(t)

	r := setupWalletRouter(l, "acc_test")
	resp := getPath(t, r, "/v1/wallet/transactions?cursor=not-a-cursor")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.Code, resp.Body.String())
	}
}
