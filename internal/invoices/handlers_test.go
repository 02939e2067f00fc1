package invoices

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/saturn/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testWebhookSecret = "whsec_test"

// setupInvoiceRouter wires the funding handler behind a stub middleware
// that injects the fixture's identity, standing in for RequireAuth.
func setupInvoiceRouter(fx *invFixture, secret string) *gin.Engine {
	r := gin.New()
	h := NewHandler(fx.svc, secret, testLogger())

	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyIdentity, fx.identity)
		c.Next()
	})
	h.RegisterRoutes(v1)
	h.RegisterWebhookRoutes(r.Group("/internal"))
	return r
}

func doRequest(t *testing.T, r *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func signBody(body string) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, r *gin.Engine, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	headers := map[string]string{}
	if signature != "" {
		headers["X-Saturn-Signature"] = signature
	}
	return doRequest(t, r, http.MethodPost, "/internal/webhooks/lightning", body, headers)
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSON(t, w)
	envelope, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", w.Body.String())
	code, _ := envelope["code"].(string)
	return code
}

func TestFundCreatesInvoice(t *testing.T) {
	fx := newInvFixture(t)
	r := setupInvoiceRouter(fx, testWebhookSecret)

	w := doRequest(t, r, http.MethodPost, "/v1/wallet/fund", `{"amountSats":5000,"memo":"top up"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decodeJSON(t, w)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, float64(5_000), body["amountSats"])
	assert.Equal(t, "top up", body["memo"])
	assert.NotEmpty(t, body["paymentRequest"])
	assert.NotEmpty(t, body["rHash"])
}

func TestFundValidatesRequest(t *testing.T) {
	fx := newInvFixture(t)
	r := setupInvoiceRouter(fx, testWebhookSecret)

	for _, body := range []string{`{}`, `{"amountSats":-5}`, `{"amountSats":100000001}`} {
		w := doRequest(t, r, http.MethodPost, "/v1/wallet/fund", body, nil)
		require.Equal(t, http.StatusBadRequest, w.Code, "body %s", body)
		assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))
	}

	longMemo := strings.Repeat("x", maxMemoLen+1)
	w := doRequest(t, r, http.MethodPost, "/v1/wallet/fund",
		fmt.Sprintf(`{"amountSats":100,"memo":%q}`, longMemo), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFundBalanceCapConflict(t *testing.T) {
	fx := newInvFixture(t)
	fx.setBalanceCap(t, 1_000)
	r := setupInvoiceRouter(fx, testWebhookSecret)

	w := doRequest(t, r, http.MethodPost, "/v1/wallet/fund", `{"amountSats":5000}`, nil)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))
}

func TestListInvoicesPages(t *testing.T) {
	fx := newInvFixture(t)
	r := setupInvoiceRouter(fx, testWebhookSecret)

	for i := 0; i < 3; i++ {
		w := doRequest(t, r, http.MethodPost, "/v1/wallet/fund", `{"amountSats":1000}`, nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doRequest(t, r, http.MethodGet, "/v1/wallet/invoices?limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeJSON(t, w)
	require.Len(t, body["invoices"], 2)
	cursor, _ := body["nextCursor"].(string)
	require.NotEmpty(t, cursor)

	w = doRequest(t, r, http.MethodGet, "/v1/wallet/invoices?limit=2&cursor="+cursor, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeJSON(t, w)
	require.Len(t, body["invoices"], 1)
	assert.Nil(t, body["nextCursor"])
}

func TestListInvoicesEmpty(t *testing.T) {
	fx := newInvFixture(t)
	r := setupInvoiceRouter(fx, testWebhookSecret)

	w := doRequest(t, r, http.MethodGet, "/v1/wallet/invoices", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	invoices, ok := body["invoices"].([]any)
	require.True(t, ok, "invoices must be an array, got %s", w.Body.String())
	assert.Empty(t, invoices)
}

func TestLightningWebhookSettles(t *testing.T) {
	fx := newInvFixture(t)
	r := setupInvoiceRouter(fx, testWebhookSecret)

	inv, err := fx.svc.CreateInvoice(context.Background(), "acc_inv", 5_000, "")
	require.NoError(t, err)

	body := fmt.Sprintf(`{"r_hash":%q,"is_confirmed":true}`, inv.RHash)
	w := postWebhook(t, r, body, signBody(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ok", decodeJSON(t, w)["status"])

	assert.Equal(t, int64(5_000), fx.balanceSats(t))
	assert.Equal(t, StatusSettled, fx.store.GetByRHash(inv.RHash).Status)
}

func TestLightningWebhookDuplicateDelivery(t *testing.T) {
	fx := newInvFixture(t)
	r := setupInvoiceRouter(fx, testWebhookSecret)

	inv, err := fx.svc.CreateInvoice(context.Background(), "acc_inv", 5_000, "")
	require.NoError(t, err)

	body := fmt.Sprintf(`{"r_hash":%q,"is_confirmed":true}`, inv.RHash)
	for i := 0; i < 2; i++ {
		w := postWebhook(t, r, body, signBody(body))
		require.Equal(t, http.StatusOK, w.Code)
	}

	assert.Equal(t, int64(5_000), fx.balanceSats(t))
	assert.Len(t, fx.transactions(t), 1)
}

func TestLightningWebhookRejectsBadSignature(t *testing.T) {
	fx := newInvFixture(t)
	r := setupInvoiceRouter(fx, testWebhookSecret)

	inv, err := fx.svc.CreateInvoice(context.Background(), "acc_inv", 5_000, "")
	require.NoError(t, err)

	body := fmt.Sprintf(`{"r_hash":%q,"is_confirmed":true}`, inv.RHash)

	w := postWebhook(t, r, body, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = postWebhook(t, r, body, "deadbeef")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = postWebhook(t, r, body, signBody(body+" "))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, int64(0), fx.balanceSats(t))
	assert.Equal(t, StatusPending, fx.store.GetByRHash(inv.RHash).Status)
}

func TestLightningWebhookIgnoresUnconfirmed(t *testing.T) {
	fx := newInvFixture(t)
	r := setupInvoiceRouter(fx, testWebhookSecret)

	inv, err := fx.svc.CreateInvoice(context.Background(), "acc_inv", 5_000, "")
	require.NoError(t, err)

	body := fmt.Sprintf(`{"r_hash":%q,"is_confirmed":false}`, inv.RHash)
	w := postWebhook(t, r, body, signBody(body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decodeJSON(t, w)["status"])
	assert.Equal(t, StatusPending, fx.store.GetByRHash(inv.RHash).Status)
}

func TestLightningWebhookRequiresRHash(t *testing.T) {
	fx := newInvFixture(t)
	r := setupInvoiceRouter(fx, testWebhookSecret)

	body := `{"is_confirmed":true}`
	w := postWebhook(t, r, body, signBody(body))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))
}

func TestLightningWebhookDisabledWithoutSecret(t *testing.T) {
	fx := newInvFixture(t)
	r := setupInvoiceRouter(fx, "")

	body := `{"r_hash":"abc","is_confirmed":true}`
	w := postWebhook(t, r, body, signBody(body))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLightningWebhookUnknownRHashAcked(t *testing.T) {
	fx := newInvFixture(t)
	r := setupInvoiceRouter(fx, testWebhookSecret)

	body := `{"r_hash":"cafebabe","is_confirmed":true}`
	w := postWebhook(t, r, body, signBody(body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeJSON(t, w)["status"])
	assert.Empty(t, fx.transactions(t))
}
