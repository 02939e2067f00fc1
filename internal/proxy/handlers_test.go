package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/saturn/internal/adapters"
	"github.com/mbd888/saturn/internal/auth"
	"github.com/mbd888/saturn/internal/catalog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupRouter wires the proxy handler behind a stub middleware that
// injects the fixture's identity, standing in for RequireAuth.
func setupRouter(fx *execFixture) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyIdentity, fx.identity)
		c.Next()
	})
	h := NewHandler(fx.exec, testLogger())
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func doCall(t *testing.T, r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	body := decodeBody(t, w)
	envelope, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", w.Body.String())
	return envelope
}

func TestCallServiceHeadersAndBody(t *testing.T) {
	fx := newExecFixture(t)
	fx.adapter.finalSats = 80
	r := setupRouter(fx)

	w := doCall(t, r, "/v1/proxy/svc", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.NotEmpty(t, w.Header().Get("X-Saturn-Audit-Id"))
	assert.Equal(t, "100", w.Header().Get("X-Saturn-Quoted-Sats"))
	assert.Equal(t, "80", w.Header().Get("X-Saturn-Charged-Sats"))
	assert.Equal(t, "10", w.Header().Get("X-Saturn-Quoted-Usd-Cents"))
	assert.Equal(t, "8", w.Header().Get("X-Saturn-Charged-Usd-Cents"))
	assert.Equal(t, "9920", w.Header().Get("X-Saturn-Balance-After"))
	assert.Empty(t, w.Header().Get("X-Saturn-Capability"))

	body := decodeBody(t, w)
	assert.Equal(t, true, body["ok"])
}

func TestCallServiceEmptyBody(t *testing.T) {
	fx := newExecFixture(t)
	r := setupRouter(fx)

	w := doCall(t, r, "/v1/proxy/svc", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestCallServiceRejectsMalformedBody(t *testing.T) {
	fx := newExecFixture(t)
	r := setupRouter(fx)

	for _, body := range []string{"not json", `[1,2,3]`, `"just a string"`} {
		w := doCall(t, r, "/v1/proxy/svc", body)
		require.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
		envelope := decodeEnvelope(t, w)
		assert.Equal(t, "VALIDATION_ERROR", envelope["code"])
	}
	assert.Equal(t, 0, fx.adapter.execCalls)
}

func TestCallServiceUnknownSlug(t *testing.T) {
	fx := newExecFixture(t)
	r := setupRouter(fx)

	w := doCall(t, r, "/v1/proxy/nope", `{}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	envelope := decodeEnvelope(t, w)
	assert.Equal(t, "NOT_FOUND", envelope["code"])
}

func TestCallCapabilityNormalizes(t *testing.T) {
	fx := newExecFixture(t)
	fx.caps.routes["reason"] = fx.sources.services["svc"]
	fx.adapter.resp = &adapters.UpstreamResponse{
		Status: 200,
		Data: map[string]any{
			"model": "gpt-4o",
			"choices": []any{
				map[string]any{"message": map[string]any{"content": "Hello"}},
			},
			"usage": map[string]any{
				"prompt_tokens":     float64(10),
				"completion_tokens": float64(5),
				"total_tokens":      float64(15),
			},
		},
	}
	r := setupRouter(fx)

	w := doCall(t, r, "/v1/capabilities/reason", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "reason", w.Header().Get("X-Saturn-Capability"))
	assert.Equal(t, "svc", w.Header().Get("X-Saturn-Provider"))

	body := decodeBody(t, w)
	assert.Equal(t, "Hello", body["content"])
	assert.Equal(t, "gpt-4o", body["model"])
	usage, ok := body["usage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(15), usage["total_tokens"])
	assert.Contains(t, body, "raw")
}

func TestCallCapabilityPassthroughSkipsNormalization(t *testing.T) {
	fx := newExecFixture(t)
	fx.caps.routes["reason"] = fx.sources.services["svc"]
	fx.adapter.resp = &adapters.UpstreamResponse{
		Status: 500,
		Data:   map[string]any{"error": "upstream exploded"},
	}
	r := setupRouter(fx)

	w := doCall(t, r, "/v1/capabilities/reason", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-Saturn-Charged-Sats"))

	// The upstream body passes through untouched.
	body := decodeBody(t, w)
	assert.Equal(t, "upstream exploded", body["error"])
	assert.NotContains(t, body, "raw")
	assert.NotContains(t, body, "content")
}

func TestCallCapabilityProviderPin(t *testing.T) {
	fx := newExecFixture(t)
	fx.caps.routes["reason"] = fx.sources.services["svc"]
	fx.sources.adapters["backup"] = &stubAdapter{
		quote: adapters.Quote{Operation: "default", QuotedSats: 50},
		resp: &adapters.UpstreamResponse{
			Status: 200,
			Data: map[string]any{
				"choices": []any{
					map[string]any{"message": map[string]any{"content": "from backup"}},
				},
			},
		},
	}
	fx.sources.services["backup"] = &catalog.Service{ID: "srv_2", Slug: "backup", Status: catalog.StatusActive}
	r := setupRouter(fx)

	w := doCall(t, r, "/v1/capabilities/reason?provider=backup", `{}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "backup", w.Header().Get("X-Saturn-Provider"))
	assert.Equal(t, "50", w.Header().Get("X-Saturn-Quoted-Sats"))
	body := decodeBody(t, w)
	assert.Equal(t, "from backup", body["content"])
	assert.Equal(t, 0, fx.adapter.execCalls)
}

func TestCallErrorEnvelopeCarriesHeaders(t *testing.T) {
	fx := newExecFixture(t)
	fx.adapter.quote.QuotedSats = 100_000
	r := setupRouter(fx)

	w := doCall(t, r, "/v1/proxy/svc", `{}`)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	assert.Equal(t, "100000", w.Header().Get("X-Saturn-Quoted-Sats"))
	assert.Equal(t, "0", w.Header().Get("X-Saturn-Charged-Sats"))
	assert.Equal(t, "10000", w.Header().Get("X-Saturn-Balance-After"))
	assert.NotEmpty(t, w.Header().Get("X-Saturn-Audit-Id"))

	envelope := decodeEnvelope(t, w)
	assert.Equal(t, "INSUFFICIENT_BALANCE", envelope["code"])
	details, ok := envelope["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(100_000), details["required"])
	assert.Equal(t, float64(10_000), details["available"])
	assert.Equal(t, "sats", details["currency"])
}

func TestCallServiceEchoesUpstreamHeaders(t *testing.T) {
	fx := newExecFixture(t)
	fx.adapter.resp = &adapters.UpstreamResponse{
		Status: 429,
		Data:   map[string]any{"error": "slow down"},
		Headers: map[string]string{
			"Retry-After":  "7",
			"Content-Type": "text/plain",
		},
	}
	r := setupRouter(fx)

	w := doCall(t, r, "/v1/proxy/svc", `{}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	assert.Equal(t, "7", w.Header().Get("Retry-After"))
	// The proxy always answers JSON; the upstream content type is not
	// carried over.
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
}

func TestCallPolicyDeniedEnvelope(t *testing.T) {
	fx := newExecFixture(t)
	fx.identity.Policy.KillSwitch = true
	r := setupRouter(fx)

	w := doCall(t, r, "/v1/proxy/svc", `{}`)
	require.Equal(t, http.StatusForbidden, w.Code)

	envelope := decodeEnvelope(t, w)
	assert.Equal(t, "POLICY_DENIED", envelope["code"])
	details, ok := envelope["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "kill_switch_active", details["reason"])
}
