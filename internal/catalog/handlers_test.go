package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupHandler(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	// 1 sat per 1000 usd micros, close enough for assertions.
	h := NewHandler(store, func(usdMicros int64) int64 { return usdMicros / 1000 }, slog.Default())
	// Skip DNS resolution; the real check is covered separately.
	h.endpointCheck = func(string) error { return nil }

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/internal/admin"))
	return r, store
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createReq() CreateServiceRequest {
	return CreateServiceRequest{
		Slug:              "openai",
		Name:              "OpenAI",
		Tier:              TierCurated,
		BaseURL:           "https://api.openai.com",
		AuthType:          AuthBearer,
		AuthCredentialEnv: "OPENAI_API_KEY",
	}
}

func TestCreateService_Success(t *testing.T) {
	r, store := setupHandler(t)

	w := doJSON(t, r, http.MethodPost, "/internal/admin/services", createReq())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	svc, err := store.GetServiceBySlug(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, svc.Status)
	assert.Equal(t, "OPENAI_API_KEY", svc.AuthCredentialEnv)
}

func TestCreateService_RejectsUnsafeCredentialEnv(t *testing.T) {
	r, _ := setupHandler(t)

	for _, env := range []string{"DATABASE_URL", "SESSION_SECRET", "PATH", "openai_api_key"} {
		req := createReq()
		req.AuthCredentialEnv = env
		w := doJSON(t, r, http.MethodPost, "/internal/admin/services", req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "env %s should be rejected", env)
	}
}

func TestCreateService_ValidatesFields(t *testing.T) {
	r, _ := setupHandler(t)

	bad := createReq()
	bad.BaseURL = "not-a-url"
	assert.Equal(t, http.StatusBadRequest,
		doJSON(t, r, http.MethodPost, "/internal/admin/services", bad).Code)

	bad = createReq()
	bad.AuthType = "magic"
	assert.Equal(t, http.StatusBadRequest,
		doJSON(t, r, http.MethodPost, "/internal/admin/services", bad).Code)

	bad = createReq()
	bad.AuthType = AuthAPIKeyHeader // no AuthHeader given
	assert.Equal(t, http.StatusBadRequest,
		doJSON(t, r, http.MethodPost, "/internal/admin/services", bad).Code)

	bad = createReq()
	bad.Slug = "Not A Slug"
	assert.Equal(t, http.StatusBadRequest,
		doJSON(t, r, http.MethodPost, "/internal/admin/services", bad).Code)
}

func TestCreateService_CommunityBaseURLChecked(t *testing.T) {
	store := NewMemoryStore()
	h := NewHandler(store, func(m int64) int64 { return m }, slog.Default())
	r := gin.New()
	h.RegisterAdminRoutes(r.Group("/internal/admin"))

	// IP literals skip DNS, so the real SSRF check runs deterministically.
	req := createReq()
	req.Slug = "sketchy"
	req.Tier = TierCommunity
	req.BaseURL = "http://169.254.169.254/latest"
	w := doJSON(t, r, http.MethodPost, "/internal/admin/services", req)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	req.BaseURL = "http://127.0.0.1:8080"
	w = doJSON(t, r, http.MethodPost, "/internal/admin/services", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Curated services may point anywhere the operator chooses.
	req.Slug = "internal-gw"
	req.Tier = TierCurated
	req.BaseURL = "http://127.0.0.1:8080"
	w = doJSON(t, r, http.MethodPost, "/internal/admin/services", req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestCreateService_DuplicateSlug(t *testing.T) {
	r, _ := setupHandler(t)

	require.Equal(t, http.StatusCreated,
		doJSON(t, r, http.MethodPost, "/internal/admin/services", createReq()).Code)
	assert.Equal(t, http.StatusBadRequest,
		doJSON(t, r, http.MethodPost, "/internal/admin/services", createReq()).Code)
}

func TestUpdateService_PatchesStatus(t *testing.T) {
	r, store := setupHandler(t)
	require.Equal(t, http.StatusCreated,
		doJSON(t, r, http.MethodPost, "/internal/admin/services", createReq()).Code)

	disabled := StatusDisabled
	w := doJSON(t, r, http.MethodPatch, "/internal/admin/services/openai",
		UpdateServiceRequest{Status: &disabled})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	svc, _ := store.GetServiceBySlug(context.Background(), "openai")
	assert.Equal(t, StatusDisabled, svc.Status)
}

func TestSetPricing_ConvertsSats(t *testing.T) {
	r, store := setupHandler(t)
	require.Equal(t, http.StatusCreated,
		doJSON(t, r, http.MethodPost, "/internal/admin/services", createReq()).Code)

	w := doJSON(t, r, http.MethodPut, "/internal/admin/services/openai/pricing", gin.H{
		"rows": []PricingRowRequest{
			{Operation: "chat", Unit: UnitPer1kTokens, PriceUsdMicros: 5000},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	svc, _ := store.GetServiceBySlug(context.Background(), "openai")
	row, err := store.GetPricing(context.Background(), svc.ID, "chat")
	require.NoError(t, err)
	assert.Equal(t, int64(5), row.PriceSats) // 5000 / 1000 per the test converter
}

func TestSetPricing_RejectsBadRows(t *testing.T) {
	r, _ := setupHandler(t)
	require.Equal(t, http.StatusCreated,
		doJSON(t, r, http.MethodPost, "/internal/admin/services", createReq()).Code)

	w := doJSON(t, r, http.MethodPut, "/internal/admin/services/openai/pricing", gin.H{
		"rows": []PricingRowRequest{{Operation: "chat", Unit: "per_byte", PriceUsdMicros: 1}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPut, "/internal/admin/services/openai/pricing", gin.H{
		"rows": []PricingRowRequest{
			{Operation: "chat", Unit: UnitPerRequest, PriceUsdMicros: 1},
			{Operation: "chat", Unit: UnitPerRequest, PriceUsdMicros: 2},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "duplicate operations rejected")
}

func TestSetCapabilities_TierPriorityRules(t *testing.T) {
	r, _ := setupHandler(t)

	curated := createReq() // curated
	require.Equal(t, http.StatusCreated,
		doJSON(t, r, http.MethodPost, "/internal/admin/services", curated).Code)

	community := createReq()
	community.Slug = "community-llm"
	community.Tier = TierCommunity
	require.Equal(t, http.StatusCreated,
		doJSON(t, r, http.MethodPost, "/internal/admin/services", community).Code)

	// Curated must stay in 0-99.
	w := doJSON(t, r, http.MethodPut, "/internal/admin/services/openai/capabilities", gin.H{
		"routes": []CapabilityRouteRequest{{Capability: "reason", Priority: 150}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Community must be >= 100.
	w = doJSON(t, r, http.MethodPut, "/internal/admin/services/community-llm/capabilities", gin.H{
		"routes": []CapabilityRouteRequest{{Capability: "reason", Priority: 10}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPut, "/internal/admin/services/openai/capabilities", gin.H{
		"routes": []CapabilityRouteRequest{{Capability: "reason", Priority: 10}},
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestListServices_PublicViewHidesAuth(t *testing.T) {
	r, _ := setupHandler(t)
	require.Equal(t, http.StatusCreated,
		doJSON(t, r, http.MethodPost, "/internal/admin/services", createReq()).Code)
	require.Equal(t, http.StatusOK,
		doJSON(t, r, http.MethodPut, "/internal/admin/services/openai/pricing", gin.H{
			"rows": []PricingRowRequest{{Operation: "chat", Unit: UnitPer1kTokens, PriceUsdMicros: 5000}},
		}).Code)

	w := doJSON(t, r, http.MethodGet, "/v1/services", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `"openai"`)
	assert.Contains(t, body, `"pricing"`)
	assert.NotContains(t, body, "OPENAI_API_KEY")
	assert.NotContains(t, body, "baseUrl")
}
