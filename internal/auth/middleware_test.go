package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func middlewareRouter(t *testing.T) (*gin.Engine, *authFixture) {
	t.Helper()
	f := setupAuth(t)

	r := gin.New()
	r.GET("/protected", RequireAuth(f.auth), func(c *gin.Context) {
		agent, ok := GetAuthenticatedAgent(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{
			"agentId":   agent.ID,
			"accountId": c.GetString(ContextKeyAccountID),
			"role":      c.GetString(ContextKeyAgentRole),
		})
	})
	return r, f
}

func doGet(r *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAuthBearerHeader(t *testing.T) {
	r, f := middlewareRouter(t)

	w := doGet(r, "/protected", map[string]string{"Authorization": "Bearer " + f.apiKey})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, f.agentID, resp["agentId"])
	assert.Equal(t, f.accountID, resp["accountId"])
	assert.Equal(t, "primary", resp["role"])
}

func TestRequireAuthBareAuthorization(t *testing.T) {
	r, f := middlewareRouter(t)

	w := doGet(r, "/protected", map[string]string{"Authorization": f.apiKey})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAuthXAPIKeyHeader(t *testing.T) {
	r, f := middlewareRouter(t)

	w := doGet(r, "/protected", map[string]string{"X-Api-Key": f.apiKey})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAuthMissingCredential(t *testing.T) {
	r, _ := middlewareRouter(t)

	w := doGet(r, "/protected", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "UNAUTHORIZED", resp.Error.Code)
}

func TestRequireAuthBadToken(t *testing.T) {
	r, _ := middlewareRouter(t)

	w := doGet(r, "/protected", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuthSessionToken(t *testing.T) {
	r, f := middlewareRouter(t)

	token, err := f.sessions.Issue(f.accountID, time.Hour)
	require.NoError(t, err)

	w := doGet(r, "/protected", map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "primary", resp["role"])
}

func TestRequireAdmin(t *testing.T) {
	r := gin.New()
	r.GET("/admin", RequireAdmin("topsecret"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := doGet(r, "/admin", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doGet(r, "/admin", map[string]string{"X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doGet(r, "/admin", map[string]string{"X-Admin-Secret": "topsecret"})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRequireAdminEmptySecretClosesSurface(t *testing.T) {
	r := gin.New()
	r.GET("/admin", RequireAdmin(""), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := doGet(r, "/admin", map[string]string{"X-Admin-Secret": ""})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuthAbortsChain(t *testing.T) {
	f := setupAuth(t)

	reached := false
	r := gin.New()
	r.GET("/protected", RequireAuth(f.auth), func(*gin.Context) { reached = true })

	w := doGet(r, "/protected", map[string]string{"Authorization": "Bearer bogus"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, reached)
}
