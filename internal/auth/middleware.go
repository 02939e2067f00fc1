package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/saturn/internal/account"
	"github.com/mbd888/saturn/internal/httpapi"
)

// Gin context keys set by RequireAuth.
const (
	ContextKeyIdentity  = "authIdentity"
	ContextKeyAccountID = "authAccountID"
	ContextKeyAgentID   = "authAgentID"
	ContextKeyAgentRole = "authAgentRole"
)

// RequireAuth authenticates the request and aborts with a 401
// envelope when no valid credential is presented. On success the
// resolved identity and its string keys are set on the context.
func RequireAuth(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := a.Authenticate(c.Request.Context(), bearerToken(c))
		if err != nil {
			httpapi.AbortError(c, http.StatusUnauthorized, httpapi.CodeUnauthorized,
				"Provide an API key or session token in the Authorization header.")
			return
		}

		c.Set(ContextKeyIdentity, identity)
		c.Set(ContextKeyAccountID, identity.Account.ID)
		c.Set(ContextKeyAgentID, identity.Agent.ID)
		c.Set(ContextKeyAgentRole, string(identity.Agent.Role))
		c.Next()
	}
}

// RequireAdmin guards the internal admin surface with a static
// shared secret. An empty configured secret disables the surface
// entirely rather than leaving it open.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader("X-Admin-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			httpapi.AbortError(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "Admin secret required.")
			return
		}
		c.Next()
	}
}

// bearerToken pulls the credential from Authorization (with or
// without the Bearer scheme) or the X-Api-Key header.
func bearerToken(c *gin.Context) string {
	raw := strings.TrimSpace(c.GetHeader("Authorization"))
	if raw != "" {
		if len(raw) > 7 && strings.EqualFold(raw[:7], "Bearer ") {
			return strings.TrimSpace(raw[7:])
		}
		return raw
	}
	return strings.TrimSpace(c.GetHeader("X-Api-Key"))
}

// GetIdentity returns the resolved identity set by RequireAuth.
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil, false
	}
	identity, ok := v.(*Identity)
	return identity, ok
}

// GetAuthenticatedAgent returns the calling agent.
func GetAuthenticatedAgent(c *gin.Context) (*account.Agent, bool) {
	identity, ok := GetIdentity(c)
	if !ok {
		return nil, false
	}
	return identity.Agent, true
}
