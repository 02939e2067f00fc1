// Package security provides hardening middleware and outbound URL checks
// for the gateway.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware sets response hardening headers. The gateway serves
// JSON and WebSocket upgrades only, so the CSP forbids rendering
// anything at all.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

// CORSMiddleware answers cross-origin requests for the configured
// origins. An empty list or a "*" entry admits any origin; credentials
// are only allowed alongside a pinned origin list.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[o] = true
	}

	// Billing headers ride on proxy responses; browsers only surface
	// them when exposed explicitly.
	exposed := strings.Join([]string{
		"X-Request-ID",
		"X-Saturn-Audit-Id",
		"X-Saturn-Quoted-Sats",
		"X-Saturn-Charged-Sats",
		"X-Saturn-Quoted-Usd-Cents",
		"X-Saturn-Charged-Usd-Cents",
		"X-Saturn-Balance-After",
		"X-Saturn-Capability",
		"X-Saturn-Provider",
	}, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Api-Key, X-Request-ID")
			h.Set("Access-Control-Expose-Headers", exposed)
			h.Set("Access-Control-Max-Age", "86400")
			if !allowAll {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
