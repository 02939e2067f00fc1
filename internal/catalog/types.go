// Package catalog stores the services agents can call through the proxy:
// upstream base URLs, auth injection config, pricing rows and
// capability routes. Curated services are operator-maintained; community
// ones carry lower routing priority.
package catalog

import (
	"errors"
	"regexp"
	"time"
)

var (
	ErrServiceNotFound = errors.New("catalog: service not found")
	ErrSlugTaken       = errors.New("catalog: slug already registered")
	ErrPricingNotFound = errors.New("catalog: pricing not found")
	ErrInvalidService  = errors.New("catalog: invalid service definition")
)

// Tier separates operator-curated services from community submissions.
type Tier string

const (
	TierCurated   Tier = "curated"
	TierCommunity Tier = "community"
)

// Status gates whether a service is callable.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// AuthType selects how the upstream credential is injected.
type AuthType string

const (
	AuthBearer       AuthType = "bearer"         // Authorization: Bearer <cred>
	AuthAPIKeyHeader AuthType = "api_key_header" // <AuthHeader>: <cred>
	AuthBasic        AuthType = "basic"          // Authorization: Basic base64(cred)
	AuthQueryParam   AuthType = "query_param"    // ?<AuthParam>=<cred>
)

// Valid reports whether t is a known auth type.
func (t AuthType) Valid() bool {
	switch t {
	case AuthBearer, AuthAPIKeyHeader, AuthBasic, AuthQueryParam:
		return true
	}
	return false
}

// Unit is the pricing unit for an operation.
type Unit string

const (
	UnitPerRequest  Unit = "per_request"
	UnitPer1kTokens Unit = "per_1k_tokens"
	UnitPerMinute   Unit = "per_minute"
)

// Valid reports whether u is a known pricing unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitPerRequest, UnitPer1kTokens, UnitPerMinute:
		return true
	}
	return false
}

// authCredentialEnvRe restricts which environment variable names a
// service definition may reference as its upstream credential. Names
// outside this shape (DATABASE_URL, SESSION_SECRET, ...) are never
// readable through the catalog.
var authCredentialEnvRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*_(API_KEY|API_TOKEN)$`)

// ValidAuthCredentialEnv reports whether name is an allowed credential
// environment variable name.
func ValidAuthCredentialEnv(name string) bool {
	return authCredentialEnvRe.MatchString(name)
}

// Service is one callable upstream.
type Service struct {
	ID                string         `json:"id"`
	Slug              string         `json:"slug"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	Tier              Tier           `json:"tier"`
	Status            Status         `json:"status"`
	BaseURL           string         `json:"baseUrl"`
	AuthType          AuthType       `json:"authType"`
	AuthCredentialEnv string         `json:"authCredentialEnv,omitempty"`
	AuthHeader        string         `json:"authHeader,omitempty"`
	AuthParam         string         `json:"authParam,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// Active reports whether the service may be called.
func (s *Service) Active() bool {
	return s.Status == StatusActive
}

// ServicePricing is the price of one operation on a service.
// price_usd_micros is authoritative; price_sats is derived from the
// current BTC-USD rate by the repricer.
type ServicePricing struct {
	ID             string `json:"id"`
	ServiceID      string `json:"serviceId"`
	Operation      string `json:"operation"`
	Unit           Unit   `json:"unit"`
	CostUsdMicros  int64  `json:"costUsdMicros,omitempty"`
	PriceUsdMicros int64  `json:"priceUsdMicros"`
	PriceSats      int64  `json:"priceSats"`
}

// CapabilityRoute maps a capability to a providing service with a
// routing priority. Curated routes use 0-99, community ones >= 100;
// lowest priority wins.
type CapabilityRoute struct {
	ServiceID  string `json:"serviceId"`
	Capability string `json:"capability"`
	Priority   int    `json:"priority"`
}

// CreateServiceRequest is the admin payload for registering a service.
type CreateServiceRequest struct {
	Slug              string         `json:"slug" binding:"required"`
	Name              string         `json:"name" binding:"required"`
	Description       string         `json:"description"`
	Tier              Tier           `json:"tier"`
	BaseURL           string         `json:"baseUrl" binding:"required"`
	AuthType          AuthType       `json:"authType" binding:"required"`
	AuthCredentialEnv string         `json:"authCredentialEnv" binding:"required"`
	AuthHeader        string         `json:"authHeader"`
	AuthParam         string         `json:"authParam"`
	Metadata          map[string]any `json:"metadata"`
}

// UpdateServiceRequest is the admin payload for patching a service.
// Nil fields are left unchanged.
type UpdateServiceRequest struct {
	Name              *string         `json:"name"`
	Description       *string         `json:"description"`
	Status            *Status         `json:"status"`
	Tier              *Tier           `json:"tier"`
	BaseURL           *string         `json:"baseUrl"`
	AuthType          *AuthType       `json:"authType"`
	AuthCredentialEnv *string         `json:"authCredentialEnv"`
	AuthHeader        *string         `json:"authHeader"`
	AuthParam         *string         `json:"authParam"`
	Metadata          *map[string]any `json:"metadata"`
}

// PricingRowRequest is one row of the admin pricing payload.
type PricingRowRequest struct {
	Operation      string `json:"operation" binding:"required"`
	Unit           Unit   `json:"unit" binding:"required"`
	CostUsdMicros  int64  `json:"costUsdMicros"`
	PriceUsdMicros int64  `json:"priceUsdMicros"`
}

// CapabilityRouteRequest is one row of the admin capabilities payload.
type CapabilityRouteRequest struct {
	Capability string `json:"capability" binding:"required"`
	Priority   int    `json:"priority"`
}
