// Package validation provides input validation helpers and middleware for
// the Saturn API.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/saturn/internal/httpapi"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// idRegex validates resource IDs: a known prefix plus 20 base62 chars.
	idRegex = regexp.MustCompile(`^(acc|agt|wal|pol|txn|aud|inv|cs|svc|prc)_[0-9A-Za-z]{20}$`)
	// slugRegex validates service slugs and capability names.
	slugRegex = regexp.MustCompile(`^[a-z0-9]+([_-][a-z0-9]+)*$`)
	// emailRegex is a permissive shape check; deliverability is not our problem.
	emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks that s is a well-formed resource ID with any known prefix.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// HasIDPrefix checks that s is a well-formed resource ID with the given
// prefix ("agt_", "acc_", ...).
func HasIDPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix) && IsValidID(s)
}

// IsValidSlug checks service slugs and capability names: lowercase
// alphanumeric with single - or _ separators.
func IsValidSlug(s string) bool {
	return s != "" && len(s) <= 64 && slugRegex.MatchString(s)
}

// IsValidEmail checks the basic shape of an email address.
func IsValidEmail(s string) bool {
	return len(s) <= 254 && emailRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ParseLimit reads the "limit" query parameter, applying a default and cap.
func ParseLimit(c *gin.Context, def, max int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidEmail checks if a field is a plausible email address
func ValidEmail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEmail(value) {
			return &ValidationError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// ValidSlug checks if a field is a well-formed slug
func ValidSlug(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidSlug(value) {
			return &ValidationError{Field: field, Message: "must be lowercase alphanumeric with - or _ separators"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// OneOf checks that a field is one of the allowed values
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of: " + strings.Join(allowed, ", ")}
	}
}

// IDParamMiddleware validates the named URL parameter as a resource ID with
// the given prefix. Apply to route groups that take IDs so malformed ones
// are rejected early.
func IDParamMiddleware(param, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(param)
		if id != "" && !HasIDPrefix(id, prefix) {
			httpapi.AbortError(c, http.StatusBadRequest, httpapi.CodeValidationError,
				param+" must be a valid "+prefix+" id")
			return
		}
		c.Next()
	}
}
