// Package httpapi defines the JSON error envelope shared by all HTTP
// handlers. Every error response has the shape:
//
//	{"error": {"code": "SOME_CODE", "message": "...", "details": {...}}}
//
// Codes are stable machine-readable strings; messages are for humans and
// may change. Details is optional structured context (for example the
// required and available amounts on a balance failure).
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Canonical error codes.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodePolicyDenied        = "POLICY_DENIED"
	CodeNotFound            = "NOT_FOUND"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodeInternalError       = "INTERNAL_ERROR"
)

// ErrorBody is the inner object of the error envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error writes the error envelope with the given status, code and message.
func Error(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": ErrorBody{Code: code, Message: message}})
}

// ErrorWithDetails writes the error envelope including structured details.
func ErrorWithDetails(c *gin.Context, status int, code, message string, details any) {
	c.JSON(status, gin.H{"error": ErrorBody{Code: code, Message: message, Details: details}})
}

// AbortError aborts the request chain and writes the error envelope.
// Use from middleware so later handlers do not run.
func AbortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": ErrorBody{Code: code, Message: message}})
}

// Internal writes a generic 500. The underlying error is logged by the
// caller, never echoed to the client.
func Internal(c *gin.Context) {
	Error(c, http.StatusInternalServerError, CodeInternalError, "Internal error")
}
