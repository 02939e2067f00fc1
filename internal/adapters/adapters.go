// Package adapters turns catalog rows into callable upstream clients.
// Every service is reached through the same three-step contract: Quote
// prices a call before any money moves, Execute performs the upstream
// HTTP exchange, Finalize computes the actual cost from the response.
// Curated services may ship hand-written adapters; everything else is
// served by GenericHTTP.
package adapters

import (
	"context"
	"errors"
)

var (
	// ErrUnknownOperation means the request named an operation the
	// service has no pricing row for, or named none and the service
	// has no default.
	ErrUnknownOperation = errors.New("adapters: unknown operation")

	// ErrInvalidRequest covers method, path and header violations.
	// These are caller mistakes, not upstream failures.
	ErrInvalidRequest = errors.New("adapters: invalid request")
)

// Quote is the price of a call before it is made. QuotedSats is the
// ceiling for the eventual charge.
type Quote struct {
	Operation  string `json:"operation"`
	QuotedSats int64  `json:"quotedSats"`
}

// UpstreamResponse is what came back from the provider. Non-2xx
// statuses are responses, not errors.
type UpstreamResponse struct {
	Status  int               `json:"status"`
	Data    map[string]any    `json:"data"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Adapter is the per-service call contract.
//
// Execute returns an error only for transport failures (DNS, TCP,
// TLS, timeout); upstream 4xx/5xx come back as responses. Finalize
// never returns more than the quote.
type Adapter interface {
	Quote(ctx context.Context, body map[string]any) (Quote, error)
	Execute(ctx context.Context, body map[string]any) (*UpstreamResponse, error)
	Finalize(resp *UpstreamResponse, q Quote) int64
}
