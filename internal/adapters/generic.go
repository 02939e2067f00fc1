package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mbd888/saturn/internal/catalog"
)

const (
	maxResponseSize = 5 * 1024 * 1024 // 5 MiB
	upstreamTimeout = 30 * time.Second

	defaultOperation = "default"
)

// reservedKeys are routing fields consumed by the proxy itself. They
// are removed from the body before it is forwarded upstream.
var reservedKeys = map[string]bool{
	"operation": true,
	"method":    true,
	"path":      true,
	"headers":   true,
	"body":      true,
}

// blockedHeaders are caller-supplied headers that are always dropped.
// Credential injection happens after stripping, so a caller cannot
// override or observe the upstream auth.
var blockedHeaders = map[string]bool{
	"host":              true,
	"authorization":     true,
	"x-api-key":         true,
	"cookie":            true,
	"transfer-encoding": true,
}

// hiddenResponseHeaders are never carried back to the caller. Hop-by-
// hop fields would corrupt the proxied response; set-cookie can hold
// upstream session material.
var hiddenResponseHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"content-length":    true,
	"content-encoding":  true,
	"set-cookie":        true,
}

// GenericHTTP serves any service expressible as {base_url, auth_type,
// auth_credential_env} plus pricing rows. Community services get no
// other adapter.
type GenericHTTP struct {
	service    *catalog.Service
	base       *url.URL
	credential string
	pricing    map[string]*catalog.ServicePricing
	defaultOp  string
	client     *http.Client
}

var _ Adapter = (*GenericHTTP)(nil)

// NewGenericHTTP builds an adapter from a service row. It fails when
// the credential env var name falls outside the allowed shape or the
// variable is unset, so a service row can never read an arbitrary
// process env var.
func NewGenericHTTP(svc *catalog.Service, pricing []*catalog.ServicePricing) (*GenericHTTP, error) {
	if !catalog.ValidAuthCredentialEnv(svc.AuthCredentialEnv) {
		return nil, fmt.Errorf("adapters: service %s: credential env %q not allowed", svc.Slug, svc.AuthCredentialEnv)
	}
	credential := os.Getenv(svc.AuthCredentialEnv)
	if credential == "" {
		return nil, fmt.Errorf("adapters: service %s: credential env %s is not set", svc.Slug, svc.AuthCredentialEnv)
	}
	if !svc.AuthType.Valid() {
		return nil, fmt.Errorf("adapters: service %s: unknown auth type %q", svc.Slug, svc.AuthType)
	}
	base, err := url.Parse(svc.BaseURL)
	if err != nil || base.Hostname() == "" {
		return nil, fmt.Errorf("adapters: service %s: invalid base url %q", svc.Slug, svc.BaseURL)
	}

	byOp := make(map[string]*catalog.ServicePricing, len(pricing))
	for _, row := range pricing {
		byOp[row.Operation] = row
	}
	defaultOp := ""
	if len(pricing) == 1 {
		defaultOp = pricing[0].Operation
	} else if _, ok := byOp[defaultOperation]; ok {
		defaultOp = defaultOperation
	}

	return &GenericHTTP{
		service:    svc,
		base:       base,
		credential: credential,
		pricing:    byOp,
		defaultOp:  defaultOp,
		client:     &http.Client{Timeout: upstreamTimeout},
	}, nil
}

// WithHTTPClient replaces the upstream client. Used in tests.
func (g *GenericHTTP) WithHTTPClient(client *http.Client) *GenericHTTP {
	g.client = client
	return g
}

// Quote prices the call from the pricing rows alone. The operation
// comes from body.operation, falling back to the service's sole or
// "default" operation.
func (g *GenericHTTP) Quote(_ context.Context, body map[string]any) (Quote, error) {
	op := stringField(body, "operation")
	if op == "" {
		op = g.defaultOp
	}
	if op == "" {
		return Quote{}, fmt.Errorf("%w: service %s requires an operation", ErrUnknownOperation, g.service.Slug)
	}
	row, ok := g.pricing[op]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s has no operation %q", ErrUnknownOperation, g.service.Slug, op)
	}

	units := int64(1)
	switch row.Unit {
	case catalog.UnitPer1kTokens:
		units = ceilDiv(int64(numberField(body, "max_tokens")), 1000)
	case catalog.UnitPerMinute:
		units = int64(math.Ceil(numberField(body, "duration_minutes")))
	}
	if units < 1 {
		units = 1
	}
	return Quote{Operation: op, QuotedSats: row.PriceSats * units}, nil
}

// Execute forwards the call upstream. Non-2xx statuses come back as
// responses; only transport failures are errors.
func (g *GenericHTTP) Execute(ctx context.Context, body map[string]any) (*UpstreamResponse, error) {
	method := strings.ToUpper(stringField(body, "method"))
	if method == "" {
		method = http.MethodPost
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, fmt.Errorf("%w: method %s not allowed", ErrInvalidRequest, method)
	}

	resolved, err := g.resolveURL(stringField(body, "path"))
	if err != nil {
		return nil, err
	}

	payload, err := marshalPayload(method, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if hdrs, ok := body["headers"].(map[string]any); ok {
		for name, val := range hdrs {
			if blockedHeaders[strings.ToLower(name)] {
				continue
			}
			if s, ok := val.(string); ok {
				req.Header.Set(name, s)
			}
		}
	}
	g.injectAuth(req)

	resp, err := g.client.Do(req)
	if err != nil {
		// The raw client error embeds the full request URL, which
		// for query_param auth includes the credential. Surface only
		// the transport cause.
		return nil, fmt.Errorf("adapters: upstream request failed: %v", transportCause(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("adapters: read upstream response: %v", transportCause(err))
	}

	var data map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			data = map[string]any{"raw": string(raw)}
		}
	}

	headers := make(map[string]string)
	for name := range resp.Header {
		if hiddenResponseHeaders[strings.ToLower(name)] {
			continue
		}
		headers[name] = resp.Header.Get(name)
	}

	return &UpstreamResponse{Status: resp.StatusCode, Data: data, Headers: headers}, nil
}

// Finalize charges actual usage for token-priced operations, clamped
// to the quote. Every other unit charges the quote.
func (g *GenericHTTP) Finalize(resp *UpstreamResponse, q Quote) int64 {
	row, ok := g.pricing[q.Operation]
	if !ok || row.Unit != catalog.UnitPer1kTokens {
		return q.QuotedSats
	}
	tokens, ok := totalTokens(resp.Data)
	if !ok || tokens <= 0 {
		return q.QuotedSats
	}
	units := ceilDiv(tokens, 1000)
	if units < 1 {
		units = 1
	}
	final := row.PriceSats * units
	if final > q.QuotedSats {
		final = q.QuotedSats
	}
	return final
}

// resolveURL joins the caller's path onto the base URL and refuses
// anything that would escape the configured host. The hostname check
// compares parsed URLs, never substrings.
func (g *GenericHTTP) resolveURL(path string) (*url.URL, error) {
	if strings.Contains(path, "..") || strings.Contains(path, "://") || strings.HasPrefix(path, "//") {
		return nil, fmt.Errorf("%w: path %q not allowed", ErrInvalidRequest, path)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid path %q", ErrInvalidRequest, path)
	}
	resolved := g.base.ResolveReference(ref)
	if !strings.EqualFold(resolved.Hostname(), g.base.Hostname()) {
		return nil, fmt.Errorf("%w: path resolves outside %s", ErrInvalidRequest, g.base.Hostname())
	}
	return resolved, nil
}

func (g *GenericHTTP) injectAuth(req *http.Request) {
	switch g.service.AuthType {
	case catalog.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+g.credential)
	case catalog.AuthAPIKeyHeader:
		name := g.service.AuthHeader
		if name == "" {
			name = "X-Api-Key"
		}
		req.Header.Set(name, g.credential)
	case catalog.AuthBasic:
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(g.credential)))
	case catalog.AuthQueryParam:
		name := g.service.AuthParam
		if name == "" {
			name = "api_key"
		}
		q := req.URL.Query()
		q.Set(name, g.credential)
		req.URL.RawQuery = q.Encode()
	}
}

// marshalPayload picks the upstream body: an explicit "body" field
// wins; otherwise write methods forward the request minus the
// routing fields.
func marshalPayload(method string, body map[string]any) ([]byte, error) {
	if explicit, ok := body["body"]; ok {
		return json.Marshal(explicit)
	}
	if method == http.MethodGet || method == http.MethodDelete {
		return nil, nil
	}
	rest := make(map[string]any)
	for k, v := range body {
		if !reservedKeys[k] {
			rest[k] = v
		}
	}
	if len(rest) == 0 {
		return nil, nil
	}
	return json.Marshal(rest)
}

func transportCause(err error) error {
	if ue, ok := err.(*url.Error); ok {
		return ue.Err
	}
	return err
}

func totalTokens(data map[string]any) (int64, bool) {
	usage, ok := data["usage"].(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := usage["total_tokens"].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func stringField(body map[string]any, key string) string {
	if s, ok := body[key].(string); ok {
		return s
	}
	return ""
}

func numberField(body map[string]any, key string) float64 {
	switch v := body[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func ceilDiv(n, d int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
