package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Saturn platform.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Agent API key, e.g. "sk_..."
}

// SaturnClient is a pure HTTP client for the Saturn platform API.
type SaturnClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewSaturnClient creates a new client for the Saturn platform.
func NewSaturnClient(cfg Config) *SaturnClient {
	return &SaturnClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError is the platform error envelope.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *SaturnClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListServices returns the public service catalog.
func (c *SaturnClient) ListServices(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/services", nil, nil)
}

// GetWallet returns the agent's wallet with both currency balances.
func (c *SaturnClient) GetWallet(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallet", nil, nil)
}

// ListTransactions lists recent wallet transactions, newest first.
func (c *SaturnClient) ListTransactions(ctx context.Context, limit int) (json.RawMessage, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": []string{strconv.Itoa(limit)}}
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/wallet/transactions", q, nil)
}

// CreateInvoice asks for a Lightning invoice to top up the wallet.
func (c *SaturnClient) CreateInvoice(ctx context.Context, amountSats int64, memo string) (json.RawMessage, error) {
	body := map[string]any{
		"amountSats": amountSats,
		"memo":       memo,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/wallet/fund", nil, body)
}

// CallMeta is the billing metadata returned in X-Saturn-* headers on
// every metered call, successful or denied.
type CallMeta struct {
	AuditID         string
	QuotedSats      int64
	ChargedSats     int64
	QuotedUSDCents  int64
	ChargedUSDCents int64
	BalanceAfter    int64
	Capability      string
	Provider        string
}

// CallResult is the outcome of a metered call. Status is the HTTP
// status the gateway answered with, which may be an upstream 4xx/5xx
// passed through verbatim.
type CallResult struct {
	Status int
	Body   json.RawMessage
	Meta   CallMeta
}

// CallService invokes a service directly by slug through the metered proxy.
func (c *SaturnClient) CallService(ctx context.Context, slug string, params map[string]any) (*CallResult, error) {
	return c.doCall(ctx, "/v1/proxy/"+slug, nil, params)
}

// CallCapability invokes a capability, letting the platform route it.
// A non-empty provider pins a specific service instead.
func (c *SaturnClient) CallCapability(ctx context.Context, capability, provider string, params map[string]any) (*CallResult, error) {
	var q url.Values
	if provider != "" {
		q = url.Values{"provider": []string{provider}}
	}
	return c.doCall(ctx, "/v1/capabilities/"+capability, q, params)
}

// doCall posts params through the metered proxy. Unlike doRequest it
// does not turn error statuses into Go errors: denials and upstream
// failures still carry billing headers and an envelope the caller
// wants to present.
func (c *SaturnClient) doCall(ctx context.Context, path string, query url.Values, params map[string]any) (*CallResult, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &CallResult{
		Status: resp.StatusCode,
		Body:   json.RawMessage(respBody),
		Meta:   parseCallMeta(resp.Header),
	}, nil
}

func parseCallMeta(h http.Header) CallMeta {
	return CallMeta{
		AuditID:         h.Get("X-Saturn-Audit-Id"),
		QuotedSats:      headerInt(h, "X-Saturn-Quoted-Sats"),
		ChargedSats:     headerInt(h, "X-Saturn-Charged-Sats"),
		QuotedUSDCents:  headerInt(h, "X-Saturn-Quoted-Usd-Cents"),
		ChargedUSDCents: headerInt(h, "X-Saturn-Charged-Usd-Cents"),
		BalanceAfter:    headerInt(h, "X-Saturn-Balance-After"),
		Capability:      h.Get("X-Saturn-Capability"),
		Provider:        h.Get("X-Saturn-Provider"),
	}
}

func headerInt(h http.Header, key string) int64 {
	v, err := strconv.ParseInt(h.Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
