// Package saturn is a minimal client for the Saturn metered API
// gateway. It covers the agent-facing surface: calling services and
// capabilities through the proxy, reading the wallet, and funding it
// over Lightning or card checkout.
package saturn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is where a local gateway listens.
const DefaultBaseURL = "http://localhost:8080"

// maxResponseBytes caps how much of a response the client will read.
const maxResponseBytes = 10 << 20

// Error codes the API returns in its error envelope.
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

// Client calls the Saturn API with an agent API key.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpc = hc
		}
	}
}

// New creates a client. An empty baseURL means DefaultBaseURL.
func New(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// APIError is a decoded error envelope. Code is empty when the
// response was not an envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("saturn: unexpected status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("saturn: %s: %s (status %d)", e.Code, e.Message, e.Status)
}

// CallError is a proxied call the gateway denied or failed. It keeps
// the billing headers, so a 402 still reports what was quoted and
// where the balance stands, and the raw envelope body.
type CallError struct {
	APIError
	Meta CallMeta
	Body json.RawMessage
}

// Unwrap lets errors.As reach the embedded APIError.
func (e *CallError) Unwrap() error { return &e.APIError }

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Wallet is the dual-currency balance record for one account.
type Wallet struct {
	ID                  string    `json:"id"`
	AccountID           string    `json:"accountId"`
	BalanceSats         int64     `json:"balanceSats"`
	HeldSats            int64     `json:"heldSats"`
	BalanceUSDCents     int64     `json:"balanceUsdCents"`
	HeldUSDCents        int64     `json:"heldUsdCents"`
	LifetimeInSats      int64     `json:"lifetimeInSats"`
	LifetimeOutSats     int64     `json:"lifetimeOutSats"`
	LifetimeInUSDCents  int64     `json:"lifetimeInUsdCents"`
	LifetimeOutUSDCents int64     `json:"lifetimeOutUsdCents"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Transaction is one completed balance movement.
type Transaction struct {
	ID                   string    `json:"id"`
	WalletID             string    `json:"walletId"`
	Type                 string    `json:"type"`
	AmountSats           int64     `json:"amountSats"`
	AmountUSDCents       int64     `json:"amountUsdCents"`
	BalanceAfterSats     int64     `json:"balanceAfterSats"`
	BalanceAfterUSDCents int64     `json:"balanceAfterUsdCents"`
	ReferenceType        string    `json:"referenceType,omitempty"`
	ReferenceID          string    `json:"referenceId,omitempty"`
	Description          string    `json:"description,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

// Invoice is a Lightning funding invoice.
type Invoice struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"accountId"`
	WalletID       string     `json:"walletId"`
	AmountSats     int64      `json:"amountSats"`
	Memo           string     `json:"memo,omitempty"`
	RHash          string     `json:"rHash"`
	PaymentRequest string     `json:"paymentRequest"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	SettledAt      *time.Time `json:"settledAt,omitempty"`
}

// CheckoutSession is a hosted card payment page. URL is only present
// on creation.
type CheckoutSession struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"accountId"`
	WalletID       string    `json:"walletId"`
	AmountUSDCents int64     `json:"amountUsdCents"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	URL            string    `json:"url,omitempty"`
}

// Pricing is one priced operation of a service.
type Pricing struct {
	ID             string `json:"id"`
	ServiceID      string `json:"serviceId"`
	Operation      string `json:"operation"`
	Unit           string `json:"unit"`
	PriceUsdMicros int64  `json:"priceUsdMicros"`
	PriceSats      int64  `json:"priceSats"`
}

// Service is a callable upstream with its pricing.
type Service struct {
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Tier        string    `json:"tier"`
	Pricing     []Pricing `json:"pricing"`
}

// CallMeta is the billing trailer the gateway attaches to proxied
// calls, parsed from the X-Saturn-* headers. Quoted and charged
// amounts are in the wallet's default currency; the other pair is
// zero.
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

// CallResult is a successful proxied call: the upstream's body plus
// billing metadata.
type CallResult struct {
	Status int
	Body   json.RawMessage
	Meta   CallMeta
}

// -----------------------------------------------------------------------------
// Wallet and discovery
// -----------------------------------------------------------------------------

// Wallet returns the caller's wallet.
func (c *Client) Wallet(ctx context.Context) (*Wallet, error) {
	var resp struct {
		Wallet *Wallet `json:"wallet"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/wallet", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Wallet, nil
}

// Services lists active services with pricing.
func (c *Client) Services(ctx context.Context) ([]Service, error) {
	var resp struct {
		Services []Service `json:"services"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/services", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}

// Capabilities lists each capability with its providers in routing
// order.
func (c *Client) Capabilities(ctx context.Context) (map[string][]string, error) {
	var resp struct {
		Capabilities map[string][]string `json:"capabilities"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/capabilities", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Capabilities, nil
}

// Fund asks for a Lightning invoice that credits amountSats once
// paid. Settlement is asynchronous; watch the wallet balance.
func (c *Client) Fund(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	body := map[string]any{"amountSats": amountSats}
	if memo != "" {
		body["memo"] = memo
	}
	var inv Invoice
	if err := c.do(ctx, http.MethodPost, "/v1/wallet/fund", nil, body, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// FundCard opens a hosted card checkout for amountUSDCents. The
// returned session URL is where the payer completes it.
func (c *Client) FundCard(ctx context.Context, amountUSDCents int64) (*CheckoutSession, error) {
	var cs CheckoutSession
	body := map[string]any{"amountUsdCents": amountUSDCents}
	if err := c.do(ctx, http.MethodPost, "/v1/wallet/fund-card", nil, body, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// Transactions pages through balance movements, newest first. Pass
// the returned cursor to continue; empty means no more pages.
func (c *Client) Transactions(ctx context.Context, limit int, cursor string) ([]Transaction, string, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp struct {
		Transactions []Transaction `json:"transactions"`
		NextCursor   string        `json:"nextCursor"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/wallet/transactions", q, nil, &resp); err != nil {
		return nil, "", err
	}
	return resp.Transactions, resp.NextCursor, nil
}

// Invoices pages through funding invoices, newest first.
func (c *Client) Invoices(ctx context.Context, limit int, cursor string) ([]Invoice, string, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp struct {
		Invoices   []Invoice `json:"invoices"`
		NextCursor string    `json:"nextCursor"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/wallet/invoices", q, nil, &resp); err != nil {
		return nil, "", err
	}
	return resp.Invoices, resp.NextCursor, nil
}

// -----------------------------------------------------------------------------
// Metered calls
// -----------------------------------------------------------------------------

// Call proxies params to a service by slug. The result body is the
// upstream's response; billing comes back in Meta.
func (c *Client) Call(ctx context.Context, serviceSlug string, params any) (*CallResult, error) {
	return c.doCall(ctx, "/v1/proxy/"+url.PathEscape(serviceSlug), nil, params)
}

// CallCapability proxies params to whichever provider routes the
// capability. A non-empty provider pins that service instead.
func (c *Client) CallCapability(ctx context.Context, capability string, params any, provider string) (*CallResult, error) {
	var q url.Values
	if provider != "" {
		q = url.Values{"provider": {provider}}
	}
	return c.doCall(ctx, "/v1/capabilities/"+url.PathEscape(capability), q, params)
}

// PayFunc settles a Lightning invoice out of band, typically by
// handing the payment request to a node or a human.
type PayFunc func(ctx context.Context, inv *Invoice) error

// CallCapabilityFunded is CallCapability with a funding fallback:
// when the gateway answers INSUFFICIENT_BALANCE it creates an invoice
// for the shortfall, has pay settle it, waits for the credit to land,
// and retries once. Only sats-quoted denials are fundable this way;
// USD-quoted denials and every other error come back unchanged. The
// wait is bounded by ctx, so give it a deadline.
func (c *Client) CallCapabilityFunded(ctx context.Context, capability string, params any, provider string, pay PayFunc) (*CallResult, error) {
	res, err := c.CallCapability(ctx, capability, params, provider)
	var callErr *CallError
	if err == nil || !errors.As(err, &callErr) || callErr.Code != CodeInsufficientBalance {
		return res, err
	}
	if pay == nil || callErr.Meta.QuotedSats <= 0 {
		return nil, err
	}

	shortfall := callErr.Meta.QuotedSats - callErr.Meta.BalanceAfter
	if shortfall <= 0 {
		shortfall = callErr.Meta.QuotedSats
	}
	// Headroom for rate movement between the quote and the retry.
	topUp := shortfall + shortfall/10 + 1

	inv, err := c.Fund(ctx, topUp, "auto top-up: "+capability)
	if err != nil {
		return nil, err
	}
	if err := pay(ctx, inv); err != nil {
		return nil, fmt.Errorf("saturn: invoice %s unpaid: %w", inv.ID, err)
	}
	if err := c.waitForBalance(ctx, callErr.Meta.QuotedSats); err != nil {
		return nil, err
	}
	return c.CallCapability(ctx, capability, params, provider)
}

// waitForBalance polls the wallet until the sats balance covers want.
func (c *Client) waitForBalance(ctx context.Context, want int64) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		w, err := c.Wallet(ctx)
		if err != nil {
			return err
		}
		if w.BalanceSats >= want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("saturn: waiting for credit: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// -----------------------------------------------------------------------------
// Plumbing
// -----------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("saturn: encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("saturn: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("saturn: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("saturn: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("saturn: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) doCall(ctx context.Context, path string, query url.Values, params any) (*CallResult, error) {
	if params == nil {
		params = map[string]any{}
	}
	buf, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("saturn: encode params: %w", err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("saturn: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("saturn: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("saturn: read response: %w", err)
	}

	meta := parseMeta(resp.Header)
	if resp.StatusCode >= 400 {
		apiErr := decodeAPIError(resp.StatusCode, data)
		return nil, &CallError{APIError: *apiErr, Meta: meta, Body: data}
	}
	return &CallResult{Status: resp.StatusCode, Body: data, Meta: meta}, nil
}

func decodeAPIError(status int, body []byte) *APIError {
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
		return &APIError{Status: status, Code: env.Error.Code, Message: env.Error.Message}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &APIError{Status: status, Message: msg}
}

func parseMeta(h http.Header) CallMeta {
	n := func(key string) int64 {
		v, _ := strconv.ParseInt(h.Get(key), 10, 64)
		return v
	}
	return CallMeta{
		AuditID:         h.Get("X-Saturn-Audit-Id"),
		QuotedSats:      n("X-Saturn-Quoted-Sats"),
		ChargedSats:     n("X-Saturn-Charged-Sats"),
		QuotedUSDCents:  n("X-Saturn-Quoted-Usd-Cents"),
		ChargedUSDCents: n("X-Saturn-Charged-Usd-Cents"),
		BalanceAfter:    n("X-Saturn-Balance-After"),
		Capability:      h.Get("X-Saturn-Capability"),
		Provider:        h.Get("X-Saturn-Provider"),
	}
}
