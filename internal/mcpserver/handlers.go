package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/saturn/internal/httpapi"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SaturnClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SaturnClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListServices browses the service catalog.
func (h *Handlers) HandleListServices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListServices(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list services: %v", err)), nil
	}

	text, err := formatServiceList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse services: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCallService calls a service directly by slug.
func (h *Handlers) HandleCallService(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug := req.GetString("service_slug", "")
	if slug == "" {
		return mcp.NewToolResultError("service_slug is required"), nil
	}

	result, err := h.client.CallService(ctx, slug, objectArg(req, "params"))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Call failed: %v", err)), nil
	}

	return callToolResult(result), nil
}

// HandleCallCapability calls a capability and lets the platform route it.
func (h *Handlers) HandleCallCapability(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	capability := req.GetString("capability", "")
	if capability == "" {
		return mcp.NewToolResultError("capability is required"), nil
	}
	provider := req.GetString("provider", "")

	result, err := h.client.CallCapability(ctx, capability, provider, objectArg(req, "params"))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Call failed: %v", err)), nil
	}

	return callToolResult(result), nil
}

// HandleCheckBalance returns the wallet's balances.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetWallet(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatWallet(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallet: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleFundWallet creates a Lightning invoice for the wallet.
func (h *Handlers) HandleFundWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amountSats := req.GetInt("amount_sats", 0)
	if amountSats <= 0 {
		return mcp.NewToolResultError("amount_sats is required and must be positive"), nil
	}
	memo := req.GetString("memo", "")

	raw, err := h.client.CreateInvoice(ctx, int64(amountSats), memo)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create invoice: %v", err)), nil
	}

	text, err := formatInvoice(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse invoice: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListTransactions lists recent wallet activity.
func (h *Handlers) HandleListTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListTransactions(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}

	text, err := formatTransactionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// objectArg extracts an object argument as a map. Missing or
// wrong-typed arguments become an empty body.
func objectArg(req mcp.CallToolRequest, key string) map[string]any {
	if raw := req.GetArguments()[key]; raw != nil {
		if m, ok := raw.(map[string]any); ok {
			return m
		}
	}
	return map[string]any{}
}

// callToolResult renders a metered call outcome. Denials and upstream
// failures become error results that still show the quote and where
// the balance stands.
func callToolResult(result *CallResult) *mcp.CallToolResult {
	if result.Status >= 400 {
		return mcp.NewToolResultError(formatCallFailure(result))
	}

	var sb strings.Builder
	writeCallMeta(&sb, result.Meta)
	fmt.Fprintf(&sb, "\nResult:\n%s", formatJSON(result.Body))
	return mcp.NewToolResultText(sb.String())
}

// --- Formatting helpers ---

type pricingInfo struct {
	Operation string `json:"operation"`
	Unit      string `json:"unit"`
	PriceSats int64  `json:"priceSats"`
}

type serviceInfo struct {
	Slug        string        `json:"slug"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Tier        string        `json:"tier"`
	Pricing     []pricingInfo `json:"pricing"`
}

func formatServiceList(raw json.RawMessage) (string, error) {
	services, err := parseServices(raw)
	if err != nil {
		return "", err
	}
	if len(services) == 0 {
		return "No services are available in the catalog.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d service(s):\n\n", len(services)))
	for i, s := range services {
		sb.WriteString(fmt.Sprintf("%d. %s (slug: %s, tier: %s)\n", i+1, s.Name, s.Slug, s.Tier))
		if s.Description != "" {
			sb.WriteString(fmt.Sprintf("   %s\n", s.Description))
		}
		for _, p := range s.Pricing {
			sb.WriteString(fmt.Sprintf("   %s: %d sats %s\n", p.Operation, p.PriceSats, unitLabel(p.Unit)))
		}
		if i < len(services)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func parseServices(raw json.RawMessage) ([]serviceInfo, error) {
	// Try as {"services": [...]}
	var wrapper struct {
		Services []serviceInfo `json:"services"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Services != nil {
		return wrapper.Services, nil
	}

	// Try as direct array
	var arr []serviceInfo
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}

	return nil, fmt.Errorf("unexpected services response format")
}

func unitLabel(unit string) string {
	switch unit {
	case "per_request":
		return "per request"
	case "per_1k_tokens":
		return "per 1k tokens"
	case "per_minute":
		return "per minute"
	default:
		return unit
	}
}

// parseErrorEnvelope pulls code and message out of the platform error
// envelope. Both come back empty when the body is something else.
func parseErrorEnvelope(raw json.RawMessage) (code, message string) {
	var envelope apiError
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", ""
	}
	return envelope.Error.Code, envelope.Error.Message
}

func formatCallFailure(result *CallResult) string {
	code, message := parseErrorEnvelope(result.Body)

	var sb strings.Builder
	if message != "" {
		fmt.Fprintf(&sb, "Call failed: %s\n", message)
	} else {
		fmt.Fprintf(&sb, "Call failed with status %d.\n", result.Status)
	}
	if code != "" {
		fmt.Fprintf(&sb, "Code: %s\n", code)
	}
	if result.Meta.QuotedSats > 0 {
		fmt.Fprintf(&sb, "Quoted: %d sats\n", result.Meta.QuotedSats)
	}
	if result.Meta.QuotedUSDCents > 0 {
		fmt.Fprintf(&sb, "Quoted: %s\n", formatUSDCents(result.Meta.QuotedUSDCents))
	}

	switch code {
	case httpapi.CodeInsufficientBalance:
		fmt.Fprintf(&sb, "Balance: %d\n", result.Meta.BalanceAfter)
		sb.WriteString("\nUse fund_wallet to top up, then retry.")
	case httpapi.CodePolicyDenied:
		sb.WriteString("\nThe spend policy for this agent blocked the call. Nothing was charged.")
	case httpapi.CodeRateLimited:
		sb.WriteString("\nYou are being rate limited. Wait before retrying.")
	case httpapi.CodeUpstreamError:
		sb.WriteString("\nThe upstream service failed; the hold was released and nothing was charged.")
	}
	return sb.String()
}

func writeCallMeta(sb *strings.Builder, m CallMeta) {
	if m.Capability != "" {
		fmt.Fprintf(sb, "Capability: %s\n", m.Capability)
	}
	if m.Provider != "" {
		fmt.Fprintf(sb, "Routed to: %s\n", m.Provider)
	}
	switch {
	case m.ChargedSats > 0:
		fmt.Fprintf(sb, "Charged: %d sats (quoted %d)\n", m.ChargedSats, m.QuotedSats)
		fmt.Fprintf(sb, "Balance after: %d sats\n", m.BalanceAfter)
	case m.ChargedUSDCents > 0:
		fmt.Fprintf(sb, "Charged: %s (quoted %s)\n", formatUSDCents(m.ChargedUSDCents), formatUSDCents(m.QuotedUSDCents))
		fmt.Fprintf(sb, "Balance after: %s\n", formatUSDCents(m.BalanceAfter))
	default:
		sb.WriteString("Charged: nothing\n")
	}
	if m.AuditID != "" {
		fmt.Fprintf(sb, "Audit ID: %s\n", m.AuditID)
	}
}

// formatUSDCents renders cents as dollars, e.g. 1250 -> "$12.50".
func formatUSDCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

type walletInfo struct {
	ID              string `json:"id"`
	BalanceSats     int64  `json:"balanceSats"`
	HeldSats        int64  `json:"heldSats"`
	BalanceUSDCents int64  `json:"balanceUsdCents"`
	HeldUSDCents    int64  `json:"heldUsdCents"`
	LifetimeInSats  int64  `json:"lifetimeInSats"`
	LifetimeOutSats int64  `json:"lifetimeOutSats"`
}

func formatWallet(raw json.RawMessage) (string, error) {
	// The wallet is nested under "wallet"; fall back to top level.
	var resp struct {
		Wallet *walletInfo `json:"wallet"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	w := resp.Wallet
	if w == nil {
		w = &walletInfo{}
		if err := json.Unmarshal(raw, w); err != nil {
			return "", err
		}
	}

	var sb strings.Builder
	sb.WriteString("Wallet balance:\n")
	fmt.Fprintf(&sb, "  Sats: %d available", w.BalanceSats)
	if w.HeldSats > 0 {
		fmt.Fprintf(&sb, " (%d held)", w.HeldSats)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  USD:  %s available", formatUSDCents(w.BalanceUSDCents))
	if w.HeldUSDCents > 0 {
		fmt.Fprintf(&sb, " (%s held)", formatUSDCents(w.HeldUSDCents))
	}
	sb.WriteString("\n")
	if w.LifetimeOutSats > 0 {
		fmt.Fprintf(&sb, "  Lifetime spent: %d sats\n", w.LifetimeOutSats)
	}
	return sb.String(), nil
}

type invoiceInfo struct {
	ID             string    `json:"id"`
	AmountSats     int64     `json:"amountSats"`
	Memo           string    `json:"memo"`
	PaymentRequest string    `json:"paymentRequest"`
	Status         string    `json:"status"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

func formatInvoice(raw json.RawMessage) (string, error) {
	var inv invoiceInfo
	if err := json.Unmarshal(raw, &inv); err != nil {
		return "", err
	}
	if inv.PaymentRequest == "" {
		return "", fmt.Errorf("no payment request in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Lightning invoice created for %d sats.\n", inv.AmountSats)
	fmt.Fprintf(&sb, "Invoice ID: %s\n", inv.ID)
	if !inv.ExpiresAt.IsZero() {
		fmt.Fprintf(&sb, "Expires: %s\n", inv.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "\nPayment request (BOLT11):\n%s\n", inv.PaymentRequest)
	sb.WriteString("\nThe wallet is credited automatically once the invoice settles.")
	return sb.String(), nil
}

type transactionInfo struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	AmountSats     int64     `json:"amountSats"`
	AmountUSDCents int64     `json:"amountUsdCents"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"createdAt"`
}

func formatTransactionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Transactions []transactionInfo `json:"transactions"`
		NextCursor   string            `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Transactions) == 0 {
		return "No transactions yet.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d transaction(s):\n\n", len(resp.Transactions)))
	for i, tx := range resp.Transactions {
		sb.WriteString(fmt.Sprintf("%d. %s  %s  %s\n",
			i+1, tx.CreatedAt.Format("2006-01-02 15:04"), tx.Type, formatTxAmount(tx)))
		if tx.Description != "" {
			sb.WriteString(fmt.Sprintf("   %s\n", tx.Description))
		}
	}
	if resp.NextCursor != "" {
		sb.WriteString("\nMore transactions are available.")
	}
	return sb.String(), nil
}

// formatTxAmount renders the moved amount in the transaction's
// currency. Amounts are stored as magnitudes; the type carries the
// direction.
func formatTxAmount(tx transactionInfo) string {
	sign := "+"
	if strings.HasPrefix(tx.Type, "debit") {
		sign = "-"
	}
	if tx.AmountSats != 0 {
		return fmt.Sprintf("%s%d sats", sign, tx.AmountSats)
	}
	return sign + formatUSDCents(tx.AmountUSDCents)
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
