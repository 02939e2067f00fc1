// Package proxy executes metered calls against upstream services.
//
// Flow for one call:
//  1. Resolve the service, directly by slug or through a capability route
//  2. Quote the cost and evaluate the agent's policy
//  3. Hold the quoted amount, run the upstream request, then settle the
//     final cost or release the hold
//  4. Write an audit row for the attempt, whatever the outcome
//
// Settle, release and audit writes run on a context detached from the
// caller's: a client that disconnects mid-call must not orphan held
// funds or leave the spend history short a row.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/saturn/internal/adapters"
	"github.com/mbd888/saturn/internal/audit"
	"github.com/mbd888/saturn/internal/auth"
	"github.com/mbd888/saturn/internal/catalog"
	"github.com/mbd888/saturn/internal/circuitbreaker"
	"github.com/mbd888/saturn/internal/httpapi"
	"github.com/mbd888/saturn/internal/idgen"
	"github.com/mbd888/saturn/internal/ledger"
	"github.com/mbd888/saturn/internal/policy"
	"github.com/mbd888/saturn/internal/pricing"
	"github.com/mbd888/saturn/internal/traces"
)

// Upstreams that fail at the transport level this many times in a row
// are short-circuited for breakerOpenFor before a probe is let through.
const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

var errBreakerOpen = errors.New("circuit breaker open")

// Call is one proxied request. ServiceSlug targets a provider directly;
// Capability routes to the best provider, unless Provider pins one.
type Call struct {
	Identity    *auth.Identity
	ServiceSlug string
	Capability  string
	Provider    string
	Body        map[string]any
}

// Metadata describes the billing outcome of a call. It is populated on
// every path, including failures, so callers always learn what was
// quoted and what the wallet looks like now. BalanceAfter is in the
// held currency, or the account's default currency when nothing was
// held.
type Metadata struct {
	AuditID         string `json:"auditId,omitempty"`
	QuotedSats      int64  `json:"quotedSats"`
	ChargedSats     int64  `json:"chargedSats"`
	QuotedUSDCents  int64  `json:"quotedUsdCents"`
	ChargedUSDCents int64  `json:"chargedUsdCents"`
	BalanceAfter    int64  `json:"balanceAfter"`
	Capability      string `json:"capability,omitempty"`
	Provider        string `json:"provider,omitempty"`
}

// Result is a completed upstream exchange. Status may be a 4xx or 5xx:
// policy-allowed upstream errors pass through verbatim with nothing
// charged.
type Result struct {
	Status   int
	Data     map[string]any
	Headers  map[string]string
	Metadata Metadata
}

// CallError is a failed call. It carries the billing metadata gathered
// before the failure so the HTTP layer can still emit it.
type CallError struct {
	Status   int
	Code     string
	Message  string
	Details  map[string]any
	Metadata Metadata
	cause    error
}

func (e *CallError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *CallError) Unwrap() error { return e.cause }

// AdapterSource resolves a service slug to its adapter and catalog row.
// Satisfied by *adapters.Registry.
type AdapterSource interface {
	Get(slug string) (adapters.Adapter, *catalog.Service, error)
}

// CapabilitySource resolves a capability to its best provider.
// Satisfied by *capability.Registry.
type CapabilitySource interface {
	Resolve(ctx context.Context, capability string) (*catalog.Service, error)
}

// RateSource supplies the cached BTC-USD rate. Satisfied by
// *pricing.Oracle.
type RateSource interface {
	Rate() int64
}

// Executor runs the quote, policy, hold, execute, settle pipeline.
type Executor struct {
	adapters     AdapterSource
	capabilities CapabilitySource
	evaluator    *policy.Evaluator
	ledger       *ledger.Ledger
	audit        *audit.Service
	rates        RateSource
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(
	adapterSource AdapterSource,
	capabilitySource CapabilitySource,
	evaluator *policy.Evaluator,
	lgr *ledger.Ledger,
	auditService *audit.Service,
	rates RateSource,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		adapters:     adapterSource,
		capabilities: capabilitySource,
		evaluator:    evaluator,
		ledger:       lgr,
		audit:        auditService,
		rates:        rates,
		breaker:      circuitbreaker.New(breakerThreshold, breakerOpenFor),
		logger:       logger,
	}
}

// Execute runs one metered call end to end. Every failure is returned
// as a *CallError; a Result with a 4xx or 5xx Status is an upstream
// outcome, not an executor failure.
func (x *Executor) Execute(ctx context.Context, call Call) (*Result, error) {
	ident := call.Identity
	if ident == nil || ident.Agent == nil || ident.Account == nil || ident.Wallet == nil {
		proxyCalls.WithLabelValues(outcomeError).Inc()
		return nil, &CallError{
			Status:  http.StatusInternalServerError,
			Code:    httpapi.CodeInternalError,
			Message: "Internal error",
			cause:   errors.New("call without a resolved identity"),
		}
	}
	defaultCurrency := ident.Account.DefaultCurrency
	meta := Metadata{
		Capability:   call.Capability,
		BalanceAfter: ident.Wallet.Balance(defaultCurrency),
	}

	slug := call.ServiceSlug
	if slug == "" && call.Capability != "" {
		if call.Provider != "" {
			slug = call.Provider
		} else {
			svc, err := x.capabilities.Resolve(ctx, call.Capability)
			if err != nil {
				proxyCalls.WithLabelValues(outcomeNotFound).Inc()
				return nil, callErr(meta, http.StatusNotFound, httpapi.CodeNotFound,
					fmt.Sprintf("No active provider for capability %q.", call.Capability), err)
			}
			slug = svc.Slug
		}
	}
	if slug == "" {
		proxyCalls.WithLabelValues(outcomeInvalid).Inc()
		return nil, callErr(meta, http.StatusBadRequest, httpapi.CodeValidationError,
			"A service slug or capability is required.", nil)
	}

	ctx, span := traces.StartSpan(ctx, "proxy.execute",
		traces.AgentID(ident.Agent.ID), traces.ServiceSlug(slug))
	defer span.End()

	// Compensation and bookkeeping survive a caller disconnect.
	dctx := context.WithoutCancel(ctx)

	adapter, svc, err := x.adapters.Get(slug)
	if err != nil {
		proxyCalls.WithLabelValues(outcomeNotFound).Inc()
		return nil, callErr(meta, http.StatusNotFound, httpapi.CodeNotFound,
			fmt.Sprintf("Unknown service %q.", slug), err)
	}
	if call.Capability != "" {
		meta.Provider = svc.Slug
	}

	q, err := adapter.Quote(ctx, call.Body)
	if err != nil {
		proxyCalls.WithLabelValues(outcomeInvalid).Inc()
		msg := fmt.Sprintf("Could not price this request against service %q.", slug)
		if errors.Is(err, adapters.ErrUnknownOperation) {
			msg = fmt.Sprintf("Unknown operation for service %q.", slug)
		}
		return nil, callErr(meta, http.StatusBadRequest, httpapi.CodeValidationError, msg, err)
	}
	rate := x.rates.Rate()
	meta.QuotedSats = q.QuotedSats
	meta.QuotedUSDCents = pricing.SatsToUsdCents(q.QuotedSats, rate)
	span.SetAttributes(traces.Operation(q.Operation), traces.QuotedSats(q.QuotedSats))

	entry := &audit.Entry{
		AgentID:         ident.Agent.ID,
		AccountID:       ident.Account.ID,
		ServiceSlug:     slug,
		Capability:      call.Capability,
		Operation:       q.Operation,
		QuotedSats:      q.QuotedSats,
		QuotedUSDCents:  meta.QuotedUSDCents,
		RequestSnapshot: call.Body,
	}

	decision := x.evaluator.Evaluate(ctx, ident.Agent, ident.Policy, policy.Input{
		ServiceSlug: slug,
		Capability:  call.Capability,
		QuotedSats:  q.QuotedSats,
	})
	if !decision.Allowed {
		entry.PolicyResult = audit.ResultDenied
		entry.DenialReason = decision.Reason
		meta.AuditID = x.logEntry(dctx, entry)
		proxyCalls.WithLabelValues(outcomeDenied).Inc()
		return nil, callErrDetails(meta, http.StatusForbidden, httpapi.CodePolicyDenied,
			fmt.Sprintf("Call denied by policy (%s).", decision.Reason),
			map[string]any{"reason": decision.Reason}, nil)
	}
	entry.PolicyResult = audit.ResultAllowed

	// Free operations skip the ledger entirely.
	var hold *ledger.Hold
	if q.QuotedSats > 0 {
		hold, err = x.ledger.Hold(ctx, ident.Wallet.ID, defaultCurrency, meta.QuotedUSDCents, q.QuotedSats)
		if err != nil {
			var ibe *ledger.InsufficientBalanceError
			if errors.As(err, &ibe) {
				entry.Error = "insufficient balance"
				meta.AuditID = x.logEntry(dctx, entry)
				meta.BalanceAfter = ibe.Available
				proxyCalls.WithLabelValues(outcomeNoFunds).Inc()
				return nil, callErrDetails(meta, http.StatusPaymentRequired, httpapi.CodeInsufficientBalance,
					fmt.Sprintf("Insufficient balance: %d %s required, %d available.",
						ibe.Required, ibe.Currency, ibe.Available),
					map[string]any{
						"required":  ibe.Required,
						"available": ibe.Available,
						"currency":  string(ibe.Currency),
					}, err)
			}
			x.logger.Error("hold failed",
				"walletId", ident.Wallet.ID, "serviceSlug", slug, "error", err)
			entry.Error = "hold failed"
			meta.AuditID = x.logEntry(dctx, entry)
			proxyCalls.WithLabelValues(outcomeError).Inc()
			return nil, callErr(meta, http.StatusInternalServerError, httpapi.CodeInternalError,
				"Internal error", err)
		}
	}

	// The ID is fixed before settle and release so their ledger rows can
	// reference the audit row that lands right after them.
	auditID := idgen.WithPrefix("aud_")
	entry.ID = auditID
	meta.AuditID = auditID

	var (
		resp    *adapters.UpstreamResponse
		execErr error
		latency int64
	)
	if !x.breaker.Allow(slug) {
		execErr = errBreakerOpen
	} else {
		start := time.Now()
		resp, execErr = adapter.Execute(ctx, call.Body)
		elapsed := time.Since(start)
		latency = elapsed.Milliseconds()
		upstreamLatency.WithLabelValues(slug).Observe(elapsed.Seconds())
		if execErr != nil {
			x.breaker.RecordFailure(slug)
		} else {
			x.breaker.RecordSuccess(slug)
		}
	}

	if execErr != nil {
		span.RecordError(execErr)
		entry.Error = execErr.Error()
		entry.LatencyMs = latency
		released, relErr := x.release(dctx, hold, auditID)
		x.logEntry(dctx, entry)
		if relErr != nil {
			x.logReleaseFailure(dctx, entry, hold, auditID, relErr)
		} else if released != nil {
			meta.BalanceAfter = balanceAfter(released, hold.Currency)
		}
		proxyCalls.WithLabelValues(outcomeUpstream).Inc()
		msg := "Upstream request failed."
		if errors.Is(execErr, errBreakerOpen) {
			msg = fmt.Sprintf("Service %q is temporarily unavailable.", slug)
		}
		return nil, callErr(meta, http.StatusBadGateway, httpapi.CodeUpstreamError, msg, execErr)
	}

	if resp.Status >= 400 {
		entry.UpstreamStatus = resp.Status
		entry.LatencyMs = latency
		entry.Error = fmt.Sprintf("Upstream returned %d", resp.Status)
		entry.ResponseSnapshot = resp.Data
		released, relErr := x.release(dctx, hold, auditID)
		x.logEntry(dctx, entry)
		if relErr != nil {
			x.logReleaseFailure(dctx, entry, hold, auditID, relErr)
			proxyCalls.WithLabelValues(outcomeError).Inc()
			return nil, callErr(meta, http.StatusInternalServerError, httpapi.CodeInternalError,
				"Internal error", relErr)
		}
		if released != nil {
			meta.BalanceAfter = balanceAfter(released, hold.Currency)
		}
		proxyCalls.WithLabelValues(outcomePassthrough).Inc()
		return &Result{Status: resp.Status, Data: resp.Data, Headers: resp.Headers, Metadata: meta}, nil
	}

	finalSats := adapter.Finalize(resp, q)
	if finalSats > q.QuotedSats {
		finalSats = q.QuotedSats
	}
	if finalSats < 0 {
		finalSats = 0
	}
	meta.ChargedSats = finalSats
	meta.ChargedUSDCents = pricing.SatsToUsdCents(finalSats, rate)

	if hold != nil {
		final := finalSats
		if hold.Currency == ledger.CurrencyUSDCents {
			final = meta.ChargedUSDCents
		}
		if final > hold.Amount {
			final = hold.Amount
		}
		txn, err := x.ledger.Settle(dctx, hold, final, auditID)
		if err != nil {
			span.RecordError(err)
			x.logger.Error("CRITICAL: settle failed after successful upstream call, funds remain held",
				"walletId", hold.WalletID, "auditId", auditID,
				"currency", hold.Currency, "amount", final, "error", err)
			entry.UpstreamStatus = resp.Status
			entry.LatencyMs = latency
			entry.Error = "Settle failed: " + err.Error()
			entry.ResponseSnapshot = resp.Data
			x.logEntry(dctx, entry)
			proxyCalls.WithLabelValues(outcomeError).Inc()
			return nil, callErr(meta, http.StatusInternalServerError, httpapi.CodeInternalError,
				"Internal error", err)
		}
		if hold.Currency == ledger.CurrencyUSDCents {
			meta.ChargedUSDCents = final
		}
		meta.BalanceAfter = balanceAfter(txn, hold.Currency)
	}

	entry.UpstreamStatus = resp.Status
	entry.LatencyMs = latency
	entry.ChargedSats = meta.ChargedSats
	entry.ChargedUSDCents = meta.ChargedUSDCents
	entry.ResponseSnapshot = resp.Data
	x.logEntry(dctx, entry)
	span.SetAttributes(traces.ChargedSats(meta.ChargedSats), traces.AuditID(auditID))
	proxyCalls.WithLabelValues(outcomeCharged).Inc()
	return &Result{Status: resp.Status, Data: resp.Data, Headers: resp.Headers, Metadata: meta}, nil
}

// release returns a hold in full. A nil hold (free operation) is a
// no-op.
func (x *Executor) release(ctx context.Context, hold *ledger.Hold, auditID string) (*ledger.Transaction, error) {
	if hold == nil {
		return nil, nil
	}
	return x.ledger.Release(ctx, hold, auditID)
}

// logReleaseFailure records a failed release as its own audit row. The
// original row for the attempt has already been written; this second
// row is what reconciliation queries for.
func (x *Executor) logReleaseFailure(ctx context.Context, failed *audit.Entry, hold *ledger.Hold, auditID string, relErr error) {
	x.logger.Error("CRITICAL: release failed, held funds may be orphaned",
		"walletId", hold.WalletID, "auditId", auditID,
		"currency", hold.Currency, "amount", hold.Amount, "error", relErr)
	second := &audit.Entry{
		AgentID:        failed.AgentID,
		AccountID:      failed.AccountID,
		ServiceSlug:    failed.ServiceSlug,
		Capability:     failed.Capability,
		Operation:      failed.Operation,
		PolicyResult:   audit.ResultAllowed,
		QuotedSats:     failed.QuotedSats,
		QuotedUSDCents: failed.QuotedUSDCents,
		Error:          "Release failed: " + relErr.Error(),
	}
	x.logEntry(ctx, second)
}

// logEntry writes an audit row and returns its ID. The audit log feeds
// the daily spend cap, so a failed write is loud.
func (x *Executor) logEntry(ctx context.Context, e *audit.Entry) string {
	logged, err := x.audit.Log(ctx, e)
	if err != nil {
		x.logger.Error("CRITICAL: audit write failed, spend history is incomplete",
			"agentId", e.AgentID, "serviceSlug", e.ServiceSlug, "error", err)
		return e.ID
	}
	return logged.ID
}

func balanceAfter(t *ledger.Transaction, c ledger.Currency) int64 {
	if c == ledger.CurrencySats {
		return t.BalanceAfterSats
	}
	return t.BalanceAfterUSDCents
}

func callErr(meta Metadata, status int, code, message string, cause error) *CallError {
	return &CallError{Status: status, Code: code, Message: message, Metadata: meta, cause: cause}
}

func callErrDetails(meta Metadata, status int, code, message string, details map[string]any, cause error) *CallError {
	return &CallError{Status: status, Code: code, Message: message, Details: details, Metadata: meta, cause: cause}
}
