// Package audit records every proxy-call attempt, allowed or denied.
//
// The audit log is append-only and is the system of record for spend
// history: the policy engine's daily limit reads SUM(charged_sats) of
// allowed rows, so a call that debits the wallet must always land here
// with its charged amount, even when the hold was taken in USD cents.
//
// Flow:
//  1. The proxy executor builds an Entry for the attempt.
//  2. Log redacts request/response snapshots, assigns an ID and inserts.
//  3. For allowed entries, Log invalidates the agent's cached daily
//     spend and notifies the realtime feed.
//
// Rows are never updated or deleted.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/saturn/internal/idgen"
)

var (
	// ErrEntryNotFound is returned when an audit entry doesn't exist
	ErrEntryNotFound = errors.New("audit entry not found")
	// ErrInvalidEntry is returned when required entry fields are missing
	ErrInvalidEntry = errors.New("invalid audit entry")
)

// PolicyResult is the outcome of policy evaluation for a call attempt.
type PolicyResult string

const (
	ResultAllowed PolicyResult = "allowed"
	ResultDenied  PolicyResult = "denied"
)

// Entry is one audit row. Quoted amounts are what the executor reserved;
// charged amounts are what was finally debited (zero when the call failed
// or was denied). Snapshots are stored redacted.
type Entry struct {
	ID               string         `json:"id"`
	AgentID          string         `json:"agentId"`
	AccountID        string         `json:"accountId"`
	ServiceSlug      string         `json:"serviceSlug"`
	Capability       string         `json:"capability,omitempty"`
	Operation        string         `json:"operation,omitempty"`
	PolicyResult     PolicyResult   `json:"policyResult"`
	DenialReason     string         `json:"denialReason,omitempty"`
	QuotedSats       int64          `json:"quotedSats"`
	QuotedUSDCents   int64          `json:"quotedUsdCents"`
	ChargedSats      int64          `json:"chargedSats"`
	ChargedUSDCents  int64          `json:"chargedUsdCents"`
	UpstreamStatus   int            `json:"upstreamStatus,omitempty"`
	LatencyMs        int64          `json:"latencyMs,omitempty"`
	Error            string         `json:"error,omitempty"`
	RequestSnapshot  map[string]any `json:"requestSnapshot,omitempty"`
	ResponseSnapshot map[string]any `json:"responseSnapshot,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// ListOptions controls List pagination and filtering.
type ListOptions struct {
	Limit   int
	Cursor  string
	AgentID string
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit caps the page size.
func WithLimit(n int) ListOption { return func(o *ListOptions) { o.Limit = n } }

// WithCursor resumes a listing from an opaque cursor.
func WithCursor(c string) ListOption { return func(o *ListOptions) { o.Cursor = c } }

// WithAgent restricts the listing to one agent.
func WithAgent(agentID string) ListOption { return func(o *ListOptions) { o.AgentID = agentID } }

// Store persists audit entries.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	List(ctx context.Context, accountID string, opts ListOptions) ([]*Entry, string, error)
	DailySpend(ctx context.Context, agentID string, since time.Time) (int64, error)
}

// Notifier receives entries after they are persisted. Implementations
// must not block; the realtime hub drops slow subscribers.
type Notifier interface {
	AuditLogged(e *Entry)
}

// Service wraps a Store with redaction, cache invalidation and feed
// notification.
type Service struct {
	store           Store
	logger          *slog.Logger
	notifier        Notifier
	spendInvalidate func(agentID string)
}

// New creates an audit service.
func New(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// SetNotifier wires the realtime feed. Optional.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetSpendInvalidator wires the policy engine's daily-spend cache
// invalidation. This is the only place that invalidates spend on writes,
// so the cache stays coherent with what DailySpend actually reads.
func (s *Service) SetSpendInvalidator(fn func(agentID string)) { s.spendInvalidate = fn }

// Log redacts snapshots, assigns an ID and persists the entry.
func (s *Service) Log(ctx context.Context, e *Entry) (*Entry, error) {
	if e.AgentID == "" || e.AccountID == "" || e.ServiceSlug == "" {
		return nil, ErrInvalidEntry
	}
	if e.PolicyResult != ResultAllowed && e.PolicyResult != ResultDenied {
		return nil, ErrInvalidEntry
	}

	if e.ID == "" {
		e.ID = idgen.WithPrefix("aud_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.RequestSnapshot != nil {
		e.RequestSnapshot = redactMap(e.RequestSnapshot)
	}
	if e.ResponseSnapshot != nil {
		e.ResponseSnapshot = redactMap(e.ResponseSnapshot)
	}

	if err := s.store.Insert(ctx, e); err != nil {
		entriesFailed.Inc()
		return nil, err
	}
	entriesTotal.WithLabelValues(string(e.PolicyResult)).Inc()

	if e.PolicyResult == ResultAllowed {
		if s.spendInvalidate != nil {
			s.spendInvalidate(e.AgentID)
		}
		if s.notifier != nil {
			s.notifier.AuditLogged(e)
		}
	}

	return e, nil
}

// DailySpend returns the sum of charged_sats across allowed entries for
// the agent since the given time.
func (s *Service) DailySpend(ctx context.Context, agentID string, since time.Time) (int64, error) {
	return s.store.DailySpend(ctx, agentID, since)
}

// List returns one page of an account's entries, newest first.
func (s *Service) List(ctx context.Context, accountID string, opts ...ListOption) ([]*Entry, string, error) {
	options := ListOptions{Limit: 50}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Limit <= 0 {
		options.Limit = 50
	}
	if options.Limit > 200 {
		options.Limit = 200
	}
	return s.store.List(ctx, accountID, options)
}

// UTCMidnight returns the start of the current UTC day for t.
func UTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
