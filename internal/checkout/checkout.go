// Package checkout funds wallets by card through a hosted payment
// provider. Completion events arrive on the provider webhook and flip
// sessions with a conditional claim, so replays and out-of-order
// deliveries can never credit twice.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/saturn/internal/idgen"
	"github.com/mbd888/saturn/internal/ledger"
)

// Status is the lifecycle state of a checkout session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// MaxCheckoutUSDCents caps a single card top-up at ten thousand dollars.
const MaxCheckoutUSDCents = 1_000_000

// ErrInvalidAmount is returned when a checkout amount is zero, negative
// or above MaxCheckoutUSDCents.
var ErrInvalidAmount = errors.New("checkout amount out of range")

// Session is one hosted card checkout against a wallet.
type Session struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"accountId"`
	WalletID          string     `json:"walletId"`
	ProviderSessionID string     `json:"providerSessionId"`
	AmountUSDCents    int64      `json:"amountUsdCents"`
	Status            Status     `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	// URL is the hosted payment page. Returned on create, never stored.
	URL string `json:"url,omitempty"`
}

// CreatedSession is what the payment provider returns for a new
// checkout.
type CreatedSession struct {
	ProviderSessionID string
	URL               string
}

// Provider creates hosted checkout sessions.
type Provider interface {
	CreateCheckout(ctx context.Context, amountUSDCents int64, accountID string) (*CreatedSession, error)
}

// Store persists checkout sessions. Status transitions must be
// conditional updates so concurrent webhook deliveries claim a row
// exactly once.
type Store interface {
	Insert(ctx context.Context, cs *Session) error

	// ClaimCompleted flips one pending session to completed and returns
	// it. Returns nil when no pending row matches the provider session
	// ID, which covers unknown sessions and duplicate deliveries.
	ClaimCompleted(ctx context.Context, providerSessionID string, completedAt time.Time) (*Session, error)

	// MarkExpired flips a pending session to expired. Unknown or
	// already-terminal sessions are left alone.
	MarkExpired(ctx context.Context, providerSessionID string) error

	// ExpireStale marks pending sessions created before the cutoff as
	// expired and reports how many rows were flipped.
	ExpireStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service creates checkout sessions and applies their completions to
// the ledger.
type Service struct {
	store    Store
	provider Provider
	ledger   *ledger.Ledger
	logger   *slog.Logger
}

// New creates the checkout service.
func New(store Store, provider Provider, ledg *ledger.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		provider: provider,
		ledger:   ledg,
		logger:   logger,
	}
}

// CreateSession opens a hosted checkout for the given amount and stores
// it pending.
func (s *Service) CreateSession(ctx context.Context, accountID string, amountUSDCents int64) (*Session, error) {
	if amountUSDCents <= 0 || amountUSDCents > MaxCheckoutUSDCents {
		return nil, ErrInvalidAmount
	}

	wallet, err := s.ledger.GetWalletByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	created, err := s.provider.CreateCheckout(ctx, amountUSDCents, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout: %w", err)
	}

	cs := &Session{
		ID:                idgen.WithPrefix("chk_"),
		AccountID:         accountID,
		WalletID:          wallet.ID,
		ProviderSessionID: created.ProviderSessionID,
		AmountUSDCents:    amountUSDCents,
		Status:            StatusPending,
		CreatedAt:         time.Now().UTC(),
		URL:               created.URL,
	}
	if err := s.store.Insert(ctx, cs); err != nil {
		return nil, fmt.Errorf("failed to store checkout session: %w", err)
	}

	sessionsCreated.Inc()
	s.logger.Info("checkout session created",
		"sessionId", cs.ID,
		"accountId", accountID,
		"amountUsdCents", amountUSDCents)
	return cs, nil
}

// ProcessCompleted claims a completed session and credits its wallet.
// Safe to call any number of times per provider session: the
// conditional claim plus the ledger's unique credit reference make
// replays no-ops.
func (s *Service) ProcessCompleted(ctx context.Context, providerSessionID string, completedAt time.Time) error {
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	cs, err := s.store.ClaimCompleted(ctx, providerSessionID, completedAt)
	if err != nil {
		completions.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to claim checkout session: %w", err)
	}
	if cs == nil {
		// Duplicate delivery, or a session this gateway never opened.
		completions.WithLabelValues("ignored").Inc()
		return nil
	}

	txn, err := s.ledger.Credit(ctx, ledger.CreditRequest{
		WalletID:      cs.WalletID,
		Currency:      ledger.CurrencyUSDCents,
		Amount:        cs.AmountUSDCents,
		Type:          ledger.TxCreditCard,
		ReferenceType: "checkout_session",
		ReferenceID:   cs.ID,
		Description:   "Card checkout completed",
	})
	if err != nil {
		completions.WithLabelValues("error").Inc()
		s.logger.Error("CRITICAL: checkout claimed but credit failed, wallet not funded",
			"sessionId", cs.ID,
			"walletId", cs.WalletID,
			"amountUsdCents", cs.AmountUSDCents,
			"error", err)
		return fmt.Errorf("failed to credit completed checkout: %w", err)
	}

	completions.WithLabelValues("credited").Inc()
	creditedUSDCents.Add(float64(cs.AmountUSDCents))
	s.logger.Info("checkout completed",
		"sessionId", cs.ID,
		"walletId", cs.WalletID,
		"amountUsdCents", cs.AmountUSDCents,
		"txnId", txn.ID)
	return nil
}

// MarkExpired records that the provider gave up on a session.
func (s *Service) MarkExpired(ctx context.Context, providerSessionID string) error {
	if err := s.store.MarkExpired(ctx, providerSessionID); err != nil {
		return fmt.Errorf("failed to expire checkout session: %w", err)
	}
	return nil
}
