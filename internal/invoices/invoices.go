// Package invoices issues Lightning invoices and credits wallets when
// they settle. Settlement events arrive over a node stream or the
// signed webhook; both converge on the same conditional claim so a
// replayed event can never credit twice.
package invoices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/saturn/internal/account"
	"github.com/mbd888/saturn/internal/idgen"
	"github.com/mbd888/saturn/internal/ledger"
	"github.com/mbd888/saturn/internal/policy"
)

// Status is the lifecycle state of an invoice. Terminal states are
// settled, expired and cancelled; transitions out of pending are
// one-shot conditional updates.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSettled   Status = "settled"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// MaxInvoiceSats caps a single invoice at one BTC.
const MaxInvoiceSats = 100_000_000

// ErrInvalidAmount is returned when an invoice amount is zero, negative
// or above MaxInvoiceSats.
var ErrInvalidAmount = errors.New("invoice amount out of range")

// Invoice is one Lightning funding request against a wallet.
type Invoice struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"accountId"`
	WalletID       string     `json:"walletId"`
	AmountSats     int64      `json:"amountSats"`
	Memo           string     `json:"memo,omitempty"`
	RHash          string     `json:"rHash"`
	PaymentRequest string     `json:"paymentRequest"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	SettledAt      *time.Time `json:"settledAt,omitempty"`
}

// IssuedInvoice is what the Lightning node hands back for a new invoice.
type IssuedInvoice struct {
	RHash          string
	PaymentRequest string
	ExpiresAt      time.Time
}

// Issuer creates invoices on a Lightning node.
type Issuer interface {
	Issue(ctx context.Context, amountSats int64, memo string) (*IssuedInvoice, error)
}

// Settlement is one settled-invoice event from the node.
type Settlement struct {
	RHash     string
	SettledAt time.Time
}

// InvoiceStream delivers settlement events. Recv blocks until an event
// arrives or the stream fails; Close is safe to call concurrently and
// unblocks a pending Recv.
type InvoiceStream interface {
	Recv() (*Settlement, error)
	Close() error
}

// StreamDialer opens a settlement stream against the node.
type StreamDialer interface {
	Subscribe(ctx context.Context) (InvoiceStream, error)
}

// ListOptions controls invoice listing.
type ListOptions struct {
	Limit  int
	Cursor string
}

// ListOption configures an invoice listing.
type ListOption func(*ListOptions)

// WithLimit caps the page size.
func WithLimit(n int) ListOption { return func(o *ListOptions) { o.Limit = n } }

// WithCursor resumes a listing from an opaque cursor.
func WithCursor(c string) ListOption { return func(o *ListOptions) { o.Cursor = c } }

// Store persists invoices. Status transitions must be conditional
// updates so concurrent settlement deliveries claim a row exactly once.
type Store interface {
	Insert(ctx context.Context, inv *Invoice) error

	// ClaimSettled flips one pending invoice to settled and returns it.
	// Returns nil when no pending row matches the r_hash, which covers
	// both unknown invoices and duplicate deliveries.
	ClaimSettled(ctx context.Context, rHash string, settledAt time.Time) (*Invoice, error)

	// ExpirePending marks pending invoices past their expiry as expired
	// and reports how many rows were flipped.
	ExpirePending(ctx context.Context, now time.Time) (int64, error)

	ListByAccount(ctx context.Context, accountID string, opts ListOptions) ([]*Invoice, string, error)
}

// Service issues invoices and applies their settlements to the ledger.
type Service struct {
	store    Store
	issuer   Issuer
	ledger   *ledger.Ledger
	accounts account.Store
	policies policy.Store
	logger   *slog.Logger
}

// New creates the invoice service.
func New(store Store, issuer Issuer, ledg *ledger.Ledger, accounts account.Store, policies policy.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		issuer:   issuer,
		ledger:   ledg,
		accounts: accounts,
		policies: policies,
		logger:   logger,
	}
}

// CreateInvoice asks the node for a new invoice and stores it pending.
// Returns ledger.ErrBalanceCapExceeded when settling the full amount
// would push the wallet past its balance cap.
func (s *Service) CreateInvoice(ctx context.Context, accountID string, amountSats int64, memo string) (*Invoice, error) {
	if amountSats <= 0 || amountSats > MaxInvoiceSats {
		return nil, ErrInvalidAmount
	}

	wallet, err := s.ledger.GetWalletByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if capSats := s.balanceCap(ctx, accountID); capSats > 0 {
		if wallet.BalanceSats+wallet.HeldSats+amountSats > capSats {
			return nil, ledger.ErrBalanceCapExceeded
		}
	}

	issued, err := s.issuer.Issue(ctx, amountSats, memo)
	if err != nil {
		return nil, fmt.Errorf("failed to issue invoice: %w", err)
	}

	inv := &Invoice{
		ID:             idgen.WithPrefix("inv_"),
		AccountID:      accountID,
		WalletID:       wallet.ID,
		AmountSats:     amountSats,
		Memo:           memo,
		RHash:          issued.RHash,
		PaymentRequest: issued.PaymentRequest,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      issued.ExpiresAt,
	}
	if err := s.store.Insert(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to store invoice: %w", err)
	}

	invoicesCreated.Inc()
	s.logger.Info("invoice created",
		"invoiceId", inv.ID,
		"accountId", accountID,
		"amountSats", amountSats)
	return inv, nil
}

// ProcessSettlement claims a settled invoice and credits its wallet.
// Safe to call any number of times per r_hash: the conditional claim
// plus the ledger's unique credit reference make replays no-ops.
func (s *Service) ProcessSettlement(ctx context.Context, rHash string, settledAt time.Time) error {
	if settledAt.IsZero() {
		settledAt = time.Now().UTC()
	}

	inv, err := s.store.ClaimSettled(ctx, rHash, settledAt)
	if err != nil {
		settlements.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to claim invoice: %w", err)
	}
	if inv == nil {
		// Duplicate delivery, or an invoice this gateway never issued.
		settlements.WithLabelValues("ignored").Inc()
		return nil
	}

	txn, err := s.ledger.Credit(ctx, ledger.CreditRequest{
		WalletID:       inv.WalletID,
		Currency:       ledger.CurrencySats,
		Amount:         inv.AmountSats,
		Type:           ledger.TxCreditLightning,
		ReferenceType:  "invoice",
		ReferenceID:    inv.ID,
		Description:    "Lightning invoice settled",
		MaxBalanceSats: s.balanceCap(ctx, inv.AccountID),
	})
	if errors.Is(err, ledger.ErrBalanceCapExceeded) {
		settlements.WithLabelValues("cap_skipped").Inc()
		s.logger.Warn("invoice credit skipped, wallet balance cap reached",
			"invoiceId", inv.ID,
			"accountId", inv.AccountID,
			"amountSats", inv.AmountSats)
		return nil
	}
	if err != nil {
		settlements.WithLabelValues("error").Inc()
		s.logger.Error("CRITICAL: invoice claimed but credit failed, wallet not funded",
			"invoiceId", inv.ID,
			"walletId", inv.WalletID,
			"amountSats", inv.AmountSats,
			"error", err)
		return fmt.Errorf("failed to credit settled invoice: %w", err)
	}

	settlements.WithLabelValues("credited").Inc()
	settledSats.Add(float64(inv.AmountSats))
	s.logger.Info("invoice settled",
		"invoiceId", inv.ID,
		"walletId", inv.WalletID,
		"amountSats", inv.AmountSats,
		"txnId", txn.ID)

	// First Lightning credit flips a usd_cents account to sats billing.
	promoted, err := s.accounts.PromoteDefaultCurrency(ctx, inv.AccountID, ledger.CurrencyUSDCents, ledger.CurrencySats)
	if err != nil {
		s.logger.Error("default currency promotion failed", "accountId", inv.AccountID, "error", err)
	} else if promoted {
		s.logger.Info("account promoted to sats billing", "accountId", inv.AccountID)
	}
	return nil
}

// List returns one page of an account's invoices, newest first.
func (s *Service) List(ctx context.Context, accountID string, opts ...ListOption) ([]*Invoice, string, error) {
	options := ListOptions{Limit: 50}
	for _, o := range opts {
		o(&options)
	}
	if options.Limit <= 0 || options.Limit > 200 {
		options.Limit = 50
	}
	return s.store.ListByAccount(ctx, accountID, options)
}

// balanceCap reads the wallet cap from the primary agent's policy.
// Zero means uncapped.
func (s *Service) balanceCap(ctx context.Context, accountID string) int64 {
	primary, err := s.accounts.PrimaryAgent(ctx, accountID)
	if err != nil {
		return 0
	}
	pol, err := s.policies.Get(ctx, primary.ID)
	if err != nil || pol.MaxBalanceSats == nil {
		return 0
	}
	return *pol.MaxBalanceSats
}
