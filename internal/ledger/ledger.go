// Package ledger manages wallet balances with two-phase debits.
//
// Flow for one proxied call:
//  1. Hold reserves the quoted amount before the upstream call
//  2. Settle charges the actual cost and returns the difference
//  3. Release returns the full hold when the call fails
//
// Credits from Lightning invoices and card checkouts are idempotent by
// reference. Wallets carry two independent balances, satoshis and USD
// cents; a hold tries the account's default currency first and falls back
// to the other, and settle/release always act on the currency actually
// held. Every mutation is a single conditional update so concurrent calls
// cannot overdraw.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/saturn/internal/idgen"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrHeldMismatch        = errors.New("held balance does not cover hold")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidCurrency     = errors.New("invalid currency")
	ErrBalanceCapExceeded  = errors.New("credit would exceed wallet balance cap")
	ErrSettleExceedsHold   = errors.New("settle amount exceeds hold")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Currency identifies which balance pair a movement acts on.
type Currency string

const (
	CurrencySats     Currency = "sats"
	CurrencyUSDCents Currency = "usd_cents"
)

// Valid reports whether c is a known currency.
func (c Currency) Valid() bool {
	return c == CurrencySats || c == CurrencyUSDCents
}

// Other returns the opposite currency, used for hold fallback.
func (c Currency) Other() Currency {
	if c == CurrencySats {
		return CurrencyUSDCents
	}
	return CurrencySats
}

// TransactionType classifies ledger transactions.
type TransactionType string

const (
	TxCreditLightning TransactionType = "credit_lightning"
	TxCreditCard      TransactionType = "credit_card"
	TxDebitProxyCall  TransactionType = "debit_proxy_call"
	TxRefund          TransactionType = "refund"
)

// IsCredit reports whether the type adds funds to a wallet.
func (t TransactionType) IsCredit() bool {
	return t == TxCreditLightning || t == TxCreditCard
}

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

// Balance returns the available balance in the given currency.
func (w *Wallet) Balance(c Currency) int64 {
	if c == CurrencySats {
		return w.BalanceSats
	}
	return w.BalanceUSDCents
}

// Held returns the held balance in the given currency.
func (w *Wallet) Held(c Currency) int64 {
	if c == CurrencySats {
		return w.HeldSats
	}
	return w.HeldUSDCents
}

// Transaction is one completed balance movement. Holds do not produce
// transactions; only credits, settles (debit_proxy_call) and releases
// (refund) do.
type Transaction struct {
	ID                   string          `json:"id"`
	WalletID             string          `json:"walletId"`
	Type                 TransactionType `json:"type"`
	AmountSats           int64           `json:"amountSats"`
	AmountUSDCents       int64           `json:"amountUsdCents"`
	BalanceAfterSats     int64           `json:"balanceAfterSats"`
	BalanceAfterUSDCents int64           `json:"balanceAfterUsdCents"`
	ReferenceType        string          `json:"referenceType,omitempty"`
	ReferenceID          string          `json:"referenceId,omitempty"`
	Description          string          `json:"description,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
}

// Amount returns the moved amount in the transaction's currency.
func (t *Transaction) Amount() int64 {
	if t.AmountSats != 0 {
		return t.AmountSats
	}
	return t.AmountUSDCents
}

// Hold is a reservation taken against one currency of a wallet.
// It exists only in memory; the wallet's held counter is its persistence.
type Hold struct {
	WalletID string
	Currency Currency
	Amount   int64
}

// InsufficientBalanceError carries the amounts for a failed hold so the
// caller can tell the agent what funding would be needed.
type InsufficientBalanceError struct {
	Currency  Currency
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %d %s, have %d", e.Required, e.Currency, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// CreditRequest describes a wallet credit.
type CreditRequest struct {
	WalletID      string
	Currency      Currency
	Amount        int64
	Type          TransactionType
	ReferenceType string
	ReferenceID   string
	Description   string
	// MaxBalanceSats caps balance+held in sats when > 0. Read from the
	// account's primary-agent policy by the funding paths.
	MaxBalanceSats int64
}

// ListOptions controls transaction listing.
type ListOptions struct {
	Limit  int
	Cursor string
}

// ListOption configures a transaction listing.
type ListOption func(*ListOptions)

// WithLimit caps the number of returned rows.
func WithLimit(n int) ListOption {
	return func(o *ListOptions) { o.Limit = n }
}

// WithCursor resumes a listing from an opaque cursor.
func WithCursor(c string) ListOption {
	return func(o *ListOptions) { o.Cursor = c }
}

// Store persists wallets and transactions. Implementations must make every
// balance mutation a single conditional update so concurrent movements
// cannot overdraw.
type Store interface {
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	GetWalletByAccount(ctx context.Context, accountID string) (*Wallet, error)

	// Credit applies funds and records txn. On a duplicate credit
	// reference it returns the original transaction and applies nothing.
	Credit(ctx context.Context, req CreditRequest, txn *Transaction) (*Transaction, error)

	// Hold reserves amount from the available balance. Returns
	// ErrInsufficientBalance when the conditional update matches no row.
	Hold(ctx context.Context, walletID string, c Currency, amount int64) error

	// Settle consumes a hold, charging final and returning the remainder.
	// Returns ErrHeldMismatch when the held counter no longer covers it.
	Settle(ctx context.Context, hold Hold, final int64, txn *Transaction) error

	// Release returns a hold in full.
	Release(ctx context.Context, hold Hold, txn *Transaction) error

	ListTransactions(ctx context.Context, walletID string, opts ListOptions) ([]*Transaction, string, error)
}

// Ledger is the service layer over a Store.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a new ledger service.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Store exposes the underlying store for wiring.
func (l *Ledger) Store() Store { return l.store }

// CreateWallet creates an empty wallet for an account.
func (l *Ledger) CreateWallet(ctx context.Context, accountID string) (*Wallet, error) {
	now := time.Now().UTC()
	w := &Wallet{
		ID:        idgen.WithPrefix("wal_"),
		AccountID: accountID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return w, nil
}

// GetWallet returns a wallet by ID.
func (l *Ledger) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	return l.store.GetWallet(ctx, id)
}

// GetWalletByAccount returns the wallet owned by an account.
func (l *Ledger) GetWalletByAccount(ctx context.Context, accountID string) (*Wallet, error) {
	return l.store.GetWalletByAccount(ctx, accountID)
}

// Credit adds funds to a wallet. Credits are idempotent by
// (ReferenceType, ReferenceID): a duplicate returns the original
// transaction without moving money again.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (*Transaction, error) {
	done := observeOp("credit")
	defer done()

	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.Currency.Valid() {
		return nil, ErrInvalidCurrency
	}
	if !req.Type.IsCredit() {
		return nil, fmt.Errorf("transaction type %q is not a credit", req.Type)
	}

	txn := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		WalletID:      req.WalletID,
		Type:          req.Type,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Description:   req.Description,
		CreatedAt:     time.Now().UTC(),
	}
	if req.Currency == CurrencySats {
		txn.AmountSats = req.Amount
	} else {
		txn.AmountUSDCents = req.Amount
	}

	out, err := l.store.Credit(ctx, req, txn)
	if err != nil {
		return nil, err
	}
	if out.ID != txn.ID {
		l.logger.Info("duplicate credit ignored",
			"walletId", req.WalletID,
			"referenceType", req.ReferenceType,
			"referenceId", req.ReferenceID,
			"originalTxn", out.ID,
		)
	}
	return out, nil
}

// Hold reserves funds for a quoted call. The default currency is tried
// first; on insufficient balance the other currency is tried with its own
// amount. Holds write no transaction row.
func (l *Ledger) Hold(ctx context.Context, walletID string, defaultCurrency Currency, usdCents, sats int64) (*Hold, error) {
	done := observeOp("hold")
	defer done()

	if !defaultCurrency.Valid() {
		return nil, ErrInvalidCurrency
	}

	amountFor := func(c Currency) int64 {
		if c == CurrencySats {
			return sats
		}
		return usdCents
	}

	for _, c := range []Currency{defaultCurrency, defaultCurrency.Other()} {
		amount := amountFor(c)
		if amount <= 0 {
			continue
		}
		err := l.store.Hold(ctx, walletID, c, amount)
		if err == nil {
			holdResults.WithLabelValues(string(c), "ok").Inc()
			return &Hold{WalletID: walletID, Currency: c, Amount: amount}, nil
		}
		if !errors.Is(err, ErrInsufficientBalance) {
			return nil, err
		}
		holdResults.WithLabelValues(string(c), "insufficient").Inc()
	}

	// Both attempts failed; report against the default currency.
	required := amountFor(defaultCurrency)
	available := int64(0)
	if w, err := l.store.GetWallet(ctx, walletID); err == nil {
		available = w.Balance(defaultCurrency)
	}
	return nil, &InsufficientBalanceError{
		Currency:  defaultCurrency,
		Required:  required,
		Available: available,
	}
}

// Settle charges final against a hold and returns the remainder to the
// available balance, recording a debit_proxy_call transaction. A zero-row
// settle means the wallet's held counter no longer covers the hold, which
// is an accounting fault, not a caller error.
func (l *Ledger) Settle(ctx context.Context, hold *Hold, final int64, auditID string) (*Transaction, error) {
	done := observeOp("settle")
	defer done()

	if final < 0 {
		return nil, ErrInvalidAmount
	}
	if final > hold.Amount {
		return nil, ErrSettleExceedsHold
	}

	txn := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		WalletID:      hold.WalletID,
		Type:          TxDebitProxyCall,
		ReferenceType: "audit",
		ReferenceID:   auditID,
		CreatedAt:     time.Now().UTC(),
	}
	if hold.Currency == CurrencySats {
		txn.AmountSats = final
	} else {
		txn.AmountUSDCents = final
	}

	if err := l.store.Settle(ctx, *hold, final, txn); err != nil {
		if errors.Is(err, ErrHeldMismatch) {
			accountingErrors.WithLabelValues("settle").Inc()
			l.logger.Error("settle failed: held balance mismatch",
				"walletId", hold.WalletID,
				"currency", hold.Currency,
				"holdAmount", hold.Amount,
				"final", final,
				"auditId", auditID,
			)
		}
		return nil, err
	}
	return txn, nil
}

// Release returns a hold in full, recording a refund transaction.
func (l *Ledger) Release(ctx context.Context, hold *Hold, auditID string) (*Transaction, error) {
	done := observeOp("release")
	defer done()

	txn := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		WalletID:      hold.WalletID,
		Type:          TxRefund,
		ReferenceType: "audit",
		ReferenceID:   auditID,
		CreatedAt:     time.Now().UTC(),
	}
	if hold.Currency == CurrencySats {
		txn.AmountSats = hold.Amount
	} else {
		txn.AmountUSDCents = hold.Amount
	}

	if err := l.store.Release(ctx, *hold, txn); err != nil {
		if errors.Is(err, ErrHeldMismatch) {
			accountingErrors.WithLabelValues("release").Inc()
			l.logger.Error("release failed: held balance mismatch",
				"walletId", hold.WalletID,
				"currency", hold.Currency,
				"holdAmount", hold.Amount,
				"auditId", auditID,
			)
		}
		return nil, err
	}
	return txn, nil
}

// ListTransactions returns a page of transactions, newest first, with a
// cursor for the next page.
func (l *Ledger) ListTransactions(ctx context.Context, walletID string, opts ...ListOption) ([]*Transaction, string, error) {
	o := ListOptions{Limit: 50}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Limit <= 0 || o.Limit > 200 {
		o.Limit = 50
	}
	return l.store.ListTransactions(ctx, walletID, o)
}
