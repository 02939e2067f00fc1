package invoices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/saturn/internal/account"
	"github.com/mbd888/saturn/internal/auth"
	"github.com/mbd888/saturn/internal/ledger"
	"github.com/mbd888/saturn/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyCreditStore wraps the ledger memory store so credits can be made
// to fail.
type flakyCreditStore struct {
	ledger.Store
	failCredit bool
}

func (f *flakyCreditStore) Credit(ctx context.Context, req ledger.CreditRequest, txn *ledger.Transaction) (*ledger.Transaction, error) {
	if f.failCredit {
		return nil, errors.New("credit store down")
	}
	return f.Store.Credit(ctx, req, txn)
}

type invFixture struct {
	store       *MemoryStore
	ledgerStore *flakyCreditStore
	ledger      *ledger.Ledger
	accounts    *account.MemoryStore
	policies    policy.Store
	svc         *Service
	identity    *auth.Identity
}

// newInvFixture wires the invoice service over memory stores with one
// account "acc_inv" (usd_cents default) and an empty wallet.
func newInvFixture(t *testing.T) *invFixture {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	accounts := account.NewMemoryStore()
	acc := &account.Account{
		ID:              "acc_inv",
		Email:           "inv@example.com",
		DefaultCurrency: ledger.CurrencyUSDCents,
	}
	primary := &account.Agent{
		ID:        "agt_inv",
		AccountID: "acc_inv",
		Name:      "primary",
		Role:      account.RolePrimary,
		Status:    account.AgentActive,
	}
	require.NoError(t, accounts.CreateAccount(ctx, acc, primary))

	ledgerStore := &flakyCreditStore{Store: ledger.NewMemoryStore()}
	led := ledger.New(ledgerStore, logger)
	wallet, err := led.CreateWallet(ctx, "acc_inv")
	require.NoError(t, err)

	store := NewMemoryStore()
	policies := policy.NewMemoryStore()
	svc := New(store, NewDevIssuer(), led, accounts, policies, logger)

	return &invFixture{
		store:       store,
		ledgerStore: ledgerStore,
		ledger:      led,
		accounts:    accounts,
		policies:    policies,
		svc:         svc,
		identity: &auth.Identity{
			Agent:   primary,
			Account: acc,
			Wallet:  wallet,
			Policy:  policy.Default("agt_inv"),
		},
	}
}

func (f *invFixture) balanceSats(t *testing.T) int64 {
	t.Helper()
	w, err := f.ledger.GetWalletByAccount(context.Background(), "acc_inv")
	require.NoError(t, err)
	return w.BalanceSats
}

func (f *invFixture) transactions(t *testing.T) []*ledger.Transaction {
	t.Helper()
	w, err := f.ledger.GetWalletByAccount(context.Background(), "acc_inv")
	require.NoError(t, err)
	txns, _, err := f.ledger.ListTransactions(context.Background(), w.ID)
	require.NoError(t, err)
	return txns
}

func (f *invFixture) setBalanceCap(t *testing.T, maxSats int64) {
	t.Helper()
	pol := policy.Default("agt_inv")
	pol.MaxBalanceSats = &maxSats
	require.NoError(t, f.policies.Upsert(context.Background(), pol))
}

func TestCreateInvoiceStoresPending(t *testing.T) {
	fx := newInvFixture(t)
	ctx := context.Background()

	inv, err := fx.svc.CreateInvoice(ctx, "acc_inv", 5_000, "top up")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(inv.ID, "inv_"), "id %q", inv.ID)
	assert.Equal(t, "acc_inv", inv.AccountID)
	assert.Equal(t, fx.identity.Wallet.ID, inv.WalletID)
	assert.Equal(t, int64(5_000), inv.AmountSats)
	assert.Equal(t, "top up", inv.Memo)
	assert.Equal(t, StatusPending, inv.Status)
	assert.Len(t, inv.RHash, 64)
	assert.True(t, strings.HasPrefix(inv.PaymentRequest, "lnbcrt"))
	assert.True(t, inv.ExpiresAt.After(time.Now()))
	assert.Nil(t, inv.SettledAt)

	listed, _, err := fx.svc.List(ctx, "acc_inv")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, inv.ID, listed[0].ID)
}

func TestCreateInvoiceRejectsBadAmounts(t *testing.T) {
	fx := newInvFixture(t)
	ctx := context.Background()

	for _, amount := range []int64{0, -5, MaxInvoiceSats + 1} {
		_, err := fx.svc.CreateInvoice(ctx, "acc_inv", amount, "")
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %d", amount)
	}
}

func TestCreateInvoiceBalanceCapPreCheck(t *testing.T) {
	fx := newInvFixture(t)
	ctx := context.Background()
	fx.setBalanceCap(t, 10_000)

	_, err := fx.ledger.Credit(ctx, ledger.CreditRequest{
		WalletID:      fx.identity.Wallet.ID,
		Currency:      ledger.CurrencySats,
		Amount:        8_000,
		Type:          ledger.TxCreditLightning,
		ReferenceType: "invoice",
		ReferenceID:   "inv_seed",
	})
	require.NoError(t, err)

	_, err = fx.svc.CreateInvoice(ctx, "acc_inv", 5_000, "")
	assert.ErrorIs(t, err, ledger.ErrBalanceCapExceeded)

	inv, err := fx.svc.CreateInvoice(ctx, "acc_inv", 2_000, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, inv.Status)
}

func TestProcessSettlementCreditsWallet(t *testing.T) {
	fx := newInvFixture(t)
	ctx := context.Background()

	inv, err := fx.svc.CreateInvoice(ctx, "acc_inv", 5_000, "")
	require.NoError(t, err)

	settledAt := time.Now().UTC()
	require.NoError(t, fx.svc.ProcessSettlement(ctx, inv.RHash, settledAt))

	assert.Equal(t, int64(5_000), fx.balanceSats(t))

	stored := fx.store.GetByRHash(inv.RHash)
	require.NotNil(t, stored)
	assert.Equal(t, StatusSettled, stored.Status)
	require.NotNil(t, stored.SettledAt)
	assert.Equal(t, settledAt, *stored.SettledAt)

	txns := fx.transactions(t)
	require.Len(t, txns, 1)
	assert.Equal(t, ledger.TxCreditLightning, txns[0].Type)
	assert.Equal(t, "invoice", txns[0].ReferenceType)
	assert.Equal(t, inv.ID, txns[0].ReferenceID)
	assert.Equal(t, int64(5_000), txns[0].AmountSats)
}

func TestProcessSettlementDuplicateIsNoOp(t *testing.T) {
	fx := newInvFixture(t)
	ctx := context.Background()

	inv, err := fx.svc.CreateInvoice(ctx, "acc_inv", 5_000, "")
	require.NoError(t, err)

	require.NoError(t, fx.svc.ProcessSettlement(ctx, inv.RHash, time.Now().UTC()))
	require.NoError(t, fx.svc.ProcessSettlement(ctx, inv.RHash, time.Now().UTC()))

	assert.Equal(t, int64(5_000), fx.balanceSats(t))
	assert.Len(t, fx.transactions(t), 1)
}

func TestProcessSettlementUnknownRHashIgnored(t *testing.T) {
	fx := newInvFixture(t)

	err := fx.svc.ProcessSettlement(context.Background(), "deadbeef", time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, int64(0), fx.balanceSats(t))
	assert.Empty(t, fx.transactions(t))
}

func TestPromotionOnFirstLightningCredit(t *testing.T) {
	fx := newInvFixture(t)
	ctx := context.Background()

	inv, err := fx.svc.CreateInvoice(ctx, "acc_inv", 1_000, "")
	require.NoError(t, err)
	require.NoError(t, fx.svc.ProcessSettlement(ctx, inv.RHash, time.Now().UTC()))

	acc, err := fx.accounts.GetAccount(ctx, "acc_inv")
	require.NoError(t, err)
	assert.Equal(t, ledger.CurrencySats, acc.DefaultCurrency)

	// A second settlement finds the account already on sats.
	inv2, err := fx.svc.CreateInvoice(ctx, "acc_inv", 1_000, "")
	require.NoError(t, err)
	require.NoError(t, fx.svc.ProcessSettlement(ctx, inv2.RHash, time.Now().UTC()))

	acc, err = fx.accounts.GetAccount(ctx, "acc_inv")
	require.NoError(t, err)
	assert.Equal(t, ledger.CurrencySats, acc.DefaultCurrency)
	assert.Equal(t, int64(2_000), fx.balanceSats(t))
}

func TestProcessSettlementCapSkipsCredit(t *testing.T) {
	fx := newInvFixture(t)
	ctx := context.Background()

	inv, err := fx.svc.CreateInvoice(ctx, "acc_inv", 5_000, "")
	require.NoError(t, err)

	// Cap imposed between invoice creation and settlement.
	fx.setBalanceCap(t, 1_000)

	require.NoError(t, fx.svc.ProcessSettlement(ctx, inv.RHash, time.Now().UTC()))

	stored := fx.store.GetByRHash(inv.RHash)
	require.NotNil(t, stored)
	assert.Equal(t, StatusSettled, stored.Status)
	assert.Equal(t, int64(0), fx.balanceSats(t))
	assert.Empty(t, fx.transactions(t))
}

func TestProcessSettlementCreditFailureSurfaces(t *testing.T) {
	fx := newInvFixture(t)
	ctx := context.Background()

	inv, err := fx.svc.CreateInvoice(ctx, "acc_inv", 5_000, "")
	require.NoError(t, err)

	fx.ledgerStore.failCredit = true
	err = fx.svc.ProcessSettlement(ctx, inv.RHash, time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to credit")

	// The claim sticks even though the credit was lost; reconciliation
	// owns the repair, not a replay.
	stored := fx.store.GetByRHash(inv.RHash)
	require.NotNil(t, stored)
	assert.Equal(t, StatusSettled, stored.Status)
	assert.Equal(t, int64(0), fx.balanceSats(t))
}

func TestExpirePendingFlipsOnlyOverdue(t *testing.T) {
	fx := newInvFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	overdue := &Invoice{
		ID:             "inv_overdue",
		AccountID:      "acc_inv",
		WalletID:       fx.identity.Wallet.ID,
		AmountSats:     1_000,
		RHash:          "aa01",
		PaymentRequest: "lnbcrt1",
		Status:         StatusPending,
		CreatedAt:      now.Add(-2 * time.Hour),
		ExpiresAt:      now.Add(-time.Hour),
	}
	fresh := &Invoice{
		ID:             "inv_fresh",
		AccountID:      "acc_inv",
		WalletID:       fx.identity.Wallet.ID,
		AmountSats:     1_000,
		RHash:          "aa02",
		PaymentRequest: "lnbcrt2",
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
	require.NoError(t, fx.store.Insert(ctx, overdue))
	require.NoError(t, fx.store.Insert(ctx, fresh))

	n, err := fx.store.ExpirePending(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, StatusExpired, fx.store.GetByRHash("aa01").Status)
	assert.Equal(t, StatusPending, fx.store.GetByRHash("aa02").Status)

	// An expired invoice can no longer be claimed.
	claimed, err := fx.store.ClaimSettled(ctx, "aa01", now)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestListInvoicesPaginates(t *testing.T) {
	fx := newInvFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		inv := &Invoice{
			ID:             fmt.Sprintf("inv_%02d", i),
			AccountID:      "acc_inv",
			WalletID:       fx.identity.Wallet.ID,
			AmountSats:     1_000,
			RHash:          fmt.Sprintf("hash%02d", i),
			PaymentRequest: "lnbcrt",
			Status:         StatusPending,
			CreatedAt:      now.Add(time.Duration(i) * time.Minute),
			ExpiresAt:      now.Add(time.Hour),
		}
		require.NoError(t, fx.store.Insert(ctx, inv))
	}

	page1, cursor, err := fx.svc.List(ctx, "acc_inv", WithLimit(2))
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, cursor)
	assert.Equal(t, "inv_04", page1[0].ID)
	assert.Equal(t, "inv_03", page1[1].ID)

	page2, cursor, err := fx.svc.List(ctx, "acc_inv", WithLimit(2), WithCursor(cursor))
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.NotEmpty(t, cursor)
	assert.Equal(t, "inv_02", page2[0].ID)

	page3, cursor, err := fx.svc.List(ctx, "acc_inv", WithLimit(2), WithCursor(cursor))
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, cursor)
	assert.Equal(t, "inv_00", page3[0].ID)
}

func TestSweeperExpiresInBackground(t *testing.T) {
	fx := newInvFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, fx.store.Insert(ctx, &Invoice{
		ID:             "inv_sweep",
		AccountID:      "acc_inv",
		WalletID:       fx.identity.Wallet.ID,
		AmountSats:     1_000,
		RHash:          "sweepme",
		PaymentRequest: "lnbcrt",
		Status:         StatusPending,
		CreatedAt:      now.Add(-2 * time.Hour),
		ExpiresAt:      now.Add(-time.Hour),
	}))

	sweeper := NewSweeper(fx.store, 20*time.Millisecond, testLogger())
	sweeper.Start(ctx)
	defer sweeper.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fx.store.GetByRHash("sweepme").Status == StatusExpired {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sweeper never expired the overdue invoice")
}
