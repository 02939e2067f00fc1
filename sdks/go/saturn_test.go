package saturn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(handler http.HandlerFunc) (*Client, func()) {
	ts := httptest.NewServer(handler)
	return New(ts.URL, "sk_agt_testkey"), ts.Close
}

func writeEnvelope(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func TestWallet(t *testing.T) {
	client, cleanup := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/wallet", r.URL.Path)
		assert.Equal(t, "Bearer sk_agt_testkey", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"wallet": map[string]any{
				"id":              "wal_1",
				"accountId":       "acc_1",
				"balanceSats":     25000,
				"heldSats":        150,
				"balanceUsdCents": 500,
			},
		})
	})
	defer cleanup()

	w, err := client.Wallet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wal_1", w.ID)
	assert.Equal(t, int64(25000), w.BalanceSats)
	assert.Equal(t, int64(150), w.HeldSats)
	assert.Equal(t, int64(500), w.BalanceUSDCents)
}

func TestWallet_APIError(t *testing.T) {
	client, cleanup := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid API key")
	})
	defer cleanup()

	_, err := client.Wallet(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, CodeUnauthorized, apiErr.Code)
	assert.Equal(t, "Invalid API key", apiErr.Message)
	assert.Contains(t, apiErr.Error(), "UNAUTHORIZED")
}

func TestWallet_NonEnvelopeError(t *testing.T) {
	client, cleanup := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	defer cleanup()

	_, err := client.Wallet(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Empty(t, apiErr.Code)
	assert.Equal(t, "bad gateway", apiErr.Message)
	assert.Contains(t, apiErr.Error(), "unexpected status 502")
}

func TestCall(t *testing.T) {
	client, cleanup := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/proxy/translate-x", r.URL.Path)
		var params map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "hello world", params["text"])

		w.Header().Set("X-Saturn-Audit-Id", "aud_1")
		w.Header().Set("X-Saturn-Quoted-Sats", "150")
		w.Header().Set("X-Saturn-Charged-Sats", "150")
		w.Header().Set("X-Saturn-Balance-After", "9850")
		w.Header().Set("X-Saturn-Provider", "translate-x")
		json.NewEncoder(w).Encode(map[string]string{"translation": "hola mundo"})
	})
	defer cleanup()

	res, err := client.Call(context.Background(), "translate-x", map[string]any{"text": "hello world"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "aud_1", res.Meta.AuditID)
	assert.Equal(t, int64(150), res.Meta.ChargedSats)
	assert.Equal(t, int64(9850), res.Meta.BalanceAfter)
	assert.Contains(t, string(res.Body), "hola mundo")
}

func TestCall_NilParamsSendEmptyObject(t *testing.T) {
	client, cleanup := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		var params map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Empty(t, params)
		w.Write([]byte(`{}`))
	})
	defer cleanup()

	_, err := client.Call(context.Background(), "ping-svc", nil)
	require.NoError(t, err)
}

func TestCall_InsufficientBalance(t *testing.T) {
	client, cleanup := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Saturn-Quoted-Sats", "150")
		w.Header().Set("X-Saturn-Balance-After", "40")
		writeEnvelope(w, http.StatusPaymentRequired, CodeInsufficientBalance, "Balance cannot cover the quoted price")
	})
	defer cleanup()

	res, err := client.Call(context.Background(), "translate-x", map[string]any{"text": "hi"})
	assert.Nil(t, res)
	require.Error(t, err)

	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, CodeInsufficientBalance, callErr.Code)
	assert.Equal(t, int64(150), callErr.Meta.QuotedSats)
	assert.Equal(t, int64(40), callErr.Meta.BalanceAfter)

	// The embedded envelope is reachable as an APIError too.
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPaymentRequired, apiErr.Status)
}

func TestCallCapability_PinsProvider(t *testing.T) {
	var gotProvider atomic.Value
	client, cleanup := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/capabilities/chat", r.URL.Path)
		gotProvider.Store(r.URL.Query().Get("provider"))
		w.Write([]byte(`{}`))
	})
	defer cleanup()

	_, err := client.CallCapability(context.Background(), "chat", nil, "openai-gpt")
	require.NoError(t, err)
	assert.Equal(t, "openai-gpt", gotProvider.Load())

	_, err = client.CallCapability(context.Background(), "chat", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "", gotProvider.Load())
}

func TestFund(t *testing.T) {
	client, cleanup := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/wallet/fund", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(10000), body["amountSats"])
		assert.Equal(t, "top up", body["memo"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":             "inv_77",
			"amountSats":     10000,
			"paymentRequest": "lnbcrt100u1pexample",
			"status":         "pending",
		})
	})
	defer cleanup()

	inv, err := client.Fund(context.Background(), 10000, "top up")
	require.NoError(t, err)
	assert.Equal(t, "inv_77", inv.ID)
	assert.Equal(t, "lnbcrt100u1pexample", inv.PaymentRequest)
}

func TestTransactions(t *testing.T) {
	client, cleanup := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/wallet/transactions", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		json.NewEncoder(w).Encode(map[string]any{
			"transactions": []map[string]any{
				{"id": "txn_1", "type": "debit_proxy_call", "amountSats": 150},
			},
			"nextCursor": "def",
		})
	})
	defer cleanup()

	txns, next, err := client.Transactions(context.Background(), 5, "abc")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "txn_1", txns[0].ID)
	assert.Equal(t, "def", next)
}

func TestCallCapabilityFunded(t *testing.T) {
	var calls atomic.Int32
	var fundedSats atomic.Int64
	client, cleanup := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/capabilities/chat":
			if calls.Add(1) == 1 {
				w.Header().Set("X-Saturn-Quoted-Sats", "150")
				w.Header().Set("X-Saturn-Balance-After", "40")
				writeEnvelope(w, http.StatusPaymentRequired, CodeInsufficientBalance, "Balance cannot cover the quoted price")
				return
			}
			w.Header().Set("X-Saturn-Charged-Sats", "150")
			w.Header().Set("X-Saturn-Balance-After", "12")
			json.NewEncoder(w).Encode(map[string]string{"reply": "ok"})
		case "/v1/wallet/fund":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			fundedSats.Store(int64(body["amountSats"].(float64)))
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"id": "inv_9", "paymentRequest": "lnbcrt1dev", "amountSats": body["amountSats"],
			})
		case "/v1/wallet":
			json.NewEncoder(w).Encode(map[string]any{
				"wallet": map[string]any{"id": "wal_1", "balanceSats": 162},
			})
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer cleanup()

	var paid *Invoice
	pay := func(ctx context.Context, inv *Invoice) error {
		paid = inv
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := client.CallCapabilityFunded(ctx, "chat", map[string]any{"q": "hi"}, "", pay)
	require.NoError(t, err)
	assert.Equal(t, int64(150), res.Meta.ChargedSats)
	assert.Equal(t, int32(2), calls.Load())

	// Shortfall 110 plus 10% headroom plus one.
	assert.Equal(t, int64(122), fundedSats.Load())
	require.NotNil(t, paid)
	assert.Equal(t, "inv_9", paid.ID)
}

func TestCallCapabilityFunded_USDQuotedNotFundable(t *testing.T) {
	var fundHit atomic.Bool
	client, cleanup := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/wallet/fund" {
			fundHit.Store(true)
		}
		w.Header().Set("X-Saturn-Quoted-Usd-Cents", "25")
		w.Header().Set("X-Saturn-Balance-After", "10")
		writeEnvelope(w, http.StatusPaymentRequired, CodeInsufficientBalance, "Balance cannot cover the quoted price")
	})
	defer cleanup()

	pay := func(ctx context.Context, inv *Invoice) error { return nil }
	_, err := client.CallCapabilityFunded(context.Background(), "chat", nil, "", pay)
	require.Error(t, err)

	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, int64(25), callErr.Meta.QuotedUSDCents)
	assert.False(t, fundHit.Load())
}

func TestCallCapabilityFunded_PayFailure(t *testing.T) {
	client, cleanup := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/capabilities/chat":
			w.Header().Set("X-Saturn-Quoted-Sats", "100")
			w.Header().Set("X-Saturn-Balance-After", "0")
			writeEnvelope(w, http.StatusPaymentRequired, CodeInsufficientBalance, "Balance cannot cover the quoted price")
		case "/v1/wallet/fund":
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{"id": "inv_3", "paymentRequest": "lnbcrt1dev"})
		}
	})
	defer cleanup()

	pay := func(ctx context.Context, inv *Invoice) error { return errors.New("node offline") }
	_, err := client.CallCapabilityFunded(context.Background(), "chat", nil, "", pay)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inv_3")
	assert.Contains(t, err.Error(), "node offline")
}

func TestCallCapabilityFunded_OtherErrorsPassThrough(t *testing.T) {
	client, cleanup := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusForbidden, CodePolicyDenied, "per-call limit exceeded")
	})
	defer cleanup()

	pay := func(ctx context.Context, inv *Invoice) error {
		t.Error("pay should not run for a policy denial")
		return nil
	}
	_, err := client.CallCapabilityFunded(context.Background(), "chat", nil, "", pay)
	require.Error(t, err)

	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, CodePolicyDenied, callErr.Code)
}
