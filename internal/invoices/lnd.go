package invoices

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// LNDNode talks to an LND node over its REST API. It issues invoices
// and subscribes to the settlement stream, so one value serves as both
// the Issuer and the StreamDialer.
type LNDNode struct {
	baseURL  string
	macaroon string
	ttl      time.Duration
	client   *http.Client
}

// NewLNDNode creates a client for the node at baseURL authenticating
// with the given hex macaroon. Issued invoices expire after ttl.
func NewLNDNode(baseURL, macaroon string, ttl time.Duration) *LNDNode {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &LNDNode{
		baseURL:  baseURL,
		macaroon: macaroon,
		ttl:      ttl,
		// No overall timeout: Subscribe holds a long-lived stream.
		// Issue carries its own deadline via context.
		client: &http.Client{},
	}
}

var (
	_ Issuer       = (*LNDNode)(nil)
	_ StreamDialer = (*LNDNode)(nil)
)

// Issue implements Issuer via POST /v1/invoices.
func (n *LNDNode) Issue(ctx context.Context, amountSats int64, memo string) (*IssuedInvoice, error) {
	expiry := int64(n.ttl / time.Second)
	payload, err := json.Marshal(map[string]any{
		"value":  strconv.FormatInt(amountSats, 10),
		"memo":   memo,
		"expiry": strconv.FormatInt(expiry, 10),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal invoice request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/v1/invoices", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Grpc-Metadata-Macaroon", n.macaroon)

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lnd add invoice: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("lnd add invoice returned %d: %s", resp.StatusCode, body)
	}

	var out struct {
		RHash          string `json:"r_hash"`
		PaymentRequest string `json:"payment_request"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode invoice response: %w", err)
	}
	rHash, err := decodeRHash(out.RHash)
	if err != nil {
		return nil, err
	}
	if out.PaymentRequest == "" {
		return nil, fmt.Errorf("lnd returned empty payment request")
	}

	return &IssuedInvoice{
		RHash:          rHash,
		PaymentRequest: out.PaymentRequest,
		ExpiresAt:      time.Now().UTC().Add(n.ttl),
	}, nil
}

// Subscribe implements StreamDialer via the streaming
// GET /v1/invoices/subscribe endpoint. LND delivers one JSON object per
// invoice state change; only settlements are surfaced.
func (n *LNDNode) Subscribe(ctx context.Context) (InvoiceStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/v1/invoices/subscribe", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Grpc-Metadata-Macaroon", n.macaroon)

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lnd subscribe: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("lnd subscribe returned %d: %s", resp.StatusCode, body)
	}

	return &lndStream{
		body:    resp.Body,
		decoder: json.NewDecoder(resp.Body),
	}, nil
}

// lndStream decodes the chunked subscribe body. Each message arrives
// wrapped as {"result": {...invoice...}}.
type lndStream struct {
	body    io.ReadCloser
	decoder *json.Decoder
}

var _ InvoiceStream = (*lndStream)(nil)

func (s *lndStream) Recv() (*Settlement, error) {
	for {
		var msg struct {
			Result struct {
				RHash      string `json:"r_hash"`
				Settled    bool   `json:"settled"`
				SettleDate string `json:"settle_date"`
			} `json:"result"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := s.decoder.Decode(&msg); err != nil {
			return nil, err
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("lnd stream error: %s", msg.Error.Message)
		}
		if !msg.Result.Settled {
			continue
		}

		rHash, err := decodeRHash(msg.Result.RHash)
		if err != nil {
			return nil, err
		}
		settledAt := time.Now().UTC()
		if secs, err := strconv.ParseInt(msg.Result.SettleDate, 10, 64); err == nil && secs > 0 {
			settledAt = time.Unix(secs, 0).UTC()
		}
		return &Settlement{RHash: rHash, SettledAt: settledAt}, nil
	}
}

func (s *lndStream) Close() error {
	return s.body.Close()
}

// decodeRHash normalizes LND's base64 payment hash to the hex form the
// store keys on. Hashes that already look like hex pass through.
func decodeRHash(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("lnd response missing r_hash")
	}
	if _, err := hex.DecodeString(raw); err == nil && len(raw) == 64 {
		return raw, nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode r_hash %q: %w", raw, err)
	}
	return hex.EncodeToString(b), nil
}
