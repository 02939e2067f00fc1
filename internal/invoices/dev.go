package invoices

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/saturn/internal/idgen"
)

// DevIssuer fabricates invoices locally for development. Nothing can
// pay them; settle through the signed webhook instead.
type DevIssuer struct {
	ttl time.Duration
}

// NewDevIssuer creates an issuer whose invoices expire after an hour.
func NewDevIssuer() *DevIssuer {
	return &DevIssuer{ttl: time.Hour}
}

var _ Issuer = (*DevIssuer)(nil)

func (d *DevIssuer) Issue(_ context.Context, amountSats int64, _ string) (*IssuedInvoice, error) {
	rHash := idgen.Hex(32)
	return &IssuedInvoice{
		RHash:          rHash,
		PaymentRequest: fmt.Sprintf("lnbcrt%d0n1dev%s", amountSats, rHash[:24]),
		ExpiresAt:      time.Now().UTC().Add(d.ttl),
	}, nil
}
