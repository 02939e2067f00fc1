package checkout

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
)

// StripeProvider opens hosted payment pages through Stripe Checkout.
type StripeProvider struct {
	successURL string
	cancelURL  string
}

// NewStripeProvider configures the Stripe client key and returns the
// provider. successURL and cancelURL are where the hosted page sends
// the payer afterwards.
func NewStripeProvider(apiKey, successURL, cancelURL string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{successURL: successURL, cancelURL: cancelURL}
}

var _ Provider = (*StripeProvider)(nil)

// CreateCheckout opens a payment-mode checkout session for the amount.
// The account ID rides along as the client reference.
func (p *StripeProvider) CreateCheckout(ctx context.Context, amountUSDCents int64, accountID string) (*CreatedSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String("usd"),
					UnitAmount: stripe.Int64(amountUSDCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Saturn wallet top-up"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(p.successURL),
		CancelURL:         stripe.String(p.cancelURL),
		ClientReferenceID: stripe.String(accountID),
	}
	params.Context = ctx

	cs, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe checkout create failed: %w", err)
	}
	return &CreatedSession{ProviderSessionID: cs.ID, URL: cs.URL}, nil
}
