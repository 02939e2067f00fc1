package checkout

import (
	"context"
	"fmt"

	"github.com/mbd888/saturn/internal/idgen"
)

// DevProvider fabricates checkout sessions locally for development.
// Nothing can pay them; complete through the provider webhook instead.
type DevProvider struct{}

// NewDevProvider creates the development provider.
func NewDevProvider() *DevProvider {
	return &DevProvider{}
}

var _ Provider = (*DevProvider)(nil)

func (d *DevProvider) CreateCheckout(ctx context.Context, amountUSDCents int64, accountID string) (*CreatedSession, error) {
	id := "cs_dev_" + idgen.Hex(12)
	return &CreatedSession{
		ProviderSessionID: id,
		URL:               fmt.Sprintf("https://checkout.example.com/pay/%s", id),
	}, nil
}
