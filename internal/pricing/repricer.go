package pricing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbd888/saturn/internal/catalog"
)

// Repricer rewrites catalog sats prices when the rate moves. Wire it to
// an Oracle with OnChange.
type Repricer struct {
	store  catalog.Store
	logger *slog.Logger
}

// NewRepricer creates a repricer over the catalog store.
func NewRepricer(store catalog.Store, logger *slog.Logger) *Repricer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repricer{store: store, logger: logger}
}

// Reprice recomputes price_sats for every pricing row at the given rate
// and persists the rows whose value changed. Rows that fail to persist
// are logged and skipped; they are retried on the next rate change.
func (r *Repricer) Reprice(ctx context.Context, rate int64) (int, error) {
	rows, err := r.store.ListAllPricing(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pricing: %w", err)
	}

	updated := 0
	for _, row := range rows {
		want := UsdMicrosToSats(row.PriceUsdMicros, rate)
		if want == row.PriceSats {
			continue
		}
		if err := r.store.UpdatePriceSats(ctx, row.ID, want); err != nil {
			r.logger.Error("reprice failed", "pricing", row.ID, "error", err)
			continue
		}
		updated++
	}

	if updated > 0 {
		repricedRows.Add(float64(updated))
		r.logger.Info("catalog repriced", "rate", rate, "rows", updated)
	}
	return updated, nil
}
