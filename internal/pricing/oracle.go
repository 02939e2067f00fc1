package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/saturn/internal/circuitbreaker"
	"github.com/mbd888/saturn/internal/metrics"
	"github.com/mbd888/saturn/internal/retry"
)

const rateSourceKey = "rate_source"

// RateSource fetches the current BTC price in whole US dollars.
type RateSource interface {
	FetchRate(ctx context.Context) (int64, error)
}

// Oracle caches the BTC-USD rate. Reads never block on a refresh; a
// failed refresh keeps the last known rate.
type Oracle struct {
	source   RateSource
	interval time.Duration
	logger   *slog.Logger
	breaker  *circuitbreaker.Breaker

	retryAttempts int
	retryBase     time.Duration

	mu          sync.RWMutex
	rate        int64
	lastRefresh time.Time

	onChange []func(ctx context.Context, rate int64)

	stop chan struct{}
	done chan struct{}
}

// NewOracle seeds the cache with fallbackRate. source may be nil, in
// which case the rate stays pinned at the fallback.
func NewOracle(fallbackRate int64, source RateSource, interval time.Duration, logger *slog.Logger) *Oracle {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	metrics.BTCUSDRate.Set(float64(fallbackRate))
	return &Oracle{
		source:        source,
		interval:      interval,
		logger:        logger,
		breaker:       circuitbreaker.New(3, time.Minute),
		retryAttempts: 3,
		retryBase:     2 * time.Second,
		rate:          fallbackRate,
		lastRefresh:   time.Now().UTC(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Rate returns the cached BTC-USD rate in whole dollars.
func (o *Oracle) Rate() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rate
}

// LastRefresh reports when the rate was last confirmed against the
// source. Seeded at construction so a sourceless oracle reads as
// current.
func (o *Oracle) LastRefresh() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastRefresh
}

// OnChange registers a callback fired after the cached rate changes.
// Register before Start; callbacks run on the refresh goroutine.
func (o *Oracle) OnChange(fn func(ctx context.Context, rate int64)) {
	o.onChange = append(o.onChange, fn)
}

// Start begins the refresh loop. Without a source there is nothing to
// refresh and the loop is not started.
func (o *Oracle) Start(ctx context.Context) {
	if o.source == nil {
		close(o.done)
		return
	}
	o.logger.Info("rate oracle started", "rate", o.Rate(), "interval", o.interval)
	go o.refreshLoop(ctx)
}

// Stop stops the refresh loop. Call after Start.
func (o *Oracle) Stop() {
	close(o.stop)
	<-o.done
}

func (o *Oracle) refreshLoop(ctx context.Context) {
	defer close(o.done)

	// Refresh once at startup so the config fallback is corrected as
	// soon as the source is reachable.
	o.refresh(ctx)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			o.refresh(ctx)
		}
	}
}

func (o *Oracle) refresh(ctx context.Context) {
	if !o.breaker.Allow(rateSourceKey) {
		rateRefreshes.WithLabelValues("skipped").Inc()
		return
	}

	var fetched int64
	err := retry.Do(ctx, o.retryAttempts, o.retryBase, func() error {
		r, err := o.source.FetchRate(ctx)
		if err != nil {
			return err
		}
		if r <= 0 {
			return retry.Permanent(fmt.Errorf("rate source returned %d", r))
		}
		fetched = r
		return nil
	})
	if err != nil {
		o.breaker.RecordFailure(rateSourceKey)
		rateRefreshes.WithLabelValues("error").Inc()
		o.logger.Warn("rate refresh failed, keeping last rate", "rate", o.Rate(), "error", err)
		return
	}
	o.breaker.RecordSuccess(rateSourceKey)
	rateRefreshes.WithLabelValues("ok").Inc()

	o.mu.Lock()
	changed := fetched != o.rate
	o.rate = fetched
	o.lastRefresh = time.Now().UTC()
	o.mu.Unlock()

	if !changed {
		return
	}

	metrics.BTCUSDRate.Set(float64(fetched))
	o.logger.Info("btc-usd rate updated", "rate", fetched)
	for _, fn := range o.onChange {
		fn(ctx, fetched)
	}
}
