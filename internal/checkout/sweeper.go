package checkout

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires sessions that sat pending past their
// useful life. The provider emits expiry events for most of these; the
// sweep catches sessions whose events never arrived.
type Sweeper struct {
	store    Store
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates a sweeper. A non-positive interval defaults to ten
// minutes, a non-positive ttl to 24 hours.
func NewSweeper(store Store, interval, ttl time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		ttl:      ttl,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins periodic sweeps until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop terminates the sweeper and waits for the loop to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			n, err := s.store.ExpireStale(ctx, time.Now().UTC().Add(-s.ttl))
			if err != nil {
				s.logger.Error("checkout expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				sessionsExpired.Add(float64(n))
				s.logger.Info("expired stale checkout sessions", "count", n)
			}
		}
	}
}
