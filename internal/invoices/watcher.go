package invoices

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config tunes the watcher's reconnect behaviour.
type Config struct {
	// BackoffBase is the delay after the first failed subscribe. It
	// doubles per consecutive failure up to BackoffMax and resets on a
	// successful subscribe.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the production reconnect timings.
func DefaultConfig() Config {
	return Config{
		BackoffBase: time.Second,
		BackoffMax:  60 * time.Second,
	}
}

// Watcher consumes settlement events from the node's invoice stream and
// feeds them to the service. It reconnects with exponential backoff
// when the stream drops.
type Watcher struct {
	dialer  StreamDialer
	service *Service
	cfg     Config
	logger  *slog.Logger

	connected atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a watcher over the given settlement stream source.
func NewWatcher(cfg Config, dialer StreamDialer, service *Service, logger *slog.Logger) *Watcher {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dialer:  dialer,
		service: service,
		cfg:     cfg,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins consuming settlement events until ctx is cancelled or
// Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("invoice watcher started")
	go w.run(ctx)
}

// Stop terminates the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
	w.logger.Info("invoice watcher stopped")
}

// Connected reports whether the watcher currently holds a live
// settlement stream.
func (w *Watcher) Connected() bool {
	return w.connected.Load()
}

func (w *Watcher) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("invoice watcher panicked", "panic", r)
		}
		close(w.done)
	}()

	backoff := w.cfg.BackoffBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		stream, err := w.dialer.Subscribe(ctx)
		if err != nil {
			streamReconnects.Inc()
			w.logger.Warn("invoice stream subscribe failed", "error", err, "retryIn", backoff)
			if !w.sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > w.cfg.BackoffMax {
				backoff = w.cfg.BackoffMax
			}
			continue
		}
		backoff = w.cfg.BackoffBase

		w.connected.Store(true)
		w.consume(ctx, stream)
		w.connected.Store(false)
	}
}

// consume drains one stream until it fails or the watcher stops.
func (w *Watcher) consume(ctx context.Context, stream InvoiceStream) {
	// Recv has no context, so a side channel closes the stream to
	// unblock it on shutdown.
	closed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-w.stop:
		case <-closed:
		}
		_ = stream.Close()
	}()
	defer close(closed)

	for {
		ev, err := stream.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-w.stop:
			default:
				w.logger.Warn("invoice stream dropped", "error", err)
			}
			return
		}
		if err := w.service.ProcessSettlement(ctx, ev.RHash, ev.SettledAt); err != nil {
			w.logger.Error("settlement processing failed", "rHash", ev.RHash, "error", err)
		}
	}
}

// sleep waits for d unless the watcher shuts down first.
func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stop:
		return false
	case <-t.C:
		return true
	}
}

// Sweeper periodically expires pending invoices whose expiry passed
// without a settlement.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates a sweeper. A non-positive interval defaults to one
// minute.
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
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
			n, err := s.store.ExpirePending(ctx, time.Now().UTC())
			if err != nil {
				s.logger.Error("invoice expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				invoicesExpired.Add(float64(n))
				s.logger.Info("expired unpaid invoices", "count", n)
			}
		}
	}
}
