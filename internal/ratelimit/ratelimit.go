// Package ratelimit provides request throttling for the gateway.
//
// Limiter paces steady per-client traffic with a GCRA bucket. PerWindow
// is a fixed-window counter for low-frequency endpoints like signup and
// login where no mid-window refill is wanted.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/saturn/internal/httpapi"
)

// Config tunes the steady-traffic limiter.
type Config struct {
	// RequestsPerMinute is the sustained per-key request rate.
	RequestsPerMinute int
	// BurstSize is how many requests may arrive back to back before
	// pacing kicks in.
	BurstSize int
	// CleanupInterval is how often idle keys are evicted.
	CleanupInterval time.Duration
}

// DefaultConfig allows one request per second with bursts of ten.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter is a per-key GCRA limiter. Each key carries a theoretical
// arrival time (tat); a request is admitted while tat has not drifted a
// full burst ahead of the clock, and each admission pushes tat one
// emission interval further out.
type Limiter struct {
	cfg      Config
	interval time.Duration // pacing credit one request costs
	tol      time.Duration // how far tat may run ahead of now

	mu     sync.Mutex
	states map[string]*pacing
	stop   chan struct{}
}

type pacing struct {
	tat  time.Time
	seen time.Time
}

// New builds a Limiter from cfg and starts its eviction loop. Zero or
// negative settings fall back to defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	interval := time.Minute / time.Duration(cfg.RequestsPerMinute)
	l := &Limiter{
		cfg:      cfg,
		interval: interval,
		tol:      time.Duration(cfg.BurstSize-1) * interval,
		states:   make(map[string]*pacing),
		stop:     make(chan struct{}),
	}
	go l.evict()
	return l
}

func (l *Limiter) evict() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for key, p := range l.states {
				// Only fully refilled, idle keys; evicting a paced key
				// would hand it a fresh burst.
				if p.tat.Before(now) && now.Sub(p.seen) >= l.cfg.CleanupInterval {
					delete(l.states, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the eviction loop.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow reports whether a request for key conforms to the configured
// rate. Denied requests consume no pacing credit.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	p, ok := l.states[key]
	if !ok {
		p = &pacing{tat: now}
		l.states[key] = p
	}
	if p.tat.Before(now) {
		p.tat = now
	}
	p.seen = now

	if p.tat.Sub(now) > l.tol {
		return false
	}
	p.tat = p.tat.Add(l.interval)
	return true
}

// Middleware returns a Gin middleware that rate limits by IP.
// Authenticated callers are bucketed by credential so agents behind a
// shared NAT don't starve each other.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()

		if cred := c.GetHeader("Authorization"); cred != "" {
			key = "auth:" + cred[:min(20, len(cred))]
		} else if cred := c.GetHeader("X-Api-Key"); cred != "" {
			key = "auth:" + cred[:min(20, len(cred))]
		}

		if !l.Allow(key) {
			httpapi.AbortError(c, http.StatusTooManyRequests, httpapi.CodeRateLimited,
				"Too many requests. Please slow down.")
			return
		}

		c.Next()
	}
}

// PerWindow is a fixed-window counter for low-frequency endpoints like
// signup and login. Unlike the paced bucket it never refills mid-window,
// so "5 per 15 minutes" means exactly that.
type PerWindow struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	counts map[string]*windowState
	stop   chan struct{}
}

type windowState struct {
	count int
	start time.Time
}

// NewPerWindow creates a fixed-window limiter allowing limit requests
// per key per window.
func NewPerWindow(limit int, window time.Duration) *PerWindow {
	w := &PerWindow{
		limit:  limit,
		window: window,
		counts: make(map[string]*windowState),
		stop:   make(chan struct{}),
	}
	go w.cleanup()
	return w
}

func (w *PerWindow) cleanup() {
	ticker := time.NewTicker(w.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			cutoff := time.Now().Add(-w.window)
			for key, st := range w.counts {
				if st.start.Before(cutoff) {
					delete(w.counts, key)
				}
			}
			w.mu.Unlock()
		case <-w.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (w *PerWindow) Stop() {
	close(w.stop)
}

// Allow checks if a request should be allowed
func (w *PerWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	st, ok := w.counts[key]
	if !ok || now.Sub(st.start) >= w.window {
		w.counts[key] = &windowState{count: 1, start: now}
		return true
	}
	if st.count >= w.limit {
		return false
	}
	st.count++
	return true
}

// Middleware returns a Gin middleware that limits by client IP.
func (w *PerWindow) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !w.Allow(c.ClientIP()) {
			httpapi.AbortError(c, http.StatusTooManyRequests, httpapi.CodeRateLimited,
				"Too many attempts. Try again later.")
			return
		}
		c.Next()
	}
}
