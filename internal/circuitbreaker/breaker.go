// Package circuitbreaker keeps repeatedly failing upstreams from being
// hammered. Circuits are tracked per key and move closed -> open ->
// half-open, with a single probe request deciding recovery.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the position of one key's circuit.
type State int

const (
	StateClosed   State = iota // requests flow
	StateOpen                  // requests rejected until the open window lapses
	StateHalfOpen              // one probe in flight, everything else rejected
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "saturn",
	Subsystem: "circuitbreaker",
	Name:      "transitions_total",
	Help:      "Circuit state transitions by key and destination state.",
}, []string{"key", "to"})

func init() {
	prometheus.MustRegister(breakerTransitions)
}

// circuit is the tracked state for one key. A zero circuit is closed;
// fully recovered keys are removed from the map rather than kept around.
type circuit struct {
	consecutive int       // failures since the last success while closed
	openUntil   time.Time // zero while closed
	probing     bool      // a half-open probe is outstanding
}

// Breaker trips a key open after threshold consecutive failures and keeps
// it open for openFor before admitting a single probe.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	openFor   time.Duration
}

// New returns a Breaker. Non-positive arguments fall back to 5 failures
// and a 30 second open window.
func New(threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		openFor:   openFor,
	}
}

// Allow reports whether a request for key may proceed. Once an open
// window has lapsed the first caller through is admitted as the recovery
// probe; everyone else stays rejected until that probe is recorded.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok || c.openUntil.IsZero() {
		return true
	}
	if c.probing {
		return false
	}
	if time.Now().Before(c.openUntil) {
		return false
	}
	c.probing = true
	breakerTransitions.WithLabelValues(key, StateHalfOpen.String()).Inc()
	return true
}

// RecordSuccess clears the failure streak for key. A successful probe
// closes the circuit and drops the key entirely.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.probing {
		breakerTransitions.WithLabelValues(key, StateClosed.String()).Inc()
		delete(b.circuits, key)
		return
	}
	c.consecutive = 0
}

// RecordFailure counts a failure against key, tripping the circuit at the
// threshold. A failed probe restarts the open window from now.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	now := time.Now()
	if c.probing {
		c.probing = false
		c.openUntil = now.Add(b.openFor)
		breakerTransitions.WithLabelValues(key, StateOpen.String()).Inc()
		return
	}
	if !c.openUntil.IsZero() {
		// Failures reported while already open extend the window.
		c.openUntil = now.Add(b.openFor)
		return
	}

	c.consecutive++
	if c.consecutive >= b.threshold {
		c.openUntil = now.Add(b.openFor)
		breakerTransitions.WithLabelValues(key, StateOpen.String()).Inc()
	}
}

// State reports the circuit position for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok || c.openUntil.IsZero() {
		return StateClosed
	}
	if c.probing {
		return StateHalfOpen
	}
	return StateOpen
}
