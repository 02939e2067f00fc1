package policy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/saturn/internal/account"
	"github.com/mbd888/saturn/internal/audit"
)

// DefaultSpendCacheTTL is how long an agent's daily spend is cached
// before the audit store is queried again.
const DefaultSpendCacheTTL = 60 * time.Second

// SpendSource reports an agent's settled spend since a point in time.
// Satisfied by *audit.Service.
type SpendSource interface {
	DailySpend(ctx context.Context, agentID string, since time.Time) (int64, error)
}

type spendCacheEntry struct {
	spent     int64
	fetchedAt time.Time
}

// Evaluator applies an agent's policy to a proposed call. Rules run in
// a fixed order and the first failure wins; the daily-spend query only
// runs when every cheaper rule has already passed.
type Evaluator struct {
	spend    SpendSource
	logger   *slog.Logger
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]*spendCacheEntry
}

// NewEvaluator creates an evaluator with the default spend cache TTL.
func NewEvaluator(spend SpendSource, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		spend:    spend,
		logger:   logger,
		cacheTTL: DefaultSpendCacheTTL,
		cache:    make(map[string]*spendCacheEntry),
	}
}

// WithCacheTTL overrides the daily-spend cache TTL.
func (e *Evaluator) WithCacheTTL(ttl time.Duration) *Evaluator {
	e.cacheTTL = ttl
	return e
}

// InvalidateDailySpend drops the cached spend for an agent. Called when
// an allowed call is logged and when the agent's policy is mutated.
func (e *Evaluator) InvalidateDailySpend(agentID string) {
	e.mu.Lock()
	delete(e.cache, agentID)
	e.mu.Unlock()
}

// SweepCache removes expired entries. Returns the number removed.
func (e *Evaluator) SweepCache() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, entry := range e.cache {
		if now.Sub(entry.fetchedAt) > e.cacheTTL {
			delete(e.cache, k)
			removed++
		}
	}
	return removed
}

// Evaluate checks a proposed call against the agent's policy and
// returns the first failing rule, if any.
func (e *Evaluator) Evaluate(ctx context.Context, agent *account.Agent, pol *Policy, in Input) Decision {
	d := e.evaluate(ctx, agent, pol, in)
	if d.Allowed {
		evaluations.WithLabelValues("allowed").Inc()
	} else {
		evaluations.WithLabelValues(d.Reason).Inc()
	}
	return d
}

func (e *Evaluator) evaluate(ctx context.Context, agent *account.Agent, pol *Policy, in Input) Decision {
	if agent.Status != account.AgentActive {
		return deny(ReasonAgentNotActive)
	}
	if pol.KillSwitch {
		return deny(ReasonKillSwitchActive)
	}
	if contains(pol.DeniedServices, in.ServiceSlug) {
		return deny(ReasonServiceDenied)
	}
	if pol.AllowedServices != nil && !contains(pol.AllowedServices, in.ServiceSlug) {
		return deny(ReasonServiceNotAllowed)
	}
	// Capability rules only apply to capability-routed calls.
	if in.Capability != "" {
		if contains(pol.DeniedCapabilities, in.Capability) {
			return deny(ReasonCapabilityDenied)
		}
		if pol.AllowedCapabilities != nil && !contains(pol.AllowedCapabilities, in.Capability) {
			return deny(ReasonCapabilityNotAllowed)
		}
	}
	if pol.MaxPerCallSats != nil && in.QuotedSats > *pol.MaxPerCallSats {
		return deny(ReasonPerCallLimitExceeded)
	}
	if pol.MaxPerDaySats != nil {
		spent, err := e.dailySpend(ctx, agent.ID)
		if err != nil {
			// Fail closed: an unknown spend total must not let an
			// agent through its daily cap.
			e.logger.Error("daily spend lookup failed, denying",
				"agent_id", agent.ID, "error", err)
			return deny(ReasonDailyLimitExceeded)
		}
		if spent+in.QuotedSats > *pol.MaxPerDaySats {
			return deny(ReasonDailyLimitExceeded)
		}
	}
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// dailySpend returns the agent's charged sats since UTC midnight,
// served from cache when fresh.
func (e *Evaluator) dailySpend(ctx context.Context, agentID string) (int64, error) {
	now := time.Now()

	e.mu.RLock()
	entry, ok := e.cache[agentID]
	if ok && now.Sub(entry.fetchedAt) < e.cacheTTL {
		e.mu.RUnlock()
		spendCacheHits.Inc()
		return entry.spent, nil
	}
	e.mu.RUnlock()
	spendCacheMisses.Inc()

	spent, err := e.spend.DailySpend(ctx, agentID, audit.UTCMidnight(now))
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.cache[agentID] = &spendCacheEntry{spent: spent, fetchedAt: now}
	e.mu.Unlock()

	return spent, nil
}
