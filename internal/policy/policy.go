// Package policy enforces per-agent spend rules. Every proxied call is
// checked against the calling agent's policy before any funds are held;
// rules run in a fixed order and the first failure wins.
package policy

import (
	"errors"
	"time"

	"github.com/mbd888/saturn/internal/validation"
)

var ErrPolicyNotFound = errors.New("policy: not found")

// Denial reasons, in evaluation order.
const (
	ReasonAgentNotActive       = "agent_not_active"
	ReasonKillSwitchActive     = "kill_switch_active"
	ReasonServiceDenied        = "service_denied"
	ReasonServiceNotAllowed    = "service_not_allowed"
	ReasonCapabilityDenied     = "capability_denied"
	ReasonCapabilityNotAllowed = "capability_not_allowed"
	ReasonPerCallLimitExceeded = "per_call_limit_exceeded"
	ReasonDailyLimitExceeded   = "daily_limit_exceeded"
)

// maxListEntries bounds the allow/deny lists on a policy.
const maxListEntries = 100

// Policy is one agent's spend rules. Nil caps and nil lists impose no
// constraint; a non-nil empty allow list blocks everything it covers.
// Deny lists are checked before allow lists.
type Policy struct {
	ID                  string    `json:"id,omitempty"`
	AgentID             string    `json:"agentId"`
	MaxPerCallSats      *int64    `json:"maxPerCallSats"`
	MaxPerDaySats       *int64    `json:"maxPerDaySats"`
	MaxBalanceSats      *int64    `json:"maxBalanceSats"`
	AllowedServices     []string  `json:"allowedServices"`
	DeniedServices      []string  `json:"deniedServices"`
	AllowedCapabilities []string  `json:"allowedCapabilities"`
	DeniedCapabilities  []string  `json:"deniedCapabilities"`
	KillSwitch          bool      `json:"killSwitch"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Default returns the unconstrained policy an agent carries before any
// rules have been written for it.
func Default(agentID string) *Policy {
	return &Policy{AgentID: agentID}
}

// Validate checks caps and list entries.
func (p *Policy) Validate() error {
	caps := []struct {
		name  string
		value *int64
	}{
		{"maxPerCallSats", p.MaxPerCallSats},
		{"maxPerDaySats", p.MaxPerDaySats},
		{"maxBalanceSats", p.MaxBalanceSats},
	}
	for _, c := range caps {
		if c.value != nil && *c.value < 0 {
			return errors.New(c.name + " must not be negative")
		}
	}
	lists := []struct {
		name    string
		entries []string
	}{
		{"allowedServices", p.AllowedServices},
		{"deniedServices", p.DeniedServices},
		{"allowedCapabilities", p.AllowedCapabilities},
		{"deniedCapabilities", p.DeniedCapabilities},
	}
	for _, l := range lists {
		if len(l.entries) > maxListEntries {
			return errors.New(l.name + " has too many entries")
		}
		for _, e := range l.entries {
			if !validation.IsValidSlug(e) {
				return errors.New(l.name + " contains an invalid entry: " + e)
			}
		}
	}
	return nil
}

// Input is what a proxied call looks like to the evaluator. Capability
// is empty for direct provider calls.
type Input struct {
	ServiceSlug string
	Capability  string
	QuotedSats  int64
}

// Decision is the evaluator's verdict. Reason is set only on denials.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
