// Package policy decides whether an agent may execute a payment autonomously.
//
// Providers contribute AgentPolicy records; the Evaluator checks one request against
// one policy and the agent's budget tracker; the Engine picks the first allowing
// policy in a stable priority order and records executions. The Classifier diffs two
// versions of a policy and decides how strongly an edit must be approved.
package policy

import (
	"time"
)

// Scope is the category of action a policy governs.
type Scope string

const (
	ScopeAutoPayment          Scope = "auto_payment"
	ScopeCommitment           Scope = "commitment"
	ScopeDelegatedNegotiation Scope = "delegated_negotiation"
	ScopeFull                 Scope = "full"
)

// Scopes lists every scope in ascending breadth.
var Scopes = []Scope{ScopeAutoPayment, ScopeDelegatedNegotiation, ScopeCommitment, ScopeFull}

// Covers reports whether a policy of scope s governs actions of scope other.
// full covers everything and commitment covers auto_payment.
func (s Scope) Covers(other Scope) bool {
	switch {
	case s == other:
		return true
	case s == ScopeFull:
		return other.Valid()
	case s == ScopeCommitment:
		return other == ScopeAutoPayment
	}
	return false
}

// Specificity is the number of scopes s covers; lower is more specific.
func (s Scope) Specificity() int {
	n := 0
	for _, o := range Scopes {
		if s.Covers(o) {
			n++
		}
	}
	return n
}

func (s Scope) Valid() bool {
	for _, o := range Scopes {
		if s == o {
			return true
		}
	}
	return false
}

// EscalationAction says what happens when no policy allows a request.
type EscalationAction string

const (
	EscalateReview    EscalationAction = "review"
	EscalateBiometric EscalationAction = "biometric"
	EscalateReject    EscalationAction = "reject"
)

// Unlimited is reported as the remaining amount of an uncapped window.
const Unlimited int64 = -1

// TimeWindow restricts execution to a daily local time range. Start and End are
// "HH:MM". Start > End spans midnight; Start == End covers the whole day.
type TimeWindow struct {
	Start    string `json:"start" yaml:"start"`
	End      string `json:"end" yaml:"end"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// PolicyConditions are the checks a request must pass. Zero caps mean "no cap" and
// empty allow lists mean "unrestricted".
type PolicyConditions struct {
	MaxAmountPerTx    int64 `json:"max_amount_per_tx,omitempty" yaml:"max_amount_per_tx,omitempty"`
	MaxAmountPerDay   int64 `json:"max_amount_per_day,omitempty" yaml:"max_amount_per_day,omitempty"`
	MaxAmountPerWeek  int64 `json:"max_amount_per_week,omitempty" yaml:"max_amount_per_week,omitempty"`
	MaxAmountPerMonth int64 `json:"max_amount_per_month,omitempty" yaml:"max_amount_per_month,omitempty"`

	AllowedAddresses []string `json:"allowed_addresses,omitempty" yaml:"allowed_addresses,omitempty"`
	AllowedChains    []string `json:"allowed_chains,omitempty" yaml:"allowed_chains,omitempty"`
	AllowedMethods   []string `json:"allowed_methods,omitempty" yaml:"allowed_methods,omitempty"`

	MinBalanceAfter int64       `json:"min_balance_after,omitempty" yaml:"min_balance_after,omitempty"`
	TimeWindow      *TimeWindow `json:"time_window,omitempty" yaml:"time_window,omitempty"`

	RequireReviewOnFirstPay bool `json:"require_review_on_first_pay,omitempty" yaml:"require_review_on_first_pay,omitempty"`

	// Expression is an optional CEL predicate evaluated after every other check.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// AgentPolicy is one vendor-contributed rule set for an agent. A signed policy is
// immutable; edits are published as a new, higher Version.
type AgentPolicy struct {
	ID         string           `json:"id" yaml:"id"`
	AgentID    string           `json:"agent_id" yaml:"agent_id"`
	Version    string           `json:"version" yaml:"version"`
	Scope      Scope            `json:"scope" yaml:"scope"`
	Conditions PolicyConditions `json:"conditions" yaml:"conditions"`
	Escalation EscalationAction `json:"escalation,omitempty" yaml:"escalation,omitempty"`
	ParentID   string           `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	VendorID   string           `json:"vendor_id,omitempty" yaml:"vendor_id,omitempty"`
	CreatedAt  time.Time        `json:"created_at" yaml:"created_at"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Signature  string           `json:"signature,omitempty" yaml:"signature,omitempty"`
	SignerRef  string           `json:"signer_ref,omitempty" yaml:"signer_ref,omitempty"`
}

// Expired reports whether p has expired at now.
func (p *AgentPolicy) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// Clone returns a deep copy.
func (p *AgentPolicy) Clone() *AgentPolicy {
	c := *p
	c.Conditions.AllowedAddresses = append([]string(nil), p.Conditions.AllowedAddresses...)
	c.Conditions.AllowedChains = append([]string(nil), p.Conditions.AllowedChains...)
	c.Conditions.AllowedMethods = append([]string(nil), p.Conditions.AllowedMethods...)
	if p.Conditions.TimeWindow != nil {
		tw := *p.Conditions.TimeWindow
		c.Conditions.TimeWindow = &tw
	}
	if p.ExpiresAt != nil {
		e := *p.ExpiresAt
		c.ExpiresAt = &e
	}
	return &c
}

// ExecutionRequest asks whether an agent may execute a payment on its own.
type ExecutionRequest struct {
	RequestID string           `json:"request_id"`
	AgentID   string           `json:"agent_id"`
	Scope     Scope            `json:"scope"`
	Amount    int64            `json:"amount"`
	Currency  string           `json:"currency,omitempty"`
	Recipient string           `json:"recipient,omitempty"`
	Chain     string           `json:"chain,omitempty"`
	Method    string           `json:"method,omitempty"`
	Context   ExecutionContext `json:"context"`
}

// ExecutionContext is ambient state supplied with a request.
type ExecutionContext struct {
	// Balance is the payer's balance before the spend; nil when unknown.
	Balance *int64 `json:"balance,omitempty"`
	// Now overrides the evaluation time; zero means the engine clock.
	Now time.Time `json:"now,omitempty"`
	// SessionID links the request to a negotiation.
	SessionID string `json:"session_id,omitempty"`
}

// Rule names reported in a Violation.
const (
	RuleScope            = "scope"
	RuleAgent            = "agent"
	RuleExpired          = "policy_expired"
	RuleTimeWindow       = "time_window"
	RuleAllowedAddresses = "allowed_addresses"
	RuleAllowedChains    = "allowed_chains"
	RuleAllowedMethods   = "allowed_methods"
	RuleFirstPayment     = "first_payment_review"
	RuleMinBalance       = "min_balance_after"
	RuleMaxPerTx         = "max_amount_per_tx"
	RuleMaxPerDay        = "max_amount_per_day"
	RuleMaxPerWeek       = "max_amount_per_week"
	RuleMaxPerMonth      = "max_amount_per_month"
	RuleExpression       = "expression"
	RuleInvalidAmount    = "invalid_amount"
)

// Violation is the first rule a request failed.
type Violation struct {
	Rule   string `json:"rule"`
	Actual string `json:"actual"`
	Limit  string `json:"limit"`
	Reason string `json:"reason,omitempty"`
}

// BudgetCheckResult is the outcome of evaluating one request against one policy.
// Remaining amounts are computed before the request is applied and are Unlimited for
// uncapped windows.
type BudgetCheckResult struct {
	PolicyID         string     `json:"policy_id"`
	Allowed          bool       `json:"allowed"`
	RemainingPerTx   int64      `json:"remaining_per_tx"`
	RemainingDaily   int64      `json:"remaining_daily"`
	RemainingWeekly  int64      `json:"remaining_weekly"`
	RemainingMonthly int64      `json:"remaining_monthly"`
	Violation        *Violation `json:"violation,omitempty"`
}
