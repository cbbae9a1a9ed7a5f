package policy

import (
	"fmt"
	"strconv"
	"time"
)

// ChangeType names a critical category of policy edit.
type ChangeType string

const (
	ChangeBudgetIncrease         ChangeType = "budget_increase"
	ChangeMinBalanceLower        ChangeType = "min_balance_lower"
	ChangeAllowlistAddressAdd    ChangeType = "allowlist_address_add"
	ChangeAllowlistAddressRemove ChangeType = "allowlist_address_remove_all"
	ChangeAllowlistChainExpand   ChangeType = "allowlist_chain_expand"
	ChangeAllowlistMethodExpand  ChangeType = "allowlist_method_expand"
	ChangeScopeEscalation        ChangeType = "scope_escalation"
	ChangeTimeWindowRemove       ChangeType = "time_window_remove"
	ChangeFirstPayReviewDisable  ChangeType = "first_pay_review_disable"
	ChangeExpirationExtend       ChangeType = "expiration_extend"
	ChangeExpressionRemove       ChangeType = "expression_remove"
)

// ApprovalLevel is how strongly a policy edit must be approved.
type ApprovalLevel string

const (
	ApprovalAuto      ApprovalLevel = "auto"
	ApprovalReview    ApprovalLevel = "review"
	ApprovalBiometric ApprovalLevel = "biometric"
)

// DefaultHighRiskMultiple is the cap growth factor above which an increase needs
// biometric approval.
const DefaultHighRiskMultiple = 2.0

// CriticalChange is one detected critical difference.
type CriticalChange struct {
	Type  ChangeType `json:"type"`
	Field string     `json:"field"`
	Old   string     `json:"old"`
	New   string     `json:"new"`
	// HighRisk marks changes that on their own force biometric approval.
	HighRisk bool `json:"high_risk,omitempty"`
}

// PolicyChangeClassification is the verdict on an edit.
type PolicyChangeClassification struct {
	CriticalChanges    []CriticalChange `json:"critical_changes"`
	ApprovalLevel      ApprovalLevel    `json:"approval_level"`
	RequiresEscalation bool             `json:"requires_escalation"`
}

// Has reports whether a change of type t was detected.
func (c PolicyChangeClassification) Has(t ChangeType) bool {
	for _, ch := range c.CriticalChanges {
		if ch.Type == t {
			return true
		}
	}
	return false
}

// Types lists the detected change types as strings, in detection order.
func (c PolicyChangeClassification) Types() []string {
	out := make([]string, 0, len(c.CriticalChanges))
	for _, ch := range c.CriticalChanges {
		out = append(out, string(ch.Type))
	}
	return out
}

// Classifier diffs two versions of a policy. It is a pure function of its inputs.
type Classifier struct {
	HighRiskMultiple float64
}

func NewClassifier(highRiskMultiple float64) *Classifier {
	if highRiskMultiple < 1 {
		highRiskMultiple = DefaultHighRiskMultiple
	}
	return &Classifier{HighRiskMultiple: highRiskMultiple}
}

// Classify uses DefaultHighRiskMultiple.
func Classify(oldPolicy, newPolicy *AgentPolicy) PolicyChangeClassification {
	return NewClassifier(DefaultHighRiskMultiple).Classify(oldPolicy, newPolicy)
}

// Classify compares oldPolicy to newPolicy. Biometric approval is required for a cap
// increase beyond the high-risk multiple (including removal of a cap), a scope
// escalation, or removal of the whole address allow list; any other critical change
// requires review.
func (c *Classifier) Classify(oldPolicy, newPolicy *AgentPolicy) PolicyChangeClassification {
	var changes []CriticalChange
	add := func(ch CriticalChange) { changes = append(changes, ch) }
	oc, nc := oldPolicy.Conditions, newPolicy.Conditions

	caps := []struct {
		field    string
		old, new int64
	}{
		{"max_amount_per_tx", oc.MaxAmountPerTx, nc.MaxAmountPerTx},
		{"max_amount_per_day", oc.MaxAmountPerDay, nc.MaxAmountPerDay},
		{"max_amount_per_week", oc.MaxAmountPerWeek, nc.MaxAmountPerWeek},
		{"max_amount_per_month", oc.MaxAmountPerMonth, nc.MaxAmountPerMonth},
	}
	for _, cp := range caps {
		if increased, highRisk := c.capIncrease(cp.old, cp.new); increased {
			add(CriticalChange{Type: ChangeBudgetIncrease, Field: cp.field, Old: capString(cp.old), New: capString(cp.new), HighRisk: highRisk})
		}
	}

	if nc.MinBalanceAfter < oc.MinBalanceAfter {
		add(CriticalChange{Type: ChangeMinBalanceLower, Field: "min_balance_after",
			Old: strconv.FormatInt(oc.MinBalanceAfter, 10), New: strconv.FormatInt(nc.MinBalanceAfter, 10)})
	}

	switch {
	case len(oc.AllowedAddresses) > 0 && len(nc.AllowedAddresses) == 0:
		add(CriticalChange{Type: ChangeAllowlistAddressRemove, Field: "allowed_addresses",
			Old: fmt.Sprint(oc.AllowedAddresses), New: "[]", HighRisk: true})
	case len(oc.AllowedAddresses) > 0:
		// An empty list is unrestricted, so a first entry narrows the policy and is
		// not an addition.
		for _, a := range nc.AllowedAddresses {
			if !containsFold(oc.AllowedAddresses, a) {
				add(CriticalChange{Type: ChangeAllowlistAddressAdd, Field: "allowed_addresses", New: a})
			}
		}
	}
	if listExpanded(oc.AllowedChains, nc.AllowedChains) {
		add(CriticalChange{Type: ChangeAllowlistChainExpand, Field: "allowed_chains",
			Old: fmt.Sprint(oc.AllowedChains), New: fmt.Sprint(nc.AllowedChains)})
	}
	if listExpanded(oc.AllowedMethods, nc.AllowedMethods) {
		add(CriticalChange{Type: ChangeAllowlistMethodExpand, Field: "allowed_methods",
			Old: fmt.Sprint(oc.AllowedMethods), New: fmt.Sprint(nc.AllowedMethods)})
	}

	if newPolicy.Scope != oldPolicy.Scope && !oldPolicy.Scope.Covers(newPolicy.Scope) {
		add(CriticalChange{Type: ChangeScopeEscalation, Field: "scope",
			Old: string(oldPolicy.Scope), New: string(newPolicy.Scope), HighRisk: true})
	}

	if oc.TimeWindow != nil && nc.TimeWindow == nil {
		add(CriticalChange{Type: ChangeTimeWindowRemove, Field: "time_window",
			Old: oc.TimeWindow.Start + "-" + oc.TimeWindow.End})
	}

	if oc.RequireReviewOnFirstPay && !nc.RequireReviewOnFirstPay {
		add(CriticalChange{Type: ChangeFirstPayReviewDisable, Field: "require_review_on_first_pay", Old: "true", New: "false"})
	}

	if oldPolicy.ExpiresAt != nil && (newPolicy.ExpiresAt == nil || newPolicy.ExpiresAt.After(*oldPolicy.ExpiresAt)) {
		add(CriticalChange{Type: ChangeExpirationExtend, Field: "expires_at",
			Old: oldPolicy.ExpiresAt.UTC().Format(time.RFC3339), New: expiryString(newPolicy.ExpiresAt)})
	}

	if oc.Expression != "" && nc.Expression == "" {
		add(CriticalChange{Type: ChangeExpressionRemove, Field: "expression", Old: oc.Expression})
	}

	level := ApprovalAuto
	if len(changes) > 0 {
		level = ApprovalReview
	}
	for _, ch := range changes {
		if ch.HighRisk {
			level = ApprovalBiometric
			break
		}
	}

	return PolicyChangeClassification{
		CriticalChanges:    changes,
		ApprovalLevel:      level,
		RequiresEscalation: level != ApprovalAuto,
	}
}

// capIncrease treats zero as "no cap", i.e. infinitely large.
func (c *Classifier) capIncrease(oldCap, newCap int64) (increased, highRisk bool) {
	switch {
	case oldCap <= 0:
		return false, false
	case newCap <= 0:
		return true, true
	case newCap > oldCap:
		return true, float64(newCap) > float64(oldCap)*c.HighRiskMultiple
	}
	return false, false
}

// listExpanded: a non-empty list gained an entry or became unrestricted.
func listExpanded(oldList, newList []string) bool {
	if len(oldList) == 0 {
		return false
	}
	if len(newList) == 0 {
		return true
	}
	for _, v := range newList {
		if !containsFold(oldList, v) {
			return true
		}
	}
	return false
}

func capString(v int64) string {
	if v <= 0 {
		return "unlimited"
	}
	return strconv.FormatInt(v, 10)
}

func expiryString(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
