package policy

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ParseVersion parses a policy version. An empty version reads as 0.0.0.
func ParseVersion(v string) (*semver.Version, error) {
	if v == "" {
		return semver.MustParse("0.0.0"), nil
	}
	return semver.NewVersion(v)
}

// Validate checks a policy is well formed. Expressions are compiled when exprs is
// non-nil.
func (p *AgentPolicy) Validate(exprs *ExpressionEvaluator) error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if p.AgentID == "" {
		errs = append(errs, errors.New("agent_id is required"))
	}
	if !p.Scope.Valid() {
		errs = append(errs, fmt.Errorf("unknown scope %q", p.Scope))
	}
	if _, err := ParseVersion(p.Version); err != nil {
		errs = append(errs, fmt.Errorf("version %q: %w", p.Version, err))
	}
	c := p.Conditions
	for name, v := range map[string]int64{
		"max_amount_per_tx":    c.MaxAmountPerTx,
		"max_amount_per_day":   c.MaxAmountPerDay,
		"max_amount_per_week":  c.MaxAmountPerWeek,
		"max_amount_per_month": c.MaxAmountPerMonth,
		"min_balance_after":    c.MinBalanceAfter,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	for _, a := range c.AllowedAddresses {
		if err := ValidateAddress(a); err != nil {
			errs = append(errs, err)
		}
	}
	if c.TimeWindow != nil {
		if err := c.TimeWindow.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("time_window: %w", err))
		}
	}
	if c.Expression != "" && exprs != nil {
		if err := exprs.Compile(c.Expression); err != nil {
			errs = append(errs, err)
		}
	}
	switch p.Escalation {
	case "", EscalateReview, EscalateBiometric, EscalateReject:
	default:
		errs = append(errs, fmt.Errorf("unknown escalation action %q", p.Escalation))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w %s: %w", ErrInvalidPolicy, p.ID, err)
	}
	return nil
}
