package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ya-xyz/aesp-sub001/pkg/budget"
)

// Evaluator checks one request against one policy. It never mutates the tracker it is
// given; pending window resets and expired holds are applied to a private copy.
type Evaluator struct {
	expr *ExpressionEvaluator
}

func NewEvaluator() (*Evaluator, error) {
	expr, err := NewExpressionEvaluator()
	if err != nil {
		return nil, err
	}
	return &Evaluator{expr: expr}, nil
}

// Expressions exposes the CEL evaluator so policy loaders can pre-compile conditions.
func (e *Evaluator) Expressions() *ExpressionEvaluator {
	return e.expr
}

// Evaluate runs the checks in order and stops at the first violation: request
// validity, scope (agent, expiry), time window, allow lists, first-payment review,
// minimum balance, per-transaction cap, daily, weekly and monthly caps, expression.
// Cumulative caps count spent + held + amount, where held excludes the request's own
// hold. A nil tracker is treated as an agent with no history.
func (e *Evaluator) Evaluate(p *AgentPolicy, req ExecutionRequest, tr *budget.Tracker, now time.Time) BudgetCheckResult {
	view := tr.WithResets(now)
	if view == nil {
		view = budget.NewTracker(req.AgentID, now)
	}
	view.ExpireHolds(now)
	held := view.HeldAmount(req.RequestID)
	c := p.Conditions

	res := BudgetCheckResult{
		PolicyID:         p.ID,
		RemainingPerTx:   remainingTx(c.MaxAmountPerTx),
		RemainingDaily:   remaining(c.MaxAmountPerDay, budget.AddAmounts(view.DailySpent, held)),
		RemainingWeekly:  remaining(c.MaxAmountPerWeek, budget.AddAmounts(view.WeeklySpent, held)),
		RemainingMonthly: remaining(c.MaxAmountPerMonth, budget.AddAmounts(view.MonthlySpent, held)),
	}
	deny := func(rule, actual, limit, reason string) BudgetCheckResult {
		res.Allowed = false
		res.Violation = &Violation{Rule: rule, Actual: actual, Limit: limit, Reason: reason}
		return res
	}
	amount := strconv.FormatInt(req.Amount, 10)

	if req.Amount <= 0 {
		return deny(RuleInvalidAmount, amount, "> 0", "amount must be positive")
	}
	if req.Amount > budget.MaxAmount {
		return deny(RuleInvalidAmount, amount, strconv.FormatInt(budget.MaxAmount, 10), "amount out of range")
	}

	// Scope
	if !p.Scope.Covers(req.Scope) {
		return deny(RuleScope, string(req.Scope), string(p.Scope), "policy scope does not cover the request")
	}
	if p.AgentID != "" && p.AgentID != req.AgentID {
		return deny(RuleAgent, req.AgentID, p.AgentID, "policy belongs to another agent")
	}
	if p.Expired(now) {
		return deny(RuleExpired, now.UTC().Format(time.RFC3339), p.ExpiresAt.UTC().Format(time.RFC3339), "policy expired")
	}

	// Time window
	if tw := c.TimeWindow; tw != nil {
		ok, err := tw.Contains(now)
		if err != nil {
			return deny(RuleTimeWindow, now.UTC().Format("15:04"), tw.Start+"-"+tw.End, err.Error())
		}
		if !ok {
			loc, _ := tw.Location()
			return deny(RuleTimeWindow, now.In(loc).Format("15:04"), tw.Start+"-"+tw.End, "outside allowed hours")
		}
	}

	// Allow lists
	if len(c.AllowedAddresses) > 0 && !containsFold(c.AllowedAddresses, req.Recipient) {
		return deny(RuleAllowedAddresses, req.Recipient, strings.Join(c.AllowedAddresses, ","), "recipient not allow-listed")
	}
	if len(c.AllowedChains) > 0 && !containsFold(c.AllowedChains, req.Chain) {
		return deny(RuleAllowedChains, req.Chain, strings.Join(c.AllowedChains, ","), "chain not allow-listed")
	}
	if len(c.AllowedMethods) > 0 && !containsFold(c.AllowedMethods, req.Method) {
		return deny(RuleAllowedMethods, req.Method, strings.Join(c.AllowedMethods, ","), "method not allow-listed")
	}

	if c.RequireReviewOnFirstPay && !view.HasPaid(req.Recipient) {
		return deny(RuleFirstPayment, req.Recipient, "known recipient", "first payment to recipient requires review")
	}

	// Minimum post-spend balance; unknown balance fails closed.
	if c.MinBalanceAfter > 0 {
		if req.Context.Balance == nil {
			return deny(RuleMinBalance, "unknown", strconv.FormatInt(c.MinBalanceAfter, 10), "balance required to check minimum")
		}
		// Compared as amount > balance - min so a large amount cannot wrap.
		balance := *req.Context.Balance
		if balance < c.MinBalanceAfter || req.Amount > balance-c.MinBalanceAfter {
			return deny(RuleMinBalance, strconv.FormatInt(balance-req.Amount, 10), strconv.FormatInt(c.MinBalanceAfter, 10), "balance after spend below minimum")
		}
	}

	if c.MaxAmountPerTx > 0 && req.Amount > c.MaxAmountPerTx {
		return deny(RuleMaxPerTx, amount, strconv.FormatInt(c.MaxAmountPerTx, 10), "amount exceeds per-transaction cap")
	}

	caps := []struct {
		rule  string
		limit int64
		spent int64
	}{
		{RuleMaxPerDay, c.MaxAmountPerDay, view.DailySpent},
		{RuleMaxPerWeek, c.MaxAmountPerWeek, view.WeeklySpent},
		{RuleMaxPerMonth, c.MaxAmountPerMonth, view.MonthlySpent},
	}
	for _, cp := range caps {
		if cp.limit <= 0 {
			continue
		}
		used := budget.AddAmounts(cp.spent, held)
		if used >= cp.limit || req.Amount > cp.limit-used {
			total := budget.AddAmounts(used, req.Amount)
			return deny(cp.rule, strconv.FormatInt(total, 10), strconv.FormatInt(cp.limit, 10),
				fmt.Sprintf("spent %d + held %d + amount %d exceeds cap", cp.spent, held, req.Amount))
		}
	}

	if c.Expression != "" {
		ok, err := e.expr.Eval(c.Expression, expressionVars(req, c.TimeWindow, now))
		if err != nil {
			return deny(RuleExpression, "error", c.Expression, err.Error())
		}
		if !ok {
			return deny(RuleExpression, "false", c.Expression, "condition expression rejected the request")
		}
	}

	res.Allowed = true
	return res
}

func expressionVars(req ExecutionRequest, tw *TimeWindow, now time.Time) map[string]any {
	loc := time.UTC
	if tw != nil {
		if l, err := tw.Location(); err == nil {
			loc = l
		}
	}
	balance := int64(-1)
	if req.Context.Balance != nil {
		balance = *req.Context.Balance
	}
	return map[string]any{
		"amount":    req.Amount,
		"currency":  req.Currency,
		"recipient": req.Recipient,
		"chain":     req.Chain,
		"method":    req.Method,
		"hour":      int64(now.In(loc).Hour()),
		"balance":   balance,
	}
}

func remainingTx(limit int64) int64 {
	if limit <= 0 {
		return Unlimited
	}
	return limit
}

func remaining(limit, used int64) int64 {
	if limit <= 0 {
		return Unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
