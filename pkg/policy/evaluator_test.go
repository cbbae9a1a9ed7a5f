package policy

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ya-xyz/aesp-sub001/pkg/budget"
)

var testNow = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator()
	require.NoError(t, err)
	return ev
}

func testPolicy(id string) *AgentPolicy {
	return &AgentPolicy{
		ID:        id,
		AgentID:   "agent-1",
		Version:   "1.0.0",
		Scope:     ScopeAutoPayment,
		CreatedAt: testNow.Add(-time.Hour),
	}
}

func testRequest(amount int64) ExecutionRequest {
	return ExecutionRequest{
		RequestID: "req-1",
		AgentID:   "agent-1",
		Scope:     ScopeAutoPayment,
		Amount:    amount,
		Currency:  "USDC",
		Recipient: "0xabc",
		Chain:     "base",
		Method:    "transfer",
	}
}

func spentTracker(t *testing.T, amount int64) *budget.Tracker {
	t.Helper()
	tr := budget.NewTracker("agent-1", testNow)
	if amount > 0 {
		_, err := tr.Spend(budget.Transaction{RequestID: "earlier", Amount: amount, Recipient: "0xabc", At: testNow.Add(-time.Minute)})
		require.NoError(t, err)
	}
	return tr
}

func TestEvaluate_DailyCapExceeded(t *testing.T) {
	ev := newTestEvaluator(t)
	p := testPolicy("p1")
	p.Conditions.MaxAmountPerDay = 100

	res := ev.Evaluate(p, testRequest(30), spentTracker(t, 80), testNow)

	assert.False(t, res.Allowed)
	require.NotNil(t, res.Violation)
	assert.Equal(t, RuleMaxPerDay, res.Violation.Rule)
	assert.Equal(t, "110", res.Violation.Actual)
	assert.Equal(t, "100", res.Violation.Limit)
	assert.Equal(t, int64(20), res.RemainingDaily)
	assert.Equal(t, Unlimited, res.RemainingWeekly)
	assert.Equal(t, Unlimited, res.RemainingPerTx)
}

func TestEvaluate_HugeAmountsDoNotWrapCaps(t *testing.T) {
	ev := newTestEvaluator(t)
	p := testPolicy("p1")
	p.Conditions.MaxAmountPerDay = 100

	res := ev.Evaluate(p, testRequest(math.MaxInt64), spentTracker(t, 80), testNow)
	assert.False(t, res.Allowed)
	require.NotNil(t, res.Violation)
	assert.Equal(t, RuleInvalidAmount, res.Violation.Rule)

	res = ev.Evaluate(p, testRequest(budget.MaxAmount), spentTracker(t, 80), testNow)
	assert.False(t, res.Allowed)
	require.NotNil(t, res.Violation)
	assert.Equal(t, RuleMaxPerDay, res.Violation.Rule)
	assert.Equal(t, int64(20), res.RemainingDaily)

	// Holds near the bound saturate instead of wrapping negative.
	tr := spentTracker(t, 0)
	for _, id := range []string{"h1", "h2", "h3", "h4", "h5"} {
		require.NoError(t, tr.PlaceHold(budget.Hold{RequestID: id, Amount: budget.MaxAmount, PlacedAt: testNow, ExpiresAt: testNow.Add(time.Hour)}))
	}
	p.Conditions.MaxAmountPerDay = math.MaxInt64
	res = ev.Evaluate(p, testRequest(1), tr, testNow)
	assert.False(t, res.Allowed)
	assert.Equal(t, RuleMaxPerDay, res.Violation.Rule)
	assert.Equal(t, int64(0), res.RemainingDaily)
}

func TestEvaluate_MinBalanceHugeAmount(t *testing.T) {
	ev := newTestEvaluator(t)
	p := testPolicy("p1")
	p.Conditions.MinBalanceAfter = 100
	req := testRequest(budget.MaxAmount)
	balance := int64(math.MinInt64 / 2)
	req.Context.Balance = &balance

	res := ev.Evaluate(p, req, spentTracker(t, 0), testNow)
	assert.False(t, res.Allowed)
	assert.Equal(t, RuleMinBalance, res.Violation.Rule)
}

func TestEvaluate_WithinCaps(t *testing.T) {
	ev := newTestEvaluator(t)
	p := testPolicy("p1")
	p.Conditions.MaxAmountPerTx = 50
	p.Conditions.MaxAmountPerDay = 100
	p.Conditions.MaxAmountPerMonth = 1000

	tr := spentTracker(t, 20)
	before := tr.Clone()
	res := ev.Evaluate(p, testRequest(30), tr, testNow)

	assert.True(t, res.Allowed)
	assert.Nil(t, res.Violation)
	assert.Equal(t, int64(50), res.RemainingPerTx)
	assert.Equal(t, int64(80), res.RemainingDaily)
	assert.Equal(t, int64(980), res.RemainingMonthly)
	assert.Equal(t, before, tr, "evaluation must not mutate the tracker")
}

func TestEvaluate_HoldsCountAgainstCaps(t *testing.T) {
	ev := newTestEvaluator(t)
	p := testPolicy("p1")
	p.Conditions.MaxAmountPerDay = 100

	tr := spentTracker(t, 0)
	require.NoError(t, tr.PlaceHold(budget.Hold{RequestID: "other", Amount: 80, PlacedAt: testNow, ExpiresAt: testNow.Add(time.Minute)}))

	res := ev.Evaluate(p, testRequest(30), tr, testNow)
	assert.False(t, res.Allowed)
	assert.Equal(t, RuleMaxPerDay, res.Violation.Rule)

	// Expired holds release their reservation.
	res = ev.Evaluate(p, testRequest(30), tr, testNow.Add(2*time.Minute))
	assert.True(t, res.Allowed)

	// A request's own hold is not double counted.
	req := testRequest(30)
	req.RequestID = "other"
	res = ev.Evaluate(p, req, tr, testNow)
	assert.True(t, res.Allowed)
}

func TestEvaluate_Rules(t *testing.T) {
	balance := func(v int64) *int64 { return &v }

	tests := []struct {
		name    string
		mutate  func(p *AgentPolicy, req *ExecutionRequest)
		spent   int64
		allowed bool
		rule    string
	}{
		{
			name:    "no conditions",
			mutate:  func(*AgentPolicy, *ExecutionRequest) {},
			allowed: true,
		},
		{
			name:   "non-positive amount",
			mutate: func(_ *AgentPolicy, r *ExecutionRequest) { r.Amount = 0 },
			rule:   RuleInvalidAmount,
		},
		{
			name:   "scope not covered",
			mutate: func(_ *AgentPolicy, r *ExecutionRequest) { r.Scope = ScopeCommitment },
			rule:   RuleScope,
		},
		{
			name:    "commitment covers auto payment",
			mutate:  func(p *AgentPolicy, _ *ExecutionRequest) { p.Scope = ScopeCommitment },
			allowed: true,
		},
		{
			name:   "other agent",
			mutate: func(_ *AgentPolicy, r *ExecutionRequest) { r.AgentID = "agent-2" },
			rule:   RuleAgent,
		},
		{
			name: "expired",
			mutate: func(p *AgentPolicy, _ *ExecutionRequest) {
				exp := testNow
				p.ExpiresAt = &exp
			},
			rule: RuleExpired,
		},
		{
			name:    "empty allow list is unrestricted",
			mutate:  func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.AllowedAddresses = nil },
			allowed: true,
		},
		{
			name:    "allow list matches case-insensitively",
			mutate:  func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.AllowedAddresses = []string{"0xABC"} },
			allowed: true,
		},
		{
			name:   "recipient not allow-listed",
			mutate: func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.AllowedAddresses = []string{"0xdef"} },
			rule:   RuleAllowedAddresses,
		},
		{
			name:   "chain not allow-listed",
			mutate: func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.AllowedChains = []string{"ethereum"} },
			rule:   RuleAllowedChains,
		},
		{
			name:   "method not allow-listed",
			mutate: func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.AllowedMethods = []string{"permit"} },
			rule:   RuleAllowedMethods,
		},
		{
			name:   "first payment needs review",
			mutate: func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.RequireReviewOnFirstPay = true },
			rule:   RuleFirstPayment,
		},
		{
			name:    "known recipient passes first payment check",
			mutate:  func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.RequireReviewOnFirstPay = true },
			spent:   10,
			allowed: true,
		},
		{
			name:   "unknown balance fails closed",
			mutate: func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.MinBalanceAfter = 100 },
			rule:   RuleMinBalance,
		},
		{
			name: "balance below minimum after spend",
			mutate: func(p *AgentPolicy, r *ExecutionRequest) {
				p.Conditions.MinBalanceAfter = 100
				r.Context.Balance = balance(120)
			},
			rule: RuleMinBalance,
		},
		{
			name: "balance above minimum after spend",
			mutate: func(p *AgentPolicy, r *ExecutionRequest) {
				p.Conditions.MinBalanceAfter = 100
				r.Context.Balance = balance(130)
			},
			allowed: true,
		},
		{
			name:   "per transaction cap",
			mutate: func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.MaxAmountPerTx = 29 },
			rule:   RuleMaxPerTx,
		},
		{
			name:   "weekly cap",
			mutate: func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.MaxAmountPerWeek = 50 },
			spent:  30,
			rule:   RuleMaxPerWeek,
		},
		{
			name:   "monthly cap",
			mutate: func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.MaxAmountPerMonth = 50 },
			spent:  30,
			rule:   RuleMaxPerMonth,
		},
		{
			name:    "exact cap is allowed",
			mutate:  func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.MaxAmountPerDay = 60 },
			spent:   30,
			allowed: true,
		},
		{
			name:   "outside time window",
			mutate: func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.TimeWindow = &TimeWindow{Start: "12:00", End: "18:00"} },
			rule:   RuleTimeWindow,
		},
		{
			name:    "inside time window",
			mutate:  func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.TimeWindow = &TimeWindow{Start: "09:00", End: "17:00"} },
			allowed: true,
		},
		{
			name:    "expression passes",
			mutate:  func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.Expression = `amount <= 50 && chain == "base"` },
			allowed: true,
		},
		{
			name:   "expression rejects",
			mutate: func(p *AgentPolicy, _ *ExecutionRequest) { p.Conditions.Expression = `currency == "EUR"` },
			rule:   RuleExpression,
		},
	}

	ev := newTestEvaluator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPolicy("p1")
			req := testRequest(30)
			tt.mutate(p, &req)

			res := ev.Evaluate(p, req, spentTracker(t, tt.spent), testNow)
			assert.Equal(t, tt.allowed, res.Allowed)
			if tt.allowed {
				assert.Nil(t, res.Violation)
				return
			}
			require.NotNil(t, res.Violation)
			assert.Equal(t, tt.rule, res.Violation.Rule)
		})
	}
}

func TestEvaluate_NilTracker(t *testing.T) {
	ev := newTestEvaluator(t)
	p := testPolicy("p1")
	p.Conditions.MaxAmountPerDay = 100

	res := ev.Evaluate(p, testRequest(30), nil, testNow)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(100), res.RemainingDaily)
}

func TestEvaluate_DailyResetBeforeCheck(t *testing.T) {
	ev := newTestEvaluator(t)
	p := testPolicy("p1")
	p.Conditions.MaxAmountPerDay = 100

	tr := spentTracker(t, 90)
	res := ev.Evaluate(p, testRequest(30), tr, testNow.Add(24*time.Hour))
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(100), res.RemainingDaily)
}
