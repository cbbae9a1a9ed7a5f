package budget_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ya-xyz/aesp-sub001/pkg/budget"
)

// Property: ApplyResets(now) twice == ApplyResets(now) once, for any tracker history.
func TestApplyResetsIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("resets are idempotent for identical now", prop.ForAll(
		func(spendOffsets []int64, amount int64, nowOffset int64) bool {
			tr := budget.NewTracker("agent", base)
			for _, off := range spendOffsets {
				at := base.Add(time.Duration(off) * time.Minute)
				if _, err := tr.Spend(budget.Transaction{Amount: amount, At: at}); err != nil {
					return false
				}
			}
			now := base.Add(time.Duration(nowOffset) * time.Minute)
			once := tr.WithResets(now)
			twice := once.WithResets(now)
			return reflect.DeepEqual(once, twice)
		},
		gen.SliceOf(gen.Int64Range(0, 60*24*120)),
		gen.Int64Range(1, 10_000),
		gen.Int64Range(0, 60*24*150),
	))

	properties.Property("counters stay non-negative and nested", prop.ForAll(
		func(spendOffsets []int64, nowOffset int64) bool {
			tr := budget.NewTracker("agent", base)
			for _, off := range spendOffsets {
				_, _ = tr.Spend(budget.Transaction{Amount: 1, At: base.Add(time.Duration(off) * time.Hour)})
			}
			tr.ApplyResets(base.Add(time.Duration(nowOffset) * time.Hour))
			nonNegative := tr.DailySpent >= 0 && tr.WeeklySpent >= 0 && tr.MonthlySpent >= 0
			nested := tr.DailySpent <= tr.WeeklySpent && tr.DailySpent <= tr.MonthlySpent
			return nonNegative && nested
		},
		gen.SliceOf(gen.Int64Range(0, 24*90)),
		gen.Int64Range(0, 24*100),
	))

	properties.TestingRun(t)
}
