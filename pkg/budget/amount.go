package budget

import "math"

// MaxAmount bounds any single amount the tracker accepts, leaving headroom so window
// counters built from such amounts stay far from int64 overflow.
const MaxAmount int64 = math.MaxInt64 / 4

// AddAmounts sums two non-negative amounts, saturating at math.MaxInt64.
func AddAmounts(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
