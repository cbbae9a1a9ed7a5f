package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeWindowContains(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 10, 19, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name   string
		window TimeWindow
		at     time.Time
		want   bool
	}{
		{"start inclusive", TimeWindow{Start: "09:00", End: "17:00"}, at(9, 0), true},
		{"end exclusive", TimeWindow{Start: "09:00", End: "17:00"}, at(17, 0), false},
		{"before start", TimeWindow{Start: "09:00", End: "17:00"}, at(8, 59), false},
		{"overnight late", TimeWindow{Start: "22:00", End: "06:00"}, at(23, 30), true},
		{"overnight early", TimeWindow{Start: "22:00", End: "06:00"}, at(5, 59), true},
		{"overnight midday", TimeWindow{Start: "22:00", End: "06:00"}, at(12, 0), false},
		{"equal bounds cover the day", TimeWindow{Start: "00:00", End: "00:00"}, at(13, 37), true},
		{"timezone applied", TimeWindow{Start: "09:00", End: "17:00", Timezone: "America/New_York"}, at(14, 0), true},
		{"timezone excludes", TimeWindow{Start: "09:00", End: "17:00", Timezone: "America/New_York"}, at(10, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.window.Contains(tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTimeWindowValidate(t *testing.T) {
	assert.NoError(t, (&TimeWindow{Start: "00:00", End: "23:59"}).Validate())
	assert.Error(t, (&TimeWindow{Start: "9am", End: "17:00"}).Validate())
	assert.Error(t, (&TimeWindow{Start: "09:00", End: "24:00"}).Validate())
	assert.Error(t, (&TimeWindow{Start: "09:00", End: "17:00", Timezone: "Mars/Olympus"}).Validate())
}

func TestAddressChecksum(t *testing.T) {
	const checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

	assert.Equal(t, checksummed, ChecksumAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"))
	assert.NoError(t, ValidateAddress(checksummed))
	assert.NoError(t, ValidateAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"))
	assert.NoError(t, ValidateAddress("merchant.sol"))
	assert.Error(t, ValidateAddress("0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"))

	assert.True(t, IsHexAddress(checksummed))
	assert.False(t, IsHexAddress("0x1234"))
	assert.True(t, SameAddress(checksummed, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"))
}

func TestScopeCovers(t *testing.T) {
	assert.True(t, ScopeFull.Covers(ScopeCommitment))
	assert.True(t, ScopeFull.Covers(ScopeDelegatedNegotiation))
	assert.True(t, ScopeCommitment.Covers(ScopeAutoPayment))
	assert.False(t, ScopeAutoPayment.Covers(ScopeCommitment))
	assert.False(t, ScopeDelegatedNegotiation.Covers(ScopeAutoPayment))
	assert.False(t, ScopeFull.Covers(Scope("bogus")))

	assert.Less(t, ScopeAutoPayment.Specificity(), ScopeCommitment.Specificity())
	assert.Less(t, ScopeCommitment.Specificity(), ScopeFull.Specificity())
}

func TestExpressionEvaluator(t *testing.T) {
	ev, err := NewExpressionEvaluator()
	require.NoError(t, err)

	assert.Error(t, ev.Compile("amount +"))
	assert.Error(t, ev.Compile("amount + 1"), "non-bool expressions are rejected")

	ok, err := ev.Eval("hour >= 9 && balance > amount", map[string]any{
		"amount": int64(10), "currency": "USDC", "recipient": "r", "chain": "base",
		"method": "transfer", "hour": int64(10), "balance": int64(100),
	})
	require.NoError(t, err)
	assert.True(t, ok)
}
