// Package budget tracks per-agent rolling spend across daily, weekly, and monthly windows.
//
// Trackers are records addressed by agent id and owned by a Store. Every mutation goes
// through Store.Update, which gives the caller exclusive ownership of one agent's record
// for the duration of the callback so read-check-write sequences cannot interleave.
package budget

import (
	"errors"
	"time"
)

var (
	// ErrInvalidAmount is returned for zero or negative spend and hold amounts.
	ErrInvalidAmount = errors.New("budget: amount must be positive")
	// ErrHoldExists is returned when a hold for the same request id is already present.
	ErrHoldExists = errors.New("budget: hold already exists for request")
)

// Window identifies one of the three reset windows.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
)

// Windows lists every window in evaluation order.
var Windows = []Window{WindowDaily, WindowWeekly, WindowMonthly}

// Transaction is an immutable ledger entry appended for each approved spend.
type Transaction struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	PolicyID  string    `json:"policy_id,omitempty"`
	Amount    int64     `json:"amount"` // minor units
	Currency  string    `json:"currency,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	At        time.Time `json:"at"`
}

// Hold reserves budget for an approved request that has not yet been executed.
type Hold struct {
	RequestID string    `json:"request_id"`
	PolicyID  string    `json:"policy_id,omitempty"`
	Amount    int64     `json:"amount"`
	Recipient string    `json:"recipient,omitempty"`
	PlacedAt  time.Time `json:"placed_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Tracker holds one agent's spend counters, per-window reset marks, ledger, and holds.
// The reset marks record the start of the window the counter currently covers.
type Tracker struct {
	AgentID        string        `json:"agent_id"`
	DailySpent     int64         `json:"daily_spent"`
	WeeklySpent    int64         `json:"weekly_spent"`
	MonthlySpent   int64         `json:"monthly_spent"`
	DailyResetAt   time.Time     `json:"daily_reset_at"`
	WeeklyResetAt  time.Time     `json:"weekly_reset_at"`
	MonthlyResetAt time.Time     `json:"monthly_reset_at"`
	Transactions   []Transaction `json:"transactions,omitempty"`
	Holds          []Hold        `json:"holds,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
