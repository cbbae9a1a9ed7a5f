package budget

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewTracker creates an empty tracker whose windows start at now.
func NewTracker(agentID string, now time.Time) *Tracker {
	t := &Tracker{AgentID: agentID}
	t.ApplyResets(now)
	t.Touch(now)
	return t
}

// IsNew reports whether the tracker has never been persisted with a creation time.
func (t *Tracker) IsNew() bool {
	return t.CreatedAt.IsZero()
}

// Touch stamps the modification time, and the creation time on first use.
func (t *Tracker) Touch(now time.Time) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now.UTC()
	}
	t.UpdatedAt = now.UTC()
}

// ApplyResets zeroes every window whose boundary now has crossed since its last reset
// and advances that window's reset mark. Windows are tested independently, so a single
// call performs zero to three resets. Applying it twice with the same now is a no-op
// the second time. It returns the windows that were reset.
func (t *Tracker) ApplyResets(now time.Time) []Window {
	var reset []Window
	for _, w := range Windows {
		start := WindowStart(w, now)
		mark, spent := t.window(w)
		if mark.IsZero() || mark.Before(start) {
			*mark = start
			*spent = 0
			reset = append(reset, w)
		}
	}
	return reset
}

func (t *Tracker) window(w Window) (*time.Time, *int64) {
	switch w {
	case WindowWeekly:
		return &t.WeeklyResetAt, &t.WeeklySpent
	case WindowMonthly:
		return &t.MonthlyResetAt, &t.MonthlySpent
	default:
		return &t.DailyResetAt, &t.DailySpent
	}
}

// Spent returns the counter for w as currently stored.
func (t *Tracker) Spent(w Window) int64 {
	_, spent := t.window(w)
	return *spent
}

// Clone returns a deep copy.
func (t *Tracker) Clone() *Tracker {
	if t == nil {
		return nil
	}
	c := *t
	c.Transactions = append([]Transaction(nil), t.Transactions...)
	c.Holds = append([]Hold(nil), t.Holds...)
	return &c
}

// WithResets returns a copy of t with pending resets applied at now; t is not modified.
// A nil tracker yields nil.
func (t *Tracker) WithResets(now time.Time) *Tracker {
	if t == nil {
		return nil
	}
	c := t.Clone()
	c.ApplyResets(now)
	return c
}

// Spend records an approved spend: it applies pending resets at tx.At, adds the amount
// to every window, appends the ledger entry, and clears any hold for the same request.
func (t *Tracker) Spend(tx Transaction) (Transaction, error) {
	if tx.Amount <= 0 || tx.Amount > MaxAmount {
		return Transaction{}, fmt.Errorf("%w: %d", ErrInvalidAmount, tx.Amount)
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	tx.At = tx.At.UTC()
	t.ApplyResets(tx.At)
	t.DailySpent = AddAmounts(t.DailySpent, tx.Amount)
	t.WeeklySpent = AddAmounts(t.WeeklySpent, tx.Amount)
	t.MonthlySpent = AddAmounts(t.MonthlySpent, tx.Amount)
	t.Transactions = append(t.Transactions, tx)
	if tx.RequestID != "" {
		t.ReleaseHold(tx.RequestID)
	}
	return tx, nil
}

// PlaceHold reserves h.Amount until h.ExpiresAt.
func (t *Tracker) PlaceHold(h Hold) error {
	if h.Amount <= 0 || h.Amount > MaxAmount {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, h.Amount)
	}
	for _, existing := range t.Holds {
		if existing.RequestID == h.RequestID {
			return fmt.Errorf("%w: %s", ErrHoldExists, h.RequestID)
		}
	}
	t.Holds = append(t.Holds, h)
	return nil
}

// ReleaseHold removes the hold for requestID and returns it.
func (t *Tracker) ReleaseHold(requestID string) (Hold, bool) {
	for i, h := range t.Holds {
		if h.RequestID == requestID {
			t.Holds = append(t.Holds[:i:i], t.Holds[i+1:]...)
			return h, true
		}
	}
	return Hold{}, false
}

// FindHold returns the hold for requestID, if any.
func (t *Tracker) FindHold(requestID string) (Hold, bool) {
	for _, h := range t.Holds {
		if h.RequestID == requestID {
			return h, true
		}
	}
	return Hold{}, false
}

// ExpireHolds drops holds that expired at or before now and returns how many were dropped.
func (t *Tracker) ExpireHolds(now time.Time) int {
	kept := t.Holds[:0:0]
	for _, h := range t.Holds {
		if h.ExpiresAt.IsZero() || now.Before(h.ExpiresAt) {
			kept = append(kept, h)
		}
	}
	dropped := len(t.Holds) - len(kept)
	t.Holds = kept
	return dropped
}

// HeldAmount sums active holds, excluding the hold for exceptRequestID.
func (t *Tracker) HeldAmount(exceptRequestID string) int64 {
	var total int64
	for _, h := range t.Holds {
		if exceptRequestID != "" && h.RequestID == exceptRequestID {
			continue
		}
		total = AddAmounts(total, h.Amount)
	}
	return total
}

// HasPaid reports whether the ledger holds a transaction to recipient.
// Recipients compare case-insensitively.
func (t *Tracker) HasPaid(recipient string) bool {
	for _, tx := range t.Transactions {
		if strings.EqualFold(tx.Recipient, recipient) {
			return true
		}
	}
	return false
}

// FindTransaction returns the ledger entry recorded for requestID.
func (t *Tracker) FindTransaction(requestID string) (Transaction, bool) {
	for _, tx := range t.Transactions {
		if tx.RequestID == requestID {
			return tx, true
		}
	}
	return Transaction{}, false
}
