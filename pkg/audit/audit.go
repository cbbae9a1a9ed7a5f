// Package audit records autonomous execution outcomes and answers the usage
// queries the policy engine needs when a tracker has no local history.
package audit

import (
	"context"
	"errors"
	"time"
)

// Status is the outcome of an execution attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusDenied  Status = "denied"
	StatusPending Status = "pending"
)

// ErrDuplicateRecord is returned when a request id has already been recorded.
var ErrDuplicateRecord = errors.New("audit: request already recorded")

// Record is one execution outcome.
type Record struct {
	RequestID  string    `json:"request_id"`
	PolicyID   string    `json:"policy_id,omitempty"`
	AgentID    string    `json:"agent_id"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency,omitempty"`
	Recipient  string    `json:"recipient,omitempty"`
	Status     Status    `json:"status"`
	TxRef      string    `json:"tx_ref,omitempty"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Filter narrows GetExecutions. Zero fields match everything.
type Filter struct {
	RequestID string
	AgentID   string
	PolicyID  string
	Status    Status
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f Filter) matches(r Record) bool {
	if f.RequestID != "" && r.RequestID != f.RequestID {
		return false
	}
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.PolicyID != "" && r.PolicyID != f.PolicyID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && r.RecordedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.RecordedAt.Before(f.Until) {
		return false
	}
	return true
}

// Recorder persists execution outcomes.
type Recorder interface {
	RecordExecution(ctx context.Context, r Record) error
}

// Reader answers history queries.
type Reader interface {
	GetExecutions(ctx context.Context, f Filter) ([]Record, error)
	// GetUsageToday sums successful spend by agentID in the UTC calendar day containing now.
	GetUsageToday(ctx context.Context, agentID string, now time.Time) (int64, error)
}

// Log is a Recorder that can also be read back.
type Log interface {
	Recorder
	Reader
}

func dayBounds(now time.Time) (time.Time, time.Time) {
	u := now.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
