// Package escalation routes decisions the policy engine will not auto-approve to a
// human. The manager creates intents, tracks their lifecycle, handles timeouts, and
// produces content-hashed receipts.
package escalation

import (
	"errors"
	"time"
)

var (
	ErrIntentNotFound    = errors.New("escalation: intent not found")
	ErrIntentNotPending  = errors.New("escalation: intent is not pending")
	ErrCeremonyRequired  = errors.New("escalation: approval ceremony required")
	ErrCeremonyInvalid   = errors.New("escalation: approval ceremony rejected")
	ErrNoKeyResolver     = errors.New("escalation: no key resolver for ceremony signatures")
	ErrInvalidEscalation = errors.New("escalation: invalid request")
)

// Kind is what is being escalated.
type Kind string

const (
	KindCommitment   Kind = "commitment"
	KindPolicyChange Kind = "policy_change"
)

// Level is the strength of approval required.
type Level string

const (
	LevelReview    Level = "review"
	LevelBiometric Level = "biometric"
)

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusTimedOut Status = "TIMED_OUT"
)

// DefaultTimeout bounds how long an intent waits for a human.
const DefaultTimeout = 5 * time.Minute

// Request describes a decision to escalate.
type Request struct {
	Kind      Kind
	Level     Level
	SubjectID string // session id or policy id
	AgentID   string
	Summary   string // shown to the approver
	Reasons   []string
	Payload   any // hashed into PayloadHash
	Timeout   time.Duration
}

// Intent is a pending human decision.
type Intent struct {
	IntentID    string    `json:"intent_id"`
	Kind        Kind      `json:"kind"`
	Level       Level     `json:"level"`
	SubjectID   string    `json:"subject_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	Summary     string    `json:"summary"`
	Reasons     []string  `json:"reasons,omitempty"`
	PayloadHash string    `json:"payload_hash,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Receipt is the immutable record of how an intent was resolved.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	IntentID    string    `json:"intent_id"`
	Kind        Kind      `json:"kind"`
	SubjectID   string    `json:"subject_id"`
	Outcome     Status    `json:"outcome"`
	ApprovedBy  []string  `json:"approved_by,omitempty"`
	DeniedBy    string    `json:"denied_by,omitempty"`
	DenyReason  string    `json:"deny_reason,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
	DurationMs  int64     `json:"duration_ms"`
	ContentHash string    `json:"content_hash"`
}
