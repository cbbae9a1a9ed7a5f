// Package negotiation implements the agent-to-agent negotiation protocol: a session
// moves through a fixed transition table as the two counterpart agents exchange
// offers, counter-offers, acceptance, commitment and disputes.
//
// The state machine (Apply, CanTransition) is pure. The Protocol owns sessions through
// a SessionStore, serializes mutation per session id, and performs delivery and policy
// calls outside the session's critical section.
package negotiation

import (
	"time"
)

// State is a negotiation session state.
type State string

const (
	StateInitial       State = "initial"
	StateOfferSent     State = "offer_sent"
	StateOfferReceived State = "offer_received"
	StateCountering    State = "countering"
	StateAccepted      State = "accepted"
	StateRejected      State = "rejected"
	StateCommitted     State = "committed"
	StateDisputed      State = "disputed"
)

// States lists every state.
var States = []State{
	StateInitial, StateOfferSent, StateOfferReceived, StateCountering,
	StateAccepted, StateRejected, StateCommitted, StateDisputed,
}

// Trigger is the event that drives a transition.
type Trigger string

const (
	TriggerOffer   Trigger = "offer"
	TriggerCounter Trigger = "counter"
	TriggerAccept  Trigger = "accept"
	TriggerReject  Trigger = "reject"
	TriggerCommit  Trigger = "commit"
	TriggerDispute Trigger = "dispute"
)

// Triggers lists every trigger.
var Triggers = []Trigger{TriggerOffer, TriggerCounter, TriggerAccept, TriggerReject, TriggerCommit, TriggerDispute}

// carriesTerms reports whether rounds with this trigger count toward MaxRounds.
func (t Trigger) carriesTerms() bool {
	return t == TriggerOffer || t == TriggerCounter
}

// MessageKind is the kind of a negotiation round.
type MessageKind string

const (
	KindOffer        MessageKind = "offer"
	KindCounterOffer MessageKind = "counter_offer"
	KindAccept       MessageKind = "accept"
	KindReject       MessageKind = "reject"
	KindCommitment   MessageKind = "commitment"
	KindDispute      MessageKind = "dispute"
)

var kindTriggers = map[MessageKind]Trigger{
	KindOffer:        TriggerOffer,
	KindCounterOffer: TriggerCounter,
	KindAccept:       TriggerAccept,
	KindReject:       TriggerReject,
	KindCommitment:   TriggerCommit,
	KindDispute:      TriggerDispute,
}

// Trigger returns the trigger a round of this kind fires.
func (k MessageKind) Trigger() (Trigger, bool) {
	t, ok := kindTriggers[k]
	return t, ok
}

// Terms are the deal terms carried by offers and counter-offers. Price is in minor
// units of Currency.
type Terms struct {
	Price       int64             `json:"price"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
	PayTo       string            `json:"pay_to,omitempty"`
	Chain       string            `json:"chain,omitempty"`
	Method      string            `json:"method,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

type Acceptance struct {
	AgreementHash string `json:"agreement_hash"`
}

type Rejection struct {
	Reason string `json:"reason,omitempty"`
}

type Dispute struct {
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence,omitempty"`
}

// Commitment is the signed, to-be-settled outcome of a negotiation.
type Commitment struct {
	SessionID     string    `json:"session_id"`
	AgreementHash string    `json:"agreement_hash"`
	Terms         Terms     `json:"terms"`
	Payer         string    `json:"payer"`
	Payee         string    `json:"payee"`
	CommittedAt   time.Time `json:"committed_at"`
	KeyRef        string    `json:"key_ref,omitempty"`
	Signature     string    `json:"signature,omitempty"`
	// PolicyID is the policy that auto-approved the commitment; ApprovalRef the
	// escalation receipt when a human approved it instead.
	PolicyID    string `json:"policy_id,omitempty"`
	ApprovalRef string `json:"approval_ref,omitempty"`
}

// Payload is a round's content; exactly the field matching the round kind is set.
type Payload struct {
	Terms      *Terms      `json:"terms,omitempty"`
	Acceptance *Acceptance `json:"acceptance,omitempty"`
	Rejection  *Rejection  `json:"rejection,omitempty"`
	Commitment *Commitment `json:"commitment,omitempty"`
	Dispute    *Dispute    `json:"dispute,omitempty"`
}

func (p Payload) count() int {
	n := 0
	for _, set := range []bool{p.Terms != nil, p.Acceptance != nil, p.Rejection != nil, p.Commitment != nil, p.Dispute != nil} {
		if set {
			n++
		}
	}
	return n
}

// matches reports whether the single populated field fits kind.
func (p Payload) matches(kind MessageKind) bool {
	if p.count() != 1 {
		return false
	}
	switch kind {
	case KindOffer, KindCounterOffer:
		return p.Terms != nil
	case KindAccept:
		return p.Acceptance != nil
	case KindReject:
		return p.Rejection != nil
	case KindCommitment:
		return p.Commitment != nil
	case KindDispute:
		return p.Dispute != nil
	}
	return false
}

// Round is one message in a session. Rounds are immutable once appended and numbered
// from 1 without gaps.
type Round struct {
	SessionID string      `json:"session_id"`
	Number    int         `json:"number"`
	Sender    string      `json:"sender"`
	Kind      MessageKind `json:"kind"`
	Payload   Payload     `json:"payload"`
	At        time.Time   `json:"at"`
}

// StateTransition is an append-only log entry of the session's state changes.
type StateTransition struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	Trigger Trigger   `json:"trigger"`
	At      time.Time `json:"at"`
}

// Session is a negotiation between a local agent and one remote counterpart.
type Session struct {
	ID            string            `json:"id"`
	LocalAgentID  string            `json:"local_agent_id"`
	RemoteAgentID string            `json:"remote_agent_id"`
	State         State             `json:"state"`
	Rounds        []Round           `json:"rounds"`
	Transitions   []StateTransition `json:"transitions"`
	// MaxRounds bounds offer and counter-offer rounds; zero means unbounded. Closing
	// rounds (accept, reject, commitment, dispute) are always admitted, so len(Rounds)
	// may exceed MaxRounds.
	MaxRounds  int         `json:"max_rounds"`
	Commitment *Commitment `json:"commitment,omitempty"`

	// PendingCommitment awaits a human decision on escalation PendingIntentID.
	PendingCommitment *Commitment `json:"pending_commitment,omitempty"`
	PendingIntentID   string      `json:"pending_intent_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Clone returns a copy whose slices can be appended to independently. Rounds and
// commitments are immutable and shared.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Rounds = append([]Round(nil), s.Rounds...)
	c.Transitions = append([]StateTransition(nil), s.Transitions...)
	if s.ExpiresAt != nil {
		e := *s.ExpiresAt
		c.ExpiresAt = &e
	}
	return &c
}

// Expired reports whether the session's expiry has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// TermRounds counts offer and counter-offer rounds.
func (s *Session) TermRounds() int {
	n := 0
	for _, r := range s.Rounds {
		if r.Kind == KindOffer || r.Kind == KindCounterOffer {
			n++
		}
	}
	return n
}

// LastTerms returns the most recent offer or counter-offer round.
func (s *Session) LastTerms() (Round, bool) {
	for i := len(s.Rounds) - 1; i >= 0; i-- {
		if r := s.Rounds[i]; r.Payload.Terms != nil && (r.Kind == KindOffer || r.Kind == KindCounterOffer) {
			return r, true
		}
	}
	return Round{}, false
}

// NextRound is the number the next appended round must carry.
func (s *Session) NextRound() int {
	return len(s.Rounds) + 1
}
