package negotiation

import (
	"time"
)

type edgeKey struct {
	from    State
	trigger Trigger
}

// table maps (state, trigger) to the set of legal target states. Where a pair has more
// than one target the caller names the one it intends; the machine never infers it.
var table = map[edgeKey][]State{
	{StateInitial, TriggerOffer}: {StateOfferSent, StateOfferReceived},

	{StateOfferSent, TriggerCounter}:     {StateCountering},
	{StateOfferReceived, TriggerCounter}: {StateCountering},
	{StateCountering, TriggerCounter}:    {StateCountering},

	{StateOfferSent, TriggerAccept}:     {StateAccepted},
	{StateOfferReceived, TriggerAccept}: {StateAccepted},
	{StateCountering, TriggerAccept}:    {StateAccepted},

	{StateOfferSent, TriggerReject}:     {StateRejected},
	{StateOfferReceived, TriggerReject}: {StateRejected},
	{StateCountering, TriggerReject}:    {StateRejected},

	{StateAccepted, TriggerCommit}:   {StateCommitted},
	{StateCommitted, TriggerDispute}: {StateDisputed},
}

// Transition is one legal (from, trigger, to) triple.
type Transition struct {
	From    State
	Trigger Trigger
	To      State
}

// Transitions enumerates the table in a stable order.
func Transitions() []Transition {
	var out []Transition
	for _, from := range States {
		for _, trig := range Triggers {
			for _, to := range table[edgeKey{from, trig}] {
				out = append(out, Transition{From: from, Trigger: trig, To: to})
			}
		}
	}
	return out
}

// Targets returns the legal targets for (from, trigger).
func Targets(from State, trigger Trigger) []State {
	return append([]State(nil), table[edgeKey{from, trigger}]...)
}

// CanTransition reports whether (from, trigger, to) is in the table.
func CanTransition(from, to State, trigger Trigger) bool {
	for _, s := range table[edgeKey{from, trigger}] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing edges.
func IsTerminal(s State) bool {
	for k := range table {
		if k.from == s {
			return false
		}
	}
	return true
}

// Apply validates (session.State, trigger, to) and returns a copy of the session in
// state to with the transition logged. The input session is not modified. Offer and
// counter triggers fail with ErrRoundLimitExceeded once the session holds MaxRounds
// term rounds. Entering committed requires a commitment on the session.
func Apply(s *Session, trigger Trigger, to State, at time.Time) (*Session, error) {
	fail := func(err error) (*Session, error) {
		return nil, &TransitionError{From: s.State, To: to, Trigger: trigger, Err: err}
	}
	if IsTerminal(s.State) {
		return fail(ErrTerminalState)
	}
	if !CanTransition(s.State, to, trigger) {
		return fail(ErrInvalidTransition)
	}
	if trigger.carriesTerms() && s.MaxRounds > 0 && s.TermRounds() >= s.MaxRounds {
		return fail(ErrRoundLimitExceeded)
	}
	if to == StateCommitted && s.Commitment == nil {
		return fail(ErrMissingPayload)
	}

	next := s.Clone()
	next.Transitions = append(next.Transitions, StateTransition{From: s.State, To: to, Trigger: trigger, At: at.UTC()})
	next.State = to
	next.UpdatedAt = at.UTC()
	return next, nil
}
