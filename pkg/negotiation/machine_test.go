package negotiation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func sessionIn(state State) *Session {
	s := &Session{ID: "s-1", LocalAgentID: "buyer", RemoteAgentID: "seller", State: state, MaxRounds: 5}
	if state == StateAccepted || state == StateCommitted {
		s.Commitment = &Commitment{SessionID: "s-1"}
	}
	return s
}

func TestTable_EveryEdge(t *testing.T) {
	want := []Transition{
		{StateInitial, TriggerOffer, StateOfferSent},
		{StateInitial, TriggerOffer, StateOfferReceived},
		{StateOfferSent, TriggerCounter, StateCountering},
		{StateOfferSent, TriggerAccept, StateAccepted},
		{StateOfferSent, TriggerReject, StateRejected},
		{StateOfferReceived, TriggerCounter, StateCountering},
		{StateOfferReceived, TriggerAccept, StateAccepted},
		{StateOfferReceived, TriggerReject, StateRejected},
		{StateCountering, TriggerCounter, StateCountering},
		{StateCountering, TriggerAccept, StateAccepted},
		{StateCountering, TriggerReject, StateRejected},
		{StateAccepted, TriggerCommit, StateCommitted},
		{StateCommitted, TriggerDispute, StateDisputed},
	}
	assert.Equal(t, want, Transitions())

	for _, tr := range want {
		next, err := Apply(sessionIn(tr.From), tr.Trigger, tr.To, testNow)
		require.NoError(t, err, "%s --%s--> %s", tr.From, tr.Trigger, tr.To)
		assert.Equal(t, tr.To, next.State)
	}
}

func TestApply_RejectsEveryTripleOutsideTable(t *testing.T) {
	legal := map[Transition]bool{}
	for _, tr := range Transitions() {
		legal[tr] = true
	}
	checked := 0
	for _, from := range States {
		for _, trig := range Triggers {
			for _, to := range States {
				if legal[Transition{from, trig, to}] {
					continue
				}
				checked++
				s := sessionIn(from)
				_, err := Apply(s, trig, to, testNow)
				if IsTerminal(from) {
					assert.ErrorIs(t, err, ErrTerminalState, "%s --%s--> %s", from, trig, to)
					assert.NotErrorIs(t, err, ErrInvalidTransition)
				} else {
					assert.ErrorIs(t, err, ErrInvalidTransition, "%s --%s--> %s", from, trig, to)
					assert.NotErrorIs(t, err, ErrTerminalState)
				}
				assert.False(t, CanTransition(from, to, trig))
				assert.Equal(t, from, s.State)
			}
		}
	}
	assert.Equal(t, len(States)*len(Triggers)*len(States)-len(Transitions()), checked)
}

func TestIsTerminal(t *testing.T) {
	for _, s := range States {
		want := s == StateRejected || s == StateDisputed
		assert.Equal(t, want, IsTerminal(s), s)
		if want {
			for _, trig := range Triggers {
				assert.Empty(t, Targets(s, trig))
			}
		}
	}
}

func TestApply_TerminalState(t *testing.T) {
	_, err := Apply(sessionIn(StateRejected), TriggerCounter, StateCountering, testNow)
	assert.ErrorIs(t, err, ErrTerminalState)
	assert.NotErrorIs(t, err, ErrInvalidTransition)

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateRejected, te.From)
	assert.Equal(t, TriggerCounter, te.Trigger)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	s := sessionIn(StateInitial)
	next, err := Apply(s, TriggerOffer, StateOfferSent, testNow)
	require.NoError(t, err)

	assert.Equal(t, StateInitial, s.State)
	assert.Empty(t, s.Transitions)
	require.Len(t, next.Transitions, 1)
	assert.Equal(t, StateTransition{From: StateInitial, To: StateOfferSent, Trigger: TriggerOffer, At: testNow}, next.Transitions[0])
	assert.Equal(t, testNow, next.UpdatedAt)
}

func TestApply_RoundLimit(t *testing.T) {
	s := sessionIn(StateCountering)
	for i := 1; i <= 5; i++ {
		s.Rounds = append(s.Rounds, Round{Number: i, Kind: KindCounterOffer, Payload: Payload{Terms: &Terms{Price: 1, Currency: "USDC"}}})
	}

	_, err := Apply(s, TriggerCounter, StateCountering, testNow)
	assert.ErrorIs(t, err, ErrRoundLimitExceeded)

	// Accepting and rejecting do not consume rounds.
	_, err = Apply(s, TriggerAccept, StateAccepted, testNow)
	assert.NoError(t, err)
	_, err = Apply(s, TriggerReject, StateRejected, testNow)
	assert.NoError(t, err)

	s.MaxRounds = 0
	_, err = Apply(s, TriggerCounter, StateCountering, testNow)
	assert.NoError(t, err)
}

func TestApply_CommitRequiresCommitment(t *testing.T) {
	s := sessionIn(StateAccepted)
	s.Commitment = nil
	_, err := Apply(s, TriggerCommit, StateCommitted, testNow)
	assert.ErrorIs(t, err, ErrMissingPayload)
}

func TestMessageKind_Trigger(t *testing.T) {
	cases := map[MessageKind]Trigger{
		KindOffer:        TriggerOffer,
		KindCounterOffer: TriggerCounter,
		KindAccept:       TriggerAccept,
		KindReject:       TriggerReject,
		KindCommitment:   TriggerCommit,
		KindDispute:      TriggerDispute,
	}
	for kind, want := range cases {
		got, ok := kind.Trigger()
		assert.True(t, ok, kind)
		assert.Equal(t, want, got, kind)
	}
	_, ok := MessageKind("haggle").Trigger()
	assert.False(t, ok)
}
