package negotiation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ya-xyz/aesp-sub001/pkg/audit"
	"github.com/ya-xyz/aesp-sub001/pkg/budget"
	"github.com/ya-xyz/aesp-sub001/pkg/crypto"
	"github.com/ya-xyz/aesp-sub001/pkg/escalation"
	"github.com/ya-xyz/aesp-sub001/pkg/policy"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSender struct {
	mu      sync.Mutex
	rounds  []Round
	agents  []string
	err     error
	outcome DeliveryOutcome
}

func (r *recordingSender) Send(_ context.Context, agentID string, round Round) (DeliveryOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return DeliveryOutcome{}, r.err
	}
	r.rounds = append(r.rounds, round)
	r.agents = append(r.agents, agentID)
	if r.outcome.Status == "" {
		return DeliveryOutcome{Status: Delivered}, nil
	}
	return r.outcome, nil
}

func (r *recordingSender) sent() []Round {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Round(nil), r.rounds...)
}

type approverFunc func(ctx context.Context, req policy.ExecutionRequest) (string, error)

func (f approverFunc) CheckAutoApprove(ctx context.Context, req policy.ExecutionRequest) (string, error) {
	return f(ctx, req)
}

type protocolFixture struct {
	protocol *Protocol
	store    *MemorySessionStore
	sender   *recordingSender
	clock    *fakeClock
	keys     *crypto.Keyring
}

func newProtocolFixture(t *testing.T) *protocolFixture {
	t.Helper()
	keys, err := crypto.NewKeyringFromSeed(make([]byte, 32))
	require.NoError(t, err)
	f := &protocolFixture{
		store:  NewMemorySessionStore(),
		sender: &recordingSender{},
		clock:  &fakeClock{now: testNow},
		keys:   keys,
	}
	f.protocol = NewProtocol(f.store, f.sender).
		WithClock(f.clock.Now).
		WithSigner(keys, "buyer-key").
		WithVerifier(keys)
	return f
}

func (f *protocolFixture) open(t *testing.T) *Session {
	t.Helper()
	s, err := f.protocol.Open(context.Background(), OpenRequest{
		SessionID:     "s-1",
		LocalAgentID:  "buyer",
		RemoteAgentID: "seller",
		MaxRounds:     5,
		TTL:           time.Hour,
	})
	require.NoError(t, err)
	return s
}

func testTerms(price int64) Terms {
	return Terms{Price: price, Currency: "USDC", Description: "compute credits", PayTo: "0xabc", Chain: "base", Method: "transfer"}
}

func hashOf(t *testing.T, terms Terms) string {
	t.Helper()
	h, err := AgreementHash(terms)
	require.NoError(t, err)
	return h
}

func inbound(number int, kind MessageKind, payload Payload) Round {
	return Round{Number: number, Sender: "seller", Kind: kind, Payload: payload}
}

// toAccepted drives the fixture's session to accepted on the seller's counter-offer.
func (f *protocolFixture) toAccepted(t *testing.T, price int64) Terms {
	t.Helper()
	ctx := context.Background()
	f.open(t)
	_, err := f.protocol.ProposeOffer(ctx, "s-1", testTerms(price/2))
	require.NoError(t, err)
	counter := testTerms(price)
	_, err = f.protocol.Receive(ctx, "s-1", inbound(2, KindCounterOffer, Payload{Terms: &counter}))
	require.NoError(t, err)
	_, err = f.protocol.Accept(ctx, "s-1", hashOf(t, counter))
	require.NoError(t, err)
	return counter
}

func TestProtocol_OpenValidation(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()

	_, err := f.protocol.Open(ctx, OpenRequest{LocalAgentID: "a", RemoteAgentID: "a"})
	assert.ErrorIs(t, err, ErrInvalidSession)

	s, err := f.protocol.Open(ctx, OpenRequest{LocalAgentID: "a", RemoteAgentID: "b"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StateInitial, s.State)
	assert.Equal(t, DefaultMaxRounds, s.MaxRounds)
	require.NotNil(t, s.ExpiresAt)
	assert.Equal(t, testNow.Add(DefaultSessionTTL), *s.ExpiresAt)

	f.open(t)
	_, err = f.protocol.Open(ctx, OpenRequest{SessionID: "s-1", LocalAgentID: "buyer", RemoteAgentID: "seller"})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestProtocol_NegotiateToAccepted(t *testing.T) {
	f := newProtocolFixture(t)
	terms := f.toAccepted(t, 100)

	s, err := f.protocol.Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, s.State)
	require.Len(t, s.Rounds, 3)
	for i, r := range s.Rounds {
		assert.Equal(t, i+1, r.Number)
	}
	assert.Equal(t, []State{StateOfferSent, StateCountering, StateAccepted},
		[]State{s.Transitions[0].To, s.Transitions[1].To, s.Transitions[2].To})

	sent := f.sender.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, KindOffer, sent[0].Kind)
	assert.Equal(t, KindAccept, sent[1].Kind)
	assert.Equal(t, hashOf(t, terms), sent[1].Payload.Acceptance.AgreementHash)
	assert.Equal(t, []string{"seller", "seller"}, f.sender.agents)
}

func TestProtocol_InboundOfferEntersOfferReceived(t *testing.T) {
	f := newProtocolFixture(t)
	f.open(t)
	terms := testTerms(40)
	s, err := f.protocol.Receive(context.Background(), "s-1", inbound(1, KindOffer, Payload{Terms: &terms}))
	require.NoError(t, err)
	assert.Equal(t, StateOfferReceived, s.State)
	assert.Empty(t, f.sender.sent())
}

func TestProtocol_AcceptHashMismatchLeavesSessionUnchanged(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()
	f.open(t)
	terms := testTerms(40)
	_, err := f.protocol.Receive(ctx, "s-1", inbound(1, KindOffer, Payload{Terms: &terms}))
	require.NoError(t, err)
	before, err := f.store.Get(ctx, "s-1")
	require.NoError(t, err)

	_, err = f.protocol.Accept(ctx, "s-1", hashOf(t, testTerms(41)))
	assert.ErrorIs(t, err, ErrAgreementHashMismatch)

	after, err := f.store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestProtocol_CannotAcceptOwnTerms(t *testing.T) {
	f := newProtocolFixture(t)
	f.open(t)
	terms := testTerms(40)
	_, err := f.protocol.ProposeOffer(context.Background(), "s-1", terms)
	require.NoError(t, err)

	_, err = f.protocol.Accept(context.Background(), "s-1", hashOf(t, terms))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestProtocol_AgreementHashIgnoresUnicodeForm(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()
	f.open(t)
	decomposed := testTerms(40)
	decomposed.Description = "cafe\u0301"
	_, err := f.protocol.Receive(ctx, "s-1", inbound(1, KindOffer, Payload{Terms: &decomposed}))
	require.NoError(t, err)

	composed := testTerms(40)
	composed.Description = "caf\u00e9"
	s, err := f.protocol.Accept(ctx, "s-1", hashOf(t, composed))
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, s.State)
}

func TestProtocol_RoundLimit(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()
	f.open(t)

	_, err := f.protocol.ProposeOffer(ctx, "s-1", testTerms(10))
	require.NoError(t, err)
	for n := 2; n <= 5; n++ {
		terms := testTerms(int64(10 + n))
		if n%2 == 1 {
			_, err = f.protocol.Receive(ctx, "s-1", inbound(n, KindCounterOffer, Payload{Terms: &terms}))
		} else {
			_, err = f.protocol.Counter(ctx, "s-1", terms)
		}
		require.NoError(t, err, "round %d", n)
	}
	before, err := f.store.Get(ctx, "s-1")
	require.NoError(t, err)
	require.Equal(t, StateCountering, before.State)
	require.Len(t, before.Rounds, 5)

	_, err = f.protocol.Counter(ctx, "s-1", testTerms(99))
	assert.ErrorIs(t, err, ErrRoundLimitExceeded)

	after, err := f.store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The last counter-offer can still be accepted; closing rounds go past MaxRounds.
	accepted, err := f.protocol.Accept(ctx, "s-1", hashOf(t, testTerms(15)))
	require.NoError(t, err)
	assert.Len(t, accepted.Rounds, 6)
	assert.Equal(t, 5, accepted.MaxRounds)
}

func TestProtocol_ExpiredSession(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()
	f.open(t)
	f.clock.Advance(time.Hour)

	_, err := f.protocol.ProposeOffer(ctx, "s-1", testTerms(10))
	assert.ErrorIs(t, err, ErrSessionExpired)
	terms := testTerms(10)
	_, err = f.protocol.Receive(ctx, "s-1", inbound(1, KindOffer, Payload{Terms: &terms}))
	assert.ErrorIs(t, err, ErrSessionExpired)

	s, err := f.store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateInitial, s.State)
	assert.Empty(t, s.Rounds)
}

func TestProtocol_ReceiveOrdering(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()
	f.open(t)
	terms := testTerms(40)
	offer := inbound(1, KindOffer, Payload{Terms: &terms})

	first, err := f.protocol.Receive(ctx, "s-1", offer)
	require.NoError(t, err)

	again, err := f.protocol.Receive(ctx, "s-1", offer)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other := testTerms(41)
	_, err = f.protocol.Receive(ctx, "s-1", inbound(1, KindOffer, Payload{Terms: &other}))
	assert.ErrorIs(t, err, ErrRoundOutOfOrder)

	_, err = f.protocol.Receive(ctx, "s-1", inbound(3, KindCounterOffer, Payload{Terms: &other}))
	assert.ErrorIs(t, err, ErrRoundOutOfOrder)

	stranger := inbound(2, KindCounterOffer, Payload{Terms: &other})
	stranger.Sender = "mallory"
	_, err = f.protocol.Receive(ctx, "s-1", stranger)
	assert.ErrorIs(t, err, ErrUnknownSender)

	_, err = f.protocol.Receive(ctx, "s-1", inbound(2, KindCounterOffer, Payload{Rejection: &Rejection{Reason: "no"}}))
	assert.ErrorIs(t, err, ErrMissingPayload)

	s, err := f.store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, s.Rounds, 1)
	assert.Len(t, s.Transitions, 1)
}

func TestProtocol_InvalidTerms(t *testing.T) {
	f := newProtocolFixture(t)
	f.open(t)
	_, err := f.protocol.ProposeOffer(context.Background(), "s-1", Terms{Price: 0, Currency: "USDC"})
	assert.ErrorIs(t, err, ErrInvalidTerms)
	_, err = f.protocol.ProposeOffer(context.Background(), "s-1", Terms{Price: 5})
	assert.ErrorIs(t, err, ErrInvalidTerms)
	_, err = f.protocol.ProposeOffer(context.Background(), "s-1", testTerms(math.MaxInt64))
	assert.ErrorIs(t, err, ErrInvalidTerms)

	huge := testTerms(budget.MaxAmount + 1)
	_, err = f.protocol.Receive(context.Background(), "s-1", Round{Number: 1, Sender: "seller", Kind: KindOffer, Payload: Payload{Terms: &huge}})
	assert.ErrorIs(t, err, ErrInvalidTerms)

	s, err := f.protocol.Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateInitial, s.State)
	assert.Empty(t, s.Rounds)
}

func TestProtocol_ConcurrentCountersRespectLimit(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()
	f.open(t)
	_, err := f.protocol.ProposeOffer(ctx, "s-1", testTerms(10))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.protocol.Counter(ctx, "s-1", testTerms(int64(20+i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	ok, limited := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrRoundLimitExceeded):
			limited++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 4, ok)
	assert.Equal(t, 6, limited)

	s, err := f.store.Get(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, s.Rounds, 5)
	for i, r := range s.Rounds {
		assert.Equal(t, i+1, r.Number)
	}
}

func TestProtocol_RejectArchivesSession(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()
	archive, err := OpenSQLiteArchive(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })
	f.protocol.WithArchiver(archive)

	f.open(t)
	_, err = f.protocol.ProposeOffer(ctx, "s-1", testTerms(10))
	require.NoError(t, err)
	s, err := f.protocol.Reject(ctx, "s-1", "too slow")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, s.State)

	_, err = f.store.Get(ctx, "s-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	archived, err := f.protocol.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, archived.State)
	assert.Len(t, archived.Rounds, 2)

	// A counterpart's closing round may be redelivered after the session left the store.
	_, err = f.protocol.Open(ctx, OpenRequest{SessionID: "s-2", LocalAgentID: "buyer", RemoteAgentID: "seller", TTL: time.Hour})
	require.NoError(t, err)
	_, err = f.protocol.ProposeOffer(ctx, "s-2", testTerms(10))
	require.NoError(t, err)
	reject := inbound(2, KindReject, Payload{Rejection: &Rejection{Reason: "no"}})
	_, err = f.protocol.Receive(ctx, "s-2", reject)
	require.NoError(t, err)
	_, err = f.store.Get(ctx, "s-2")
	require.ErrorIs(t, err, ErrSessionNotFound)

	again, err := f.protocol.Receive(ctx, "s-2", reject)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, again.State)
	assert.Len(t, again.Rounds, 2)

	changed := inbound(2, KindReject, Payload{Rejection: &Rejection{Reason: "changed my mind"}})
	_, err = f.protocol.Receive(ctx, "s-2", changed)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.protocol.Receive(ctx, "s-2", inbound(3, KindDispute, Payload{Dispute: &Dispute{Reason: "late"}}))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestProtocol_TerminalSessionWithoutArchive(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()
	f.open(t)
	_, err := f.protocol.ProposeOffer(ctx, "s-1", testTerms(10))
	require.NoError(t, err)
	_, err = f.protocol.Receive(ctx, "s-1", inbound(2, KindReject, Payload{Rejection: &Rejection{Reason: "no"}}))
	require.NoError(t, err)

	_, err = f.protocol.Counter(ctx, "s-1", testTerms(11))
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestProtocol_FailedDeliveryGoesToOutbox(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()
	outbox := NewOutbox(f.sender, 1000, 10)
	f.protocol.WithOutbox(outbox)
	f.open(t)

	f.sender.err = errors.New("connection refused")
	s, err := f.protocol.ProposeOffer(ctx, "s-1", testTerms(10))
	require.NoError(t, err)
	assert.Equal(t, StateOfferSent, s.State)
	assert.Equal(t, 1, outbox.Len())

	f.sender.err = nil
	n, err := outbox.Redeliver(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, outbox.Len())
	require.Len(t, f.sender.sent(), 1)
	assert.Equal(t, 1, f.sender.sent()[0].Number)
}

func TestProtocol_CommitRequiresSignerAndAcceptedState(t *testing.T) {
	f := newProtocolFixture(t)
	f.open(t)
	_, err := f.protocol.ProposeCommitment(context.Background(), "s-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	unsigned := NewProtocol(f.store, f.sender).WithClock(f.clock.Now)
	_, err = unsigned.ProposeCommitment(context.Background(), "s-1")
	assert.ErrorIs(t, err, ErrSignerRequired)
}

type engineFixture struct {
	engine  *policy.Engine
	budgets *budget.MemoryStore
	vendor  *policy.StaticProvider
	manager *escalation.Manager
}

func withEngine(t *testing.T, f *protocolFixture, perTx int64) *engineFixture {
	t.Helper()
	budgets := budget.NewMemoryStore()
	engine, err := policy.NewEngine(budgets, audit.NewMemoryLog())
	require.NoError(t, err)
	engine.WithClock(f.clock.Now)
	vendor := policy.NewStaticProvider("vendor-a")
	require.NoError(t, engine.Register("vendor-a", vendor))
	require.NoError(t, vendor.Put(&policy.AgentPolicy{
		ID:         "commit-cap",
		AgentID:    "buyer",
		Version:    "1.0.0",
		Scope:      policy.ScopeCommitment,
		Conditions: policy.PolicyConditions{MaxAmountPerTx: perTx},
		CreatedAt:  testNow.Add(-time.Hour),
	}))
	manager := escalation.NewManager().WithClock(f.clock.Now)
	f.protocol.WithApprover(engine).WithEscalations(manager)
	return &engineFixture{engine: engine, budgets: budgets, vendor: vendor, manager: manager}
}

func TestProtocol_CommitAutoApproved(t *testing.T) {
	f := newProtocolFixture(t)
	e := withEngine(t, f, 1000)
	terms := f.toAccepted(t, 100)

	res, err := f.protocol.ProposeCommitment(context.Background(), "s-1")
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Nil(t, res.Escalation)
	assert.Equal(t, "commit-cap", res.PolicyID)
	assert.Equal(t, CommitmentRequestID("s-1"), res.RequestID)

	s := res.Session
	assert.Equal(t, StateCommitted, s.State)
	require.NotNil(t, s.Commitment)
	assert.Equal(t, hashOf(t, terms), s.Commitment.AgreementHash)
	assert.Equal(t, "commit-cap", s.Commitment.PolicyID)
	assert.NoError(t, s.Commitment.Verify(f.keys))

	tr, err := e.budgets.Get(context.Background(), "buyer")
	require.NoError(t, err)
	require.Len(t, tr.Holds, 1)
	assert.Equal(t, res.RequestID, tr.Holds[0].RequestID)
	assert.Equal(t, int64(100), tr.Holds[0].Amount)

	sent := f.sender.sent()
	assert.Equal(t, KindCommitment, sent[len(sent)-1].Kind)
}

func TestProtocol_CommitEscalatedThenApproved(t *testing.T) {
	f := newProtocolFixture(t)
	e := withEngine(t, f, 10)
	f.toAccepted(t, 100)
	ctx := context.Background()

	res, err := f.protocol.ProposeCommitment(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, res.Committed)
	require.NotNil(t, res.Escalation)
	assert.NotEmpty(t, res.Escalation.IntentID)
	assert.Equal(t, escalation.LevelReview, res.Escalation.Level)
	assert.NotEmpty(t, res.Escalation.Reasons)
	assert.Equal(t, StateAccepted, res.Session.State)
	assert.Equal(t, res.Escalation.IntentID, res.Session.PendingIntentID)

	again, err := f.protocol.ProposeCommitment(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, res.Escalation.IntentID, again.Escalation.IntentID)
	assert.Equal(t, 1, e.manager.PendingCount())

	receipt, err := e.manager.Approve(ctx, res.Escalation.IntentID, "alice", nil)
	require.NoError(t, err)

	s, err := f.store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, s.State)
	require.NotNil(t, s.Commitment)
	assert.Equal(t, receipt.ReceiptID, s.Commitment.ApprovalRef)
	assert.Empty(t, s.PendingIntentID)
	assert.Nil(t, s.PendingCommitment)
	assert.NoError(t, s.Commitment.Verify(f.keys))
}

func TestProtocol_CommitEscalatedThenDenied(t *testing.T) {
	f := newProtocolFixture(t)
	e := withEngine(t, f, 10)
	f.toAccepted(t, 100)
	ctx := context.Background()

	res, err := f.protocol.ProposeCommitment(ctx, "s-1")
	require.NoError(t, err)
	_, err = e.manager.Deny(ctx, res.Escalation.IntentID, "alice", "too expensive")
	require.NoError(t, err)

	s, err := f.store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, s.State)
	assert.Empty(t, s.PendingIntentID)
	assert.Nil(t, s.PendingCommitment)
}

func TestProtocol_CommitRejectedByPolicyOpensNoIntent(t *testing.T) {
	f := newProtocolFixture(t)
	e := withEngine(t, f, 10)
	p, err := e.engine.GetPolicy(context.Background(), "commit-cap")
	require.NoError(t, err)
	next := p.Clone()
	next.Version = "1.1.0"
	next.Escalation = policy.EscalateReject
	require.NoError(t, e.vendor.Put(next))
	f.toAccepted(t, 100)

	res, err := f.protocol.ProposeCommitment(context.Background(), "s-1")
	require.NoError(t, err)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, policy.EscalateReject, res.Escalation.Action)
	assert.Empty(t, res.Escalation.IntentID)
	assert.Zero(t, e.manager.PendingCount())
}

func TestProtocol_CommitWithoutApproverEscalates(t *testing.T) {
	f := newProtocolFixture(t)
	manager := escalation.NewManager().WithClock(f.clock.Now)
	f.protocol.WithEscalations(manager)
	f.toAccepted(t, 100)

	res, err := f.protocol.ProposeCommitment(context.Background(), "s-1")
	require.NoError(t, err)
	assert.False(t, res.Committed)
	require.NotNil(t, res.Escalation)
	assert.NotEmpty(t, res.Escalation.IntentID)
}

func TestProtocol_LateApprovalDiscarded(t *testing.T) {
	f := newProtocolFixture(t)
	f.protocol.WithApprover(approverFunc(func(ctx context.Context, req policy.ExecutionRequest) (string, error) {
		f.clock.Advance(2 * time.Hour)
		return "p-1", nil
	}))
	f.toAccepted(t, 100)

	_, err := f.protocol.ProposeCommitment(context.Background(), "s-1")
	assert.ErrorIs(t, err, ErrSessionExpired)

	s, err := f.store.Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, s.State)
	assert.Nil(t, s.Commitment)
}

func TestProtocol_ApproverErrorLeavesSessionAccepted(t *testing.T) {
	f := newProtocolFixture(t)
	f.protocol.WithApprover(approverFunc(func(ctx context.Context, req policy.ExecutionRequest) (string, error) {
		assert.Equal(t, policy.ScopeCommitment, req.Scope)
		assert.Equal(t, "0xabc", req.Recipient)
		return "", fmt.Errorf("policy backend down")
	}))
	f.toAccepted(t, 100)

	_, err := f.protocol.ProposeCommitment(context.Background(), "s-1")
	assert.Error(t, err)
	s, err := f.store.Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, s.State)
}

func sellerCommitment(t *testing.T, keys *crypto.Keyring, terms Terms) *Commitment {
	t.Helper()
	c := &Commitment{
		SessionID:     "s-1",
		AgreementHash: hashOf(t, terms),
		Terms:         terms,
		Payer:         "seller",
		Payee:         "buyer",
		CommittedAt:   testNow,
	}
	require.NoError(t, c.Sign(context.Background(), keys, "seller-key"))
	return c
}

// toAcceptedInbound drives the session to accepted on the buyer's offer.
func (f *protocolFixture) toAcceptedInbound(t *testing.T, terms Terms) {
	t.Helper()
	ctx := context.Background()
	f.open(t)
	_, err := f.protocol.ProposeOffer(ctx, "s-1", terms)
	require.NoError(t, err)
	_, err = f.protocol.Receive(ctx, "s-1", inbound(2, KindAccept, Payload{Acceptance: &Acceptance{AgreementHash: hashOf(t, terms)}}))
	require.NoError(t, err)
}

func TestProtocol_ReceiveCommitmentThenDispute(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()
	terms := testTerms(50)
	f.toAcceptedInbound(t, terms)

	c := sellerCommitment(t, f.keys, terms)
	s, err := f.protocol.Receive(ctx, "s-1", inbound(3, KindCommitment, Payload{Commitment: c}))
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, s.State)
	assert.Equal(t, c.Signature, s.Commitment.Signature)

	_, err = f.protocol.SubmitDispute(ctx, "s-1", Dispute{})
	assert.ErrorIs(t, err, ErrMissingPayload)
	s, err = f.protocol.SubmitDispute(ctx, "s-1", Dispute{Reason: "not delivered"})
	require.NoError(t, err)
	assert.Equal(t, StateDisputed, s.State)
}

func TestProtocol_ReceiveTamperedCommitment(t *testing.T) {
	f := newProtocolFixture(t)
	terms := testTerms(50)
	f.toAcceptedInbound(t, terms)

	c := sellerCommitment(t, f.keys, terms)
	c.Payer = "someone-else"
	_, err := f.protocol.Receive(context.Background(), "s-1", inbound(3, KindCommitment, Payload{Commitment: c}))
	assert.ErrorIs(t, err, ErrInvalidCommitment)

	other := testTerms(51)
	wrong := sellerCommitment(t, f.keys, other)
	_, err = f.protocol.Receive(context.Background(), "s-1", inbound(3, KindCommitment, Payload{Commitment: wrong}))
	assert.ErrorIs(t, err, ErrInvalidCommitment)

	s, err := f.store.Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, s.State)
	assert.Nil(t, s.Commitment)
}
