package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ya-xyz/aesp-sub001/pkg/budget"
	"github.com/ya-xyz/aesp-sub001/pkg/crypto"
	"github.com/ya-xyz/aesp-sub001/pkg/escalation"
	"github.com/ya-xyz/aesp-sub001/pkg/observability"
	"github.com/ya-xyz/aesp-sub001/pkg/policy"
)

const (
	DefaultMaxRounds  = 10
	DefaultSessionTTL = 24 * time.Hour
)

// errDuplicateRound aborts the store update for a redelivered round.
var errDuplicateRound = errors.New("negotiation: duplicate round")

// Approver decides whether a commitment may be executed without a human. It returns
// the allowing policy id, or "" to escalate. *policy.Engine satisfies it.
type Approver interface {
	CheckAutoApprove(ctx context.Context, req policy.ExecutionRequest) (string, error)
}

// decider is implemented by approvers that also explain a refusal.
type decider interface {
	Decide(ctx context.Context, req policy.ExecutionRequest) (*policy.Decision, error)
}

// OpenRequest opens a session between the local agent and a counterpart.
type OpenRequest struct {
	SessionID     string // generated when empty
	LocalAgentID  string
	RemoteAgentID string
	MaxRounds     int           // protocol default when zero
	TTL           time.Duration // protocol default when zero; negative disables expiry
}

// EscalationResult reports that a commitment needs a human decision.
type EscalationResult struct {
	IntentID string                  `json:"intent_id,omitempty"`
	Level    escalation.Level        `json:"level,omitempty"`
	Action   policy.EscalationAction `json:"action"`
	Reasons  []string                `json:"reasons,omitempty"`
}

// CommitResult is the outcome of ProposeCommitment. Exactly one of Committed and
// Escalation is meaningful.
type CommitResult struct {
	Session    *Session          `json:"session"`
	Committed  bool              `json:"committed"`
	RequestID  string            `json:"request_id"`
	PolicyID   string            `json:"policy_id,omitempty"`
	Escalation *EscalationResult `json:"escalation,omitempty"`
}

// CommitmentRequestID is the execution request id used for a session's commitment.
// Callers report the settlement outcome to the policy engine under this id.
func CommitmentRequestID(sessionID string) string {
	return sessionID + "/commitment"
}

// Protocol drives sessions through the state machine. Session mutation is serialized
// per session id by the SessionStore; delivery, signing and approval run outside it.
type Protocol struct {
	store       SessionStore
	sender      Sender
	signer      crypto.Signer
	keyRef      string
	verifier    crypto.PublicKeyResolver
	approver    Approver
	escalations *escalation.Manager
	archiver    Archiver
	outbox      *Outbox
	obs         *observability.Provider
	clock       func() time.Time
	logger      *slog.Logger
	maxRounds   int
	ttl         time.Duration
}

func NewProtocol(store SessionStore, sender Sender) *Protocol {
	return &Protocol{
		store:     store,
		sender:    sender,
		obs:       observability.Noop(),
		clock:     time.Now,
		logger:    slog.Default().With("component", "negotiation.protocol"),
		maxRounds: DefaultMaxRounds,
		ttl:       DefaultSessionTTL,
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Protocol) WithClock(clock func() time.Time) *Protocol {
	p.clock = clock
	return p
}

func (p *Protocol) WithLogger(logger *slog.Logger) *Protocol {
	if logger != nil {
		p.logger = logger
	}
	return p
}

func (p *Protocol) WithObservability(o *observability.Provider) *Protocol {
	if o != nil {
		p.obs = o
	}
	return p
}

// WithDefaults sets the round limit and TTL for sessions opened without them.
func (p *Protocol) WithDefaults(maxRounds int, ttl time.Duration) *Protocol {
	if maxRounds > 0 {
		p.maxRounds = maxRounds
	}
	if ttl > 0 {
		p.ttl = ttl
	}
	return p
}

// WithSigner signs local commitments with keyRef.
func (p *Protocol) WithSigner(signer crypto.Signer, keyRef string) *Protocol {
	p.signer, p.keyRef = signer, keyRef
	return p
}

// WithVerifier verifies signatures on commitments received from counterparts.
func (p *Protocol) WithVerifier(keys crypto.PublicKeyResolver) *Protocol {
	p.verifier = keys
	return p
}

func (p *Protocol) WithApprover(a Approver) *Protocol {
	p.approver = a
	return p
}

// WithEscalations opens intents for commitments the approver refuses and completes
// the commitment when a human approves.
func (p *Protocol) WithEscalations(m *escalation.Manager) *Protocol {
	p.escalations = m
	if m != nil {
		m.OnResolve(p.onEscalationResolved)
	}
	return p
}

func (p *Protocol) WithArchiver(a Archiver) *Protocol {
	p.archiver = a
	return p
}

// WithOutbox queues failed deliveries for redelivery.
func (p *Protocol) WithOutbox(o *Outbox) *Protocol {
	p.outbox = o
	return p
}

// Outbox returns the configured outbox, or nil.
func (p *Protocol) Outbox() *Outbox {
	return p.outbox
}

// Escalations returns the configured escalation manager, or nil.
func (p *Protocol) Escalations() *escalation.Manager {
	return p.escalations
}

// Open creates a session in the initial state.
func (p *Protocol) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if req.LocalAgentID == "" || req.RemoteAgentID == "" || req.LocalAgentID == req.RemoteAgentID {
		return nil, fmt.Errorf("%w: two distinct agent ids are required", ErrInvalidSession)
	}
	id := req.SessionID
	if id == "" {
		id = uuid.New().String()
	}
	maxRounds := req.MaxRounds
	if maxRounds == 0 {
		maxRounds = p.maxRounds
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = p.ttl
	}

	now := p.clock().UTC()
	s := &Session{
		ID:            id,
		LocalAgentID:  req.LocalAgentID,
		RemoteAgentID: req.RemoteAgentID,
		State:         StateInitial,
		MaxRounds:     maxRounds,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		s.ExpiresAt = &exp
	}
	if err := p.store.Create(ctx, s); err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "negotiation opened",
		"session_id", id, "local_agent_id", s.LocalAgentID, "remote_agent_id", s.RemoteAgentID, "max_rounds", maxRounds)
	return s.Clone(), nil
}

// Get returns an active session, falling back to the archive.
func (p *Protocol) Get(ctx context.Context, id string) (*Session, error) {
	s, err := p.store.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) && p.archiver != nil {
		return p.archiver.Load(ctx, id)
	}
	return s, err
}

func validateTerms(t Terms) error {
	if t.Price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidTerms)
	}
	if t.Price > budget.MaxAmount {
		return fmt.Errorf("%w: price %d out of range", ErrInvalidTerms, t.Price)
	}
	if t.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidTerms)
	}
	return nil
}

// ProposeOffer sends the opening offer.
func (p *Protocol) ProposeOffer(ctx context.Context, sessionID string, terms Terms) (*Session, error) {
	if err := validateTerms(terms); err != nil {
		return nil, err
	}
	return p.outbound(ctx, sessionID, KindOffer, Payload{Terms: &terms}, nil, nil)
}

// Counter sends a counter-offer.
func (p *Protocol) Counter(ctx context.Context, sessionID string, terms Terms) (*Session, error) {
	if err := validateTerms(terms); err != nil {
		return nil, err
	}
	return p.outbound(ctx, sessionID, KindCounterOffer, Payload{Terms: &terms}, nil, nil)
}

// Accept accepts the counterpart's latest terms. agreementHash must equal
// AgreementHash of those terms.
func (p *Protocol) Accept(ctx context.Context, sessionID, agreementHash string) (*Session, error) {
	return p.outbound(ctx, sessionID, KindAccept, Payload{Acceptance: &Acceptance{AgreementHash: agreementHash}}, nil, checkAcceptance)
}

// Reject ends the negotiation.
func (p *Protocol) Reject(ctx context.Context, sessionID, reason string) (*Session, error) {
	return p.outbound(ctx, sessionID, KindReject, Payload{Rejection: &Rejection{Reason: reason}}, nil, nil)
}

// SubmitDispute disputes a committed outcome.
func (p *Protocol) SubmitDispute(ctx context.Context, sessionID string, d Dispute) (*Session, error) {
	if d.Reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", ErrMissingPayload)
	}
	return p.outbound(ctx, sessionID, KindDispute, Payload{Dispute: &d}, nil, nil)
}

// checkAcceptance verifies an accept round against the session it is applied to.
func checkAcceptance(s *Session, r Round) error {
	last, ok := s.LastTerms()
	if !ok {
		return &TransitionError{From: s.State, To: StateAccepted, Trigger: TriggerAccept, Err: ErrInvalidTransition}
	}
	if last.Sender == r.Sender {
		return &TransitionError{From: s.State, To: StateAccepted, Trigger: TriggerAccept,
			Err: fmt.Errorf("%w: cannot accept own terms", ErrInvalidTransition)}
	}
	want, err := AgreementHash(*last.Payload.Terms)
	if err != nil {
		return err
	}
	if r.Payload.Acceptance.AgreementHash != want {
		return fmt.Errorf("%w: round %d", ErrAgreementHashMismatch, last.Number)
	}
	return nil
}

// checkCommitment verifies a commitment round binds the accepted terms.
func checkCommitment(s *Session, r Round) error {
	c := r.Payload.Commitment
	last, ok := s.LastTerms()
	if !ok {
		return fmt.Errorf("%w: no terms to commit to", ErrInvalidCommitment)
	}
	want, err := AgreementHash(*last.Payload.Terms)
	if err != nil {
		return err
	}
	if c.AgreementHash != want || c.SessionID != s.ID {
		return fmt.Errorf("%w: does not bind the accepted terms", ErrInvalidCommitment)
	}
	return nil
}

func targetFor(trigger Trigger, outbound bool) State {
	switch trigger {
	case TriggerOffer:
		if outbound {
			return StateOfferSent
		}
		return StateOfferReceived
	case TriggerCounter:
		return StateCountering
	case TriggerAccept:
		return StateAccepted
	case TriggerReject:
		return StateRejected
	case TriggerCommit:
		return StateCommitted
	case TriggerDispute:
		return StateDisputed
	}
	return ""
}

// mutation describes one round to apply. before runs ahead of the state machine and may
// set session fields the transition depends on; check runs after the transition is
// known to be legal and sees the pre-transition session.
type mutation struct {
	round    Round
	outbound bool
	before   func(s *Session) error
	check    func(s *Session, r Round) error
}

func (p *Protocol) outbound(ctx context.Context, sessionID string, kind MessageKind, payload Payload,
	before func(*Session) error, check func(*Session, Round) error) (*Session, error) {
	s, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return p.apply(ctx, mutation{
		round:    Round{SessionID: sessionID, Sender: s.LocalAgentID, Kind: kind, Payload: payload},
		outbound: true,
		before:   before,
		check:    check,
	})
}

// apply commits one round and its transition atomically, then delivers outbound rounds
// and archives terminal sessions.
func (p *Protocol) apply(ctx context.Context, m mutation) (_ *Session, err error) {
	ctx, finish := p.obs.TrackOperation(ctx, "negotiation."+string(m.round.Kind),
		observability.AttrSessionID.String(m.round.SessionID))
	defer func() { finish(err) }()

	trigger, ok := m.round.Kind.Trigger()
	if !ok || !m.round.Payload.matches(m.round.Kind) {
		return nil, fmt.Errorf("%w: %s", ErrMissingPayload, m.round.Kind)
	}

	var (
		applied Round
		from    State
	)
	updated, err := p.store.Update(ctx, m.round.SessionID, func(s *Session) error {
		now := p.clock().UTC()
		if s.Expired(now) {
			return fmt.Errorf("%w: %s", ErrSessionExpired, s.ID)
		}
		if !m.outbound {
			if err := checkInbound(s, m.round); err != nil {
				return err
			}
		}
		if m.before != nil {
			if err := m.before(s); err != nil {
				return err
			}
		}
		to := targetFor(trigger, m.outbound)
		next, err := Apply(s, trigger, to, now)
		if err != nil {
			return err
		}
		r := m.round
		r.SessionID = s.ID
		r.Number = s.NextRound()
		r.At = now
		if m.check != nil {
			if err := m.check(s, r); err != nil {
				return err
			}
		}
		next.Rounds = append(next.Rounds, r)
		applied, from = r, s.State
		*s = *next
		return nil
	})
	if errors.Is(err, errDuplicateRound) {
		p.logger.DebugContext(ctx, "duplicate round ignored", "session_id", m.round.SessionID, "round", m.round.Number)
		return p.Get(ctx, m.round.SessionID)
	}
	if err != nil {
		return nil, err
	}

	p.obs.RecordTransition(ctx, string(from), string(updated.State), string(trigger))
	observability.AddSpanEvent(ctx, "negotiation.transition", observability.TransitionAttrs(string(from), string(updated.State), string(trigger))...)
	p.logger.InfoContext(ctx, "negotiation transition",
		"session_id", updated.ID,
		"round", applied.Number,
		"sender", applied.Sender,
		"kind", applied.Kind,
		"from", from,
		"to", updated.State,
	)

	if m.outbound {
		p.deliver(ctx, updated.RemoteAgentID, applied)
	}
	if IsTerminal(updated.State) {
		p.archive(ctx, updated)
	}
	return updated, nil
}

// checkInbound validates a counterpart round's sender and sequence number. A
// redelivery of an applied round yields errDuplicateRound.
func checkInbound(s *Session, r Round) error {
	if r.Sender != s.RemoteAgentID {
		return fmt.Errorf("%w: %q in session %s", ErrUnknownSender, r.Sender, s.ID)
	}
	if r.Number >= 1 && r.Number <= len(s.Rounds) {
		got, err := roundDigest(r)
		if err != nil {
			return err
		}
		want, err := roundDigest(s.Rounds[r.Number-1])
		if err != nil {
			return err
		}
		if got == want {
			return errDuplicateRound
		}
		return fmt.Errorf("%w: round %d already holds different content", ErrRoundOutOfOrder, r.Number)
	}
	if r.Number != s.NextRound() {
		return fmt.Errorf("%w: got %d, want %d", ErrRoundOutOfOrder, r.Number, s.NextRound())
	}
	return nil
}

// Receive applies a round sent by the counterpart. Redelivery of an already applied
// round is a no-op that returns the current session.
func (p *Protocol) Receive(ctx context.Context, sessionID string, r Round) (*Session, error) {
	r.SessionID = sessionID
	m := mutation{round: r}
	switch r.Kind {
	case KindOffer, KindCounterOffer:
		if r.Payload.Terms != nil {
			if err := validateTerms(*r.Payload.Terms); err != nil {
				return nil, err
			}
		}
	case KindAccept:
		m.check = checkAcceptance
	case KindCommitment:
		c := r.Payload.Commitment
		if c != nil && p.verifier != nil {
			if err := c.Verify(p.verifier); err != nil {
				return nil, err
			}
		}
		m.before = func(s *Session) error {
			if c == nil {
				return fmt.Errorf("%w: %s", ErrMissingPayload, r.Kind)
			}
			committed := *c
			s.Commitment = &committed
			return nil
		}
		m.check = checkCommitment
	}
	s, err := p.apply(ctx, m)
	if errors.Is(err, ErrSessionNotFound) {
		if archived, ok := p.archivedDuplicate(ctx, r); ok {
			return archived, nil
		}
	}
	return s, err
}

// archivedDuplicate matches a redelivered round against a session that has already
// been archived, typically by the round that closed it.
func (p *Protocol) archivedDuplicate(ctx context.Context, r Round) (*Session, bool) {
	if p.archiver == nil {
		return nil, false
	}
	s, err := p.archiver.Load(ctx, r.SessionID)
	if err != nil || r.Number < 1 || r.Number > len(s.Rounds) {
		return nil, false
	}
	if !errors.Is(checkInbound(s, r), errDuplicateRound) {
		return nil, false
	}
	p.logger.DebugContext(ctx, "duplicate round for archived session ignored", "session_id", r.SessionID, "round", r.Number)
	return s, true
}

func (p *Protocol) deliver(ctx context.Context, agentID string, r Round) {
	if p.sender == nil {
		return
	}
	outcome, err := p.sender.Send(ctx, agentID, r)
	switch {
	case err != nil:
		p.logger.WarnContext(ctx, "round delivery failed", "session_id", r.SessionID, "round", r.Number, "error", err)
		if p.outbox != nil {
			p.outbox.Enqueue(agentID, r, err.Error())
		}
	case outcome.Status == DeliveryRetry:
		if p.outbox != nil {
			p.outbox.Enqueue(agentID, r, outcome.Detail)
		}
	case outcome.Status == DeliveryRejected:
		p.logger.WarnContext(ctx, "round rejected by counterpart", "session_id", r.SessionID, "round", r.Number, "detail", outcome.Detail)
	}
}

// archive moves a session to the archive. Failures leave it in the store for the
// sweeper to retry.
func (p *Protocol) archive(ctx context.Context, s *Session) bool {
	if p.archiver == nil {
		return false
	}
	if err := p.archiver.Archive(ctx, s); err != nil {
		p.logger.WarnContext(ctx, "session archive failed", "session_id", s.ID, "error", err)
		return false
	}
	if err := p.store.Delete(ctx, s.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		p.logger.WarnContext(ctx, "archived session not removed", "session_id", s.ID, "error", err)
	}
	return true
}

// SweepReport summarizes a sweep of the session store.
type SweepReport struct {
	Archived int `json:"archived"`
	Expired  int `json:"expired"`
	Failed   int `json:"failed"`
}

// SweepSessions archives terminal sessions and sessions whose expiry has passed.
func (p *Protocol) SweepSessions(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	if p.archiver == nil {
		return rep, nil
	}
	sessions, err := p.store.List(ctx)
	if err != nil {
		return rep, err
	}
	now := p.clock()
	for _, s := range sessions {
		expired := s.Expired(now)
		if !expired && !IsTerminal(s.State) {
			continue
		}
		if !p.archive(ctx, s) {
			rep.Failed++
			continue
		}
		rep.Archived++
		if expired {
			rep.Expired++
		}
	}
	return rep, nil
}
