package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/ya-xyz/aesp-sub001/pkg/escalation"
	"github.com/ya-xyz/aesp-sub001/pkg/policy"
)

// ProposeCommitment signs a commitment to the accepted terms and asks the approver
// whether it may proceed. An allowed commitment moves the session to committed and is
// sent to the counterpart. A refused one opens an escalation intent; the session stays
// accepted until a human resolves it. A decision that arrives after the session expired
// is discarded with ErrSessionExpired.
func (p *Protocol) ProposeCommitment(ctx context.Context, sessionID string) (_ *CommitResult, err error) {
	ctx, finish := p.obs.TrackOperation(ctx, "negotiation.propose_commitment")
	defer func() { finish(err) }()

	if p.signer == nil {
		return nil, ErrSignerRequired
	}
	s, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := p.clock().UTC()
	if s.Expired(now) {
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, s.ID)
	}
	if !CanTransition(s.State, StateCommitted, TriggerCommit) {
		cause := ErrInvalidTransition
		if IsTerminal(s.State) {
			cause = ErrTerminalState
		}
		return nil, &TransitionError{From: s.State, To: StateCommitted, Trigger: TriggerCommit, Err: cause}
	}

	res := &CommitResult{Session: s, RequestID: CommitmentRequestID(s.ID)}
	if s.PendingIntentID != "" {
		res.Escalation = &EscalationResult{IntentID: s.PendingIntentID, Action: policy.EscalateReview}
		return res, nil
	}

	last, ok := s.LastTerms()
	if !ok {
		return nil, fmt.Errorf("%w: no accepted terms", ErrInvalidCommitment)
	}
	hash, err := AgreementHash(*last.Payload.Terms)
	if err != nil {
		return nil, err
	}
	c := &Commitment{
		SessionID:     s.ID,
		AgreementHash: hash,
		Terms:         *last.Payload.Terms,
		Payer:         s.LocalAgentID,
		Payee:         s.RemoteAgentID,
		CommittedAt:   now,
	}
	if err := c.Sign(ctx, p.signer, p.keyRef); err != nil {
		return nil, err
	}

	req := executionRequest(s, c, res.RequestID)
	policyID, esc, err := p.approve(ctx, s, req)
	if err != nil {
		return nil, err
	}
	if policyID != "" {
		c.PolicyID = policyID
		updated, err := p.commit(ctx, s.ID, c)
		if err != nil {
			return nil, err
		}
		res.Session, res.Committed, res.PolicyID = updated, true, policyID
		return res, nil
	}

	res.Escalation = esc
	if esc.Action == policy.EscalateReject || p.escalations == nil {
		p.logger.WarnContext(ctx, "commitment refused", "session_id", s.ID, "action", esc.Action, "reasons", esc.Reasons)
		return res, nil
	}

	level := escalation.LevelReview
	if esc.Action == policy.EscalateBiometric {
		level = escalation.LevelBiometric
	}
	intent, err := p.escalations.CreateIntent(ctx, escalation.Request{
		Kind:      escalation.KindCommitment,
		Level:     level,
		SubjectID: s.ID,
		AgentID:   s.LocalAgentID,
		Summary:   fmt.Sprintf("commit %d %s to %s in session %s", c.Terms.Price, c.Terms.Currency, req.Recipient, s.ID),
		Reasons:   esc.Reasons,
		Payload:   c,
	})
	if err != nil {
		return nil, fmt.Errorf("negotiation: escalate commitment: %w", err)
	}
	esc.IntentID, esc.Level = intent.IntentID, level
	p.obs.RecordEscalation(ctx, string(escalation.KindCommitment), string(level))

	updated, err := p.store.Update(ctx, s.ID, func(cur *Session) error {
		if cur.Expired(p.clock()) {
			return fmt.Errorf("%w: %s", ErrSessionExpired, cur.ID)
		}
		if cur.State != StateAccepted || cur.PendingIntentID != "" {
			cause := ErrInvalidTransition
			if IsTerminal(cur.State) {
				cause = ErrTerminalState
			}
			return &TransitionError{From: cur.State, To: StateCommitted, Trigger: TriggerCommit, Err: cause}
		}
		cur.PendingCommitment = c
		cur.PendingIntentID = intent.IntentID
		cur.UpdatedAt = p.clock().UTC()
		return nil
	})
	if err != nil {
		if _, derr := p.escalations.Deny(ctx, intent.IntentID, "negotiation", err.Error()); derr != nil {
			p.logger.WarnContext(ctx, "orphaned commitment intent", "intent_id", intent.IntentID, "error", derr)
		}
		return nil, err
	}
	p.logger.InfoContext(ctx, "commitment escalated", "session_id", s.ID, "intent_id", intent.IntentID, "level", level)
	res.Session = updated
	return res, nil
}

func executionRequest(s *Session, c *Commitment, requestID string) policy.ExecutionRequest {
	recipient := c.Terms.PayTo
	if recipient == "" {
		recipient = s.RemoteAgentID
	}
	return policy.ExecutionRequest{
		RequestID: requestID,
		AgentID:   s.LocalAgentID,
		Scope:     policy.ScopeCommitment,
		Amount:    c.Terms.Price,
		Currency:  c.Terms.Currency,
		Recipient: recipient,
		Chain:     c.Terms.Chain,
		Method:    c.Terms.Method,
		Context:   policy.ExecutionContext{SessionID: s.ID},
	}
}

// approve returns the allowing policy id, or "" with the escalation to open. The
// approver runs under a deadline at the session's expiry.
func (p *Protocol) approve(ctx context.Context, s *Session, req policy.ExecutionRequest) (string, *EscalationResult, error) {
	if p.approver == nil {
		return "", &EscalationResult{Action: policy.EscalateReview, Reasons: []string{"no approver configured"}}, nil
	}
	actx := ctx
	if s.ExpiresAt != nil {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, s.ExpiresAt.Sub(p.clock()))
		defer cancel()
	}

	var (
		policyID string
		esc      = &EscalationResult{Action: policy.EscalateReview}
		err      error
	)
	if d, ok := p.approver.(decider); ok {
		var dec *policy.Decision
		dec, err = d.Decide(actx, req)
		if err == nil {
			policyID = dec.PolicyID
			if dec.Escalation != "" {
				esc.Action = dec.Escalation
			}
			for _, r := range dec.Results {
				if r.Violation != nil {
					esc.Reasons = append(esc.Reasons, fmt.Sprintf("%s: %s", r.PolicyID, r.Violation.Reason))
				}
			}
		}
	} else {
		policyID, err = p.approver.CheckAutoApprove(actx, req)
	}
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", nil, fmt.Errorf("%w: %s", ErrSessionExpired, s.ID)
		}
		return "", nil, fmt.Errorf("negotiation: approve commitment: %w", err)
	}
	if policyID == "" && len(esc.Reasons) == 0 {
		esc.Reasons = []string{"no policy allows the commitment"}
	}
	return policyID, esc, nil
}

// commit applies the local commitment round.
func (p *Protocol) commit(ctx context.Context, sessionID string, c *Commitment) (*Session, error) {
	return p.outbound(ctx, sessionID, KindCommitment, Payload{Commitment: c},
		func(s *Session) error {
			s.Commitment = c
			s.PendingCommitment = nil
			s.PendingIntentID = ""
			return nil
		},
		checkCommitment)
}

// onEscalationResolved completes or abandons a commitment awaiting a human.
func (p *Protocol) onEscalationResolved(intent escalation.Intent, receipt escalation.Receipt) {
	if intent.Kind != escalation.KindCommitment {
		return
	}
	ctx := context.Background()
	s, err := p.store.Get(ctx, intent.SubjectID)
	if err != nil || s.PendingIntentID != intent.IntentID || s.PendingCommitment == nil {
		return
	}
	logger := p.logger.With("session_id", s.ID, "intent_id", intent.IntentID, "outcome", receipt.Outcome)

	if receipt.Outcome == escalation.StatusApproved {
		c := *s.PendingCommitment
		c.ApprovalRef = receipt.ReceiptID
		if _, err := p.commit(ctx, s.ID, &c); err != nil {
			logger.WarnContext(ctx, "approved commitment not applied", "error", err)
			return
		}
		logger.InfoContext(ctx, "escalated commitment approved")
		return
	}

	_, err = p.store.Update(ctx, s.ID, func(cur *Session) error {
		if cur.PendingIntentID == intent.IntentID {
			cur.PendingCommitment = nil
			cur.PendingIntentID = ""
			cur.UpdatedAt = p.clock().UTC()
		}
		return nil
	})
	if err != nil {
		logger.WarnContext(ctx, "pending commitment not cleared", "error", err)
		return
	}
	logger.InfoContext(ctx, "escalated commitment not approved")
}
