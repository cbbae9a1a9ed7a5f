package negotiation

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("negotiation: invalid transition")
	// ErrTerminalState is returned instead of ErrInvalidTransition when the session
	// state has no outgoing edges.
	ErrTerminalState         = errors.New("negotiation: session is in a terminal state")
	ErrRoundLimitExceeded    = errors.New("negotiation: round limit exceeded")
	ErrSessionExpired        = errors.New("negotiation: session expired")
	ErrAgreementHashMismatch = errors.New("negotiation: agreement hash mismatch")

	ErrSessionNotFound   = errors.New("negotiation: session not found")
	ErrSessionExists     = errors.New("negotiation: session already exists")
	ErrUnknownSender     = errors.New("negotiation: round sender is not the counterpart")
	ErrRoundOutOfOrder   = errors.New("negotiation: round out of order")
	ErrMissingPayload    = errors.New("negotiation: payload does not match message kind")
	ErrSignerRequired    = errors.New("negotiation: signer is required for commitments")
	ErrInvalidCommitment = errors.New("negotiation: invalid commitment")
	ErrInvalidTerms      = errors.New("negotiation: invalid terms")
	ErrInvalidSession    = errors.New("negotiation: invalid session")
)

// TransitionError describes a rejected transition. It unwraps to one of the
// negotiation sentinels.
type TransitionError struct {
	From    State
	To      State
	Trigger Trigger
	Err     error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s --%s--> %s", e.Err, e.From, e.Trigger, e.To)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
