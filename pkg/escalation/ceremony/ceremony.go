// Package ceremony validates the human approval ceremony that accompanies a
// high-risk escalation decision.
package ceremony

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ya-xyz/aesp-sub001/pkg/canonicalize"
	"github.com/ya-xyz/aesp-sub001/pkg/crypto"
)

// Policy defines the requirements for an approval ceremony.
type Policy struct {
	MinTimelockMs    int64  `json:"min_timelock_ms"`   // delay before the approval activates
	MinHoldMs        int64  `json:"min_hold_ms"`       // time the approver held the confirmation
	RequireChallenge bool   `json:"require_challenge"` // challenge/response (biometric prompt)
	RequireSignature bool   `json:"require_signature"` // signature is verified, not just present
	DomainSeparation string `json:"domain_separation"`
}

// DefaultPolicy is used for review-level approvals.
func DefaultPolicy() Policy {
	return Policy{
		MinTimelockMs:    2000,
		MinHoldMs:        1000,
		RequireChallenge: false,
		DomainSeparation: "aesp:approval:v1",
	}
}

// StrictPolicy is used for biometric-level approvals.
func StrictPolicy() Policy {
	return Policy{
		MinTimelockMs:    5000,
		MinHoldMs:        3000,
		RequireChallenge: true,
		RequireSignature: true,
		DomainSeparation: "aesp:approval:v1:strict",
	}
}

// Request is submitted by the human approver's device.
type Request struct {
	IntentID      string `json:"intent_id"`
	TimelockMs    int64  `json:"timelock_ms"`
	HoldMs        int64  `json:"hold_ms"`
	UISummaryHash string `json:"ui_summary_hash"`
	ChallengeHash string `json:"challenge_hash,omitempty"`
	ResponseHash  string `json:"response_hash,omitempty"`
	SignerKeyID   string `json:"signer_key_id"`
	Signature     string `json:"signature"`
	SubmittedAt   int64  `json:"submitted_at_unix"`
}

// Result is the outcome of ceremony validation.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func invalid(format string, args ...any) Result {
	return Result{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the structural requirements of req against policy at now.
// Signature verification is done by Verify.
func Validate(policy Policy, req Request, now time.Time) Result {
	if req.TimelockMs < policy.MinTimelockMs {
		return invalid("timelock %dms < minimum %dms", req.TimelockMs, policy.MinTimelockMs)
	}
	if req.HoldMs < policy.MinHoldMs {
		return invalid("hold time %dms < minimum %dms", req.HoldMs, policy.MinHoldMs)
	}
	if req.SubmittedAt > 0 && req.SubmittedAt > now.Unix() {
		return invalid("submitted_at is in the future")
	}
	if policy.RequireChallenge && (req.ChallengeHash == "" || req.ResponseHash == "") {
		return invalid("challenge/response required but not provided")
	}
	if req.UISummaryHash == "" {
		return invalid("ui_summary_hash is required")
	}
	if req.Signature == "" {
		return invalid("signature is required")
	}
	return Result{Valid: true}
}

// SigningPayload is the message the approver signs: the domain tag followed by the
// canonical JSON of the request without its signature.
func SigningPayload(policy Policy, req Request) ([]byte, error) {
	req.Signature = ""
	body, err := canonicalize.JCS(req)
	if err != nil {
		return nil, err
	}
	return append([]byte(policy.DomainSeparation+"\n"), body...), nil
}

// Verify validates req and, when the policy demands it, checks the Ed25519 signature
// against the hex public key.
func Verify(policy Policy, req Request, pubKeyHex string, now time.Time) Result {
	if res := Validate(policy, req, now); !res.Valid {
		return res
	}
	if !policy.RequireSignature {
		return Result{Valid: true}
	}
	msg, err := SigningPayload(policy, req)
	if err != nil {
		return invalid("signing payload: %v", err)
	}
	ok, err := crypto.Verify(pubKeyHex, req.Signature, msg)
	if err != nil {
		return invalid("signature check: %v", err)
	}
	if !ok {
		return invalid("signature does not verify for key %s", req.SignerKeyID)
	}
	return Result{Valid: true}
}

// HashUISummary creates a deterministic hash of the summary shown to the human.
func HashUISummary(summary string) string {
	h := sha256.Sum256([]byte(summary))
	return hex.EncodeToString(h[:])
}

// HashChallenge creates a deterministic hash of a challenge string.
func HashChallenge(challenge string) string {
	h := sha256.Sum256([]byte(challenge))
	return hex.EncodeToString(h[:])
}
