package ceremony

import (
	"context"
	"testing"
	"time"

	"github.com/ya-xyz/aesp-sub001/pkg/crypto"
)

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func TestValidate_HappyPath(t *testing.T) {
	req := Request{
		IntentID:      "int-1",
		TimelockMs:    3000,
		HoldMs:        2000,
		UISummaryHash: HashUISummary("Raise daily cap to 500 USDC?"),
		SignerKeyID:   "k-1",
		Signature:     "sig-placeholder",
	}

	result := Validate(DefaultPolicy(), req, now)
	if !result.Valid {
		t.Fatalf("expected valid, got: %s", result.Reason)
	}
}

func TestValidate_TimelockTooShort(t *testing.T) {
	req := Request{IntentID: "int-1", TimelockMs: 500, HoldMs: 2000, UISummaryHash: "hash", Signature: "sig"}
	if Validate(DefaultPolicy(), req, now).Valid {
		t.Fatal("expected invalid for short timelock")
	}
}

func TestValidate_HoldTooShort(t *testing.T) {
	req := Request{IntentID: "int-1", TimelockMs: 3000, HoldMs: 100, UISummaryHash: "hash", Signature: "sig"}
	if Validate(DefaultPolicy(), req, now).Valid {
		t.Fatal("expected invalid for short hold time")
	}
}

func TestValidate_FutureSubmission(t *testing.T) {
	req := Request{IntentID: "int-1", TimelockMs: 3000, HoldMs: 2000, UISummaryHash: "hash", Signature: "sig",
		SubmittedAt: now.Add(time.Hour).Unix()}
	if Validate(DefaultPolicy(), req, now).Valid {
		t.Fatal("expected invalid for future submission")
	}
}

func TestValidate_StrictRequiresChallenge(t *testing.T) {
	req := Request{IntentID: "int-1", TimelockMs: 6000, HoldMs: 4000, UISummaryHash: "hash", Signature: "sig"}
	if Validate(StrictPolicy(), req, now).Valid {
		t.Fatal("expected invalid when challenge/response missing in strict mode")
	}
}

func TestVerify_StrictSignature(t *testing.T) {
	kr, err := crypto.NewKeyring()
	if err != nil {
		t.Fatal(err)
	}
	pub, err := kr.PublicKey("approver")
	if err != nil {
		t.Fatal(err)
	}

	policy := StrictPolicy()
	req := Request{
		IntentID:      "int-1",
		TimelockMs:    6000,
		HoldMs:        4000,
		UISummaryHash: HashUISummary("summary"),
		ChallengeHash: HashChallenge("challenge"),
		ResponseHash:  HashChallenge("response"),
		SignerKeyID:   "approver",
	}
	msg, err := SigningPayload(policy, req)
	if err != nil {
		t.Fatal(err)
	}
	req.Signature, err = kr.Sign(context.Background(), "approver", msg)
	if err != nil {
		t.Fatal(err)
	}

	if res := Verify(policy, req, pub, now); !res.Valid {
		t.Fatalf("expected valid, got: %s", res.Reason)
	}

	tampered := req
	tampered.HoldMs = 9000
	if Verify(policy, tampered, pub, now).Valid {
		t.Fatal("expected tampered request to fail verification")
	}

	other, _ := kr.PublicKey("someone-else")
	if Verify(policy, req, other, now).Valid {
		t.Fatal("expected wrong key to fail verification")
	}
}
