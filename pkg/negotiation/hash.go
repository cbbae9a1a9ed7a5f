package negotiation

import (
	"context"
	"fmt"

	"github.com/ya-xyz/aesp-sub001/pkg/canonicalize"
	"github.com/ya-xyz/aesp-sub001/pkg/crypto"
)

// commitmentDomain separates commitment signatures from other signed payloads.
const commitmentDomain = "aesp:commitment:v1"

func normalizeTerms(t Terms) Terms {
	n := t
	n.Currency = canonicalize.NFC(t.Currency)
	n.Description = canonicalize.NFC(t.Description)
	n.PayTo = canonicalize.NFC(t.PayTo)
	n.Chain = canonicalize.NFC(t.Chain)
	n.Method = canonicalize.NFC(t.Method)
	n.Extra = canonicalize.NFCMap(t.Extra)
	if t.Deadline != nil {
		d := t.Deadline.UTC()
		n.Deadline = &d
	}
	return n
}

// AgreementHash is "sha256:" + hex digest of the canonical JSON of the NFC-normalized
// terms. Both parties compute it independently; accept carries it to prove they agree
// on the same terms.
func AgreementHash(t Terms) (string, error) {
	return canonicalize.Digest(normalizeTerms(t))
}

// roundDigest identifies a round's content for duplicate-delivery detection. The
// timestamp is excluded.
func roundDigest(r Round) (string, error) {
	return canonicalize.Digest(struct {
		SessionID string      `json:"session_id"`
		Number    int         `json:"number"`
		Sender    string      `json:"sender"`
		Kind      MessageKind `json:"kind"`
		Payload   Payload     `json:"payload"`
	}{r.SessionID, r.Number, r.Sender, r.Kind, r.Payload})
}

// SigningPayload is the byte string a commitment signature covers: the domain tag, a
// newline, and the canonical JSON of the commitment without its signature and
// approval fields.
func (c *Commitment) SigningPayload() ([]byte, error) {
	body, err := canonicalize.JCS(struct {
		SessionID     string `json:"session_id"`
		AgreementHash string `json:"agreement_hash"`
		Terms         Terms  `json:"terms"`
		Payer         string `json:"payer"`
		Payee         string `json:"payee"`
		CommittedAt   string `json:"committed_at"`
		KeyRef        string `json:"key_ref"`
	}{
		SessionID:     c.SessionID,
		AgreementHash: c.AgreementHash,
		Terms:         normalizeTerms(c.Terms),
		Payer:         c.Payer,
		Payee:         c.Payee,
		CommittedAt:   c.CommittedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		KeyRef:        c.KeyRef,
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(commitmentDomain+"\n"), body...), nil
}

// Sign signs the commitment with keyRef.
func (c *Commitment) Sign(ctx context.Context, signer crypto.Signer, keyRef string) error {
	c.KeyRef = keyRef
	msg, err := c.SigningPayload()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(ctx, keyRef, msg)
	if err != nil {
		return fmt.Errorf("sign commitment for session %s: %w", c.SessionID, err)
	}
	c.Signature = sig
	return nil
}

// Verify checks the commitment signature and that it binds the given terms.
func (c *Commitment) Verify(keys crypto.PublicKeyResolver) error {
	if c.Signature == "" {
		return fmt.Errorf("%w: unsigned", ErrInvalidCommitment)
	}
	want, err := AgreementHash(c.Terms)
	if err != nil {
		return err
	}
	if want != c.AgreementHash {
		return fmt.Errorf("%w: agreement hash does not match terms", ErrInvalidCommitment)
	}
	pub, err := keys.PublicKey(c.KeyRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommitment, err)
	}
	msg, err := c.SigningPayload()
	if err != nil {
		return err
	}
	ok, err := crypto.Verify(pub, c.Signature, msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommitment, err)
	}
	if !ok {
		return fmt.Errorf("%w: bad signature", ErrInvalidCommitment)
	}
	return nil
}
