package policy

import (
	"context"
	"fmt"

	"github.com/ya-xyz/aesp-sub001/pkg/canonicalize"
	"github.com/ya-xyz/aesp-sub001/pkg/crypto"
)

// Digest is the canonical content hash of the policy without its signature.
func (p *AgentPolicy) Digest() (string, error) {
	c := p.Clone()
	c.Signature = ""
	return canonicalize.Digest(c)
}

// Sign signs the digest with keyRef and stores the signature and signer reference.
func (p *AgentPolicy) Sign(ctx context.Context, signer crypto.Signer, keyRef string) error {
	p.SignerRef = keyRef
	digest, err := p.Digest()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(ctx, keyRef, []byte(digest))
	if err != nil {
		return fmt.Errorf("sign policy %s: %w", p.ID, err)
	}
	p.Signature = sig
	return nil
}

// Signed reports whether the policy carries a signature.
func (p *AgentPolicy) Signed() bool {
	return p.Signature != ""
}

// VerifySignature checks the signature against the signer's public key.
func (p *AgentPolicy) VerifySignature(keys crypto.PublicKeyResolver) error {
	if !p.Signed() {
		return fmt.Errorf("%w: %s is unsigned", ErrInvalidSignature, p.ID)
	}
	pub, err := keys.PublicKey(p.SignerRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	digest, err := p.Digest()
	if err != nil {
		return err
	}
	ok, err := crypto.Verify(pub, p.Signature, []byte(digest))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, p.ID)
	}
	return nil
}
