// Package crypto defines the signing capability consumed by the negotiation and policy
// packages, and an Ed25519 keyring that satisfies it.
package crypto

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrUnknownKey is returned when a key reference cannot be resolved.
var ErrUnknownKey = errors.New("crypto: unknown key reference")

// Signer produces a signature over a message using the key named by keyRef.
// Implementations may be backed by an HSM, a KMS, or the in-memory Keyring.
type Signer interface {
	Sign(ctx context.Context, keyRef string, message []byte) (string, error)
}

// PublicKeyResolver resolves the hex-encoded public key for a key reference.
type PublicKeyResolver interface {
	PublicKey(keyRef string) (string, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(ctx context.Context, keyRef string, message []byte) (string, error)

// Sign calls f.
func (f SignerFunc) Sign(ctx context.Context, keyRef string, message []byte) (string, error) {
	return f(ctx, keyRef, message)
}

// Verify verifies a hex signature against a hex Ed25519 public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
