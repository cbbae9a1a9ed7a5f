package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const keyringSalt = "aesp-keyref-kdf"

// Keyring derives one Ed25519 keypair per key reference from a master seed using
// HKDF-SHA256. The same master seed and keyRef always yield the same keypair.
type Keyring struct {
	mu      sync.RWMutex
	seed    []byte
	derived map[string]ed25519.PrivateKey
}

// NewKeyring creates a keyring with a random master seed.
func NewKeyring() (*Keyring, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("master seed generation failed: %w", err)
	}
	return NewKeyringFromSeed(seed)
}

// NewKeyringFromSeed creates a keyring from an existing 32-byte master seed.
func NewKeyringFromSeed(seed []byte) (*Keyring, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("master seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	cp := make([]byte, len(seed))
	copy(cp, seed)
	return &Keyring{seed: cp, derived: make(map[string]ed25519.PrivateKey)}, nil
}

func (k *Keyring) key(keyRef string) (ed25519.PrivateKey, error) {
	if keyRef == "" {
		return nil, ErrUnknownKey
	}
	k.mu.RLock()
	priv, ok := k.derived[keyRef]
	k.mu.RUnlock()
	if ok {
		return priv, nil
	}

	r := hkdf.New(sha256.New, k.seed, []byte(keyringSalt), []byte(keyRef))
	child := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, child); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	priv = ed25519.NewKeyFromSeed(child)

	k.mu.Lock()
	k.derived[keyRef] = priv
	k.mu.Unlock()
	return priv, nil
}

// Sign signs message with the key derived for keyRef and returns a hex signature.
func (k *Keyring) Sign(ctx context.Context, keyRef string, message []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	priv, err := k.key(keyRef)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(priv, message)), nil
}

// PublicKey returns the hex public key for keyRef.
func (k *Keyring) PublicKey(keyRef string) (string, error) {
	priv, err := k.key(keyRef)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
}

// PrivateKey exposes the derived private key for keyRef. Used by callers that need to
// mint tokens (for example EdDSA policy grants) with a keyring-held key.
func (k *Keyring) PrivateKey(keyRef string) (ed25519.PrivateKey, error) {
	return k.key(keyRef)
}
