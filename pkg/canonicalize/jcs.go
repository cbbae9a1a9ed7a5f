// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) serialization
// and content digests used for agreement hashes, commitment signatures, and policy digests.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// DigestPrefix is prepended to every hex digest produced by this package.
const DigestPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
// v is first marshaled with encoding/json so struct tags are honored, then transformed
// into canonical form (sorted keys, no insignificant whitespace, ES6 number formatting).
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform failed: %w", err)
	}
	return out, nil
}

// Digest returns "sha256:<hex>" over the canonical JSON of v.
func Digest(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns "sha256:<hex>" over raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// NFC normalizes s to Unicode Normalization Form C and trims surrounding whitespace,
// so visually identical strings hash identically.
func NFC(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

// NFCMap returns a copy of m with keys and values NFC-normalized. Nil stays nil.
func NFCMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[NFC(k)] = NFC(v)
	}
	return out
}
