package policy

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// GrantClaims is a vendor-signed policy grant. The issuer is the vendor, the subject
// the agent the policy governs.
type GrantClaims struct {
	jwt.RegisteredClaims
	Policy AgentPolicy `json:"policy"`
}

// IssueGrant signs p as an EdDSA grant token valid for ttl.
func IssueGrant(vendorID string, key ed25519.PrivateKey, p *AgentPolicy, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := GrantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    vendorID,
			Subject:   p.AgentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Policy: *p.Clone(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
}

// GrantProvider accepts policies delivered as EdDSA-signed grant tokens from a single
// vendor key. A policy never outlives its grant.
type GrantProvider struct {
	*StaticProvider
	vendorID string
	key      ed25519.PublicKey
}

func NewGrantProvider(vendorID string, key ed25519.PublicKey) *GrantProvider {
	return &GrantProvider{
		StaticProvider: NewStaticProvider(vendorID),
		vendorID:       vendorID,
		key:            key,
	}
}

// AddGrant verifies token and installs its policy.
func (g *GrantProvider) AddGrant(ctx context.Context, token string) (*AgentPolicy, error) {
	claims := &GrantClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.key, nil
	}, jwt.WithIssuer(g.vendorID), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: grant: %v", ErrInvalidSignature, err)
	}

	p := claims.Policy.Clone()
	if p.AgentID != claims.Subject {
		return nil, fmt.Errorf("%w: grant subject %q does not match policy agent %q", ErrInvalidPolicy, claims.Subject, p.AgentID)
	}
	p.VendorID = g.vendorID
	if p.CreatedAt.IsZero() && claims.IssuedAt != nil {
		p.CreatedAt = claims.IssuedAt.Time.UTC()
	}
	exp := claims.ExpiresAt.Time.UTC()
	if p.ExpiresAt == nil || exp.Before(*p.ExpiresAt) {
		p.ExpiresAt = &exp
	}
	if err := g.Put(p); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}
