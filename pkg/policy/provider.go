package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ya-xyz/aesp-sub001/pkg/crypto"
)

// Provider contributes policies to the engine. GetPolicies returns the policies that
// may govern a request of the given scope; req is nil when the caller has no request
// context, e.g. when listing.
type Provider interface {
	GetPolicies(ctx context.Context, scope Scope, req *ExecutionRequest) ([]*AgentPolicy, error)
}

// Lookup is implemented by providers that can fetch a policy by id.
type Lookup interface {
	Policy(ctx context.Context, id string) (*AgentPolicy, error)
}

// Watcher is implemented by providers that publish change notifications.
type Watcher interface {
	Watch(fn func(PolicyChange))
}

// ChangeKind is the kind of provider-side change.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// PolicyChange is a provider notification. The engine fills VendorID and, for
// updates, Classification before fanning out.
type PolicyChange struct {
	VendorID       string
	Kind           ChangeKind
	Old            *AgentPolicy
	New            *AgentPolicy
	Classification *PolicyChangeClassification
}

// StaticProvider holds policies in memory. Signed policies are immutable: replacing
// one requires a strictly higher semantic version.
type StaticProvider struct {
	mu       sync.RWMutex
	vendorID string
	policies map[string]*AgentPolicy
	keys     crypto.PublicKeyResolver
	exprs    *ExpressionEvaluator
	watchers []func(PolicyChange)
}

// NewStaticProvider creates an empty provider for vendorID.
func NewStaticProvider(vendorID string) *StaticProvider {
	return &StaticProvider{vendorID: vendorID, policies: make(map[string]*AgentPolicy)}
}

// WithVerifier requires signed policies to verify against keys.
func (s *StaticProvider) WithVerifier(keys crypto.PublicKeyResolver) *StaticProvider {
	s.keys = keys
	return s
}

// WithExpressions compiles condition expressions on Put.
func (s *StaticProvider) WithExpressions(exprs *ExpressionEvaluator) *StaticProvider {
	s.exprs = exprs
	return s
}

// Put adds or replaces a policy.
func (s *StaticProvider) Put(p *AgentPolicy) error {
	if err := p.Validate(s.exprs); err != nil {
		return err
	}
	if p.Signed() && s.keys != nil {
		if err := p.VerifySignature(s.keys); err != nil {
			return err
		}
	}
	next := p.Clone()
	if next.VendorID == "" {
		next.VendorID = s.vendorID
	}

	s.mu.Lock()
	old, exists := s.policies[p.ID]
	if exists {
		if err := checkSupersedes(old, next); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.policies[p.ID] = next
	watchers := append([]func(PolicyChange){}, s.watchers...)
	s.mu.Unlock()

	change := PolicyChange{Kind: ChangeAdded, New: next.Clone()}
	if exists {
		change.Kind = ChangeUpdated
		change.Old = old.Clone()
	}
	for _, fn := range watchers {
		fn(change)
	}
	return nil
}

// Remove deletes a policy.
func (s *StaticProvider) Remove(id string) error {
	s.mu.Lock()
	old, ok := s.policies[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	delete(s.policies, id)
	watchers := append([]func(PolicyChange){}, s.watchers...)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(PolicyChange{Kind: ChangeRemoved, Old: old.Clone()})
	}
	return nil
}

func (s *StaticProvider) GetPolicies(ctx context.Context, scope Scope, req *ExecutionRequest) ([]*AgentPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterPolicies(s.policies, scope, req), nil
}

func (s *StaticProvider) Policy(ctx context.Context, id string) (*AgentPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	return p.Clone(), nil
}

func (s *StaticProvider) Watch(fn func(PolicyChange)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// checkSupersedes enforces that a signed policy is only replaced by a higher version.
func checkSupersedes(old, next *AgentPolicy) error {
	if !old.Signed() {
		return nil
	}
	ov, err := ParseVersion(old.Version)
	if err != nil {
		return err
	}
	nv, err := ParseVersion(next.Version)
	if err != nil {
		return err
	}
	if !nv.GreaterThan(ov) {
		return fmt.Errorf("%w: %s is signed at %s; new version %s must be higher", ErrPolicyImmutable, old.ID, ov, nv)
	}
	return nil
}

func filterPolicies(policies map[string]*AgentPolicy, scope Scope, req *ExecutionRequest) []*AgentPolicy {
	var out []*AgentPolicy
	for _, p := range policies {
		if !p.Scope.Covers(scope) {
			continue
		}
		if req != nil && p.AgentID != req.AgentID {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
