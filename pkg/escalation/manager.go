package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ya-xyz/aesp-sub001/pkg/canonicalize"
	"github.com/ya-xyz/aesp-sub001/pkg/crypto"
	"github.com/ya-xyz/aesp-sub001/pkg/escalation/ceremony"
)

// Manager handles the lifecycle of escalation intents.
type Manager struct {
	mu        sync.Mutex
	intents   map[string]*Intent
	listeners []func(Intent, Receipt)
	keys      crypto.PublicKeyResolver
	timeout   time.Duration
	clock     func() time.Time
	logger    *slog.Logger
}

// NewManager creates a new escalation manager.
func NewManager() *Manager {
	return &Manager{
		intents: make(map[string]*Intent),
		timeout: DefaultTimeout,
		clock:   time.Now,
		logger:  slog.Default().With("component", "escalation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithTimeout sets the default wait for intents that do not carry their own.
func (m *Manager) WithTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.timeout = d
	}
	return m
}

// WithKeyResolver sets where approver public keys are looked up for ceremony signatures.
func (m *Manager) WithKeyResolver(keys crypto.PublicKeyResolver) *Manager {
	m.keys = keys
	return m
}

func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// OnResolve registers fn to run after an intent is approved, denied, or times out.
// fn runs outside the manager's lock.
func (m *Manager) OnResolve(fn func(Intent, Receipt)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// CreateIntent registers a new pending intent.
func (m *Manager) CreateIntent(ctx context.Context, req Request) (*Intent, error) {
	if req.Kind == "" || req.SubjectID == "" {
		return nil, fmt.Errorf("%w: kind and subject are required", ErrInvalidEscalation)
	}
	if req.Level == "" {
		req.Level = LevelReview
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}

	var payloadHash string
	if req.Payload != nil {
		h, err := canonicalize.Digest(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("escalation payload hash: %w", err)
		}
		payloadHash = h
	}

	now := m.clock()
	intent := &Intent{
		IntentID:    uuid.New().String(),
		Kind:        req.Kind,
		Level:       req.Level,
		SubjectID:   req.SubjectID,
		AgentID:     req.AgentID,
		Summary:     req.Summary,
		Reasons:     append([]string(nil), req.Reasons...),
		PayloadHash: payloadHash,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(timeout),
	}

	m.mu.Lock()
	m.intents[intent.IntentID] = intent
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "escalation opened",
		"intent_id", intent.IntentID,
		"kind", intent.Kind,
		"level", intent.Level,
		"subject_id", intent.SubjectID,
	)
	out := *intent
	return &out, nil
}

// Approve approves a pending intent. Biometric intents require a ceremony that passes
// ceremony.StrictPolicy with a verified signature; review intents accept a nil
// ceremony, and a supplied one must pass ceremony.DefaultPolicy.
func (m *Manager) Approve(ctx context.Context, intentID, approverID string, cer *ceremony.Request) (*Receipt, error) {
	m.mu.Lock()
	intent, ok := m.intents[intentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	if intent.Status != StatusPending {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (status=%s)", ErrIntentNotPending, intentID, intent.Status)
	}

	now := m.clock()
	if now.After(intent.ExpiresAt) {
		intent.Status = StatusTimedOut
		receipt := m.createReceipt(intent, now)
		snapshot := *intent
		m.mu.Unlock()
		m.notify(snapshot, *receipt)
		return receipt, nil
	}

	if err := m.checkCeremony(intent, cer, now); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	intent.Status = StatusApproved
	receipt := m.createReceipt(intent, now)
	receipt.ApprovedBy = []string{approverID}
	snapshot := *intent
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "escalation approved", "intent_id", intentID, "approver", approverID)
	m.notify(snapshot, *receipt)
	return receipt, nil
}

func (m *Manager) checkCeremony(intent *Intent, cer *ceremony.Request, now time.Time) error {
	if cer == nil {
		if intent.Level == LevelBiometric {
			return ErrCeremonyRequired
		}
		return nil
	}
	if cer.IntentID != intent.IntentID {
		return fmt.Errorf("%w: ceremony bound to intent %q", ErrCeremonyInvalid, cer.IntentID)
	}
	if cer.UISummaryHash != ceremony.HashUISummary(intent.Summary) {
		return fmt.Errorf("%w: summary hash does not match the intent", ErrCeremonyInvalid)
	}

	policy := ceremony.DefaultPolicy()
	if intent.Level == LevelBiometric {
		policy = ceremony.StrictPolicy()
	}
	var pub string
	if policy.RequireSignature {
		if m.keys == nil {
			return ErrNoKeyResolver
		}
		var err error
		if pub, err = m.keys.PublicKey(cer.SignerKeyID); err != nil {
			return fmt.Errorf("%w: %v", ErrCeremonyInvalid, err)
		}
	}
	if res := ceremony.Verify(policy, *cer, pub, now); !res.Valid {
		return fmt.Errorf("%w: %s", ErrCeremonyInvalid, res.Reason)
	}
	return nil
}

// Deny denies a pending intent.
func (m *Manager) Deny(ctx context.Context, intentID, denierID, reason string) (*Receipt, error) {
	m.mu.Lock()
	intent, ok := m.intents[intentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	if intent.Status != StatusPending {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (status=%s)", ErrIntentNotPending, intentID, intent.Status)
	}

	intent.Status = StatusDenied
	receipt := m.createReceipt(intent, m.clock())
	receipt.DeniedBy = denierID
	receipt.DenyReason = reason
	snapshot := *intent
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "escalation denied", "intent_id", intentID, "denier", denierID, "reason", reason)
	m.notify(snapshot, *receipt)
	return receipt, nil
}

// CheckTimeouts marks expired pending intents as timed out and returns their receipts.
func (m *Manager) CheckTimeouts(ctx context.Context) ([]*Receipt, error) {
	m.mu.Lock()
	now := m.clock()
	var (
		receipts []*Receipt
		resolved []Intent
	)
	for _, intent := range m.intents {
		if intent.Status != StatusPending {
			continue
		}
		if now.After(intent.ExpiresAt) {
			intent.Status = StatusTimedOut
			receipts = append(receipts, m.createReceipt(intent, now))
			resolved = append(resolved, *intent)
		}
	}
	m.mu.Unlock()

	for i := range resolved {
		m.logger.WarnContext(ctx, "escalation timed out", "intent_id", resolved[i].IntentID)
		m.notify(resolved[i], *receipts[i])
	}
	return receipts, nil
}

// GetIntent returns a copy of the intent.
func (m *Manager) GetIntent(intentID string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	out := *intent
	return &out, nil
}

// Pending lists pending intents, oldest first.
func (m *Manager) Pending() []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Intent
	for _, intent := range m.intents {
		if intent.Status == StatusPending {
			out = append(out, *intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingCount returns the number of pending escalations.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, intent := range m.intents {
		if intent.Status == StatusPending {
			count++
		}
	}
	return count
}

func (m *Manager) notify(intent Intent, receipt Receipt) {
	m.mu.Lock()
	listeners := append([]func(Intent, Receipt){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(intent, receipt)
	}
}

func (m *Manager) createReceipt(intent *Intent, resolvedAt time.Time) *Receipt {
	receipt := &Receipt{
		ReceiptID:  uuid.New().String(),
		IntentID:   intent.IntentID,
		Kind:       intent.Kind,
		SubjectID:  intent.SubjectID,
		Outcome:    intent.Status,
		ResolvedAt: resolvedAt,
		DurationMs: resolvedAt.Sub(intent.CreatedAt).Milliseconds(),
	}

	hashable := struct {
		IntentID    string `json:"intent_id"`
		Outcome     Status `json:"outcome"`
		PayloadHash string `json:"payload_hash"`
	}{
		IntentID:    intent.IntentID,
		Outcome:     intent.Status,
		PayloadHash: intent.PayloadHash,
	}
	// A struct of strings always canonicalizes.
	receipt.ContentHash, _ = canonicalize.Digest(hashable)
	return receipt
}
