package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ya-xyz/aesp-sub001/pkg/audit"
	"github.com/ya-xyz/aesp-sub001/pkg/budget"
	"github.com/ya-xyz/aesp-sub001/pkg/escalation"
	"github.com/ya-xyz/aesp-sub001/pkg/observability"
)

// DefaultHoldTTL bounds how long an approved but unexecuted request reserves budget.
const DefaultHoldTTL = 15 * time.Minute

// errNoMutation aborts a store update that has nothing to persist.
var errNoMutation = errors.New("policy: no tracker mutation")

// Decision is the full outcome of Decide.
type Decision struct {
	RequestID string `json:"request_id,omitempty"`
	// PolicyID is the first allowing policy in priority order, empty when the
	// request must be escalated.
	PolicyID    string              `json:"policy_id,omitempty"`
	Allowed     bool                `json:"allowed"`
	Results     []BudgetCheckResult `json:"results"`
	Hold        *budget.Hold        `json:"hold,omitempty"`
	Escalation  EscalationAction    `json:"escalation,omitempty"`
	EvaluatedAt time.Time           `json:"evaluated_at"`
}

// ExecutionResult reports how an approved request was carried out.
type ExecutionResult struct {
	Success bool
	TxRef   string
	Error   string
}

// PolicyReview is the outcome of ReviewPolicyUpdate.
type PolicyReview struct {
	Current        *AgentPolicy
	Proposed       *AgentPolicy
	Classification PolicyChangeClassification
	// IntentID is set when an escalation was opened.
	IntentID string
}

// Engine orchestrates providers, the evaluator, budget trackers and the audit log.
type Engine struct {
	mu        sync.RWMutex
	providers map[string]Provider
	listeners []func(PolicyChange)

	evaluator   *Evaluator
	classifier  *Classifier
	budgets     budget.Store
	recorder    audit.Recorder
	usage       audit.Reader
	escalations *escalation.Manager
	obs         *observability.Provider
	holdTTL     time.Duration
	clock       func() time.Time
	logger      *slog.Logger

	// claimed holds request ids whose execution is being recorded right now.
	claimMu sync.Mutex
	claimed map[string]struct{}
}

// NewEngine creates an engine over a tracker store and an audit recorder. recorder may
// be nil.
func NewEngine(budgets budget.Store, recorder audit.Recorder) (*Engine, error) {
	if budgets == nil {
		return nil, errors.New("policy: budget store is required")
	}
	ev, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		providers:  make(map[string]Provider),
		evaluator:  ev,
		classifier: NewClassifier(DefaultHighRiskMultiple),
		budgets:    budgets,
		recorder:   recorder,
		obs:        observability.Noop(),
		holdTTL:    DefaultHoldTTL,
		clock:      time.Now,
		logger:     slog.Default().With("component", "policy.engine"),
		claimed:    make(map[string]struct{}),
	}
	if r, ok := recorder.(audit.Reader); ok {
		e.usage = r
	}
	return e, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	if logger != nil {
		e.logger = logger
	}
	return e
}

func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	if p != nil {
		e.obs = p
	}
	return e
}

// WithUsageReader seeds fresh trackers from r.GetUsageToday.
func (e *Engine) WithUsageReader(r audit.Reader) *Engine {
	e.usage = r
	return e
}

// WithEscalations opens intents for policy updates that need approval.
func (e *Engine) WithEscalations(m *escalation.Manager) *Engine {
	e.escalations = m
	return e
}

func (e *Engine) WithHighRiskMultiple(m float64) *Engine {
	e.classifier = NewClassifier(m)
	return e
}

func (e *Engine) WithHoldTTL(d time.Duration) *Engine {
	if d > 0 {
		e.holdTTL = d
	}
	return e
}

// Evaluator returns the engine's evaluator.
func (e *Engine) Evaluator() *Evaluator {
	return e.evaluator
}

// Register adds a provider under vendorID. Registering a vendor twice is an error.
func (e *Engine) Register(vendorID string, p Provider) error {
	if vendorID == "" || p == nil {
		return fmt.Errorf("%w: vendor id and provider are required", ErrInvalidPolicy)
	}
	e.mu.Lock()
	if _, exists := e.providers[vendorID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateVendor, vendorID)
	}
	e.providers[vendorID] = p
	e.mu.Unlock()

	if w, ok := p.(Watcher); ok {
		w.Watch(func(ch PolicyChange) {
			ch.VendorID = vendorID
			e.dispatch(ch)
		})
	}
	e.logger.Info("policy provider registered", "vendor_id", vendorID)
	return nil
}

// OnPolicyChange registers fn for provider change notifications. Updates arrive with
// their classification filled in.
func (e *Engine) OnPolicyChange(fn func(PolicyChange)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) dispatch(ch PolicyChange) {
	if ch.Kind == ChangeUpdated && ch.Old != nil && ch.New != nil {
		cls := e.classifier.Classify(ch.Old, ch.New)
		ch.Classification = &cls
		if cls.RequiresEscalation {
			e.logger.Warn("provider published a critical policy change",
				"vendor_id", ch.VendorID,
				"policy_id", ch.New.ID,
				"approval_level", cls.ApprovalLevel,
				"changes", cls.Types(),
			)
		}
	}
	e.mu.RLock()
	listeners := append([]func(PolicyChange){}, e.listeners...)
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(ch)
	}
}

type vendorProvider struct {
	vendorID string
	provider Provider
}

func (e *Engine) snapshot() []vendorProvider {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]vendorProvider, 0, len(e.providers))
	for id, p := range e.providers {
		out = append(out, vendorProvider{vendorID: id, provider: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].vendorID < out[j].vendorID })
	return out
}

// candidates queries every provider and orders the applicable policies: more specific
// scope first, then newest CreatedAt, then vendor id, then policy id.
func (e *Engine) candidates(ctx context.Context, req ExecutionRequest) ([]*AgentPolicy, error) {
	var out []*AgentPolicy
	for _, vp := range e.snapshot() {
		policies, err := vp.provider.GetPolicies(ctx, req.Scope, &req)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", vp.vendorID, err)
		}
		for _, p := range policies {
			if p.VendorID == "" {
				p.VendorID = vp.vendorID
			}
			if (p.AgentID == "" || p.AgentID == req.AgentID) && p.Scope.Covers(req.Scope) {
				out = append(out, p)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return higherPriority(out[i], out[j]) })
	return out, nil
}

func higherPriority(a, b *AgentPolicy) bool {
	if sa, sb := a.Scope.Specificity(), b.Scope.Specificity(); sa != sb {
		return sa < sb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.VendorID != b.VendorID {
		return a.VendorID < b.VendorID
	}
	return a.ID < b.ID
}

// Decide evaluates req against every applicable policy. When a policy allows and the
// request carries a RequestID, a budget hold is placed in the same atomic tracker
// update that ran the checks, so concurrent approvals see each other's reservations.
// Provider failures are returned as errors; denials are data.
func (e *Engine) Decide(ctx context.Context, req ExecutionRequest) (_ *Decision, err error) {
	if req.AgentID == "" || !req.Scope.Valid() {
		return nil, fmt.Errorf("%w: agent id and a known scope are required", ErrInvalidRequest)
	}
	ctx, finish := e.obs.TrackOperation(ctx, "policy.decide", observability.AttrAgentID.String(req.AgentID))
	defer func() { finish(err) }()

	now := req.Context.Now
	if now.IsZero() {
		now = e.clock()
	}
	now = now.UTC()

	policies, err := e.candidates(ctx, req)
	if err != nil {
		return nil, err
	}

	decision := &Decision{RequestID: req.RequestID, EvaluatedAt: now, Escalation: EscalateReview}
	if len(policies) > 0 && policies[0].Escalation != "" {
		decision.Escalation = policies[0].Escalation
	}

	evaluate := func(tr *budget.Tracker) {
		decision.Results = decision.Results[:0]
		decision.PolicyID, decision.Allowed, decision.Hold = "", false, nil
		for _, p := range policies {
			res := e.evaluator.Evaluate(p, req, tr, now)
			decision.Results = append(decision.Results, res)
			if res.Allowed {
				decision.PolicyID, decision.Allowed = p.ID, true
				return
			}
		}
	}

	if len(policies) > 0 {
		if req.RequestID == "" {
			tr, err := e.budgets.Get(ctx, req.AgentID)
			if err != nil {
				return nil, fmt.Errorf("load tracker: %w", err)
			}
			if tr == nil {
				tr = e.seededTracker(ctx, req.AgentID, now)
			}
			evaluate(tr)
		} else if err := e.decideAndHold(ctx, req, now, evaluate, decision); err != nil {
			return nil, err
		}
	}

	e.report(ctx, req, decision)
	return decision, nil
}

func (e *Engine) decideAndHold(ctx context.Context, req ExecutionRequest, now time.Time, evaluate func(*budget.Tracker), d *Decision) error {
	// Seed before entering the store's critical section; the audit query is I/O.
	var seed *budget.Tracker
	if existing, err := e.budgets.Get(ctx, req.AgentID); err != nil {
		return fmt.Errorf("load tracker: %w", err)
	} else if existing == nil {
		seed = e.seededTracker(ctx, req.AgentID, now)
	}

	_, err := e.budgets.Update(ctx, req.AgentID, func(tr *budget.Tracker) error {
		if tr.IsNew() && seed != nil {
			*tr = *seed.Clone()
		}
		expired := tr.ExpireHolds(now)
		evaluate(tr)
		if !d.Allowed {
			if expired > 0 {
				return nil
			}
			return errNoMutation
		}
		if h, ok := tr.FindHold(req.RequestID); ok {
			d.Hold = &h
			return nil
		}
		h := budget.Hold{
			RequestID: req.RequestID,
			PolicyID:  d.PolicyID,
			Amount:    req.Amount,
			Recipient: req.Recipient,
			PlacedAt:  now,
			ExpiresAt: now.Add(e.holdTTL),
		}
		if err := tr.PlaceHold(h); err != nil {
			return err
		}
		tr.Touch(now)
		d.Hold = &h
		return nil
	})
	if err != nil && !errors.Is(err, errNoMutation) {
		return fmt.Errorf("update tracker: %w", err)
	}
	return nil
}

// seededTracker builds a fresh tracker whose counters start at today's audited usage.
func (e *Engine) seededTracker(ctx context.Context, agentID string, now time.Time) *budget.Tracker {
	tr := budget.NewTracker(agentID, now)
	if e.usage == nil {
		return tr
	}
	used, err := e.usage.GetUsageToday(ctx, agentID, now)
	if err != nil {
		e.logger.WarnContext(ctx, "usage seed unavailable", "agent_id", agentID, "error", err)
		return tr
	}
	tr.DailySpent, tr.WeeklySpent, tr.MonthlySpent = used, used, used
	return tr
}

func (e *Engine) report(ctx context.Context, req ExecutionRequest, d *Decision) {
	outcome := "escalated"
	if d.Allowed {
		outcome = "approved"
	}
	e.obs.RecordDecision(ctx, req.AgentID, outcome)

	var rules []string
	for _, r := range d.Results {
		if r.Violation != nil {
			e.obs.RecordViolation(ctx, r.Violation.Rule)
			rules = append(rules, r.PolicyID+":"+r.Violation.Rule)
		}
	}
	e.logger.InfoContext(ctx, "auto-approve decision",
		"request_id", req.RequestID,
		"agent_id", req.AgentID,
		"scope", req.Scope,
		"amount", req.Amount,
		"outcome", outcome,
		"policy_id", d.PolicyID,
		"evaluated", len(d.Results),
		"violations", strings.Join(rules, ","),
	)
}

// CheckAutoApprove returns the id of the first allowing policy, or "" when the request
// must be escalated to a human.
func (e *Engine) CheckAutoApprove(ctx context.Context, req ExecutionRequest) (string, error) {
	d, err := e.Decide(ctx, req)
	if err != nil {
		return "", err
	}
	return d.PolicyID, nil
}

// RecordExecution records the outcome of an approved request. It is idempotent per
// requestID: a replay is a no-op. On success with a positive amount a budget
// transaction is appended and the request's hold is consumed; otherwise the hold is
// released. The outcome is forwarded to the audit recorder. req may be nil, in which
// case the agent comes from the policy and the amount from the hold.
func (e *Engine) RecordExecution(ctx context.Context, requestID, policyID string, result ExecutionResult, req *ExecutionRequest) error {
	if requestID == "" {
		return fmt.Errorf("%w: request id is required", ErrInvalidRequest)
	}
	if !e.claim(requestID) {
		e.logger.DebugContext(ctx, "execution already in progress", "request_id", requestID)
		return nil
	}
	defer e.release(requestID)

	if done, err := e.alreadyRecorded(ctx, requestID); err != nil {
		return err
	} else if done {
		e.logger.DebugContext(ctx, "execution already recorded", "request_id", requestID)
		return nil
	}
	return e.recordExecution(ctx, requestID, policyID, result, req)
}

// alreadyRecorded consults the audit reader; without one, replays are caught by the
// tracker ledger and the recorder's duplicate check.
func (e *Engine) alreadyRecorded(ctx context.Context, requestID string) (bool, error) {
	if e.usage == nil {
		return false, nil
	}
	recs, err := e.usage.GetExecutions(ctx, audit.Filter{RequestID: requestID, Limit: 1})
	if err != nil {
		return false, fmt.Errorf("lookup execution: %w", err)
	}
	return len(recs) > 0, nil
}

func (e *Engine) recordExecution(ctx context.Context, requestID, policyID string, result ExecutionResult, req *ExecutionRequest) error {
	now := e.clock().UTC()

	rec := audit.Record{RequestID: requestID, PolicyID: policyID, Status: audit.StatusFailed, TxRef: result.TxRef, Error: result.Error, RecordedAt: now}
	if result.Success {
		rec.Status = audit.StatusSuccess
	}
	if req != nil {
		rec.AgentID, rec.Amount, rec.Currency, rec.Recipient = req.AgentID, req.Amount, req.Currency, req.Recipient
	}
	if rec.AgentID == "" && policyID != "" {
		p, err := e.GetPolicy(ctx, policyID)
		if err != nil {
			return err
		}
		rec.AgentID = p.AgentID
	}
	if rec.AgentID == "" {
		return fmt.Errorf("%w: cannot resolve agent for request %s", ErrInvalidRequest, requestID)
	}

	var seed *budget.Tracker
	if existing, err := e.budgets.Get(ctx, rec.AgentID); err != nil {
		return fmt.Errorf("load tracker: %w", err)
	} else if existing == nil {
		seed = e.seededTracker(ctx, rec.AgentID, now)
	}

	_, err := e.budgets.Update(ctx, rec.AgentID, func(tr *budget.Tracker) error {
		if tr.IsNew() && seed != nil {
			*tr = *seed.Clone()
		}
		if _, done := tr.FindTransaction(requestID); done {
			return errNoMutation
		}
		hold, held := tr.FindHold(requestID)
		amount := rec.Amount
		if amount == 0 && held {
			amount = hold.Amount
			rec.Amount = amount
			if rec.Recipient == "" {
				rec.Recipient = hold.Recipient
			}
		}
		if result.Success && amount > 0 {
			if _, err := tr.Spend(budget.Transaction{
				RequestID: requestID,
				PolicyID:  policyID,
				Amount:    amount,
				Currency:  rec.Currency,
				Recipient: rec.Recipient,
				At:        now,
			}); err != nil {
				return err
			}
		} else if held {
			tr.ReleaseHold(requestID)
		} else {
			return errNoMutation
		}
		tr.Touch(now)
		return nil
	})
	if err != nil && !errors.Is(err, errNoMutation) {
		return fmt.Errorf("update tracker: %w", err)
	}

	if e.recorder != nil {
		if err := e.recorder.RecordExecution(ctx, rec); err != nil && !errors.Is(err, audit.ErrDuplicateRecord) {
			return fmt.Errorf("audit execution: %w", err)
		}
	}
	e.logger.InfoContext(ctx, "execution recorded",
		"request_id", requestID,
		"policy_id", policyID,
		"agent_id", rec.AgentID,
		"status", rec.Status,
		"amount", rec.Amount,
	)
	return nil
}

func (e *Engine) claim(requestID string) bool {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	if _, ok := e.claimed[requestID]; ok {
		return false
	}
	e.claimed[requestID] = struct{}{}
	return true
}

func (e *Engine) release(requestID string) {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	delete(e.claimed, requestID)
}

// GetPolicy finds a policy by id across providers.
func (e *Engine) GetPolicy(ctx context.Context, id string) (*AgentPolicy, error) {
	for _, vp := range e.snapshot() {
		if l, ok := vp.provider.(Lookup); ok {
			p, err := l.Policy(ctx, id)
			if errors.Is(err, ErrPolicyNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", vp.vendorID, err)
			}
			return p, nil
		}
		for _, scope := range Scopes {
			policies, err := vp.provider.GetPolicies(ctx, scope, nil)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", vp.vendorID, err)
			}
			for _, p := range policies {
				if p.ID == id {
					return p, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
}

// ReviewPolicyUpdate classifies proposed against the current version of the same
// policy. A signed current version can only be superseded by a higher version. When
// the edit needs approval and an escalation manager is configured, an intent is
// opened at the classified level.
func (e *Engine) ReviewPolicyUpdate(ctx context.Context, proposed *AgentPolicy) (*PolicyReview, error) {
	if err := proposed.Validate(e.evaluator.Expressions()); err != nil {
		return nil, err
	}
	current, err := e.GetPolicy(ctx, proposed.ID)
	if err != nil {
		return nil, err
	}
	if err := checkSupersedes(current, proposed); err != nil {
		return nil, err
	}

	review := &PolicyReview{
		Current:        current,
		Proposed:       proposed.Clone(),
		Classification: e.classifier.Classify(current, proposed),
	}
	if !review.Classification.RequiresEscalation || e.escalations == nil {
		return review, nil
	}

	level := escalation.LevelReview
	if review.Classification.ApprovalLevel == ApprovalBiometric {
		level = escalation.LevelBiometric
	}
	intent, err := e.escalations.CreateIntent(ctx, escalation.Request{
		Kind:      escalation.KindPolicyChange,
		Level:     level,
		SubjectID: proposed.ID,
		AgentID:   proposed.AgentID,
		Summary: fmt.Sprintf("policy %s %s -> %s: %s", proposed.ID, current.Version, proposed.Version,
			strings.Join(review.Classification.Types(), ", ")),
		Reasons: review.Classification.Types(),
		Payload: review.Proposed,
	})
	if err != nil {
		return nil, fmt.Errorf("open policy change escalation: %w", err)
	}
	e.obs.RecordEscalation(ctx, string(escalation.KindPolicyChange), string(level))
	review.IntentID = intent.IntentID
	return review, nil
}
