// Package service assembles the commerce core from configuration: the budget and
// audit stores, policy providers, the policy engine, escalations, and the negotiation
// protocol with its outbox and sweeper.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/time/rate"

	"github.com/ya-xyz/aesp-sub001/pkg/audit"
	"github.com/ya-xyz/aesp-sub001/pkg/budget"
	"github.com/ya-xyz/aesp-sub001/pkg/config"
	"github.com/ya-xyz/aesp-sub001/pkg/crypto"
	"github.com/ya-xyz/aesp-sub001/pkg/escalation"
	"github.com/ya-xyz/aesp-sub001/pkg/negotiation"
	"github.com/ya-xyz/aesp-sub001/pkg/observability"
	"github.com/ya-xyz/aesp-sub001/pkg/policy"
)

// Options carries the capabilities the host supplies.
type Options struct {
	// Sender delivers rounds to counterpart agents. Required.
	Sender negotiation.Sender
	// Signer signs local commitments with KeyRef. Without it commitments cannot be
	// proposed.
	Signer crypto.Signer
	KeyRef string
	// Keys verifies counterpart commitments and ceremony signatures.
	Keys crypto.PublicKeyResolver
	// LogOutput receives JSON logs; os.Stderr when nil.
	LogOutput io.Writer
	// AuditOutput, when set, receives every execution record as an AUDIT: line
	// before it reaches the audit log.
	AuditOutput io.Writer
}

// Services is the assembled core.
type Services struct {
	Config      *config.Config
	Logger      *slog.Logger
	Obs         *observability.Provider
	Budgets     budget.Store
	Audit       audit.Log
	Engine      *policy.Engine
	Escalations *escalation.Manager
	Sessions    negotiation.SessionStore
	Archive     negotiation.Archiver
	Outbox      *negotiation.Outbox
	Protocol    *negotiation.Protocol
	Sweeper     *negotiation.Sweeper
	// Policies is the directory provider, nil when no policy directory is configured.
	Policies *policy.FileProvider

	closers []func(context.Context) error
}

// New validates cfg and builds every component. Nothing runs in the background until
// Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Services, err error) {
	if opts.Sender == nil {
		return nil, errors.New("service: a sender is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}

	s := &Services{Config: cfg, Logger: config.NewLogger(cfg.LogLevel, out)}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	s.Obs, err = observability.New(ctx, cfg.Observability())
	if err != nil {
		return nil, fmt.Errorf("service: observability: %w", err)
	}
	s.closers = append(s.closers, s.Obs.Shutdown)

	if err := s.openBudgets(ctx); err != nil {
		return nil, err
	}
	if err := s.openAudit(); err != nil {
		return nil, err
	}

	s.Escalations = escalation.NewManager().
		WithTimeout(cfg.EscalationTTL).
		WithLogger(s.component("escalation.manager"))
	if opts.Keys != nil {
		s.Escalations.WithKeyResolver(opts.Keys)
	}

	var recorder audit.Recorder = s.Audit
	if opts.AuditOutput != nil {
		tee := audit.NewWriterLog(opts.AuditOutput)
		tee.Next = s.Audit
		recorder = tee
	}
	s.Engine, err = policy.NewEngine(s.Budgets, recorder)
	if err != nil {
		return nil, fmt.Errorf("service: policy engine: %w", err)
	}
	s.Engine.
		WithLogger(s.component("policy.engine")).
		WithObservability(s.Obs).
		WithUsageReader(s.Audit).
		WithHighRiskMultiple(cfg.HighRiskMultiple).
		WithHoldTTL(cfg.HoldTTL).
		WithEscalations(s.Escalations)

	if cfg.PolicyDir != "" {
		exprs, err := policy.NewExpressionEvaluator()
		if err != nil {
			return nil, fmt.Errorf("service: expressions: %w", err)
		}
		s.Policies, err = policy.NewFileProvider(cfg.PolicyDir, cfg.PolicyVendor, exprs)
		if err != nil {
			return nil, fmt.Errorf("service: policy dir: %w", err)
		}
		if err := s.Engine.Register(cfg.PolicyVendor, s.Policies); err != nil {
			return nil, fmt.Errorf("service: %w", err)
		}
	}

	s.Archive, err = negotiation.NewArchive(ctx, negotiation.ArchiveConfig{
		Type:       negotiation.ArchiveType(cfg.Archive.Type),
		SQLitePath: cfg.Archive.Path,
		Bucket:     cfg.Archive.Bucket,
		Region:     cfg.Archive.Region,
		Endpoint:   cfg.Archive.Endpoint,
		Prefix:     cfg.Archive.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("service: archive: %w", err)
	}
	if c, ok := s.Archive.(interface{ Close() error }); ok {
		s.closers = append(s.closers, func(context.Context) error { return c.Close() })
	}

	s.Outbox = negotiation.NewOutbox(opts.Sender, rate.Limit(cfg.RedeliveryRate), cfg.RedeliveryBurst).
		WithLogger(s.component("negotiation.outbox"))
	s.Sessions = negotiation.NewMemorySessionStore()
	s.Protocol = negotiation.NewProtocol(s.Sessions, opts.Sender).
		WithLogger(s.component("negotiation.protocol")).
		WithObservability(s.Obs).
		WithDefaults(cfg.DefaultMaxRounds, cfg.SessionTTL).
		WithApprover(s.Engine).
		WithEscalations(s.Escalations).
		WithOutbox(s.Outbox)
	if s.Archive != nil {
		s.Protocol.WithArchiver(s.Archive)
	}
	if opts.Signer != nil {
		s.Protocol.WithSigner(opts.Signer, opts.KeyRef)
	}
	if opts.Keys != nil {
		s.Protocol.WithVerifier(opts.Keys)
	}
	s.Sweeper = negotiation.NewSweeper(s.Protocol, cfg.SweepSchedule)

	s.Logger.InfoContext(ctx, "commerce core assembled",
		"budget_store", fmt.Sprintf("%T", s.Budgets),
		"audit_log", fmt.Sprintf("%T", s.Audit),
		"archive", cfg.Archive.Type,
		"policy_dir", cfg.PolicyDir,
	)
	return s, nil
}

func (s *Services) component(name string) *slog.Logger {
	return s.Logger.With("component", name)
}

// openBudgets picks Postgres, then Redis, then memory.
func (s *Services) openBudgets(ctx context.Context) error {
	switch {
	case s.Config.DatabaseURL != "":
		db, err := sql.Open("postgres", s.Config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("service: postgres: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("service: postgres ping: %w", err)
		}
		store := budget.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("service: postgres migrate: %w", err)
		}
		s.Budgets = store
	case s.Config.RedisAddr != "":
		store := budget.NewRedisStoreFromAddr(s.Config.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		s.closers = append(s.closers, func(context.Context) error { return store.Close() })
		s.Budgets = store
	default:
		s.Budgets = budget.NewMemoryStore()
	}
	return nil
}

// openAudit uses SQLite when a path is configured and memory otherwise.
func (s *Services) openAudit() error {
	if s.Config.SQLitePath == "" {
		s.Audit = audit.NewMemoryLog()
		return nil
	}
	l, err := audit.OpenSQLiteLog(s.Config.SQLitePath)
	if err != nil {
		return fmt.Errorf("service: audit: %w", err)
	}
	s.closers = append(s.closers, func(context.Context) error { return l.Close() })
	s.Audit = l
	return nil
}

// Start launches the sweeper and the policy directory watcher. Both stop when ctx is
// cancelled.
func (s *Services) Start(ctx context.Context) error {
	if s.Policies != nil {
		if err := s.Policies.Start(ctx); err != nil {
			return fmt.Errorf("service: %w", err)
		}
	}
	if err := s.Sweeper.Start(ctx); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	return nil
}

// Close stops background work and releases stores in reverse order of opening.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	if s.Sweeper != nil {
		s.Sweeper.Stop()
	}
	if s.Policies != nil {
		errs = append(errs, s.Policies.Close())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	s.closers = nil
	return errors.Join(errs...)
}
