package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepResult summarizes one maintenance cycle.
type SweepResult struct {
	Sessions    SweepReport `json:"sessions"`
	Redelivered int         `json:"redelivered"`
	TimedOut    int         `json:"timed_out"`
}

// Sweeper runs protocol maintenance on a cron schedule: it archives finished and
// expired sessions, redelivers the outbox, and times out stale escalations.
type Sweeper struct {
	protocol *Protocol
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	logger   *slog.Logger
	running  bool
}

// NewSweeper creates a sweeper for protocol. schedule is a standard cron expression or
// a descriptor such as "@every 1m".
func NewSweeper(protocol *Protocol, schedule string) *Sweeper {
	return &Sweeper{
		protocol: protocol,
		schedule: schedule,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "negotiation.sweeper"),
	}
}

// Start schedules the sweep and stops it when ctx is cancelled. An empty schedule
// disables the sweeper.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("sweep schedule not configured, skipping sweeper")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("negotiation sweeper started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("scheduled sweep failed", "error", err)
		return
	}
	if res.Sessions.Archived > 0 || res.Redelivered > 0 || res.TimedOut > 0 {
		s.logger.Info("scheduled sweep completed",
			"archived", res.Sessions.Archived,
			"expired", res.Sessions.Expired,
			"redelivered", res.Redelivered,
			"timed_out", res.TimedOut,
		)
	} else {
		s.logger.Debug("scheduled sweep completed, nothing to do")
	}
}

// RunOnce performs one maintenance cycle. Every step runs even if an earlier one
// fails; the first error is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var (
		res      SweepResult
		firstErr error
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if m := s.protocol.Escalations(); m != nil {
		receipts, err := m.CheckTimeouts(ctx)
		keep(err)
		res.TimedOut = len(receipts)
	}
	rep, err := s.protocol.SweepSessions(ctx)
	keep(err)
	res.Sessions = rep
	if o := s.protocol.Outbox(); o != nil {
		n, err := o.Redeliver(ctx)
		keep(err)
		res.Redelivered = n
	}
	return res, firstErr
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("negotiation sweeper stopped")
	}
}

func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled sweep, or nil when not scheduled.
func (s *Sweeper) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
