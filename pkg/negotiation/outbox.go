package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// DeliveryStatus is the counterpart's response to a delivered round.
type DeliveryStatus string

const (
	Delivered DeliveryStatus = "delivered"
	// DeliveryRetry asks for the round to be sent again later.
	DeliveryRetry DeliveryStatus = "retry"
	// DeliveryRejected is permanent; the round is not redelivered.
	DeliveryRejected DeliveryStatus = "rejected"
)

// DeliveryOutcome is what a Sender reports.
type DeliveryOutcome struct {
	Status DeliveryStatus `json:"status"`
	Detail string         `json:"detail,omitempty"`
}

// Sender delivers a round to an agent. Delivery is at-least-once; receivers
// deduplicate by (session id, round number).
type Sender interface {
	Send(ctx context.Context, agentID string, r Round) (DeliveryOutcome, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, agentID string, r Round) (DeliveryOutcome, error)

func (f SenderFunc) Send(ctx context.Context, agentID string, r Round) (DeliveryOutcome, error) {
	return f(ctx, agentID, r)
}

// OutboxEntry is a round awaiting redelivery.
type OutboxEntry struct {
	AgentID   string `json:"agent_id"`
	Round     Round  `json:"round"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

func outboxKey(sessionID string, number int) string {
	return fmt.Sprintf("%s/%d", sessionID, number)
}

// DefaultMaxAttempts bounds redelivery of a single round.
const DefaultMaxAttempts = 10

// Outbox queues rounds whose delivery failed and redelivers them at a bounded rate.
type Outbox struct {
	sender      Sender
	limiter     *rate.Limiter
	maxAttempts int
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]*OutboxEntry
}

// NewOutbox creates an outbox that redelivers through sender at r events per second
// with the given burst.
func NewOutbox(sender Sender, r rate.Limit, burst int) *Outbox {
	return &Outbox{
		sender:      sender,
		limiter:     rate.NewLimiter(r, burst),
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default().With("component", "negotiation.outbox"),
		pending:     make(map[string]*OutboxEntry),
	}
}

func (o *Outbox) WithMaxAttempts(n int) *Outbox {
	if n > 0 {
		o.maxAttempts = n
	}
	return o
}

func (o *Outbox) WithLogger(logger *slog.Logger) *Outbox {
	if logger != nil {
		o.logger = logger
	}
	return o
}

// Enqueue records a failed delivery. Re-enqueueing the same round keeps one entry.
func (o *Outbox) Enqueue(agentID string, r Round, cause string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := outboxKey(r.SessionID, r.Number)
	if e, ok := o.pending[key]; ok {
		e.Attempts++
		e.LastError = cause
		return
	}
	o.pending[key] = &OutboxEntry{AgentID: agentID, Round: r, Attempts: 1, LastError: cause}
}

// Len returns the number of queued rounds.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Pending returns the queued entries ordered by session id and round number.
func (o *Outbox) Pending() []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutboxEntry, 0, len(o.pending))
	for _, e := range o.pending {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round.SessionID != out[j].Round.SessionID {
			return out[i].Round.SessionID < out[j].Round.SessionID
		}
		return out[i].Round.Number < out[j].Round.Number
	})
	return out
}

// Redeliver makes one pass over the queue, waiting on the rate limiter before every
// send. Delivered and permanently rejected rounds leave the queue; rounds that fail
// maxAttempts times are dropped. It returns the number delivered.
func (o *Outbox) Redeliver(ctx context.Context) (int, error) {
	delivered := 0
	for _, e := range o.Pending() {
		if err := o.limiter.Wait(ctx); err != nil {
			return delivered, err
		}
		key := outboxKey(e.Round.SessionID, e.Round.Number)
		outcome, err := o.sender.Send(ctx, e.AgentID, e.Round)

		o.mu.Lock()
		entry, ok := o.pending[key]
		if !ok {
			o.mu.Unlock()
			continue
		}
		switch {
		case err == nil && outcome.Status == Delivered:
			delete(o.pending, key)
			delivered++
		case err == nil && outcome.Status == DeliveryRejected:
			delete(o.pending, key)
			o.logger.WarnContext(ctx, "round rejected by counterpart",
				"session_id", e.Round.SessionID, "round", e.Round.Number, "detail", outcome.Detail)
		default:
			entry.Attempts++
			if err != nil {
				entry.LastError = err.Error()
			} else {
				entry.LastError = outcome.Detail
			}
			if entry.Attempts >= o.maxAttempts {
				delete(o.pending, key)
				o.logger.ErrorContext(ctx, "dropping undeliverable round",
					"session_id", e.Round.SessionID, "round", e.Round.Number,
					"attempts", entry.Attempts, "error", entry.LastError)
			}
		}
		o.mu.Unlock()
	}
	return delivered, nil
}
