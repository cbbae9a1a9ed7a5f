package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes.
var (
	AttrOperation = attribute.Key("aesp.operation")

	// Negotiation
	AttrSessionID  = attribute.Key("aesp.session.id")
	AttrStateFrom  = attribute.Key("aesp.state.from")
	AttrStateTo    = attribute.Key("aesp.state.to")
	AttrTrigger    = attribute.Key("aesp.trigger")
	AttrRoundIndex = attribute.Key("aesp.round.number")

	// Policy
	AttrAgentID  = attribute.Key("aesp.agent.id")
	AttrPolicyID = attribute.Key("aesp.policy.id")
	AttrDecision = attribute.Key("aesp.policy.decision")
	AttrRule     = attribute.Key("aesp.budget.rule")

	// Escalation
	AttrEscalationKind  = attribute.Key("aesp.escalation.kind")
	AttrEscalationLevel = attribute.Key("aesp.escalation.level")
)

// TransitionAttrs creates attributes for a state transition.
func TransitionAttrs(from, to, trigger string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStateFrom.String(from),
		AttrStateTo.String(to),
		AttrTrigger.String(trigger),
	}
}

// SessionAttrs creates attributes for a negotiation operation.
func SessionAttrs(sessionID string, round int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSessionID.String(sessionID),
		AttrRoundIndex.Int(round),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
