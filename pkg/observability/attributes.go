package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrStage      = attribute.Key("sardis.stage")
	AttrAgentID    = attribute.Key("sardis.agent.id")
	AttrMandateID  = attribute.Key("sardis.mandate.id")
	AttrChain      = attribute.Key("sardis.chain")
	AttrDecision   = attribute.Key("sardis.decision")
	AttrReasonCode = attribute.Key("sardis.reason_code")
	AttrApprovalID = attribute.Key("sardis.approval.id")
	AttrTxHash     = attribute.Key("sardis.tx.hash")
)

// Payment returns the span attributes identifying a payment.
func Payment(agentID, mandateID, chain string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrMandateID.String(mandateID),
		AttrChain.String(chain),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
