package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Broker-specific semantic convention attributes.
var (
	// Verb attribute, shared across the RED metrics
	AttrOperation = attribute.Key("accord.operation")

	// Relationship attributes
	AttrRelationshipID = attribute.Key("accord.relationship.id")
	AttrInitiatorID    = attribute.Key("accord.relationship.initiator")
	AttrResponderID    = attribute.Key("accord.relationship.responder")
	AttrTrustLevel     = attribute.Key("accord.relationship.trust_level")

	// Admission attributes
	AttrIntentType    = attribute.Key("accord.intent.type")
	AttrSequence      = attribute.Key("accord.chain.sequence")
	AttrRejectKind    = attribute.Key("accord.rejection.kind")
	AttrRiskScore     = attribute.Key("accord.risk.score")
	AttrPolicyVersion = attribute.Key("accord.policy.version")

	// Delivery attributes
	AttrFrameKind       = attribute.Key("accord.frame.kind")
	AttrDeliveryAttempt = attribute.Key("accord.frame.attempt")
	AttrQueueDepth      = attribute.Key("accord.queue.depth")

	// Lifecycle attributes
	AttrCloseReason = attribute.Key("accord.close.reason")
	AttrOutcome     = attribute.Key("accord.response.outcome")
)

// AdmissionOperation creates attributes for intent admission.
func AdmissionOperation(relationshipID, intentType string, sequence uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRelationshipID.String(relationshipID),
		AttrIntentType.String(intentType),
		AttrSequence.Int64(int64(sequence)),
	}
}

// RejectionOperation creates attributes for a refused admission.
func RejectionOperation(relationshipID, kind string, riskScore float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRelationshipID.String(relationshipID),
		AttrRejectKind.String(kind),
		AttrRiskScore.Float64(riskScore),
	}
}

// LifecycleOperation creates attributes for establishment and continuation.
func LifecycleOperation(relationshipID, initiator, responder string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRelationshipID.String(relationshipID),
		AttrInitiatorID.String(initiator),
		AttrResponderID.String(responder),
	}
}

// CloseOperation creates attributes for relationship closure.
func CloseOperation(relationshipID, reason string, totalEvents int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRelationshipID.String(relationshipID),
		AttrCloseReason.String(reason),
		AttrSequence.Int64(int64(totalEvents)),
	}
}

// DeliveryOperation creates attributes for frame delivery.
func DeliveryOperation(relationshipID, kind string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRelationshipID.String(relationshipID),
		AttrFrameKind.String(kind),
		AttrDeliveryAttempt.Int(attempt),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
