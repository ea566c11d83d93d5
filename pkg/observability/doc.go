// Package observability provides OpenTelemetry tracing and metrics for the
// broker, plus service level tracking for its verbs.
//
// # Setup
//
// Initialize the provider at application startup:
//
//	provider, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "accord-broker",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling in production
//		Enabled:      true,
//	})
//	defer provider.Shutdown(ctx)
//
// # Instrumentation
//
// Track an operation end to end:
//
//	ctx, finish := provider.TrackOperation(ctx, "accord.send_intent",
//		observability.AttrOperation.String("send_intent"),
//		observability.AttrRelationshipID.String(relationshipID),
//	)
//	result, err := bk.SendIntent(ctx, req)
//	finish(err)
//
// Create spans manually:
//
//	ctx, span := provider.StartSpan(ctx, "accord.verify")
//	defer span.End()
//
// # Service levels
//
// Track compliance against the shipped objectives:
//
//	tracker := observability.NewSLOTrackerWithDefaults()
//	tracker.Record(observability.SLOObservation{
//		Operation: "send_intent",
//		Latency:   elapsed,
//		Success:   result.Admitted,
//	})
//	status, _ := tracker.Status("send_intent")
package observability
