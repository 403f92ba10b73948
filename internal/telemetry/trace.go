package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names, one per layer.
const (
	TracerGate      = "remoteauth/services/iam"
	TracerDirectory = "remoteauth/directory"
)

// StartSpan creates a new span for a service operation.
//
//	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerDirectory, "directory.Search",
//	    attribute.String(telemetry.AttrDirectoryBaseDN, baseDN),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds a named event to the span with optional attributes.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys
const (
	AttrUsername       = "auth.username"
	AttrDecisionState  = "auth.decision.state"
	AttrDecisionSource = "auth.decision.source"
	AttrErrorKind      = "auth.error.kind"

	AttrDirectoryServer = "directory.server"
	AttrDirectoryBaseDN = "directory.base_dn"
	AttrDirectoryScope  = "directory.scope"
	AttrDirectoryFilter = "directory.filter"
	AttrDirectoryHits   = "directory.hits"
	AttrDirectoryRole   = "directory.role"
)
