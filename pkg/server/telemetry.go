package server

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/vango-dev/shocked/pkg/server"

// Span names.
const (
	spanTrackerCreate = "shocked.tracker.create"
	spanTrackerAPI    = "shocked.tracker.api"
)

// Span attribute keys.
const (
	attrService   = attribute.Key("shocked.service")
	attrTracker   = attribute.Key("shocked.tracker")
	attrGroup     = attribute.Key("shocked.group")
	attrSerial    = attribute.Key("shocked.serial")
	attrAPI       = attribute.Key("shocked.api")
	attrSessionID = attribute.Key("shocked.session_id")
	attrResult    = attribute.Key("shocked.result")
)

func newTracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

// startSpan starts a server-internal span with the given attributes.
func startSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

// endSpan records err, if any, and ends the span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attrResult.String("error"))
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attrResult.String("ok"))
	}
	span.End()
}
