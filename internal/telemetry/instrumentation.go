package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes must stay low-cardinality: never attach URLs, file names or
// error messages. Those belong in logs, which carry the trace_id.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span named operationName. The span
// status carries only the component, so failures stay groupable.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	ctx, span := t.tracer.Start(ctx, operationName, trace.WithAttributes(attribute.String("component", component)))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.SetStatus(codes.Error, component+" failed")

		return err
	}

	span.SetStatus(codes.Ok, "")

	return nil
}

// InstrumentStoreOperation instruments progress store operations.
func (t *Telemetry) InstrumentStoreOperation(ctx context.Context, backend, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "store_"+operation, "progress_store", fn)

	status := "success"
	if err != nil {
		status = "error"

		t.RecordSystemError(ctx, "progress_store", operation)
	}

	t.RecordStoreOperation(ctx, backend, operation, status, time.Since(start))

	return err
}
