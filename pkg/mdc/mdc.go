// Package mdc implements diagnostic-context propagation across worker
// goroutines: a small key-value map (correlation id, execution id, node id)
// carried on a context.Context, snapshotted by the submitting goroutine and
// reinstalled inside the worker that eventually runs the task. This
// generalizes the request-ID-in-context pattern the workflow service uses
// for HTTP logging (services/workflow/service.go's requestIDMiddleware) to
// the worker-pool dispatch the runtime package needs.
package mdc

import "context"

type contextKey struct{}

// Fields is the diagnostic context snapshot carried across a goroutine
// boundary. Keys are fixed (not arbitrary) so log call sites stay uniform.
type Fields struct {
	CorrelationID string
	ExecutionID   string
	NodeID        string
}

// WithFields returns a context carrying the given diagnostic fields,
// replacing any fields already present.
func WithFields(ctx context.Context, f Fields) context.Context {
	return context.WithValue(ctx, contextKey{}, f)
}

// FromContext returns the diagnostic fields carried on ctx, or the zero
// value if none are set.
func FromContext(ctx context.Context) Fields {
	f, _ := ctx.Value(contextKey{}).(Fields)
	return f
}

// WithNodeID returns a derived context with NodeID overridden, preserving
// whatever CorrelationID/ExecutionID were already set. This is what the
// runtime calls before invoking an executor for a specific step.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	f := FromContext(ctx)
	f.NodeID = nodeID
	return WithFields(ctx, f)
}

// LogArgs flattens the fields into slog-style key-value pairs, omitting
// empty fields, for use as `slog.Info("...", mdc.LogArgs(ctx)...)`.
func LogArgs(ctx context.Context) []any {
	f := FromContext(ctx)
	var args []any
	if f.CorrelationID != "" {
		args = append(args, "correlationId", f.CorrelationID)
	}
	if f.ExecutionID != "" {
		args = append(args, "executionId", f.ExecutionID)
	}
	if f.NodeID != "" {
		args = append(args, "nodeId", f.NodeID)
	}
	return args
}
