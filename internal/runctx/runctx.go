// Package runctx carries a run's correlation id through context.Context,
// generalizing the teacher's internal/requestid (an HTTP request id) to the
// engine's run id, so a log line written with a context carrying it (a
// handler logging through its RunContext) carries run_id automatically.
// The engine's own dispatcher and reaper log lines are not written with a
// run context and carry no run_id.
package runctx

import "context"

type ctxKey struct{}

// With returns a context carrying runID, retrievable via FromContext.
func With(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, runID)
}

// FromContext returns the run id stored in ctx, or "" if none is set.
func FromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}
