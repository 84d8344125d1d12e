package worker

import "context"

type ctxKey string

const (
	runIDKey   ctxKey = "worker_run_id"
	eventIDKey ctxKey = "worker_event_id"
)

// WithRunID stores the run ID on the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID reads the run ID from context.
func RunID(ctx context.Context) string {
	v := ctx.Value(runIDKey)
	s, _ := v.(string)
	return s
}

// WithEventID stores the queued event ID on the context.
func WithEventID(ctx context.Context, eventID string) context.Context {
	if eventID == "" {
		return ctx
	}
	return context.WithValue(ctx, eventIDKey, eventID)
}

func EventID(ctx context.Context) string {
	v := ctx.Value(eventIDKey)
	s, _ := v.(string)
	return s
}
