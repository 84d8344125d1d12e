package worker

import (
	"context"
	"testing"
)

func TestWithRunID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if got := RunID(ctx); got != "" {
		t.Fatalf("expected empty run id, got %q", got)
	}

	ctx = WithRunID(ctx, "run_123")
	if got := RunID(ctx); got != "run_123" {
		t.Fatalf("expected run_123, got %q", got)
	}
}

func TestWithEventID_EmptyIsNoop(t *testing.T) {
	ctx := WithEventID(context.Background(), "")
	if got := EventID(ctx); got != "" {
		t.Fatalf("expected empty event id, got %q", got)
	}

	ctx = WithEventID(ctx, "evt_1")
	if got := EventID(ctx); got != "evt_1" {
		t.Fatalf("expected evt_1, got %q", got)
	}
}
