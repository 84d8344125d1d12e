package operatorctx

import (
	"context"
	"testing"
)

func TestOperator_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := Subject(ctx); got != "anonymous" {
		t.Fatalf("expected anonymous, got %q", got)
	}

	ctx = WithOperator(ctx, Operator{Subject: "alice", Role: RoleViewer})
	op, ok := FromContext(ctx)
	if !ok || op.Subject != "alice" {
		t.Fatalf("unexpected operator: %+v ok=%v", op, ok)
	}
	if op.CanWrite() {
		t.Fatalf("viewer must not write")
	}
	if !Dev.CanWrite() {
		t.Fatalf("dev operator must write")
	}
}
