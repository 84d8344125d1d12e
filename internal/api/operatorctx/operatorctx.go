package operatorctx

import "context"

type ctxKeyOperator struct{}

const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Operator is the authenticated caller of the operator API.
type Operator struct {
	Subject string
	Role    string
}

// Dev is the identity used in dev when no token is presented.
var Dev = Operator{Subject: "dev", Role: RoleOperator}

func (o Operator) CanWrite() bool { return o.Role == RoleOperator }

func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, ctxKeyOperator{}, op)
}

func FromContext(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(ctxKeyOperator{}).(Operator)
	if !ok || op.Subject == "" {
		return Operator{}, false
	}
	return op, true
}

// Subject returns the caller's subject, or "anonymous".
func Subject(ctx context.Context) string {
	if op, ok := FromContext(ctx); ok {
		return op.Subject
	}
	return "anonymous"
}
