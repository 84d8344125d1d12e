package middleware

import (
	"net/http"
	"strings"

	"github.com/ETAnderson/catalogsync/internal/api/operatorctx"
)

const OperatorHeaderKey = "X-Operator"

// DevOperatorMiddleware lets local tooling name the operator with a header.
// Outside dev the header is ignored.
type DevOperatorMiddleware struct {
	Env  string
	Next http.Handler
}

func (m DevOperatorMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m.Next == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if isDev(m.Env) {
		if sub := strings.TrimSpace(r.Header.Get(OperatorHeaderKey)); sub != "" {
			op := operatorctx.Operator{Subject: sub, Role: operatorctx.RoleOperator}
			r = r.WithContext(operatorctx.WithOperator(r.Context(), op))
		}
	}

	m.Next.ServeHTTP(w, r)
}

func isDev(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "dev")
}
