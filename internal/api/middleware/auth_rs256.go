package middleware

import (
	"crypto/rsa"
	"net/http"
	"strings"

	"github.com/ETAnderson/catalogsync/internal/api/auth"
	"github.com/ETAnderson/catalogsync/internal/api/operatorctx"
)

type AuthMiddleware struct {
	Env       string
	PublicKey *rsa.PublicKey
	Next      http.Handler
}

func (m AuthMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m.Next == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	authz := strings.TrimSpace(r.Header.Get("Authorization"))

	// In dev, a request without a token runs as the header-named operator
	// or the dev operator.
	if isDev(m.Env) && authz == "" {
		if _, ok := operatorctx.FromContext(r.Context()); !ok {
			r = r.WithContext(operatorctx.WithOperator(r.Context(), operatorctx.Dev))
		}
		m.Next.ServeHTTP(w, r)
		return
	}

	if !strings.HasPrefix(authz, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	tokenString := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	if tokenString == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "empty bearer token")
		return
	}

	claims, err := auth.ParseAndValidateRS256(tokenString, m.PublicKey)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return
	}

	op := operatorctx.Operator{Subject: claims.Subject, Role: claims.Role}
	if !op.CanWrite() && !readOnly(r.Method) {
		writeError(w, http.StatusForbidden, "forbidden", "operator role required")
		return
	}

	m.Next.ServeHTTP(w, r.WithContext(operatorctx.WithOperator(r.Context(), op)))
}

func readOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `","message":"` + msg + `"}`))
}
