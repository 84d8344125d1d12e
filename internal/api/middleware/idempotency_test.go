package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/ETAnderson/catalogsync/internal/api/operatorctx"
	"github.com/ETAnderson/catalogsync/internal/state"
)

func postWithKey(t *testing.T, h http.Handler, subject, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"site":"com"}`))
	req = req.WithContext(operatorctx.WithOperator(req.Context(), operatorctx.Operator{Subject: subject, Role: operatorctx.RoleOperator}))
	req.Header.Set(IdempotencyHeaderKey, key)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIdempotencyMiddleware_CachesResponseViaStateStore(t *testing.T) {
	store := state.NewMemoryStore()

	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"run_id":"run_x","status":"queued"}`))
	})

	mw := IdempotencyMiddleware{
		Store: store,
		Next:  next,
	}

	rec1 := postWithKey(t, mw, "ops", "/v1/runs", "abc123")
	rec2 := postWithKey(t, mw, "ops", "/v1/runs", "abc123")

	if calls != 1 {
		t.Fatalf("expected underlying handler called once, got %d", calls)
	}
	if rec1.Body.String() != rec2.Body.String() {
		t.Fatalf("expected cached response match")
	}
	if rec2.Code != http.StatusAccepted {
		t.Fatalf("expected replayed status 202, got %d", rec2.Code)
	}
	if rec2.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay header")
	}
}

func TestIdempotency_IsOperatorScoped(t *testing.T) {
	store := state.NewMemoryStore()

	var calls int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		// Body differs per call so we can detect cache reuse.
		_, _ = w.Write([]byte(`{"call":` + strconv.Itoa(int(n)) + `}`))
	})
	mw := IdempotencyMiddleware{Store: store, Next: next}

	a := postWithKey(t, mw, "alice", "/v1/runs", "same-key")
	b := postWithKey(t, mw, "bob", "/v1/runs", "same-key")
	a2 := postWithKey(t, mw, "alice", "/v1/runs", "same-key")

	if calls != 2 {
		t.Fatalf("expected 2 downstream calls, got %d", calls)
	}
	if a.Body.String() == b.Body.String() {
		t.Fatalf("different operators must not share cache")
	}
	if a.Body.String() != a2.Body.String() {
		t.Fatalf("same operator should replay: %q vs %q", a.Body.String(), a2.Body.String())
	}
}

func TestIdempotency_DoesNotCacheServerErrors(t *testing.T) {
	store := state.NewMemoryStore()

	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})
	mw := IdempotencyMiddleware{Store: store, Next: next}

	postWithKey(t, mw, "ops", "/v1/runs", "k")
	postWithKey(t, mw, "ops", "/v1/runs", "k")

	if calls != 2 {
		t.Fatalf("expected retry after 5xx to reach handler, got %d calls", calls)
	}
}

func TestIdempotency_RejectsKeyReuseWithDifferentBody(t *testing.T) {
	store := state.NewMemoryStore()

	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mw := IdempotencyMiddleware{Store: store, Next: next}

	postWithKey(t, mw, "ops", "/v1/runs", "k1")

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(`{"site":"uk"}`))
	req = req.WithContext(operatorctx.WithOperator(req.Context(), operatorctx.Operator{Subject: "ops", Role: operatorctx.RoleOperator}))
	req.Header.Set(IdempotencyHeaderKey, "k1")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for reused key, got %d", rec.Code)
	}
	if calls != 1 {
		t.Fatalf("expected handler called once, got %d", calls)
	}
}

func TestIdempotency_ReadsPassThrough(t *testing.T) {
	store := state.NewMemoryStore()

	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})
	mw := IdempotencyMiddleware{Store: store, Next: next}

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
		req.Header.Set(IdempotencyHeaderKey, "k")
		mw.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("expected GET to bypass idempotency, got %d calls", calls)
	}
}
