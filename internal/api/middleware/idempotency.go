package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ETAnderson/catalogsync/internal/api/operatorctx"
	"github.com/ETAnderson/catalogsync/internal/state"
)

// HTTP header used for idempotent requests
const IdempotencyHeaderKey = "Idempotency-Key"

const (
	idempotencyTTL      = 24 * time.Hour
	maxIdempotentBody   = 1 << 20
	replayedHeaderKey   = "Idempotent-Replayed"
	replayedContentType = "application/json; charset=utf-8"
)

// IdempotencyMiddleware replays the first response to a mutating request for
// the same operator, path and Idempotency-Key. Reusing a key with a
// different request is rejected with 422.
type IdempotencyMiddleware struct {
	Store state.IdempotencyStore
	Next  http.Handler
}

func (m IdempotencyMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m.Next == nil || m.Store == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(IdempotencyHeaderKey))
	if idemKey == "" || !mutating(r.Method) {
		m.Next.ServeHTTP(w, r)
		return
	}

	endpoint := strings.TrimSpace(r.URL.Path)
	if endpoint == "" {
		endpoint = "/"
	}

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
		_ = r.Body.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "request body could not be read")
			return
		}
		if len(b) > maxIdempotentBody {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return
		}
		body = b
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	subject := operatorctx.Subject(r.Context())
	keyHash := state.HashIdempotencyKey(idemKey)
	reqHash := requestHash(r.Method, body)

	rec, ok, err := m.Store.GetIdempotency(r.Context(), subject, endpoint, keyHash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "idempotency_lookup_failed", "idempotency lookup failed")
		return
	}
	if ok {
		if rec.RequestHash != "" && rec.RequestHash != reqHash {
			writeError(w, http.StatusUnprocessableEntity, "idempotency_key_reused",
				"Idempotency-Key was already used with a different request")
			return
		}
		status := rec.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", replayedContentType)
		w.Header().Set(replayedHeaderKey, "true")
		w.WriteHeader(status)
		_, _ = w.Write(rec.BodyJSON)
		return
	}

	cw := &captureWriter{ResponseWriter: w}
	m.Next.ServeHTTP(cw, r)

	// Server errors are not replayed; the operator may retry them.
	status := cw.statusCode()
	if status >= http.StatusInternalServerError {
		return
	}

	now := time.Now().UTC()
	// The response is already written; a failed put only loses the replay.
	_ = m.Store.PutIdempotency(r.Context(), subject, endpoint, keyHash, state.IdempotencyRecord{
		RequestHash: reqHash,
		StatusCode:  status,
		BodyJSON:    cw.body.Bytes(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(idempotencyTTL),
	})
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func requestHash(method string, body []byte) string {
	h := sha256.New()
	_, _ = io.WriteString(h, method)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(bytes.TrimSpace(body))
	return hex.EncodeToString(h.Sum(nil))
}

// captureWriter passes the response through while keeping a copy for replay.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *captureWriter) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}
