package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ETAnderson/catalogsync/internal/domain"
)

type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

var (
	ErrMissingCredentials = errors.New("upstream credentials not configured")
	ErrUnknownSite        = errors.New("upstream site not configured")
	ErrInvalidID          = errors.New("entity id must be positive")
)

// Error is a classified upstream failure.
type Error struct {
	Site       domain.Site
	Op         string
	StatusCode int
	Kind       Kind
	Reason     string
	Err        error

	retryAfter time.Duration
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("upstream %s %s: %s", e.Site, e.Op, e.Reason)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status=%d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) RetryAfter() time.Duration { return e.retryAfter }

// IsTransient is the retry predicate for upstream calls.
func IsTransient(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind == KindTransient
	}
	return false
}

func IsNotFound(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.StatusCode == http.StatusNotFound
}

// classifyStatus maps a non-2xx status to an error kind and reason.
func classifyStatus(code int) (Kind, string) {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindPermanent, "auth_rejected"
	case code == http.StatusNotFound:
		return KindPermanent, "not_found"
	case code == http.StatusTooManyRequests:
		return KindTransient, "rate_limited"
	case code >= 520 && code <= 529:
		return KindTransient, "edge_error"
	case code >= 500:
		return KindTransient, "server_error"
	default:
		return KindPermanent, "rejected"
	}
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
