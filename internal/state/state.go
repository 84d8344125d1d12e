package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/ETAnderson/catalogsync/internal/domain"
)

var (
	// ErrSkipWrite, returned from a ProductMutation, aborts it without error.
	ErrSkipWrite = errors.New("skip write")

	// ErrSiteIDConflict means another canonical key already owns the site ID.
	ErrSiteIDConflict = errors.New("site id already bound to another canonical key")

	// ErrRunActive means the site already has a queued or processing run.
	ErrRunActive = errors.New("site already has an active run")

	// ErrDuplicateRun means the run id is taken.
	ErrDuplicateRun = errors.New("run id already exists")
)

// ProductMutation receives the current record (nil when absent) and returns
// the record to persist. Returning nil deletes the record.
type ProductMutation func(cur *domain.CanonicalProduct) (*domain.CanonicalProduct, error)

type EventStatus string

const (
	EventQueued     EventStatus = "queued"
	EventProcessing EventStatus = "processing"
	EventDone       EventStatus = "done"
	EventSkipped    EventStatus = "skipped"
	EventFailed     EventStatus = "failed"
)

type EventRecord struct {
	Event     domain.ReconciliationEvent
	Status    EventStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type RunRecord struct {
	RunID         string           `json:"run_id"`
	Site          domain.Site      `json:"site"`
	Trigger       string           `json:"trigger"`
	Status        domain.RunStatus `json:"status"`
	DryRun        bool             `json:"dry_run"`
	ModifiedAfter time.Time        `json:"modified_after,omitempty"`

	CancelRequested bool `json:"cancel_requested"`

	Current    int `json:"current"`
	Total      int `json:"total"`
	Inserted   int `json:"inserted"`
	Updated    int `json:"updated"`
	Deleted    int `json:"deleted"`
	Backfilled int `json:"identity_backfilled"`
	Unchanged  int `json:"unchanged"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`

	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// HeartbeatAt is refreshed by the store on every write while processing.
	HeartbeatAt time.Time `json:"heartbeat_at,omitempty"`
}

// LastBeat is the last time a worker was known to be on the run.
func (r RunRecord) LastBeat() time.Time {
	switch {
	case !r.HeartbeatAt.IsZero():
		return r.HeartbeatAt
	case !r.StartedAt.IsZero():
		return r.StartedAt
	}
	return r.CreatedAt
}

type RunItem struct {
	RunID        string            `json:"run_id"`
	SiteID       int64             `json:"site_id"`
	CanonicalKey string            `json:"canonical_key,omitempty"`
	Action       domain.DiffAction `json:"action"`
	Status       string            `json:"status"`
	Changes      domain.Changes    `json:"changes,omitempty"`
	Message      string            `json:"message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// RunSiteResult counts identity backfill writes per site.
type RunSiteResult struct {
	RunID     string      `json:"run_id"`
	Site      domain.Site `json:"site"`
	OkCount   int         `json:"ok_count"`
	ErrCount  int         `json:"error_count"`
	CreatedAt time.Time   `json:"created_at"`
}

type ReviewFlag struct {
	FlagID            string      `json:"flag_id"`
	CanonicalKey      string      `json:"canonical_key"`
	Site              domain.Site `json:"site"`
	SiteID            int64       `json:"site_id"`
	ConflictingSiteID int64       `json:"conflicting_site_id"`
	Reason            string      `json:"reason"`
	CreatedAt         time.Time   `json:"created_at"`
}

type IdempotencyRecord struct {
	// RequestHash fingerprints the method and body of the first request.
	RequestHash string
	StatusCode  int
	BodyJSON    []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

type ProductStore interface {
	GetProduct(ctx context.Context, key string) (domain.CanonicalProduct, bool, error)
	GetProductBySiteID(ctx context.Context, site domain.Site, siteID int64) (domain.CanonicalProduct, bool, error)
	ListProductsBySite(ctx context.Context, site domain.Site) ([]domain.CanonicalProduct, error)
	ListProducts(ctx context.Context, afterKey string, limit int) ([]domain.CanonicalProduct, error)

	// MutateProduct applies fn atomically for one key.
	MutateProduct(ctx context.Context, key string, fn ProductMutation) error
	DeleteProduct(ctx context.Context, key string) error
}

type EventQueue interface {
	// EnqueueEvent returns false when (site, delivery id) was already queued.
	EnqueueEvent(ctx context.Context, ev domain.ReconciliationEvent) (bool, error)
	// ClaimEvents also reclaims processing events last touched before staleBefore.
	ClaimEvents(ctx context.Context, limit int, staleBefore time.Time) ([]EventRecord, error)
	FinishEvent(ctx context.Context, eventID string, status EventStatus, message string) error
}

type RunStore interface {
	// InsertRun returns ErrRunActive when run is queued or processing and
	// its site already has such a run.
	InsertRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, runID string) (RunRecord, bool, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	ClaimRuns(ctx context.Context, limit int) ([]RunRecord, error)
	// UpdateRun writes status, counters, message and timestamps; never CancelRequested.
	UpdateRun(ctx context.Context, run RunRecord) error
	RequestRunCancel(ctx context.Context, runID string) (bool, error)
	RunCancelRequested(ctx context.Context, runID string) (bool, error)
	// TouchRun refreshes the heartbeat of a processing run.
	TouchRun(ctx context.Context, runID string) error
	// ReapRuns fails processing runs whose last heartbeat is before staleBefore
	// and returns their ids.
	ReapRuns(ctx context.Context, staleBefore time.Time) ([]string, error)

	InsertRunItems(ctx context.Context, runID string, items []RunItem) error
	ListRunItems(ctx context.Context, runID string, limit int) ([]RunItem, error)
	UpsertRunSiteResult(ctx context.Context, res RunSiteResult) error
	ListRunSiteResults(ctx context.Context, runID string) ([]RunSiteResult, error)
}

type ReviewStore interface {
	InsertReviewFlag(ctx context.Context, flag ReviewFlag) error
	ListReviewFlags(ctx context.Context, limit int) ([]ReviewFlag, error)
}

type IdempotencyStore interface {
	GetIdempotency(ctx context.Context, subject string, endpoint string, idemKeyHash string) (IdempotencyRecord, bool, error)
	PutIdempotency(ctx context.Context, subject string, endpoint string, idemKeyHash string, rec IdempotencyRecord) error
}

type Store interface {
	ProductStore
	EventQueue
	RunStore
	ReviewStore
	IdempotencyStore
}

// Helper for hashing idempotency keys deterministically
func HashIdempotencyKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
