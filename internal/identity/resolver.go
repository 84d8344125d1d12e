package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/logging"
	"github.com/ETAnderson/catalogsync/internal/state"
	"github.com/ETAnderson/catalogsync/internal/upstream"
)

var (
	// ErrNoKey means a non-canonical entity has neither a stored nor a declared key.
	ErrNoKey = errors.New("entity has no canonical key")

	ErrInvalidEntity = errors.New("entity id must be positive")
)

const pendingTTL = 10 * time.Minute

// CollisionError reports two numeric IDs on one site claiming the same key.
type CollisionError struct {
	Key         string
	Site        domain.Site
	SiteID      int64
	ConflictsID int64
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("identity collision: %s/%d and %s/%d both resolve to %s",
		e.Site, e.SiteID, e.Site, e.ConflictsID, e.Key)
}

type Source string

const (
	SourceStored   Source = "stored"
	SourceDeclared Source = "declared"
	SourceDerived  Source = "derived"
)

type Resolution struct {
	Key    string
	Source Source
}

// Store is the subset of state.Store the resolver needs.
type Store interface {
	GetProduct(ctx context.Context, key string) (domain.CanonicalProduct, bool, error)
	GetProductBySiteID(ctx context.Context, site domain.Site, siteID int64) (domain.CanonicalProduct, bool, error)
	InsertReviewFlag(ctx context.Context, flag state.ReviewFlag) error
}

type claim struct {
	site domain.Site
	id   int64
	at   time.Time
}

// Resolver assigns canonical keys. Stored keys are sticky; unassigned
// canonical-site entities get a key derived from their name.
type Resolver struct {
	store Store
	log   logrus.FieldLogger
	now   func() time.Time

	mu      sync.Mutex
	pending map[string]claim
}

func NewResolver(store Store, log logrus.FieldLogger) *Resolver {
	return &Resolver{
		store:   store,
		log:     logging.OrDiscard(log),
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[string]claim),
	}
}

// Lookup returns the key already bound to (site, id), if any.
func (r *Resolver) Lookup(ctx context.Context, site domain.Site, id int64) (string, bool, error) {
	if id <= 0 {
		return "", false, ErrInvalidEntity
	}
	p, ok, err := r.store.GetProductBySiteID(ctx, site, id)
	if err != nil || !ok {
		return "", false, err
	}
	return p.Key, true, nil
}

// Resolve returns the canonical key for e as seen on site.
// Callers must Release the key once the merge has committed or failed.
func (r *Resolver) Resolve(ctx context.Context, site domain.Site, e upstream.Entity) (Resolution, error) {
	if e.ID <= 0 {
		return Resolution{}, ErrInvalidEntity
	}

	if key, ok, err := r.Lookup(ctx, site, e.ID); err != nil {
		return Resolution{}, fmt.Errorf("lookup %s/%d: %w", site, e.ID, err)
	} else if ok {
		return Resolution{Key: key, Source: SourceStored}, nil
	}

	res := Resolution{Key: strings.TrimSpace(e.SKU), Source: SourceDeclared}
	if res.Key == "" {
		if !site.IsCanonical() {
			return Resolution{}, ErrNoKey
		}
		res = Resolution{Key: DeriveKey(e.Name, e.ID), Source: SourceDerived}
	}

	if err := r.claim(ctx, site, e.ID, res.Key); err != nil {
		return Resolution{}, err
	}
	return res, nil
}

// Release drops the in-flight claim on key.
func (r *Resolver) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, key)
}

func (r *Resolver) claim(ctx context.Context, site domain.Site, id int64, key string) error {
	existing, ok, err := r.store.GetProduct(ctx, key)
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if ok {
		if other := existing.SiteID(site); other > 0 && other != id {
			return r.collide(ctx, key, site, id, other)
		}
	}

	r.mu.Lock()
	now := r.now()
	for k, c := range r.pending {
		if now.Sub(c.at) > pendingTTL {
			delete(r.pending, k)
		}
	}
	if c, ok := r.pending[key]; ok && c.site == site && c.id != id {
		r.mu.Unlock()
		return r.collide(ctx, key, site, id, c.id)
	}
	r.pending[key] = claim{site: site, id: id, at: now}
	r.mu.Unlock()
	return nil
}

func (r *Resolver) collide(ctx context.Context, key string, site domain.Site, id, other int64) error {
	cerr := &CollisionError{Key: key, Site: site, SiteID: id, ConflictsID: other}
	flag := state.ReviewFlag{
		FlagID:            uuid.NewString(),
		CanonicalKey:      key,
		Site:              site,
		SiteID:            id,
		ConflictingSiteID: other,
		Reason:            "identity_collision",
		CreatedAt:         r.now(),
	}
	if err := r.store.InsertReviewFlag(ctx, flag); err != nil {
		r.log.WithError(err).WithField("canonical_key", key).Error("failed to record review flag")
	}
	r.log.WithFields(logrus.Fields{
		"canonical_key": key,
		"site":          site,
		"entity_id":     id,
		"conflicts_id":  other,
	}).Warn("identity collision flagged for review")
	return cerr
}
