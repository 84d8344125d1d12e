package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/logging"
	"github.com/ETAnderson/catalogsync/internal/metrics"
	"github.com/ETAnderson/catalogsync/internal/state"
)

var (
	ErrInvalidDelta    = errors.New("invalid delta")
	ErrProductNotFound = errors.New("product not found")
	ErrNoSiteEntry     = errors.New("site entry not tracked")
)

const maxSyncErrorLen = 500

type MergeResult struct {
	Created bool
	Changes domain.Changes
}

type RemoveResult struct {
	Removed     bool
	HardDeleted bool
}

// Merger applies per-site deltas to canonical records. Every write goes
// through a single MutateProduct call, so each key is updated all-or-nothing.
type Merger struct {
	store state.ProductStore
	log   logrus.FieldLogger
	now   func() time.Time
}

func New(store state.ProductStore, log logrus.FieldLogger) *Merger {
	return &Merger{
		store: store,
		log:   logging.OrDiscard(log),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Apply computes the record that merging d into cur would produce, without
// writing. cur may be nil.
func Apply(cur *domain.CanonicalProduct, key string, d SiteDelta, now time.Time) (*domain.CanonicalProduct, domain.Changes) {
	var next *domain.CanonicalProduct
	if cur == nil {
		next = &domain.CanonicalProduct{Key: key, CreatedAt: now}
	} else {
		next = cur.Clone()
	}

	if d.Site.IsCanonical() && d.Shared != nil {
		mergeShared(&next.Shared, *d.Shared)
	}

	entry := mergeEntry(next.Sites.Get(d.Site), d.Entry)
	next.Sites.Set(d.Site, entry)

	changes := Compare(cur, next)
	if len(changes) > 0 {
		entry.SyncedAt = now
		next.UpdatedAt = now
	}
	return next, changes
}

// Merge upserts d into the record for key. An unchanged merge writes nothing.
// Shared fields from non-canonical sites are ignored; concurrent canonical
// merges for the same key are last-writer-wins on shared fields.
func (m *Merger) Merge(ctx context.Context, key string, d SiteDelta) (MergeResult, error) {
	if err := validate(key, d.Site); err != nil {
		return MergeResult{}, err
	}
	if d.Entry.ID <= 0 {
		return MergeResult{}, fmt.Errorf("%w: site id must be positive", ErrInvalidDelta)
	}

	var res MergeResult
	err := m.store.MutateProduct(ctx, key, func(cur *domain.CanonicalProduct) (*domain.CanonicalProduct, error) {
		if cur == nil && d.RequireExisting {
			return nil, ErrProductNotFound
		}
		next, changes := Apply(cur, key, d, m.now())
		res = MergeResult{Created: cur == nil, Changes: changes}
		if cur != nil && len(changes) == 0 {
			return nil, state.ErrSkipWrite
		}
		return next, nil
	})

	log := m.log.WithFields(logrus.Fields{"canonical_key": key, "site": d.Site, "entity_id": d.Entry.ID})
	if errors.Is(err, ErrProductNotFound) {
		metrics.RecordMerge(string(d.Site), "missing")
		return MergeResult{}, err
	}
	if err != nil {
		metrics.RecordMerge(string(d.Site), "error")
		log.WithError(err).Error("merge failed")
		if !res.Created {
			if merr := m.MarkError(context.WithoutCancel(ctx), key, d.Site, err); merr != nil {
				log.WithError(merr).Warn("failed to record sync error")
			}
		}
		return MergeResult{}, err
	}

	switch {
	case res.Created:
		metrics.RecordMerge(string(d.Site), "created")
		log.Info("product created")
	case len(res.Changes) == 0:
		metrics.RecordMerge(string(d.Site), "unchanged")
	default:
		metrics.RecordMerge(string(d.Site), "updated")
		log.WithField("changes", res.Changes.String()).Info("product updated")
	}
	return res, nil
}

// RemoveSite tombstones site's entry for key. When siteID is positive and
// does not match the stored ID the delete is stale and ignored. The record is
// hard-deleted once no site holds an ID.
func (m *Merger) RemoveSite(ctx context.Context, key string, site domain.Site, siteID int64) (RemoveResult, error) {
	if err := validate(key, site); err != nil {
		return RemoveResult{}, err
	}

	var res RemoveResult
	err := m.store.MutateProduct(ctx, key, func(cur *domain.CanonicalProduct) (*domain.CanonicalProduct, error) {
		if cur == nil {
			return nil, state.ErrSkipWrite
		}
		e := cur.Sites.Get(site)
		if e == nil || e.ID == 0 || (siteID > 0 && e.ID != siteID) {
			return nil, state.ErrSkipWrite
		}

		next := cur.Clone()
		now := m.now()
		next.Sites.Set(site, &domain.SiteEntry{SyncStatus: domain.SyncStatusDeleted, SyncedAt: now})
		next.UpdatedAt = now

		res.Removed = true
		if !next.HasSiteReference() {
			res.HardDeleted = true
			return nil, nil
		}
		return next, nil
	})
	if err != nil {
		return RemoveResult{}, err
	}

	if res.Removed {
		metrics.RecordMerge(string(site), "removed")
		m.log.WithFields(logrus.Fields{
			"canonical_key": key,
			"site":          site,
			"hard_deleted":  res.HardDeleted,
		}).Info("site reference removed")
	}
	return res, nil
}

// MergeVariation upserts one variation into site's entry for key.
func (m *Merger) MergeVariation(ctx context.Context, key string, site domain.Site, v domain.Variation) (bool, error) {
	if err := validate(key, site); err != nil {
		return false, err
	}
	if v.ID <= 0 {
		return false, fmt.Errorf("%w: variation id must be positive", ErrInvalidDelta)
	}

	changed := false
	err := m.store.MutateProduct(ctx, key, func(cur *domain.CanonicalProduct) (*domain.CanonicalProduct, error) {
		if cur == nil {
			return nil, ErrProductNotFound
		}
		if e := cur.Sites.Get(site); e == nil || e.ID == 0 {
			return nil, ErrNoSiteEntry
		}

		next := cur.Clone()
		e := next.Sites.Get(site)
		replaced := false
		for i := range e.Variations {
			if e.Variations[i].ID == v.ID {
				e.Variations[i] = v.Clone()
				replaced = true
				break
			}
		}
		if !replaced {
			e.Variations = append(e.Variations, v.Clone())
			sortVariations(e.Variations)
		}
		e.SyncStatus = domain.SyncStatusSynced
		e.SyncError = ""

		if len(CompareEntry(site, cur.Sites.Get(site), e)) == 0 {
			return nil, state.ErrSkipWrite
		}
		now := m.now()
		e.SyncedAt = now
		next.UpdatedAt = now
		changed = true
		return next, nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		metrics.RecordMerge(string(site), "variation")
	}
	return changed, nil
}

// RemoveVariation drops one variation from site's entry for key.
func (m *Merger) RemoveVariation(ctx context.Context, key string, site domain.Site, variationID int64) (bool, error) {
	if err := validate(key, site); err != nil {
		return false, err
	}

	removed := false
	err := m.store.MutateProduct(ctx, key, func(cur *domain.CanonicalProduct) (*domain.CanonicalProduct, error) {
		if cur == nil {
			return nil, state.ErrSkipWrite
		}
		e := cur.Sites.Get(site)
		if e == nil {
			return nil, state.ErrSkipWrite
		}
		idx := -1
		for i, v := range e.Variations {
			if v.ID == variationID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, state.ErrSkipWrite
		}

		next := cur.Clone()
		ne := next.Sites.Get(site)
		ne.Variations = append(ne.Variations[:idx], ne.Variations[idx+1:]...)
		now := m.now()
		ne.SyncedAt = now
		next.UpdatedAt = now
		removed = true
		return next, nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		metrics.RecordMerge(string(site), "variation_removed")
	}
	return removed, nil
}

// MarkError records a failed sync for site. Missing records are left alone.
func (m *Merger) MarkError(ctx context.Context, key string, site domain.Site, cause error) error {
	if err := validate(key, site); err != nil {
		return err
	}
	msg := "unknown error"
	if cause != nil {
		msg = truncate(cause.Error(), maxSyncErrorLen)
	}

	return m.store.MutateProduct(ctx, key, func(cur *domain.CanonicalProduct) (*domain.CanonicalProduct, error) {
		if cur == nil {
			return nil, state.ErrSkipWrite
		}
		e := cur.Sites.Get(site)
		if e != nil && e.SyncStatus == domain.SyncStatusError && e.SyncError == msg {
			return nil, state.ErrSkipWrite
		}

		next := cur.Clone()
		ne := next.Sites.Get(site)
		if ne == nil {
			ne = &domain.SiteEntry{}
			next.Sites.Set(site, ne)
		}
		now := m.now()
		ne.SyncStatus = domain.SyncStatusError
		ne.SyncError = msg
		ne.SyncedAt = now
		next.UpdatedAt = now
		return next, nil
	})
}

// SetPublishedKey records that key has been written back to site.
func (m *Merger) SetPublishedKey(ctx context.Context, key string, site domain.Site) error {
	if err := validate(key, site); err != nil {
		return err
	}
	return m.store.MutateProduct(ctx, key, func(cur *domain.CanonicalProduct) (*domain.CanonicalProduct, error) {
		if cur == nil {
			return nil, ErrProductNotFound
		}
		e := cur.Sites.Get(site)
		if e == nil || e.ID == 0 {
			return nil, ErrNoSiteEntry
		}
		if e.PublishedKey == key {
			return nil, state.ErrSkipWrite
		}
		next := cur.Clone()
		next.Sites.Get(site).PublishedKey = key
		next.UpdatedAt = m.now()
		return next, nil
	})
}

// LinkSite binds a site's numeric ID to an existing record, leaving the
// entry pending until the next diff or event fills it in.
func (m *Merger) LinkSite(ctx context.Context, key string, site domain.Site, siteID int64) error {
	if err := validate(key, site); err != nil {
		return err
	}
	if siteID <= 0 {
		return fmt.Errorf("%w: site id must be positive", ErrInvalidDelta)
	}
	return m.store.MutateProduct(ctx, key, func(cur *domain.CanonicalProduct) (*domain.CanonicalProduct, error) {
		if cur == nil {
			return nil, ErrProductNotFound
		}
		if e := cur.Sites.Get(site); e != nil && e.ID == siteID {
			return nil, state.ErrSkipWrite
		}
		next := cur.Clone()
		now := m.now()
		next.Sites.Set(site, &domain.SiteEntry{
			ID:         siteID,
			SyncStatus: domain.SyncStatusPending,
			SyncedAt:   now,
		})
		next.UpdatedAt = now
		return next, nil
	})
}

func validate(key string, site domain.Site) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: canonical key required", ErrInvalidDelta)
	}
	if !site.Valid() {
		return fmt.Errorf("%w: unknown site %q", ErrInvalidDelta, site)
	}
	return nil
}

// mergeShared overwrites only with non-empty incoming values.
func mergeShared(dst *domain.SharedFields, in domain.SharedFields) {
	if in.Name != "" {
		dst.Name = in.Name
	}
	if in.Slug != "" {
		dst.Slug = in.Slug
	}
	if len(in.Images) > 0 {
		dst.Images = append([]string(nil), in.Images...)
	}
	if len(in.Categories) > 0 {
		dst.Categories = append([]string(nil), in.Categories...)
	}

	a := &dst.Attributes
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&a.Team, in.Attributes.Team)
	set(&a.Season, in.Attributes.Season)
	set(&a.Type, in.Attributes.Type)
	set(&a.Version, in.Attributes.Version)
	set(&a.Gender, in.Attributes.Gender)
	set(&a.Sleeve, in.Attributes.Sleeve)
	if len(in.Attributes.Events) > 0 {
		a.Events = append([]string(nil), in.Attributes.Events...)
	}
}

// mergeEntry overwrites the per-site entry, except that blank localized
// content, an unknown published key, an unset timestamp and unfetched
// variations keep their stored values.
func mergeEntry(prev *domain.SiteEntry, in domain.SiteEntry) *domain.SiteEntry {
	out := in.Clone()
	out.SyncStatus = domain.SyncStatusSynced
	out.SyncError = ""
	if prev == nil {
		return out
	}

	out.SyncedAt = prev.SyncedAt
	if out.PublishedKey == "" {
		out.PublishedKey = prev.PublishedKey
	}
	if out.ModifiedAt.IsZero() {
		out.ModifiedAt = prev.ModifiedAt
	}
	if out.Content.Name == "" {
		out.Content.Name = prev.Content.Name
	}
	if out.Content.Description == "" {
		out.Content.Description = prev.Content.Description
	}
	if out.Content.ShortDescription == "" {
		out.Content.ShortDescription = prev.Content.ShortDescription
	}
	if out.Variations == nil && prev.Variations != nil {
		out.Variations = prev.Clone().Variations
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
