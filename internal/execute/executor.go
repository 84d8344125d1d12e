package execute

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/events"
	"github.com/ETAnderson/catalogsync/internal/identity"
	"github.com/ETAnderson/catalogsync/internal/logging"
	"github.com/ETAnderson/catalogsync/internal/reconcile"
	"github.com/ETAnderson/catalogsync/internal/state"
	"github.com/ETAnderson/catalogsync/internal/upstream"
)

// ErrEventSkipped marks an event that must not be retried.
var ErrEventSkipped = errors.New("event skipped")

type SkipError struct {
	Reason string
	Err    error
}

func (e *SkipError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("skipped: %s: %v", e.Reason, e.Err)
	}
	return "skipped: " + e.Reason
}

func (e *SkipError) Is(target error) bool { return target == ErrEventSkipped }

func (e *SkipError) Unwrap() error { return e.Err }

func skip(reason string, err error) error { return &SkipError{Reason: reason, Err: err} }

type Fetcher interface {
	FetchEntity(ctx context.Context, site domain.Site, id int64) (upstream.Entity, error)
	ListVariations(ctx context.Context, site domain.Site, parentID int64) ([]upstream.Entity, error)
}

type Resolver interface {
	Resolve(ctx context.Context, site domain.Site, e upstream.Entity) (identity.Resolution, error)
	Lookup(ctx context.Context, site domain.Site, id int64) (string, bool, error)
	Release(key string)
}

type Merger interface {
	Merge(ctx context.Context, key string, d reconcile.SiteDelta) (reconcile.MergeResult, error)
	RemoveSite(ctx context.Context, key string, site domain.Site, siteID int64) (reconcile.RemoveResult, error)
	MergeVariation(ctx context.Context, key string, site domain.Site, v domain.Variation) (bool, error)
	RemoveVariation(ctx context.Context, key string, site domain.Site, variationID int64) (bool, error)
	MarkError(ctx context.Context, key string, site domain.Site, cause error) error
}

type Action string

const (
	ActionMerged           Action = "merged"
	ActionUnchanged        Action = "unchanged"
	ActionRemoved          Action = "removed"
	ActionVariationMerged  Action = "variation_merged"
	ActionVariationRemoved Action = "variation_removed"
)

type Result struct {
	Key     string
	Action  Action
	Changes domain.Changes
}

// Executor routes one queued event: canonical-site events are refetched,
// mirror events are merged from their inline payload.
type Executor struct {
	Upstream Fetcher
	Resolver Resolver
	Merger   Merger
	Events   events.Publisher
	Log      logrus.FieldLogger
}

// Execute applies ev. A *SkipError (errors.Is ErrEventSkipped) means the
// event was permanently unusable; any other error is a failed attempt that
// the differ will repair.
func (x Executor) Execute(ctx context.Context, ev domain.ReconciliationEvent) (Result, error) {
	if x.Upstream == nil || x.Resolver == nil || x.Merger == nil {
		return Result{}, errors.New("executor is not configured")
	}
	if !ev.Site.Valid() || ev.EntityID <= 0 {
		return Result{}, skip("invalid_event", nil)
	}

	var (
		res Result
		err error
	)
	switch {
	case ev.Kind == domain.EventDeleted && ev.IsVariant():
		res, err = x.deleteVariation(ctx, ev)
	case ev.Kind == domain.EventDeleted:
		res, err = x.removeSite(ctx, ev.Site, ev.EntityID)
	case ev.Site.IsCanonical():
		res, err = x.refetch(ctx, ev)
	case ev.IsVariant():
		res, err = x.mirrorVariation(ctx, ev)
	default:
		res, err = x.mirrorInline(ctx, ev)
	}
	if err != nil {
		return Result{}, err
	}

	if x.Events != nil && res.Action != ActionUnchanged {
		x.Events.Publish(events.RunEvent{
			Type:         events.EventApplied,
			Site:         ev.Site,
			CanonicalKey: res.Key,
			Message:      string(res.Action) + " " + res.Changes.String(),
		})
	}
	return res, nil
}

func (x Executor) log() logrus.FieldLogger { return logging.OrDiscard(x.Log) }

func (x Executor) refetch(ctx context.Context, ev domain.ReconciliationEvent) (Result, error) {
	entity, err := x.Upstream.FetchEntity(ctx, ev.Site, ev.EntityID)
	if upstream.IsNotFound(err) {
		return x.removeSite(ctx, ev.Site, ev.EntityID)
	}
	if err != nil {
		return Result{}, x.fetchFailed(ctx, ev.Site, ev.EntityID, err)
	}

	var variations []upstream.Entity
	if entity.IsVariable() {
		variations, err = x.Upstream.ListVariations(ctx, ev.Site, entity.ID)
		if err != nil {
			return Result{}, x.fetchFailed(ctx, ev.Site, entity.ID, err)
		}
		if variations == nil {
			variations = []upstream.Entity{}
		}
	}

	return x.merge(ctx, ev.Site, entity, reconcile.DeltaFromEntity(ev.Site, entity, variations))
}

func (x Executor) mirrorInline(ctx context.Context, ev domain.ReconciliationEvent) (Result, error) {
	entity, err := upstream.DecodeEntity(ev.Payload)
	if err != nil {
		return Result{}, skip("invalid_payload", err)
	}
	if entity.SKU == "" {
		entity.SKU = ev.DeclaredKey
	}

	d := reconcile.DeltaFromEntity(ev.Site, entity, nil)
	d.RequireExisting = true
	return x.merge(ctx, ev.Site, entity, d)
}

func (x Executor) merge(ctx context.Context, site domain.Site, entity upstream.Entity, d reconcile.SiteDelta) (Result, error) {
	log := x.log().WithFields(logrus.Fields{"site": site, "entity_id": entity.ID})

	res, err := x.Resolver.Resolve(ctx, site, entity)
	var collision *identity.CollisionError
	switch {
	case errors.Is(err, identity.ErrNoKey):
		log.Info("no canonical key for mirror entity")
		return Result{}, skip("no_key", err)
	case errors.As(err, &collision):
		return Result{}, skip("identity_collision", err)
	case err != nil:
		return Result{}, fmt.Errorf("resolve: %w", err)
	}
	defer x.Resolver.Release(res.Key)

	if entity.SKU == res.Key {
		d.Entry.PublishedKey = res.Key
	}
	mr, err := x.Merger.Merge(ctx, res.Key, d)
	switch {
	case errors.Is(err, reconcile.ErrProductNotFound):
		log.WithField("canonical_key", res.Key).Info("mirror entity references unknown key")
		return Result{}, skip("unknown_key", err)
	case errors.Is(err, state.ErrSiteIDConflict):
		return Result{}, skip("site_id_conflict", err)
	case err != nil:
		return Result{}, err
	}

	out := Result{Key: res.Key, Action: ActionMerged, Changes: mr.Changes}
	if !mr.Created && len(mr.Changes) == 0 {
		out.Action = ActionUnchanged
	}
	return out, nil
}

func (x Executor) mirrorVariation(ctx context.Context, ev domain.ReconciliationEvent) (Result, error) {
	key, ok, err := x.Resolver.Lookup(ctx, ev.Site, ev.EntityID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup parent: %w", err)
	}
	if !ok {
		return Result{}, skip("unknown_parent", nil)
	}

	entity, err := upstream.DecodeEntity(ev.Payload)
	if err != nil {
		return Result{}, skip("invalid_payload", err)
	}

	changed, err := x.Merger.MergeVariation(ctx, key, ev.Site, reconcile.VariationFromEntity(entity))
	if errors.Is(err, reconcile.ErrNoSiteEntry) || errors.Is(err, reconcile.ErrProductNotFound) {
		return Result{}, skip("unknown_parent", err)
	}
	if err != nil {
		return Result{}, err
	}
	if !changed {
		return Result{Key: key, Action: ActionUnchanged}, nil
	}
	return Result{Key: key, Action: ActionVariationMerged}, nil
}

func (x Executor) deleteVariation(ctx context.Context, ev domain.ReconciliationEvent) (Result, error) {
	key, ok, err := x.Resolver.Lookup(ctx, ev.Site, ev.EntityID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup parent: %w", err)
	}
	if !ok {
		return Result{}, skip("unknown_parent", nil)
	}
	removed, err := x.Merger.RemoveVariation(ctx, key, ev.Site, ev.VariantID)
	if err != nil {
		return Result{}, err
	}
	if !removed {
		return Result{Key: key, Action: ActionUnchanged}, nil
	}
	return Result{Key: key, Action: ActionVariationRemoved}, nil
}

func (x Executor) removeSite(ctx context.Context, site domain.Site, id int64) (Result, error) {
	key, ok, err := x.Resolver.Lookup(ctx, site, id)
	if err != nil {
		return Result{}, fmt.Errorf("lookup: %w", err)
	}
	if !ok {
		return Result{}, skip("unknown_entity", nil)
	}
	rr, err := x.Merger.RemoveSite(ctx, key, site, id)
	if err != nil {
		return Result{}, err
	}
	if !rr.Removed {
		return Result{Key: key, Action: ActionUnchanged}, nil
	}
	return Result{Key: key, Action: ActionRemoved}, nil
}

// fetchFailed records the failure on a known record. Permanent upstream
// errors become skips.
func (x Executor) fetchFailed(ctx context.Context, site domain.Site, id int64, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log := x.log().WithFields(logrus.Fields{"site": site, "entity_id": id}).WithError(cause)

	if key, ok, err := x.Resolver.Lookup(ctx, site, id); err == nil && ok {
		if merr := x.Merger.MarkError(ctx, key, site, cause); merr != nil {
			log.WithField("mark_error", merr.Error()).Warn("failed to record sync error")
		}
	}

	if upstream.IsTransient(cause) {
		log.Error("upstream fetch exhausted retries")
		return fmt.Errorf("fetch %s/%d: %w", site, id, cause)
	}
	log.Warn("upstream fetch rejected")
	return skip("upstream_rejected", cause)
}
