// Package differ reconciles a site's full catalog listing against the store,
// repairing whatever the notification path missed.
package differ

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ETAnderson/catalogsync/internal/backfill"
	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/events"
	"github.com/ETAnderson/catalogsync/internal/identity"
	"github.com/ETAnderson/catalogsync/internal/logging"
	"github.com/ETAnderson/catalogsync/internal/metrics"
	"github.com/ETAnderson/catalogsync/internal/reconcile"
	"github.com/ETAnderson/catalogsync/internal/retry"
	"github.com/ETAnderson/catalogsync/internal/state"
	"github.com/ETAnderson/catalogsync/internal/upstream"
)

type Lister interface {
	Configured(site domain.Site) error
	ListEntities(ctx context.Context, site domain.Site, page int, filter upstream.ListFilter) ([]upstream.Entity, bool, error)
	ListVariations(ctx context.Context, site domain.Site, parentID int64) ([]upstream.Entity, error)
}

type Resolver interface {
	Resolve(ctx context.Context, site domain.Site, e upstream.Entity) (identity.Resolution, error)
	Release(key string)
}

type Merger interface {
	Merge(ctx context.Context, key string, d reconcile.SiteDelta) (reconcile.MergeResult, error)
	RemoveSite(ctx context.Context, key string, site domain.Site, siteID int64) (reconcile.RemoveResult, error)
	MarkError(ctx context.Context, key string, site domain.Site, cause error) error
}

type Store interface {
	state.ProductStore
	state.RunStore
}

type Backfiller interface {
	Run(ctx context.Context, targets []backfill.Target) []backfill.SiteResult
}

type Options struct {
	// RunID, when set, persists progress, items and the final status on
	// that run row. A missing row is created.
	RunID string

	// Site defaults to the canonical site.
	Site domain.Site

	// ModifiedAfter narrows the listing; it also disables deletes.
	ModifiedAfter time.Time

	DryRun bool
}

type Summary struct {
	Site               domain.Site `json:"site"`
	Inserted           int         `json:"inserted"`
	Updated            int         `json:"updated"`
	Deleted            int         `json:"deleted"`
	IdentityBackfilled int         `json:"identity_backfilled"`
	Unchanged          int         `json:"unchanged"`
	Skipped            int         `json:"skipped"`
	Failed             int         `json:"failed"`
	Total              int         `json:"total"`
	Cancelled          bool        `json:"cancelled"`
}

const (
	itemOK      = "ok"
	itemError   = "error"
	itemPlanned = "planned"
	itemSkipped = "skipped"
)

// Differ is safe to reuse across runs but runs one listing at a time per call.
type Differ struct {
	Upstream Lister
	Store    Store
	Resolver Resolver
	Merger   Merger
	Backfill Backfiller
	Events   events.Publisher
	Log      logrus.FieldLogger

	PageSize      int
	PageDelay     time.Duration
	Concurrency   int
	BatchSize     int
	ProgressEvery int
	// HeartbeatEvery is how often a persisted run refreshes its lease
	// between progress writes.
	HeartbeatEvery time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunID returns "run_" followed by 32 hex characters.
func NewRunID() string {
	return "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (d *Differ) Run(ctx context.Context, opts Options) (Summary, error) {
	if opts.Site == "" {
		opts.Site = domain.CanonicalSite
	}
	if !opts.Site.Valid() {
		return Summary{}, fmt.Errorf("unknown site %q", opts.Site)
	}
	if d.Upstream == nil || d.Store == nil || d.Resolver == nil || d.Merger == nil {
		return Summary{}, errors.New("differ is not configured")
	}

	r := &run{
		d:       d,
		opts:    opts,
		sum:     Summary{Site: opts.Site},
		started: d.clock(),
		log: logging.OrDiscard(d.Log).WithFields(logrus.Fields{
			"run_id": opts.RunID,
			"site":   opts.Site,
		}),
	}
	if err := r.start(ctx); err != nil {
		return Summary{}, err
	}

	stop := r.heartbeat(ctx)
	err := r.execute(ctx)
	stop()
	r.finish(ctx, err)
	return r.sum, err
}

func (d *Differ) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now().UTC()
}

func (d *Differ) publisher() events.Publisher {
	if d.Events == nil {
		return events.Discard{}
	}
	return d.Events
}

func (d *Differ) concurrency() int {
	if d.Concurrency <= 0 {
		return 5
	}
	return d.Concurrency
}

func (d *Differ) batchSize() int {
	if d.BatchSize <= 0 {
		return 300
	}
	return d.BatchSize
}

func (d *Differ) heartbeatEvery() time.Duration {
	if d.HeartbeatEvery <= 0 {
		return 30 * time.Second
	}
	return d.HeartbeatEvery
}

func (d *Differ) progressEvery() int {
	if d.ProgressEvery <= 0 {
		return 50
	}
	return d.ProgressEvery
}

// plan is one listed entity after classification.
type plan struct {
	entity  upstream.Entity
	key     string
	claimed bool
	exists  bool
	action  domain.DiffAction
	reason  string
	delta   reconcile.SiteDelta
	changes domain.Changes
	err     error
}

type run struct {
	d    *Differ
	opts Options
	log  logrus.FieldLogger

	rec       *state.RunRecord
	sum       Summary
	processed int
	cancelled bool
	started   time.Time

	pending []plan
	items   []state.RunItem
	claimed []string
}

func (r *run) start(ctx context.Context) error {
	if r.opts.RunID == "" {
		r.publish(events.RunStarted, domain.RunStatusProcessing, "started")
		return nil
	}

	rec, ok, err := r.d.Store.GetRun(ctx, r.opts.RunID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if !ok {
		rec = state.RunRecord{
			RunID:         r.opts.RunID,
			Site:          r.opts.Site,
			Trigger:       "direct",
			Status:        domain.RunStatusQueued,
			DryRun:        r.opts.DryRun,
			ModifiedAfter: r.opts.ModifiedAfter,
			CreatedAt:     r.started,
		}
		if err := r.d.Store.InsertRun(ctx, rec); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
	}
	rec.Status = domain.RunStatusProcessing
	if rec.StartedAt.IsZero() {
		rec.StartedAt = r.started
	}
	rec.Message = "started"
	r.rec = &rec
	if err := r.d.Store.UpdateRun(ctx, rec); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	r.publish(events.RunStarted, domain.RunStatusProcessing, "started")
	return nil
}

// heartbeat keeps the run row's lease fresh until stop is called.
func (r *run) heartbeat(ctx context.Context) (stop func()) {
	if r.rec == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(r.d.heartbeatEvery())
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := r.d.Store.TouchRun(ctx, r.opts.RunID); err != nil && ctx.Err() == nil {
					r.log.WithError(err).Warn("failed to refresh run heartbeat")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *run) execute(ctx context.Context) error {
	site := r.opts.Site
	if err := r.d.Upstream.Configured(site); err != nil {
		return fmt.Errorf("site %s: %w", site, err)
	}

	defer func() {
		for _, k := range r.claimed {
			r.d.Resolver.Release(k)
		}
	}()

	entities, err := r.list(ctx)
	if err != nil {
		return err
	}
	r.sum.Total = len(entities)
	r.progress(ctx, fmt.Sprintf("listed %d entities", len(entities)))
	if r.cancelled {
		return nil
	}

	known, err := r.d.Store.ListProductsBySite(ctx, site)
	if err != nil {
		return fmt.Errorf("load stored products: %w", err)
	}
	byID := make(map[int64]domain.CanonicalProduct, len(known))
	for _, p := range known {
		if id := p.SiteID(site); id > 0 {
			byID[id] = p
		}
	}

	r.process(ctx, entities, byID)
	if r.cancelled {
		return nil
	}
	r.flush(ctx)

	if r.opts.ModifiedAfter.IsZero() {
		r.deletes(ctx, entities, byID)
	}
	if r.cancelled {
		return nil
	}

	if !r.opts.DryRun && r.d.Backfill != nil {
		if err := r.backfill(ctx); err != nil {
			return err
		}
	}
	return nil
}

// list pages through the site's listing, pausing between pages.
func (r *run) list(ctx context.Context) ([]upstream.Entity, error) {
	sleep := r.d.sleep
	if sleep == nil {
		sleep = retry.SleepContext
	}
	filter := upstream.ListFilter{PageSize: r.d.PageSize, ModifiedAfter: r.opts.ModifiedAfter}

	var (
		out  []upstream.Entity
		seen = map[int64]bool{}
	)
	for page := 1; ; page++ {
		if r.checkCancel(ctx) {
			return out, nil
		}
		batch, more, err := r.d.Upstream.ListEntities(ctx, r.opts.Site, page, filter)
		if err != nil {
			return nil, fmt.Errorf("list page %d: %w", page, err)
		}
		for _, e := range batch {
			if e.ID > 0 && !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
		if !more || len(batch) == 0 {
			return out, nil
		}
		if err := sleep(ctx, r.d.PageDelay); err != nil {
			r.cancelled = true
			return out, nil
		}
	}
}

// process classifies entities on a bounded pool; results are applied by the
// calling goroutine.
func (r *run) process(ctx context.Context, entities []upstream.Entity, byID map[int64]domain.CanonicalProduct) {
	workCtx, stop := context.WithCancel(ctx)
	defer stop()

	jobs := make(chan upstream.Entity)
	plans := make(chan plan)

	var wg sync.WaitGroup
	for i := 0; i < r.d.concurrency(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range jobs {
				plans <- r.classify(workCtx, e, byID)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, e := range entities {
			select {
			case jobs <- e:
			case <-workCtx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(plans)
	}()

	every := r.d.progressEvery()
	for p := range plans {
		if r.cancelled {
			if p.claimed {
				r.claimed = append(r.claimed, p.key)
			}
			continue
		}
		r.collect(ctx, p)
		if r.processed%every == 0 || r.processed == len(entities) {
			if r.checkCancel(ctx) {
				stop()
				continue
			}
			r.progress(ctx, fmt.Sprintf("processed %d/%d", r.processed, len(entities)))
		}
	}
}

func (r *run) classify(ctx context.Context, e upstream.Entity, byID map[int64]domain.CanonicalProduct) plan {
	site := r.opts.Site
	p := plan{entity: e}

	var cur *domain.CanonicalProduct
	if stored, ok := byID[e.ID]; ok {
		cur = &stored
		p.key = stored.Key
	} else {
		res, err := r.d.Resolver.Resolve(ctx, site, e)
		var collision *identity.CollisionError
		switch {
		case errors.Is(err, identity.ErrNoKey):
			p.action, p.reason = domain.DiffActionSkip, "no_key"
			return p
		case errors.As(err, &collision):
			p.action, p.reason = domain.DiffActionSkip, "identity_collision"
			return p
		case err != nil:
			p.err = err
			return p
		}
		p.key = res.Key
		p.claimed = res.Source != identity.SourceStored

		existing, ok, err := r.d.Store.GetProduct(ctx, res.Key)
		if err != nil {
			p.err = err
			return p
		}
		if ok {
			cur = &existing
		}
	}
	p.exists = cur != nil

	if cur == nil && !site.IsCanonical() {
		p.action, p.reason = domain.DiffActionSkip, "unknown_key"
		return p
	}

	var variations []upstream.Entity
	if e.IsVariable() {
		vs, err := r.d.Upstream.ListVariations(ctx, site, e.ID)
		if err != nil {
			p.action, p.err = domain.DiffActionUpdate, fmt.Errorf("variations: %w", err)
			return p
		}
		variations = append([]upstream.Entity{}, vs...)
	}

	p.delta = reconcile.DeltaFromEntity(site, e, variations)
	p.delta.RequireExisting = !site.IsCanonical()
	if strings.TrimSpace(e.SKU) == p.key {
		p.delta.Entry.PublishedKey = p.key
	}

	_, p.changes = reconcile.Apply(cur, p.key, p.delta, r.d.clock())
	switch {
	case cur == nil:
		p.action = domain.DiffActionInsert
	case len(p.changes) == 0:
		p.action, p.reason = domain.DiffActionSkip, "unchanged"
	default:
		p.action = domain.DiffActionUpdate
	}
	return p
}

func (r *run) collect(ctx context.Context, p plan) {
	r.processed++
	if p.claimed {
		r.claimed = append(r.claimed, p.key)
	}
	site := string(r.opts.Site)

	switch {
	case p.err != nil:
		r.sum.Failed++
		metrics.RecordDiffEntity(site, "failed")
		r.log.WithError(p.err).WithField("entity_id", p.entity.ID).Warn("diff entity failed")
		if p.exists && !r.opts.DryRun {
			if err := r.d.Merger.MarkError(ctx, p.key, r.opts.Site, p.err); err != nil {
				r.log.WithError(err).Warn("failed to record sync error")
			}
		}
		r.item(p.entity.ID, p.key, p.action, itemError, nil, p.err.Error())

	case p.action == domain.DiffActionSkip && p.reason == "unchanged":
		r.sum.Unchanged++
		metrics.RecordDiffEntity(site, "unchanged")

	case p.action == domain.DiffActionSkip:
		r.sum.Skipped++
		metrics.RecordDiffEntity(site, string(domain.DiffActionSkip))
		r.item(p.entity.ID, p.key, p.action, itemSkipped, nil, p.reason)

	case r.opts.DryRun:
		r.count(p.action)
		r.item(p.entity.ID, p.key, p.action, itemPlanned, p.changes, "")

	default:
		r.pending = append(r.pending, p)
		if len(r.pending) >= r.d.batchSize() {
			r.flush(ctx)
		}
	}
}

// flush applies pending inserts and updates. Each merge commits on its own.
func (r *run) flush(ctx context.Context) {
	for _, p := range r.pending {
		mr, err := r.d.Merger.Merge(ctx, p.key, p.delta)
		if err != nil {
			r.sum.Failed++
			metrics.RecordDiffEntity(string(r.opts.Site), "failed")
			r.item(p.entity.ID, p.key, p.action, itemError, nil, err.Error())
			continue
		}
		if !mr.Created && len(mr.Changes) == 0 {
			r.sum.Unchanged++
			continue
		}
		action := domain.DiffActionUpdate
		if mr.Created {
			action = domain.DiffActionInsert
		}
		r.count(action)
		r.item(p.entity.ID, p.key, action, itemOK, mr.Changes, "")
	}
	r.pending = r.pending[:0]
	r.flushItems(ctx)
}

// deletes strips the site reference from stored products the listing no
// longer contains. An empty listing never deletes.
func (r *run) deletes(ctx context.Context, entities []upstream.Entity, byID map[int64]domain.CanonicalProduct) {
	if len(entities) == 0 {
		if len(byID) > 0 {
			r.log.Warn("empty listing; delete pass skipped")
		}
		return
	}

	listed := make(map[int64]bool, len(entities))
	for _, e := range entities {
		listed[e.ID] = true
	}
	var missing []int64
	for id := range byID {
		if !listed[id] {
			missing = append(missing, id)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	for i, id := range missing {
		if i > 0 && i%r.d.progressEvery() == 0 && r.checkCancel(ctx) {
			break
		}
		key := byID[id].Key
		if r.opts.DryRun {
			r.count(domain.DiffActionDelete)
			r.item(id, key, domain.DiffActionDelete, itemPlanned, nil, "")
			continue
		}
		rr, err := r.d.Merger.RemoveSite(ctx, key, r.opts.Site, id)
		if err != nil {
			r.sum.Failed++
			r.item(id, key, domain.DiffActionDelete, itemError, nil, err.Error())
			continue
		}
		if rr.Removed {
			r.count(domain.DiffActionDelete)
			msg := ""
			if rr.HardDeleted {
				msg = "hard_deleted"
			}
			r.item(id, key, domain.DiffActionDelete, itemOK, nil, msg)
		}
	}
	r.flushItems(ctx)
}

func (r *run) backfill(ctx context.Context) error {
	sites := []domain.Site{r.opts.Site}
	if r.opts.Site.IsCanonical() {
		sites = domain.AllSites
	}

	var targets []backfill.Target
	after := ""
	for {
		page, err := r.d.Store.ListProducts(ctx, after, 500)
		if err != nil {
			return fmt.Errorf("list products for backfill: %w", err)
		}
		for _, p := range page {
			targets = append(targets, backfill.Targets(p, sites)...)
		}
		if len(page) < 500 {
			break
		}
		after = page[len(page)-1].Key
	}
	if len(targets) == 0 {
		return nil
	}

	r.progress(ctx, fmt.Sprintf("backfilling %d keys", len(targets)))
	results := r.d.Backfill.Run(ctx, targets)
	for _, res := range results {
		r.sum.IdentityBackfilled += res.OkCount
		r.sum.Failed += res.ErrCount
	}
	if r.rec != nil {
		for _, row := range backfill.SiteResults(r.opts.RunID, results) {
			if err := r.d.Store.UpsertRunSiteResult(ctx, row); err != nil {
				r.log.WithError(err).Warn("failed to store backfill result")
			}
		}
	}
	return nil
}

func (r *run) count(a domain.DiffAction) {
	switch a {
	case domain.DiffActionInsert:
		r.sum.Inserted++
	case domain.DiffActionUpdate:
		r.sum.Updated++
	case domain.DiffActionDelete:
		r.sum.Deleted++
	}
	metrics.RecordDiffEntity(string(r.opts.Site), string(a))
}

func (r *run) item(siteID int64, key string, a domain.DiffAction, status string, changes domain.Changes, msg string) {
	if r.rec == nil {
		return
	}
	r.items = append(r.items, state.RunItem{
		RunID:        r.opts.RunID,
		SiteID:       siteID,
		CanonicalKey: key,
		Action:       a,
		Status:       status,
		Changes:      changes,
		Message:      msg,
		CreatedAt:    r.d.clock(),
	})
}

func (r *run) flushItems(ctx context.Context) {
	if r.rec == nil || len(r.items) == 0 {
		return
	}
	if err := r.d.Store.InsertRunItems(ctx, r.opts.RunID, r.items); err != nil {
		r.log.WithError(err).Warn("failed to store run items")
	}
	r.items = r.items[:0]
}

// checkCancel reports, and latches, a cancelled context or an operator cancel.
func (r *run) checkCancel(ctx context.Context) bool {
	if r.cancelled {
		return true
	}
	if ctx.Err() != nil {
		r.cancelled = true
		return true
	}
	if r.rec != nil {
		if ok, err := r.d.Store.RunCancelRequested(ctx, r.opts.RunID); err == nil && ok {
			r.log.Warn("cancel requested")
			r.cancelled = true
		}
	}
	return r.cancelled
}

func (r *run) progress(ctx context.Context, msg string) {
	if r.rec != nil {
		r.syncRecord(domain.RunStatusProcessing, msg)
		if err := r.d.Store.UpdateRun(ctx, *r.rec); err != nil {
			r.log.WithError(err).Warn("failed to store progress")
		}
	}
	r.publish(events.RunProgress, domain.RunStatusProcessing, msg)
}

func (r *run) finish(ctx context.Context, runErr error) {
	status := domain.RunStatusCompleted
	msg := fmt.Sprintf("completed in %s", r.d.clock().Sub(r.started).Round(time.Millisecond))
	switch {
	case r.cancelled:
		status = domain.RunStatusCancelled
		msg = "cancelled"
		r.sum.Cancelled = true
	case runErr != nil:
		status = domain.RunStatusFailed
		msg = runErr.Error()
	}

	log := r.log.WithFields(logrus.Fields{
		"status":              status,
		"inserted":            r.sum.Inserted,
		"updated":             r.sum.Updated,
		"deleted":             r.sum.Deleted,
		"identity_backfilled": r.sum.IdentityBackfilled,
		"unchanged":           r.sum.Unchanged,
		"skipped":             r.sum.Skipped,
		"failed":              r.sum.Failed,
	})
	if runErr != nil {
		log.WithError(runErr).Error("diff run failed")
	} else {
		log.Info("diff run finished")
	}

	if r.rec != nil {
		r.syncRecord(status, msg)
		r.rec.FinishedAt = r.d.clock()
		bg := context.WithoutCancel(ctx)
		r.flushItems(bg)
		if err := r.d.Store.UpdateRun(bg, *r.rec); err != nil {
			r.log.WithError(err).Error("failed to store final run status")
		}
	}
	metrics.RecordDiffRun(string(r.opts.Site), string(status), r.d.clock().Sub(r.started))
	r.publish(events.RunFinished, status, msg)
}

func (r *run) syncRecord(status domain.RunStatus, msg string) {
	rec := r.rec
	rec.Status = status
	rec.Message = msg
	rec.Current = r.processed
	rec.Total = r.sum.Total
	rec.Inserted = r.sum.Inserted
	rec.Updated = r.sum.Updated
	rec.Deleted = r.sum.Deleted
	rec.Backfilled = r.sum.IdentityBackfilled
	rec.Unchanged = r.sum.Unchanged
	rec.Skipped = r.sum.Skipped
	rec.Failed = r.sum.Failed
}

func (r *run) publish(t events.RunEventType, status domain.RunStatus, msg string) {
	r.d.publisher().Publish(events.RunEvent{
		Type:       t,
		RunID:      r.opts.RunID,
		Site:       r.opts.Site,
		Status:     status,
		Current:    r.processed,
		Total:      r.sum.Total,
		Inserted:   r.sum.Inserted,
		Updated:    r.sum.Updated,
		Deleted:    r.sum.Deleted,
		Backfilled: r.sum.IdentityBackfilled,
		Unchanged:  r.sum.Unchanged,
		Skipped:    r.sum.Skipped,
		Failed:     r.sum.Failed,
		Message:    msg,
		At:         r.d.clock(),
	})
}
