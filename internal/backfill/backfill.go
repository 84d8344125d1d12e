// Package backfill writes resolved canonical keys back to the storefronts
// that do not publish them yet, so their future notifications resolve by key.
package backfill

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/logging"
	"github.com/ETAnderson/catalogsync/internal/retry"
	"github.com/ETAnderson/catalogsync/internal/state"
	"github.com/ETAnderson/catalogsync/internal/upstream"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Target is one site entry whose published key is missing or stale.
type Target struct {
	Key    string
	Site   domain.Site
	SiteID int64
}

type Outcome struct {
	Key     string
	Site    domain.Site
	SiteID  int64
	Status  string
	Message string
}

type SiteResult struct {
	Site     domain.Site
	OkCount  int
	ErrCount int
	Items    []Outcome
}

type Writer interface {
	UpdateEntityKey(ctx context.Context, site domain.Site, id int64, key string) error
}

type Recorder interface {
	SetPublishedKey(ctx context.Context, key string, site domain.Site) error
}

// Backfiller runs writes with at most Concurrency in flight per site.
type Backfiller struct {
	Writer      Writer
	Recorder    Recorder
	Policy      retry.Policy
	Concurrency int
	Log         logrus.FieldLogger
}

func New(w Writer, r Recorder, concurrency int, log logrus.FieldLogger) Backfiller {
	return Backfiller{
		Writer:      w,
		Recorder:    r,
		Policy:      retry.Default(upstream.IsTransient),
		Concurrency: concurrency,
		Log:         log,
	}
}

// Targets returns the entries of p, limited to sites, that hold an ID but
// do not yet publish p's key.
func Targets(p domain.CanonicalProduct, sites []domain.Site) []Target {
	var out []Target
	for _, site := range sites {
		e := p.Sites.Get(site)
		if e == nil || e.ID <= 0 || e.SyncStatus == domain.SyncStatusDeleted || e.PublishedKey == p.Key {
			continue
		}
		out = append(out, Target{Key: p.Key, Site: site, SiteID: e.ID})
	}
	return out
}

// Run processes targets and returns one result per site touched, in site
// order. A failed target is counted and never stops the rest.
func (b Backfiller) Run(ctx context.Context, targets []Target) []SiteResult {
	bySite := map[domain.Site][]Target{}
	for _, t := range targets {
		bySite[t.Site] = append(bySite[t.Site], t)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[domain.Site]*SiteResult{}
	)
	for site, ts := range bySite {
		res := &SiteResult{Site: site}
		results[site] = res

		wg.Add(1)
		go func(site domain.Site, ts []Target, res *SiteResult) {
			defer wg.Done()
			b.runSite(ctx, ts, res, &mu)
		}(site, ts, res)
	}
	wg.Wait()

	out := make([]SiteResult, 0, len(results))
	for _, site := range domain.AllSites {
		if r, ok := results[site]; ok {
			sort.Slice(r.Items, func(i, j int) bool { return r.Items[i].SiteID < r.Items[j].SiteID })
			out = append(out, *r)
		}
	}
	return out
}

func (b Backfiller) runSite(ctx context.Context, ts []Target, res *SiteResult, mu *sync.Mutex) {
	limit := b.Concurrency
	if limit <= 0 {
		limit = 5
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for _, t := range ts {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			mu.Lock()
			res.ErrCount++
			res.Items = append(res.Items, Outcome{Key: t.Key, Site: t.Site, SiteID: t.SiteID, Status: StatusError, Message: ctx.Err().Error()})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			defer func() { <-sem }()

			o := b.write(ctx, t)
			mu.Lock()
			if o.Status == StatusOK {
				res.OkCount++
			} else {
				res.ErrCount++
			}
			res.Items = append(res.Items, o)
			mu.Unlock()
		}(t)
	}
	wg.Wait()
}

func (b Backfiller) write(ctx context.Context, t Target) Outcome {
	o := Outcome{Key: t.Key, Site: t.Site, SiteID: t.SiteID, Status: StatusOK}
	log := logging.OrDiscard(b.Log).WithFields(logrus.Fields{
		"canonical_key": t.Key,
		"site":          t.Site,
		"entity_id":     t.SiteID,
	})

	err := b.Policy.Do(ctx, func(ctx context.Context, _ int) error {
		return b.Writer.UpdateEntityKey(ctx, t.Site, t.SiteID, t.Key)
	})
	if err == nil && b.Recorder != nil {
		if rerr := b.Recorder.SetPublishedKey(ctx, t.Key, t.Site); rerr != nil {
			err = fmt.Errorf("record published key: %w", rerr)
		}
	}
	if err != nil {
		log.WithError(err).Warn("identity backfill failed")
		o.Status = StatusError
		o.Message = err.Error()
		return o
	}
	log.Debug("identity backfilled")
	return o
}

// SiteResults converts results into rows for the run store.
func SiteResults(runID string, results []SiteResult) []state.RunSiteResult {
	out := make([]state.RunSiteResult, 0, len(results))
	for _, r := range results {
		out = append(out, state.RunSiteResult{
			RunID:    runID,
			Site:     r.Site,
			OkCount:  r.OkCount,
			ErrCount: r.ErrCount,
		})
	}
	return out
}
