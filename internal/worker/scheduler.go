package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ETAnderson/catalogsync/internal/differ"
	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/logging"
	"github.com/ETAnderson/catalogsync/internal/state"
)

// Scheduler queues a differ run for each site every Interval. A site that
// still has a queued or processing run is left alone; a processing run
// without a heartbeat for Lease is failed first.
type Scheduler struct {
	Store    state.RunStore
	Interval time.Duration
	Sites    []domain.Site
	Lease    time.Duration
	Log      logrus.FieldLogger

	now func() time.Time
}

func (s Scheduler) Run(ctx context.Context) error {
	if s.Store == nil {
		return errors.New("store is nil")
	}
	if s.Interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				logging.OrDiscard(s.Log).WithError(err).Warn("schedule tick failed")
			}
		}
	}
}

// Tick queues the due runs and returns their IDs.
func (s Scheduler) Tick(ctx context.Context) ([]string, error) {
	sites := s.Sites
	if len(sites) == 0 {
		sites = []domain.Site{domain.CanonicalSite}
	}

	if _, err := ReapAbandonedRuns(ctx, s.Store, s.Lease, s.Log); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if s.now != nil {
		now = s.now()
	}
	var queued []string
	for _, site := range sites {
		rec := state.RunRecord{
			RunID:     differ.NewRunID(),
			Site:      site,
			Trigger:   "schedule",
			Status:    domain.RunStatusQueued,
			CreatedAt: now,
		}
		err := s.Store.InsertRun(ctx, rec)
		if errors.Is(err, state.ErrRunActive) {
			continue
		}
		if err != nil {
			return queued, err
		}
		logging.OrDiscard(s.Log).WithFields(logrus.Fields{"run_id": rec.RunID, "site": site}).Info("scheduled diff run")
		queued = append(queued, rec.RunID)
	}
	return queued, nil
}
