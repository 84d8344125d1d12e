package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ETAnderson/catalogsync/internal/differ"
	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/execute"
	"github.com/ETAnderson/catalogsync/internal/logging"
	"github.com/ETAnderson/catalogsync/internal/state"
)

type Store interface {
	state.EventQueue
	state.RunStore
}

// Runner polls the store for queued notifications and queued differ runs.
// Events and runs are consumed on separate loops so a long run never delays
// notifications.
type Runner struct {
	Store  Store
	Events EventExecutor
	Runs   RunExecutor
	Log    logrus.FieldLogger

	PollEvery   time.Duration
	MaxPerClaim int
	Concurrency int

	// MaxAttempts bounds redelivery of events that failed with an error
	// other than a skip.
	MaxAttempts int

	// EventLease is how long a claimed event may stay processing before
	// another claim takes it over.
	EventLease time.Duration
	// RunLease is how long a processing run may go without a heartbeat
	// before it is failed as abandoned.
	RunLease time.Duration
}

const (
	DefaultEventLease = 5 * time.Minute
	DefaultRunLease   = 10 * time.Minute
)

func (r Runner) Run(ctx context.Context) error {
	if r.Store == nil {
		return errors.New("store is nil")
	}
	r = r.withDefaults()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	loop := func(tick func(context.Context) error) {
		defer wg.Done()
		errs <- r.poll(ctx, tick)
	}
	if r.Events != nil {
		wg.Add(1)
		go loop(r.tickEvents)
	}
	if r.Runs != nil {
		wg.Add(1)
		go loop(r.tickRuns)
	}
	if r.Events == nil && r.Runs == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	wg.Wait()
	close(errs)

	var first error
	for err := range errs {
		if first == nil || errors.Is(first, context.Canceled) {
			first = err
		}
	}
	return first
}

func (r Runner) withDefaults() Runner {
	if r.PollEvery <= 0 {
		r.PollEvery = 500 * time.Millisecond
	}
	if r.MaxPerClaim <= 0 {
		r.MaxPerClaim = 10
	}
	if r.Concurrency <= 0 {
		r.Concurrency = 4
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.EventLease <= 0 {
		r.EventLease = DefaultEventLease
	}
	if r.RunLease <= 0 {
		r.RunLease = DefaultRunLease
	}
	r.Log = logging.OrDiscard(r.Log)
	return r
}

func (r Runner) poll(ctx context.Context, tick func(context.Context) error) error {
	ticker := time.NewTicker(r.PollEvery)
	defer ticker.Stop()

	// one immediate pass
	if err := tick(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				r.Log.WithError(err).Warn("worker tick failed")
			}
		}
	}
}

// tickEvents claims a batch and applies it. Events for the same entity run in
// claim order on one goroutine; distinct entities run concurrently.
func (r Runner) tickEvents(ctx context.Context) error {
	claims, err := r.Store.ClaimEvents(ctx, r.MaxPerClaim, time.Now().UTC().Add(-r.EventLease))
	if err != nil {
		return err
	}
	if len(claims) == 0 {
		return nil
	}

	var (
		order  []string
		groups = map[string][]state.EventRecord{}
	)
	for _, c := range claims {
		k := fmt.Sprintf("%s/%d", c.Event.Site, c.Event.EntityID)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}

	sem := make(chan struct{}, r.Concurrency)
	var wg sync.WaitGroup
	for _, k := range order {
		group := groups[k]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			for _, rec := range group {
				r.processEvent(ctx, rec)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (r Runner) processEvent(ctx context.Context, rec state.EventRecord) {
	ev := rec.Event
	log := r.Log.WithFields(logrus.Fields{
		"event_id":    ev.ID,
		"delivery_id": ev.DeliveryID,
		"site":        ev.Site,
		"entity_id":   ev.EntityID,
		"topic":       ev.Topic,
	})

	// Reclaimed after its worker died too often; stop redelivering it.
	if rec.Attempts > r.MaxAttempts {
		log.WithField("attempt", rec.Attempts).Error("event abandoned")
		if err := r.Store.FinishEvent(context.WithoutCancel(ctx), ev.ID, state.EventFailed, "abandoned: lease expired too often"); err != nil {
			log.WithError(err).Error("failed to finish event")
		}
		return
	}

	res, err := r.Events.Execute(WithEventID(ctx, ev.ID), ev)
	status, msg := state.EventDone, string(res.Action)
	switch {
	case err == nil:
		log.WithFields(logrus.Fields{
			"canonical_key": res.Key,
			"action":        res.Action,
			"changes":       res.Changes.String(),
		}).Info("event applied")
	case errors.Is(err, execute.ErrEventSkipped):
		status, msg = state.EventSkipped, err.Error()
		log.WithField("reason", err.Error()).Info("event skipped")
	case ctx.Err() != nil:
		// Shutting down; leave the event for the next claim.
		status, msg = state.EventQueued, "interrupted"
	case rec.Attempts < r.MaxAttempts:
		status, msg = state.EventQueued, err.Error()
		log.WithError(err).WithField("attempt", rec.Attempts).Warn("event failed; requeued")
	default:
		status, msg = state.EventFailed, err.Error()
		log.WithError(err).WithField("attempt", rec.Attempts).Error("event failed")
	}

	if err := r.Store.FinishEvent(context.WithoutCancel(ctx), ev.ID, status, msg); err != nil {
		log.WithError(err).Error("failed to finish event")
	}
}

// tickRuns fails abandoned runs, then claims queued differ runs one at a time.
func (r Runner) tickRuns(ctx context.Context) error {
	if _, err := ReapAbandonedRuns(ctx, r.Store, r.RunLease, r.Log); err != nil {
		return err
	}
	for ctx.Err() == nil {
		claims, err := r.Store.ClaimRuns(ctx, 1)
		if err != nil {
			return err
		}
		if len(claims) == 0 {
			return nil
		}
		r.processRun(ctx, claims[0])
	}
	return nil
}

func (r Runner) processRun(ctx context.Context, rec state.RunRecord) {
	log := r.Log.WithFields(logrus.Fields{"run_id": rec.RunID, "site": rec.Site, "trigger": rec.Trigger})
	log.Info("run claimed")

	_, err := r.Runs.Run(WithRunID(ctx, rec.RunID), differ.Options{
		RunID:         rec.RunID,
		Site:          rec.Site,
		ModifiedAfter: rec.ModifiedAfter,
		DryRun:        rec.DryRun,
	})
	if err == nil {
		return
	}
	log.WithError(err).Warn("run ended with error")

	// The differ records its own terminal status; this covers failures
	// before it could.
	bg := context.WithoutCancel(ctx)
	cur, ok, gerr := r.Store.GetRun(bg, rec.RunID)
	if gerr != nil || !ok || cur.Status.Terminal() {
		return
	}
	cur.Status = domain.RunStatusFailed
	cur.Message = err.Error()
	cur.FinishedAt = time.Now().UTC()
	if uerr := r.Store.UpdateRun(bg, cur); uerr != nil {
		log.WithError(uerr).Error("failed to mark run failed")
	}
}
