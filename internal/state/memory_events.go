package state

import (
	"context"
	"sort"
	"time"

	"github.com/ETAnderson/catalogsync/internal/domain"
)

func deliveryKey(site domain.Site, deliveryID string) string {
	return string(site) + "|" + deliveryID
}

func (s *MemoryStore) EnqueueEvent(ctx context.Context, ev domain.ReconciliationEvent) (bool, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	dk := deliveryKey(ev.Site, ev.DeliveryID)
	if _, dup := s.deliveries[dk]; dup {
		return false, nil
	}
	if _, dup := s.events[ev.ID]; dup {
		return false, nil
	}

	now := s.now()
	s.deliveries[dk] = ev.ID
	s.events[ev.ID] = EventRecord{
		Event:     ev,
		Status:    EventQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

func (s *MemoryStore) ClaimEvents(ctx context.Context, limit int, staleBefore time.Time) ([]EventRecord, error) {
	_ = ctx

	if limit <= 0 {
		limit = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []EventRecord
	for _, r := range s.events {
		if r.Status == EventQueued || (r.Status == EventProcessing && r.UpdatedAt.Before(staleBefore)) {
			candidates = append(candidates, r)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].Event.ID < candidates[j].Event.ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := s.now()
	for i := range candidates {
		candidates[i].Status = EventProcessing
		candidates[i].Attempts++
		candidates[i].UpdatedAt = now
		s.events[candidates[i].Event.ID] = candidates[i]
	}
	return candidates, nil
}

func (s *MemoryStore) FinishEvent(ctx context.Context, eventID string, status EventStatus, message string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.events[eventID]
	if !ok {
		return nil
	}
	r.Status = status
	r.LastError = message
	r.UpdatedAt = s.now()
	s.events[eventID] = r
	return nil
}
