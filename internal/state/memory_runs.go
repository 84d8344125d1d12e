package state

import (
	"context"
	"sort"
	"time"

	"github.com/ETAnderson/catalogsync/internal/domain"
)

func (s *MemoryStore) InsertRun(ctx context.Context, run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.runs[run.RunID]; dup {
		return ErrDuplicateRun
	}
	if run.Status.Active() {
		for _, r := range s.runs {
			if r.Site == run.Site && r.Status.Active() {
				return ErrRunActive
			}
		}
	}

	now := s.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.Status == domain.RunStatusProcessing {
		run.HeartbeatAt = now
	}
	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	return r, ok, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit <= 0 || limit > len(out) {
		return out, nil
	}
	return out[:limit], nil
}

func (s *MemoryStore) ClaimRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	_ = ctx

	if limit <= 0 {
		limit = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []RunRecord
	for _, r := range s.runs {
		if r.Status == domain.RunStatusQueued {
			candidates = append(candidates, r)
		}
	}

	// Oldest first
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := s.now()
	for i := range candidates {
		candidates[i].Status = domain.RunStatusProcessing
		candidates[i].StartedAt = now
		candidates[i].HeartbeatAt = now
		s.runs[candidates[i].RunID] = candidates[i]
	}
	return candidates, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.runs[run.RunID]
	if !ok {
		return nil
	}
	run.CancelRequested = cur.CancelRequested
	run.CreatedAt = cur.CreatedAt
	run.HeartbeatAt = cur.HeartbeatAt
	if run.Status == domain.RunStatusProcessing {
		run.HeartbeatAt = s.now()
	}
	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) TouchRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok || r.Status != domain.RunStatusProcessing {
		return nil
	}
	r.HeartbeatAt = s.now()
	s.runs[runID] = r
	return nil
}

func (s *MemoryStore) ReapRuns(ctx context.Context, staleBefore time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	now := s.now()
	for id, r := range s.runs {
		if r.Status != domain.RunStatusProcessing || !r.LastBeat().Before(staleBefore) {
			continue
		}
		r.Status = domain.RunStatusFailed
		r.Message = abandonedMessage
		r.FinishedAt = now
		s.runs[id] = r
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) RequestRunCancel(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok || r.Status.Terminal() {
		return false, nil
	}
	r.CancelRequested = true
	if r.Status == domain.RunStatusQueued {
		r.Status = domain.RunStatusCancelled
		r.FinishedAt = s.now()
	}
	s.runs[runID] = r
	return true, nil
}

func (s *MemoryStore) RunCancelRequested(ctx context.Context, runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.runs[runID].CancelRequested, nil
}

func (s *MemoryStore) InsertRunItems(ctx context.Context, runID string, items []RunItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range items {
		it.RunID = runID
		if it.CreatedAt.IsZero() {
			it.CreatedAt = s.now()
		}
		s.runItems[runID] = append(s.runItems[runID], it)
	}
	return nil
}

func (s *MemoryStore) ListRunItems(ctx context.Context, runID string, limit int) ([]RunItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.runItems[runID]
	out := make([]RunItem, len(items))
	copy(out, items)

	// stable ordering for predictability
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SiteID < out[j].SiteID
	})

	if limit <= 0 || limit > len(out) {
		return out, nil
	}
	return out[:limit], nil
}

func (s *MemoryStore) UpsertRunSiteResult(ctx context.Context, res RunSiteResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.runSites[res.RunID]
	if !ok {
		m = make(map[domain.Site]RunSiteResult)
		s.runSites[res.RunID] = m
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = s.now()
	}
	m[res.Site] = res
	return nil
}

func (s *MemoryStore) ListRunSiteResults(ctx context.Context, runID string) ([]RunSiteResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RunSiteResult, 0, len(s.runSites[runID]))
	for _, site := range domain.AllSites {
		if r, ok := s.runSites[runID][site]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}
