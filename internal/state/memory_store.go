package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ETAnderson/catalogsync/internal/domain"
)

type MemoryStore struct {
	mu sync.RWMutex

	products  map[string]*domain.CanonicalProduct
	siteIndex map[domain.Site]map[int64]string // site -> site id -> canonical key

	events     map[string]EventRecord
	deliveries map[string]string // site|delivery -> event id

	runs     map[string]RunRecord
	runItems map[string][]RunItem
	runSites map[string]map[domain.Site]RunSiteResult

	flags []ReviewFlag

	idem map[string]map[string]map[string]IdempotencyRecord // subject -> endpoint -> keyhash -> record

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:   make(map[string]*domain.CanonicalProduct),
		siteIndex:  make(map[domain.Site]map[int64]string),
		events:     make(map[string]EventRecord),
		deliveries: make(map[string]string),
		runs:       make(map[string]RunRecord),
		runItems:   make(map[string][]RunItem),
		runSites:   make(map[string]map[domain.Site]RunSiteResult),
		idem:       make(map[string]map[string]map[string]IdempotencyRecord),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) GetProduct(ctx context.Context, key string) (domain.CanonicalProduct, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[key]
	if !ok {
		return domain.CanonicalProduct{}, false, nil
	}
	return *p.Clone(), true, nil
}

func (s *MemoryStore) GetProductBySiteID(ctx context.Context, site domain.Site, siteID int64) (domain.CanonicalProduct, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.siteIndex[site][siteID]
	if !ok {
		return domain.CanonicalProduct{}, false, nil
	}
	p, ok := s.products[key]
	if !ok {
		return domain.CanonicalProduct{}, false, nil
	}
	return *p.Clone(), true, nil
}

func (s *MemoryStore) ListProductsBySite(ctx context.Context, site domain.Site) ([]domain.CanonicalProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CanonicalProduct, 0, len(s.siteIndex[site]))
	for _, key := range s.siteIndex[site] {
		if p, ok := s.products[key]; ok {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) ListProducts(ctx context.Context, afterKey string, limit int) ([]domain.CanonicalProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.products))
	for k := range s.products {
		if k > afterKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]domain.CanonicalProduct, 0, len(keys))
	for _, k := range keys {
		out = append(out, *s.products[k].Clone())
	}
	return out, nil
}

func (s *MemoryStore) MutateProduct(ctx context.Context, key string, fn ProductMutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *domain.CanonicalProduct
	if p, ok := s.products[key]; ok {
		cur = p.Clone()
	}

	next, err := fn(cur)
	if errors.Is(err, ErrSkipWrite) {
		return nil
	}
	if err != nil {
		return err
	}

	if next == nil {
		s.deleteLocked(key)
		return nil
	}

	next = next.Clone()
	next.Key = key

	var conflict error
	next.Sites.Each(func(site domain.Site, e *domain.SiteEntry) {
		if e.ID <= 0 || conflict != nil {
			return
		}
		if owner, ok := s.siteIndex[site][e.ID]; ok && owner != key {
			conflict = fmt.Errorf("%w: %s/%d owned by %s", ErrSiteIDConflict, site, e.ID, owner)
		}
	})
	if conflict != nil {
		return conflict
	}

	s.unindexLocked(key)
	s.products[key] = next
	next.Sites.Each(func(site domain.Site, e *domain.SiteEntry) {
		if e.ID <= 0 {
			return
		}
		m, ok := s.siteIndex[site]
		if !ok {
			m = make(map[int64]string)
			s.siteIndex[site] = m
		}
		m[e.ID] = key
	})
	return nil
}

func (s *MemoryStore) DeleteProduct(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteLocked(key)
	return nil
}

func (s *MemoryStore) deleteLocked(key string) {
	s.unindexLocked(key)
	delete(s.products, key)
}

func (s *MemoryStore) unindexLocked(key string) {
	p, ok := s.products[key]
	if !ok {
		return
	}
	p.Sites.Each(func(site domain.Site, e *domain.SiteEntry) {
		if owner, ok := s.siteIndex[site][e.ID]; ok && owner == key {
			delete(s.siteIndex[site], e.ID)
		}
	})
}

func (s *MemoryStore) InsertReviewFlag(ctx context.Context, flag ReviewFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flags = append(s.flags, flag)
	return nil
}

func (s *MemoryStore) ListReviewFlags(ctx context.Context, limit int) ([]ReviewFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ReviewFlag, len(s.flags))
	copy(out, s.flags)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetIdempotency(ctx context.Context, subject string, endpoint string, idemKeyHash string) (IdempotencyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idem[subject][endpoint][idemKeyHash]
	if !ok {
		return IdempotencyRecord{}, false, nil
	}
	if s.now().After(rec.ExpiresAt) {
		return IdempotencyRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *MemoryStore) PutIdempotency(ctx context.Context, subject string, endpoint string, idemKeyHash string, rec IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	se, ok := s.idem[subject]
	if !ok {
		se = make(map[string]map[string]IdempotencyRecord)
		s.idem[subject] = se
	}
	ep, ok := se[endpoint]
	if !ok {
		ep = make(map[string]IdempotencyRecord)
		se[endpoint] = ep
	}
	ep[idemKeyHash] = rec
	return nil
}
