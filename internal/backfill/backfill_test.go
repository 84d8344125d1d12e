package backfill

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/upstream"
)

type fakeWriter struct {
	mu       sync.Mutex
	calls    map[int64]int
	failN    map[int64]int
	inFlight int32
	peak     int32
}

func (f *fakeWriter) UpdateEntityKey(_ context.Context, site domain.Site, id int64, _ string) error {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if f.calls[id] <= f.failN[id] {
		return &upstream.Error{Site: site, Op: "update_key", StatusCode: 503, Kind: upstream.KindTransient, Reason: "server_error"}
	}
	if f.failN[id] < 0 {
		return &upstream.Error{Site: site, Op: "update_key", StatusCode: 403, Kind: upstream.KindPermanent, Reason: "auth_rejected"}
	}
	return nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeRecorder) SetPublishedKey(_ context.Context, key string, site domain.Site) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, string(site)+":"+key)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestBackfiller_RetriesTransientAndCountsPerSite(t *testing.T) {
	w := &fakeWriter{calls: map[int64]int{}, failN: map[int64]int{1: 2, 3: -1}}
	rec := &fakeRecorder{}
	b := New(w, rec, 2, nil)
	b.Policy.Sleep = noSleep

	results := b.Run(context.Background(), []Target{
		{Key: "A", Site: domain.SiteUK, SiteID: 1},
		{Key: "B", Site: domain.SiteUK, SiteID: 2},
		{Key: "C", Site: domain.SiteDE, SiteID: 3},
	})

	require.Len(t, results, 2)
	assert.Equal(t, domain.SiteUK, results[0].Site)
	assert.Equal(t, 2, results[0].OkCount)
	assert.Equal(t, 0, results[0].ErrCount)
	assert.Equal(t, domain.SiteDE, results[1].Site)
	assert.Equal(t, 1, results[1].ErrCount)

	assert.Equal(t, 3, w.calls[1])
	assert.Equal(t, 1, w.calls[3], "permanent errors are not retried")
	assert.ElementsMatch(t, []string{"uk:A", "uk:B"}, rec.keys)

	rows := SiteResults("run_1", results)
	require.Len(t, rows, 2)
	assert.Equal(t, "run_1", rows[0].RunID)
}

func TestBackfiller_BoundsConcurrencyPerSite(t *testing.T) {
	w := &fakeWriter{calls: map[int64]int{}, failN: map[int64]int{}}
	b := New(w, nil, 2, nil)

	var targets []Target
	for i := int64(1); i <= 10; i++ {
		targets = append(targets, Target{Key: "K", Site: domain.SiteFR, SiteID: i})
	}
	results := b.Run(context.Background(), targets)

	require.Len(t, results, 1)
	assert.Equal(t, 10, results[0].OkCount)
	assert.LessOrEqual(t, atomic.LoadInt32(&w.peak), int32(2))
}

func TestBackfiller_CancelledContext(t *testing.T) {
	w := &fakeWriter{calls: map[int64]int{}, failN: map[int64]int{}}
	b := New(w, nil, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := b.Run(ctx, []Target{{Key: "K", Site: domain.SiteUK, SiteID: 1}, {Key: "L", Site: domain.SiteUK, SiteID: 2}})
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].OkCount)
	assert.Equal(t, 2, results[0].ErrCount)
}

func TestTargets(t *testing.T) {
	p := domain.CanonicalProduct{Key: "K"}
	p.Sites.Set(domain.SiteCOM, &domain.SiteEntry{ID: 1, PublishedKey: "K"})
	p.Sites.Set(domain.SiteUK, &domain.SiteEntry{ID: 2})
	p.Sites.Set(domain.SiteDE, &domain.SiteEntry{ID: 3, PublishedKey: "OLD"})
	p.Sites.Set(domain.SiteFR, &domain.SiteEntry{SyncStatus: domain.SyncStatusDeleted})

	got := Targets(p, domain.AllSites)
	assert.Equal(t, []Target{{Key: "K", Site: domain.SiteUK, SiteID: 2}, {Key: "K", Site: domain.SiteDE, SiteID: 3}}, got)
	assert.Empty(t, Targets(p, []domain.Site{domain.SiteCOM}))
}
