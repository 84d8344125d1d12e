package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/state"
	"github.com/ETAnderson/catalogsync/internal/upstream"
)

func persist(t *testing.T, st *state.MemoryStore, key string, site domain.Site, id int64) {
	t.Helper()
	require.NoError(t, st.MutateProduct(context.Background(), key, func(cur *domain.CanonicalProduct) (*domain.CanonicalProduct, error) {
		if cur == nil {
			cur = &domain.CanonicalProduct{Key: key}
		}
		cur.Sites.Set(site, &domain.SiteEntry{ID: id, SyncStatus: domain.SyncStatusSynced})
		return cur, nil
	}))
}

func TestResolver_StickyAcrossRenames(t *testing.T) {
	st := state.NewMemoryStore()
	r := NewResolver(st, nil)
	ctx := context.Background()

	res, err := r.Resolve(ctx, domain.SiteCOM, upstream.Entity{ID: 501, Name: "Example United Home 2024/25"})
	require.NoError(t, err)
	assert.Equal(t, "EXA-2425-HOM-STD-501", res.Key)
	assert.Equal(t, SourceDerived, res.Source)

	persist(t, st, res.Key, domain.SiteCOM, 501)
	r.Release(res.Key)

	again, err := r.Resolve(ctx, domain.SiteCOM, upstream.Entity{ID: 501, Name: "Totally Different Away 1999"})
	require.NoError(t, err)
	assert.Equal(t, "EXA-2425-HOM-STD-501", again.Key)
	assert.Equal(t, SourceStored, again.Source)
}

func TestResolver_DeclaredKey(t *testing.T) {
	r := NewResolver(state.NewMemoryStore(), nil)

	res, err := r.Resolve(context.Background(), domain.SiteUK, upstream.Entity{ID: 9, SKU: " EXA-2425-HOM-STD-501 "})
	require.NoError(t, err)
	assert.Equal(t, "EXA-2425-HOM-STD-501", res.Key)
	assert.Equal(t, SourceDeclared, res.Source)
}

func TestResolver_NonCanonicalWithoutKeyIsSkipped(t *testing.T) {
	r := NewResolver(state.NewMemoryStore(), nil)

	_, err := r.Resolve(context.Background(), domain.SiteDE, upstream.Entity{ID: 9, Name: "Example United Home 2024/25"})
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestResolver_PendingCollisionIsFlagged(t *testing.T) {
	st := state.NewMemoryStore()
	r := NewResolver(st, nil)
	ctx := context.Background()

	_, err := r.Resolve(ctx, domain.SiteCOM, upstream.Entity{ID: 1, SKU: "DUP-KEY"})
	require.NoError(t, err)

	_, err = r.Resolve(ctx, domain.SiteCOM, upstream.Entity{ID: 2, SKU: "DUP-KEY"})
	var cerr *CollisionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, int64(1), cerr.ConflictsID)

	flags, err := st.ListReviewFlags(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "DUP-KEY", flags[0].CanonicalKey)
	assert.Equal(t, int64(2), flags[0].SiteID)
}

func TestResolver_StoredCollisionIsFlagged(t *testing.T) {
	st := state.NewMemoryStore()
	persist(t, st, "DUP-KEY", domain.SiteCOM, 1)
	r := NewResolver(st, nil)

	_, err := r.Resolve(context.Background(), domain.SiteCOM, upstream.Entity{ID: 2, SKU: "DUP-KEY"})
	var cerr *CollisionError
	require.ErrorAs(t, err, &cerr)
}

func TestResolver_SameIDReclaimIsNotACollision(t *testing.T) {
	r := NewResolver(state.NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := r.Resolve(ctx, domain.SiteCOM, upstream.Entity{ID: 1, SKU: "K"})
	require.NoError(t, err)
	_, err = r.Resolve(ctx, domain.SiteCOM, upstream.Entity{ID: 1, SKU: "K"})
	require.NoError(t, err)

	// another site may share the key
	_, err = r.Resolve(ctx, domain.SiteUK, upstream.Entity{ID: 2, SKU: "K"})
	require.NoError(t, err)
}
