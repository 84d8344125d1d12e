package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSite(t *testing.T) {
	s, err := ParseSite(" UK ")
	require.NoError(t, err)
	assert.Equal(t, SiteUK, s)

	_, err = ParseSite("es")
	require.Error(t, err)
	assert.True(t, SiteCOM.IsCanonical())
	assert.False(t, SiteFR.IsCanonical())
}

func TestSiteEntries_GetSetEach(t *testing.T) {
	var entries SiteEntries
	entries.Set(SiteDE, &SiteEntry{ID: 7})
	entries.Set(SiteCOM, &SiteEntry{ID: 3})

	require.NotNil(t, entries.Get(SiteDE))
	assert.Nil(t, entries.Get(SiteUK))

	var visited []Site
	entries.Each(func(site Site, _ *SiteEntry) { visited = append(visited, site) })
	assert.Equal(t, []Site{SiteCOM, SiteDE}, visited)
}

func TestCanonicalProduct_CloneIsDeep(t *testing.T) {
	qty := 4
	p := &CanonicalProduct{
		Key:    "EXA-2425-HOM-STD-501",
		Shared: SharedFields{Images: []string{"a.jpg"}},
	}
	p.Sites.Set(SiteUK, &SiteEntry{
		ID:            9,
		Price:         decimal.RequireFromString("29.99"),
		StockQuantity: &qty,
		Variations:    []Variation{{ID: 1, Attributes: map[string]string{"size": "M"}}},
	})

	c := p.Clone()
	c.Shared.Images[0] = "b.jpg"
	*c.Sites.UK.StockQuantity = 1
	c.Sites.UK.Variations[0].Attributes["size"] = "L"

	assert.Equal(t, "a.jpg", p.Shared.Images[0])
	assert.Equal(t, 4, *p.Sites.UK.StockQuantity)
	assert.Equal(t, "M", p.Sites.UK.Variations[0].Attributes["size"])
}

func TestCanonicalProduct_HasSiteReference(t *testing.T) {
	p := &CanonicalProduct{Key: "k"}
	assert.False(t, p.HasSiteReference())

	p.Sites.Set(SiteFR, &SiteEntry{SyncStatus: SyncStatusDeleted})
	assert.False(t, p.HasSiteReference())

	p.Sites.Set(SiteUK, &SiteEntry{ID: 12})
	assert.True(t, p.HasSiteReference())
	assert.Equal(t, int64(12), p.SiteID(SiteUK))
}
