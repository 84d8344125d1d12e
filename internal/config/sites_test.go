package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETAnderson/catalogsync/internal/domain"
)

func TestLoadSites_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sites:
  com:
    base_url: https://shop.example.com/
  uk:
    base_url: https://shop.example.co.uk
`), 0o600))

	t.Setenv("WOO_COM_KEY", "ck_com")
	t.Setenv("WOO_COM_SECRET", "cs_com")
	t.Setenv("WOO_FR_URL", "https://shop.example.fr")

	sites, err := LoadSites(path)
	require.NoError(t, err)

	assert.Equal(t, "https://shop.example.com", sites[domain.SiteCOM].BaseURL)
	assert.True(t, sites[domain.SiteCOM].HasCredentials())
	assert.False(t, sites[domain.SiteUK].HasCredentials())
	assert.Equal(t, "https://shop.example.fr", sites[domain.SiteFR].BaseURL)
	_, ok := sites[domain.SiteDE]
	assert.False(t, ok)
}

func TestLoadSites_RejectsUnknownSite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sites:\n  es:\n    base_url: https://x\n"), 0o600))

	_, err := LoadSites(path)
	require.Error(t, err)
}

func TestSites_SiteForSource(t *testing.T) {
	sites := Sites{
		domain.SiteCOM: {BaseURL: "https://shop.example.com"},
		domain.SiteUK:  {BaseURL: "https://www.shop.example.co.uk"},
	}

	site, ok := sites.SiteForSource("https://shop.example.co.uk/")
	require.True(t, ok)
	assert.Equal(t, domain.SiteUK, site)

	site, ok = sites.SiteForSource("shop.example.com")
	require.True(t, ok)
	assert.Equal(t, domain.SiteCOM, site)

	_, ok = sites.SiteForSource("https://elsewhere.test")
	assert.False(t, ok)
	_, ok = sites.SiteForSource("")
	assert.False(t, ok)
}
