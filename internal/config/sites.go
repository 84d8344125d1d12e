package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ETAnderson/catalogsync/internal/domain"
)

// SiteConfig is one storefront's connection settings.
type SiteConfig struct {
	BaseURL       string `yaml:"base_url"`
	ConsumerKey   string `yaml:"-"`
	ConsumerSec   string `yaml:"-"`
	WebhookSecret string `yaml:"-"`
}

func (s SiteConfig) HasCredentials() bool {
	return s.ConsumerKey != "" && s.ConsumerSec != ""
}

type Sites map[domain.Site]SiteConfig

type sitesFile struct {
	Sites map[string]struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"sites"`
}

// LoadSites reads base URLs from path (when set) or WOO_<SITE>_URL, then
// attaches credentials from WOO_<SITE>_KEY / WOO_<SITE>_SECRET.
func LoadSites(path string) (Sites, error) {
	out := Sites{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open sites file: %w", err)
		}
		defer f.Close()

		var doc sitesFile
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode sites file: %w", err)
		}
		for name, sc := range doc.Sites {
			site, err := domain.ParseSite(name)
			if err != nil {
				return nil, fmt.Errorf("sites file: %w", err)
			}
			out[site] = SiteConfig{BaseURL: sc.BaseURL}
		}
	}

	for _, site := range domain.AllSites {
		sc := out[site]
		prefix := "WOO_" + strings.ToUpper(string(site)) + "_"
		if sc.BaseURL == "" {
			sc.BaseURL = os.Getenv(prefix + "URL")
		}
		sc.BaseURL = strings.TrimRight(sc.BaseURL, "/")
		sc.ConsumerKey = os.Getenv(prefix + "KEY")
		sc.ConsumerSec = os.Getenv(prefix + "SECRET")
		sc.WebhookSecret = os.Getenv(prefix + "WEBHOOK_SECRET")
		if sc.BaseURL != "" {
			out[site] = sc
		}
	}
	return out, nil
}

// SiteForSource matches a notification's declared source URL to a site by host.
func (s Sites) SiteForSource(source string) (domain.Site, bool) {
	host := hostOf(source)
	if host == "" {
		return "", false
	}
	for _, site := range domain.AllSites {
		sc, ok := s[site]
		if ok && hostOf(sc.BaseURL) == host {
			return site, true
		}
	}
	return "", false
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
