package domain

import (
	"fmt"
	"strings"
)

// Site is one of the four storefronts. The set is closed.
type Site string

const (
	SiteCOM Site = "com"
	SiteUK  Site = "uk"
	SiteDE  Site = "de"
	SiteFR  Site = "fr"
)

// CanonicalSite is authoritative for shared fields.
const CanonicalSite = SiteCOM

var AllSites = []Site{SiteCOM, SiteUK, SiteDE, SiteFR}

func ParseSite(s string) (Site, error) {
	switch Site(strings.ToLower(strings.TrimSpace(s))) {
	case SiteCOM:
		return SiteCOM, nil
	case SiteUK:
		return SiteUK, nil
	case SiteDE:
		return SiteDE, nil
	case SiteFR:
		return SiteFR, nil
	default:
		return "", fmt.Errorf("unknown site %q", s)
	}
}

func (s Site) IsCanonical() bool { return s == CanonicalSite }

func (s Site) Valid() bool {
	_, err := ParseSite(string(s))
	return err == nil
}

// SiteEntries holds one optional entry per site.
type SiteEntries struct {
	COM *SiteEntry `json:"com,omitempty"`
	UK  *SiteEntry `json:"uk,omitempty"`
	DE  *SiteEntry `json:"de,omitempty"`
	FR  *SiteEntry `json:"fr,omitempty"`
}

func (s *SiteEntries) Get(site Site) *SiteEntry {
	switch site {
	case SiteCOM:
		return s.COM
	case SiteUK:
		return s.UK
	case SiteDE:
		return s.DE
	case SiteFR:
		return s.FR
	}
	return nil
}

func (s *SiteEntries) Set(site Site, e *SiteEntry) {
	switch site {
	case SiteCOM:
		s.COM = e
	case SiteUK:
		s.UK = e
	case SiteDE:
		s.DE = e
	case SiteFR:
		s.FR = e
	}
}

// Each visits present entries in AllSites order.
func (s *SiteEntries) Each(fn func(Site, *SiteEntry)) {
	for _, site := range AllSites {
		if e := s.Get(site); e != nil {
			fn(site, e)
		}
	}
}
