package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
	SyncStatusDeleted SyncStatus = "deleted"
)

type CanonicalProduct struct {
	Key    string       `json:"canonical_key"`
	Shared SharedFields `json:"shared"`
	Sites  SiteEntries  `json:"sites"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SharedFields are written only from the canonical site.
type SharedFields struct {
	Name       string     `json:"name,omitempty"`
	Slug       string     `json:"slug,omitempty"`
	Images     []string   `json:"images,omitempty"`
	Categories []string   `json:"categories,omitempty"`
	Attributes Attributes `json:"attributes"`
}

type Attributes struct {
	Team    string   `json:"team,omitempty"`
	Season  string   `json:"season,omitempty"`
	Type    string   `json:"type,omitempty"`
	Version string   `json:"version,omitempty"`
	Gender  string   `json:"gender,omitempty"`
	Sleeve  string   `json:"sleeve,omitempty"`
	Events  []string `json:"events,omitempty"`
}

func (a Attributes) IsZero() bool {
	return a.Team == "" && a.Season == "" && a.Type == "" && a.Version == "" &&
		a.Gender == "" && a.Sleeve == "" && len(a.Events) == 0
}

type Content struct {
	Name             string `json:"name,omitempty"`
	Description      string `json:"description,omitempty"`
	ShortDescription string `json:"short_description,omitempty"`
}

// SiteEntry is owned by a single site. ID is positive or zero (absent).
type SiteEntry struct {
	ID           int64  `json:"id,omitempty"`
	PublishedKey string `json:"published_key,omitempty"`

	Price         decimal.Decimal `json:"price"`
	ListPrice     decimal.Decimal `json:"list_price"`
	StockQuantity *int            `json:"stock_quantity,omitempty"`
	StockStatus   string          `json:"stock_status,omitempty"`
	Status        string          `json:"status,omitempty"`
	ModifiedAt    time.Time       `json:"modified_at"`
	Content       Content         `json:"content"`
	Variations    []Variation     `json:"variations,omitempty"`

	SyncStatus SyncStatus `json:"sync_status"`
	SyncError  string     `json:"sync_error,omitempty"`
	SyncedAt   time.Time  `json:"synced_at"`
}

type Variation struct {
	ID            int64             `json:"id"`
	SKU           string            `json:"sku,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	RegularPrice  decimal.Decimal   `json:"regular_price"`
	SalePrice     decimal.Decimal   `json:"sale_price"`
	StockQuantity *int              `json:"stock_quantity,omitempty"`
	StockStatus   string            `json:"stock_status,omitempty"`
}

// HasSiteReference reports whether any site still tracks the product.
func (p *CanonicalProduct) HasSiteReference() bool {
	found := false
	p.Sites.Each(func(_ Site, e *SiteEntry) {
		if e.ID > 0 {
			found = true
		}
	})
	return found
}

func (p *CanonicalProduct) SiteID(site Site) int64 {
	if e := p.Sites.Get(site); e != nil {
		return e.ID
	}
	return 0
}

func (p *CanonicalProduct) Clone() *CanonicalProduct {
	if p == nil {
		return nil
	}
	out := *p
	out.Shared.Images = append([]string(nil), p.Shared.Images...)
	out.Shared.Categories = append([]string(nil), p.Shared.Categories...)
	out.Shared.Attributes.Events = append([]string(nil), p.Shared.Attributes.Events...)
	out.Sites = SiteEntries{}
	p.Sites.Each(func(site Site, e *SiteEntry) {
		out.Sites.Set(site, e.Clone())
	})
	return &out
}

func (e *SiteEntry) Clone() *SiteEntry {
	if e == nil {
		return nil
	}
	out := *e
	if e.StockQuantity != nil {
		q := *e.StockQuantity
		out.StockQuantity = &q
	}
	if e.Variations != nil {
		out.Variations = make([]Variation, len(e.Variations))
		for i, v := range e.Variations {
			out.Variations[i] = v.Clone()
		}
	}
	return &out
}

func (v Variation) Clone() Variation {
	out := v
	if v.Attributes != nil {
		out.Attributes = make(map[string]string, len(v.Attributes))
		for k, val := range v.Attributes {
			out.Attributes[k] = val
		}
	}
	if v.StockQuantity != nil {
		q := *v.StockQuantity
		out.StockQuantity = &q
	}
	return out
}
