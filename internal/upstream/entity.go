package upstream

import (
	"strings"
	"time"
)

// Entity is a storefront product or variation as returned by the REST API.
type Entity struct {
	ID               int64       `json:"id"`
	ParentID         int64       `json:"parent_id"`
	Name             string      `json:"name"`
	Slug             string      `json:"slug"`
	SKU              string      `json:"sku"`
	Type             string      `json:"type"`
	Status           string      `json:"status"`
	Price            string      `json:"price"`
	RegularPrice     string      `json:"regular_price"`
	SalePrice        string      `json:"sale_price"`
	StockQuantity    *int        `json:"stock_quantity"`
	StockStatus      string      `json:"stock_status"`
	Description      string      `json:"description"`
	ShortDescription string      `json:"short_description"`
	DateModifiedGMT  string      `json:"date_modified_gmt"`
	Images           []Image     `json:"images"`
	Categories       []Category  `json:"categories"`
	Attributes       []Attribute `json:"attributes"`
	Variations       []int64     `json:"variations"`
}

type Image struct {
	Src string `json:"src"`
}

type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Attribute carries Options on products and Option on variations.
type Attribute struct {
	Name    string   `json:"name"`
	Option  string   `json:"option,omitempty"`
	Options []string `json:"options,omitempty"`
}

func (e Entity) IsVariable() bool { return e.Type == "variable" }

func (e Entity) IsVariation() bool { return e.Type == "variation" || e.ParentID > 0 }

// ModifiedAt parses date_modified_gmt; zero when absent or malformed.
func (e Entity) ModifiedAt() time.Time {
	s := strings.TrimSpace(e.DateModifiedGMT)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02T15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// ListFilter narrows a catalog listing page.
type ListFilter struct {
	PageSize      int
	Status        string
	OrderBy       string
	Order         string
	ModifiedAfter time.Time
}

func (f ListFilter) withDefaults() ListFilter {
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 100
	}
	if f.Status == "" {
		f.Status = "publish"
	}
	if f.OrderBy == "" {
		f.OrderBy = "id"
	}
	if f.Order == "" {
		f.Order = "asc"
	}
	return f
}
