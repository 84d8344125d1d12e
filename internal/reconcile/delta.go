package reconcile

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/upstream"
)

// SiteDelta is one site's view of a product. Shared is only honoured for
// the canonical site.
type SiteDelta struct {
	Site   domain.Site
	Entry  domain.SiteEntry
	Shared *domain.SharedFields

	// RequireExisting makes Merge fail with ErrProductNotFound instead of
	// creating a record.
	RequireExisting bool
}

// DeltaFromEntity converts an upstream entity, plus its variations when
// they were fetched, into a delta for site. A nil variations slice on a
// variable product means "not fetched" and leaves stored variations alone.
func DeltaFromEntity(site domain.Site, e upstream.Entity, variations []upstream.Entity) SiteDelta {
	price, list := resolvePrices(e.SalePrice, e.Price, e.RegularPrice)

	entry := domain.SiteEntry{
		ID:            e.ID,
		Price:         price,
		ListPrice:     list,
		StockQuantity: e.StockQuantity,
		StockStatus:   orDefault(e.StockStatus, "instock"),
		Status:        orDefault(e.Status, "publish"),
		ModifiedAt:    e.ModifiedAt(),
		Content: domain.Content{
			Name:             strings.TrimSpace(e.Name),
			Description:      strings.TrimSpace(e.Description),
			ShortDescription: strings.TrimSpace(e.ShortDescription),
		},
	}

	switch {
	case variations != nil:
		entry.Variations = make([]domain.Variation, 0, len(variations))
		for _, v := range variations {
			entry.Variations = append(entry.Variations, VariationFromEntity(v))
		}
		sortVariations(entry.Variations)
	case !e.IsVariable():
		entry.Variations = []domain.Variation{}
	}

	d := SiteDelta{Site: site, Entry: entry}
	if site.IsCanonical() {
		d.Shared = sharedFromEntity(e)
	}
	return d
}

func VariationFromEntity(e upstream.Entity) domain.Variation {
	v := domain.Variation{
		ID:            e.ID,
		SKU:           strings.TrimSpace(e.SKU),
		RegularPrice:  parsePrice(e.RegularPrice),
		SalePrice:     parsePrice(e.SalePrice),
		StockQuantity: e.StockQuantity,
		StockStatus:   orDefault(e.StockStatus, "instock"),
	}
	if len(e.Attributes) > 0 {
		v.Attributes = make(map[string]string, len(e.Attributes))
		for _, a := range e.Attributes {
			name := strings.ToLower(strings.TrimSpace(a.Name))
			if name == "" {
				continue
			}
			opt := a.Option
			if opt == "" && len(a.Options) > 0 {
				opt = a.Options[0]
			}
			v.Attributes[name] = opt
		}
	}
	return v
}

// resolvePrices picks the effective price (sale, else current, else regular)
// and the list price (regular, else current).
func resolvePrices(sale, current, regular string) (price, list decimal.Decimal) {
	s, c, r := parsePrice(sale), parsePrice(current), parsePrice(regular)
	switch {
	case s.IsPositive():
		price = s
	case c.IsPositive():
		price = c
	default:
		price = r
	}
	if r.IsPositive() {
		list = r
	} else {
		list = c
	}
	return price, list
}

func parsePrice(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func sharedFromEntity(e upstream.Entity) *domain.SharedFields {
	sf := &domain.SharedFields{
		Name: strings.TrimSpace(e.Name),
		Slug: strings.TrimSpace(e.Slug),
	}
	for _, img := range e.Images {
		if src := strings.TrimSpace(img.Src); src != "" {
			sf.Images = append(sf.Images, src)
		}
	}
	for _, c := range e.Categories {
		if name := strings.TrimSpace(c.Name); name != "" {
			sf.Categories = append(sf.Categories, name)
		}
	}
	sf.Attributes = attributesFromEntity(e.Attributes)
	return sf
}

func attributesFromEntity(attrs []upstream.Attribute) domain.Attributes {
	var out domain.Attributes
	for _, a := range attrs {
		values := a.Options
		if len(values) == 0 && a.Option != "" {
			values = []string{a.Option}
		}
		if len(values) == 0 {
			continue
		}
		first := strings.TrimSpace(values[0])

		switch normalizeAttrName(a.Name) {
		case "team", "club":
			out.Team = first
		case "season":
			out.Season = first
		case "jerseytype", "type", "kit":
			out.Type = first
		case "style", "version":
			out.Version = first
		case "genderage", "gender", "audience":
			out.Gender = first
		case "sleevelength", "sleeve":
			out.Sleeve = first
		case "event", "events":
			for _, v := range values {
				if v = strings.TrimSpace(v); v != "" {
					out.Events = append(out.Events, v)
				}
			}
		}
	}
	return out
}

func normalizeAttrName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "pa_")
	return strings.NewReplacer(" ", "", "_", "", "-", "", "/", "").Replace(name)
}

func sortVariations(vs []domain.Variation) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].ID < vs[j].ID })
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
