package reconcile

import (
	"github.com/ETAnderson/catalogsync/internal/domain"
)

// Compare returns the fields that differ between a and b. Either may be nil.
// Sync timestamps and error text are bookkeeping and never reported on their own.
func Compare(a, b *domain.CanonicalProduct) domain.Changes {
	var (
		sa, sb domain.SharedFields
		ea, eb domain.SiteEntries
	)
	if a != nil {
		sa, ea = a.Shared, a.Sites
	}
	if b != nil {
		sb, eb = b.Shared, b.Sites
	}

	var out domain.Changes
	shared := func(f domain.Field) { out = append(out, domain.ChangedField{Field: f}) }

	if sa.Name != sb.Name {
		shared(domain.FieldName)
	}
	if sa.Slug != sb.Slug {
		shared(domain.FieldSlug)
	}
	if !equalStrings(sa.Images, sb.Images) {
		shared(domain.FieldImages)
	}
	if !equalStrings(sa.Categories, sb.Categories) {
		shared(domain.FieldCategories)
	}
	if !equalAttributes(sa.Attributes, sb.Attributes) {
		shared(domain.FieldAttributes)
	}

	for _, site := range domain.AllSites {
		out = append(out, CompareEntry(site, ea.Get(site), eb.Get(site))...)
	}
	return out
}

// CompareEntry compares one site's entries.
func CompareEntry(site domain.Site, a, b *domain.SiteEntry) domain.Changes {
	if a == nil && b == nil {
		return nil
	}
	if a == nil || b == nil {
		return domain.Changes{{Site: site, Field: domain.FieldSiteEntry}}
	}

	var out domain.Changes
	add := func(f domain.Field) { out = append(out, domain.ChangedField{Site: site, Field: f}) }

	if a.ID != b.ID {
		add(domain.FieldSiteID)
	}
	if a.PublishedKey != b.PublishedKey {
		add(domain.FieldPublishedKey)
	}
	if !a.Price.Equal(b.Price) {
		add(domain.FieldPrice)
	}
	if !a.ListPrice.Equal(b.ListPrice) {
		add(domain.FieldListPrice)
	}
	if !equalIntPtr(a.StockQuantity, b.StockQuantity) {
		add(domain.FieldStockQuantity)
	}
	if a.StockStatus != b.StockStatus {
		add(domain.FieldStockStatus)
	}
	if a.Status != b.Status {
		add(domain.FieldStatus)
	}
	if !a.ModifiedAt.Equal(b.ModifiedAt) {
		add(domain.FieldModifiedAt)
	}
	if a.Content != b.Content {
		add(domain.FieldContent)
	}
	if !equalVariations(a.Variations, b.Variations) {
		add(domain.FieldVariations)
	}
	if a.SyncStatus != b.SyncStatus || a.SyncError != b.SyncError {
		add(domain.FieldSyncStatus)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalAttributes(a, b domain.Attributes) bool {
	return a.Team == b.Team && a.Season == b.Season && a.Type == b.Type &&
		a.Version == b.Version && a.Gender == b.Gender && a.Sleeve == b.Sleeve &&
		equalStrings(a.Events, b.Events)
}

// equalVariations treats the lists as ordered by ID.
func equalVariations(a, b []domain.Variation) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		va, vb := a[i], b[i]
		if va.ID != vb.ID || va.SKU != vb.SKU || va.StockStatus != vb.StockStatus ||
			!va.RegularPrice.Equal(vb.RegularPrice) || !va.SalePrice.Equal(vb.SalePrice) ||
			!equalIntPtr(va.StockQuantity, vb.StockQuantity) || len(va.Attributes) != len(vb.Attributes) {
			return false
		}
		for k, v := range va.Attributes {
			if w, ok := vb.Attributes[k]; !ok || w != v {
				return false
			}
		}
	}
	return true
}
