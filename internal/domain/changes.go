package domain

import "strings"

type Field string

const (
	FieldName          Field = "name"
	FieldSlug          Field = "slug"
	FieldImages        Field = "images"
	FieldCategories    Field = "categories"
	FieldAttributes    Field = "attributes"
	FieldSiteID        Field = "id"
	FieldPublishedKey  Field = "published_key"
	FieldPrice         Field = "price"
	FieldListPrice     Field = "list_price"
	FieldStockQuantity Field = "stock_quantity"
	FieldStockStatus   Field = "stock_status"
	FieldStatus        Field = "status"
	FieldModifiedAt    Field = "modified_at"
	FieldContent       Field = "content"
	FieldVariations    Field = "variations"
	FieldSyncStatus    Field = "sync_status"
	FieldSiteEntry     Field = "site_entry"
)

// ChangedField names one differing field. Site is empty for shared fields.
type ChangedField struct {
	Site  Site  `json:"site,omitempty"`
	Field Field `json:"field"`
}

func (c ChangedField) String() string {
	if c.Site == "" {
		return string(c.Field)
	}
	return string(c.Site) + "." + string(c.Field)
}

type Changes []ChangedField

func (c Changes) String() string {
	parts := make([]string, len(c))
	for i, f := range c {
		parts[i] = f.String()
	}
	return strings.Join(parts, ",")
}

func (c Changes) Has(site Site, field Field) bool {
	for _, f := range c {
		if f.Site == site && f.Field == field {
			return true
		}
	}
	return false
}

// OnlySync reports whether the changes only touch sync bookkeeping.
func (c Changes) OnlySync() bool {
	for _, f := range c {
		if f.Field != FieldSyncStatus {
			return false
		}
	}
	return true
}

type DiffAction string

const (
	DiffActionInsert DiffAction = "insert"
	DiffActionUpdate DiffAction = "update"
	DiffActionDelete DiffAction = "delete"
	DiffActionSkip   DiffAction = "skip"
)
