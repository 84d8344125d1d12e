package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBase = "https://catalogsync.local/schemas/"

const entitySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$defs": {
    "entity": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "integer", "minimum": 1},
        "parent_id": {"type": "integer", "minimum": 0},
        "name": {"type": "string"},
        "slug": {"type": "string"},
        "sku": {"type": "string"},
        "type": {"type": "string"},
        "status": {"type": "string"},
        "price": {"type": "string"},
        "regular_price": {"type": "string"},
        "sale_price": {"type": "string"},
        "stock_quantity": {"type": ["integer", "null"]},
        "stock_status": {"type": ["string", "null"]},
        "description": {"type": "string"},
        "short_description": {"type": "string"},
        "images": {
          "type": "array",
          "items": {"type": "object", "required": ["src"], "properties": {"src": {"type": "string"}}}
        },
        "categories": {
          "type": "array",
          "items": {"type": "object", "properties": {"name": {"type": "string"}}}
        },
        "attributes": {
          "type": "array",
          "items": {"type": "object", "properties": {"name": {"type": "string"}}}
        }
      }
    }
  },
  "$ref": "#/$defs/entity"
}`

const entityListSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {"$ref": "entity.json#/$defs/entity"}
}`

type schemaSet struct {
	entity *jsonschema.Schema
	list   *jsonschema.Schema
}

var (
	schemasOnce sync.Once
	schemas     schemaSet
	schemasErr  error
)

func loadSchemas() (schemaSet, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for name, src := range map[string]string{
			"entity.json": entitySchemaJSON,
			"list.json":   entityListSchemaJSON,
		} {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				schemasErr = fmt.Errorf("parse %s: %w", name, err)
				return
			}
			if err := c.AddResource(schemaBase+name, doc); err != nil {
				schemasErr = fmt.Errorf("add %s: %w", name, err)
				return
			}
		}
		if schemas.entity, schemasErr = c.Compile(schemaBase + "entity.json"); schemasErr != nil {
			return
		}
		schemas.list, schemasErr = c.Compile(schemaBase + "list.json")
	})
	return schemas, schemasErr
}

var (
	errNotStructured = errors.New("response body is not JSON")
	errSchema        = errors.New("payload failed schema validation")
)

// decodeValidated parses body, validates it against sch and decodes into out.
// A body that is not JSON returns errNotStructured; a schema mismatch errSchema.
func decodeValidated(body []byte, sch *jsonschema.Schema, out any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return errNotStructured
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return fmt.Errorf("%w: %v", errNotStructured, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", errSchema, err)
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("%w: %v", errSchema, err)
	}
	return nil
}

// DecodeEntity validates and decodes an inline notification payload.
func DecodeEntity(body []byte) (Entity, error) {
	var e Entity
	s, err := loadSchemas()
	if err != nil {
		return e, err
	}
	err = decodeValidated(body, s.entity, &e)
	return e, err
}
