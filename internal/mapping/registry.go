// Package mapping maps parsed source columns onto the fixed target schemas
// and aggregates per-field confidence into a session-level score.
package mapping

import (
	"fmt"
	"sort"
	"sync"

	"github.com/JonMunkholm/importpipe/internal/domain"
)

// FieldType is the value shape a target field expects.
type FieldType int

const (
	FieldText FieldType = iota
	FieldNumber
	FieldInteger
	FieldBool
	FieldEnum
	FieldURL
	FieldCountry
	FieldCurrency
	FieldList
)

func (t FieldType) String() string {
	switch t {
	case FieldNumber:
		return "number"
	case FieldInteger:
		return "integer"
	case FieldBool:
		return "bool"
	case FieldEnum:
		return "enum"
	case FieldURL:
		return "url"
	case FieldCountry:
		return "country"
	case FieldCurrency:
		return "currency"
	case FieldList:
		return "list"
	default:
		return "text"
	}
}

// FieldSpec describes one target field.
type FieldSpec struct {
	Name       string
	Aliases    []string
	Type       FieldType
	Required   bool
	EnumValues []string
}

// TargetSchema is the set of fields an entity type can populate.
type TargetSchema struct {
	Entity domain.EntityType
	Fields []FieldSpec
}

// Field returns the FieldSpec for name.
func (s TargetSchema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// RequiredFields lists the names of required fields in schema order.
func (s TargetSchema) RequiredFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

var (
	registry   = make(map[domain.EntityType]TargetSchema)
	registryMu sync.RWMutex
)

// Register adds a target schema to the registry.
// Panics if the entity type is already registered.
func Register(schema TargetSchema) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[schema.Entity]; exists {
		panic(fmt.Sprintf("target schema already registered: %s", schema.Entity))
	}
	registry[schema.Entity] = schema
}

// Get returns the target schema for an entity type.
func Get(entity domain.EntityType) (TargetSchema, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	schema, ok := registry[entity]
	return schema, ok
}

// All returns every registered schema sorted by entity type.
func All() []TargetSchema {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]TargetSchema, 0, len(registry))
	for _, s := range registry {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Entity < result[j].Entity
	})
	return result
}

func init() {
	Register(TargetSchema{
		Entity: domain.EntityProduct,
		Fields: []FieldSpec{
			{Name: "sku", Aliases: []string{"product code", "item number", "item no", "article number", "part number", "sku code"}, Required: true},
			{Name: "name", Aliases: []string{"product name", "title", "item name", "product"}, Required: true},
			{Name: "description", Aliases: []string{"desc", "details", "long description"}},
			{Name: "price", Aliases: []string{"unit price", "cost", "amount", "msrp", "retail price"}, Type: FieldNumber, Required: true},
			{Name: "currency", Aliases: []string{"curr", "ccy", "currency code"}, Type: FieldCurrency},
			{Name: "quantity", Aliases: []string{"qty", "stock", "inventory", "on hand", "units"}, Type: FieldInteger},
			{Name: "status", Aliases: []string{"state", "product status"}, Type: FieldEnum, EnumValues: []string{"active", "inactive", "draft", "discontinued"}},
			{Name: "brand", Aliases: []string{"manufacturer", "make", "brand name", "vendor"}},
			{Name: "category", Aliases: []string{"department", "product category", "group", "collection"}},
			{Name: "weight", Aliases: []string{"weight kg", "mass", "shipping weight"}, Type: FieldNumber},
			{Name: "active", Aliases: []string{"enabled", "is active", "published"}, Type: FieldBool},
		},
	})
	Register(TargetSchema{
		Entity: domain.EntityBrand,
		Fields: []FieldSpec{
			{Name: "name", Aliases: []string{"brand name", "brand", "label"}, Required: true},
			{Name: "code", Aliases: []string{"brand code", "slug", "identifier", "brand id"}, Required: true},
			{Name: "website", Aliases: []string{"url", "homepage", "site", "web"}, Type: FieldURL},
			{Name: "country", Aliases: []string{"country code", "origin", "country of origin"}, Type: FieldCountry},
			{Name: "description", Aliases: []string{"desc", "about", "details"}},
		},
	})
	Register(TargetSchema{
		Entity: domain.EntityAttribute,
		Fields: []FieldSpec{
			{Name: "name", Aliases: []string{"attribute", "attribute name", "label"}, Required: true},
			{Name: "code", Aliases: []string{"key", "attribute code", "handle"}},
			{Name: "type", Aliases: []string{"data type", "kind", "input type"}, Type: FieldEnum, EnumValues: []string{"text", "number", "boolean", "select"}},
			{Name: "values", Aliases: []string{"options", "choices", "allowed values"}, Type: FieldList},
			{Name: "unit", Aliases: []string{"uom", "units", "unit of measure"}},
			{Name: "required", Aliases: []string{"mandatory", "is required"}, Type: FieldBool},
		},
	})
}
