package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Record is the tagged union of entity shapes the pipeline can persist.
// Implementations are ProductRecord, BrandRecord, and AttributeRecord.
type Record interface {
	EntityType() EntityType
	// NaturalKey identifies the record for duplicate detection.
	NaturalKey() string
}

// ProductRecord is a validated product row.
type ProductRecord struct {
	SKU         string          `json:"sku" validate:"required,max=64"`
	Name        string          `json:"name" validate:"required,max=255"`
	Description string          `json:"description,omitempty" validate:"max=4000"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency" validate:"required,len=3,alpha"`
	Quantity    int             `json:"quantity" validate:"gte=0"`
	Status      string          `json:"status" validate:"oneof=active inactive draft discontinued"`
	Brand       string          `json:"brand,omitempty" validate:"max=255"`
	Category    string          `json:"category,omitempty" validate:"max=255"`
	WeightKg    *float64        `json:"weightKg,omitempty" validate:"omitempty,gte=0"`
	Active      bool            `json:"active"`
}

func (ProductRecord) EntityType() EntityType { return EntityProduct }
func (p ProductRecord) NaturalKey() string    { return strings.ToLower(p.SKU) }

// BrandRecord is a validated brand row.
type BrandRecord struct {
	Name        string `json:"name" validate:"required,max=255"`
	Code        string `json:"code" validate:"required,max=64"`
	Website     string `json:"website,omitempty" validate:"omitempty,url"`
	Country     string `json:"country,omitempty" validate:"omitempty,len=2,alpha"`
	Description string `json:"description,omitempty" validate:"max=4000"`
}

func (BrandRecord) EntityType() EntityType { return EntityBrand }
func (b BrandRecord) NaturalKey() string    { return strings.ToLower(b.Code) }

// AttributeRecord is a validated product attribute definition.
type AttributeRecord struct {
	Name     string   `json:"name" validate:"required,max=255"`
	Code     string   `json:"code" validate:"required,max=64"`
	Type     string   `json:"type" validate:"oneof=text number boolean select"`
	Values   []string `json:"values,omitempty" validate:"required_if=Type select"`
	Unit     string   `json:"unit,omitempty" validate:"max=32"`
	Required bool     `json:"required"`
}

func (AttributeRecord) EntityType() EntityType { return EntityAttribute }
func (a AttributeRecord) NaturalKey() string    { return strings.ToLower(a.Code) }
