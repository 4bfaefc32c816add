package batch

// validate.go builds typed entity records from mapped rows.
//
// Each field goes through coercion first. Problems that have a safe repair
// (negative price, unknown enum value, website without a scheme) are fixed and
// reported as warnings. Everything else becomes an error-severity BatchError
// and the record is not persisted. The struct is then checked against its
// `validate` tags.

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/importpipe/internal/domain"
)

// DefaultCurrency fills an empty product currency.
const DefaultCurrency = "USD"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

type checker struct {
	index int
	errs  []domain.BatchError
}

func (c *checker) fail(field, msg, suggestion string) {
	c.errs = append(c.errs, domain.BatchError{
		RecordIndex: c.index,
		Field:       field,
		Error:       msg,
		Severity:    domain.SeverityError,
		Suggestion:  suggestion,
	})
}

func (c *checker) fixed(field, msg string) {
	c.errs = append(c.errs, domain.BatchError{
		RecordIndex: c.index,
		Field:       field,
		Error:       msg,
		Severity:    domain.SeverityWarning,
		AutoFixable: true,
	})
}

func (c *checker) required(row domain.Row, field string) string {
	s := asString(row[field])
	if s == "" {
		c.fail(field, "required field is empty", "map a source column to "+field+" or fill the value")
	}
	return s
}

// tags runs the struct validator and reports each failed tag.
func (c *checker) tags(rec any) {
	err := validate.Struct(rec)
	if err == nil {
		return
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		c.fail("", err.Error(), "")
		return
	}
	for _, fe := range verrs {
		if c.hasError(fe.Field()) {
			continue
		}
		c.fail(fe.Field(), tagMessage(fe), "")
	}
}

func (c *checker) hasError(field string) bool {
	for _, e := range c.errs {
		if e.Field == field && e.Severity == domain.SeverityError {
			return true
		}
	}
	return false
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required field is empty"
	case "required_if":
		return "required when " + strings.ReplaceAll(fe.Param(), " ", " is ")
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "gte":
		return "must be at least " + fe.Param()
	case "url":
		return "must be a valid URL"
	case "alpha":
		return "must contain letters only"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// Validate converts a mapped row (keys are target field names) into a typed
// record. The record is nil when any error-severity problem was found;
// warnings describe auto-fixes already applied.
func Validate(entity domain.EntityType, index int, row domain.Row) (domain.Record, []domain.BatchError) {
	c := &checker{index: index}
	var rec domain.Record

	switch entity {
	case domain.EntityProduct:
		p := buildProduct(c, row)
		c.tags(p)
		rec = p
	case domain.EntityBrand:
		b := buildBrand(c, row)
		c.tags(b)
		rec = b
	case domain.EntityAttribute:
		a := buildAttribute(c, row)
		c.tags(a)
		rec = a
	default:
		c.fail("", fmt.Sprintf("%s: %q", domain.ErrUnknownEntityType, entity), "")
	}

	if domain.HasFatal(c.errs) {
		return nil, c.errs
	}
	return rec, c.errs
}

var productStatuses = []string{"active", "inactive", "draft", "discontinued"}

func buildProduct(c *checker, row domain.Row) domain.ProductRecord {
	p := domain.ProductRecord{
		SKU:         c.required(row, "sku"),
		Name:        c.required(row, "name"),
		Description: asString(row["description"]),
		Brand:       asString(row["brand"]),
		Category:    asString(row["category"]),
		Active:      true,
	}

	price, ok, err := asDecimal(row["price"])
	switch {
	case err != nil:
		c.fail("price", err.Error(), "use a plain decimal such as 19.99")
	case !ok:
		c.fail("price", "required field is empty", "map a source column to price or fill the value")
	case price.IsNegative():
		p.Price = price.Abs()
		c.fixed("price", fmt.Sprintf("negative price %s converted to %s", price, p.Price))
	default:
		p.Price = price
	}
	p.Price = p.Price.Round(4)

	p.Currency = strings.ToUpper(asString(row["currency"]))
	if p.Currency == "" {
		p.Currency = DefaultCurrency
		c.fixed("currency", "missing currency defaulted to "+DefaultCurrency)
	}

	if qty, ok, err := asDecimal(row["quantity"]); err != nil {
		c.fail("quantity", err.Error(), "use a whole number")
	} else if ok {
		if !qty.IsInteger() {
			rounded := qty.Round(0)
			c.fixed("quantity", fmt.Sprintf("fractional quantity %s rounded to %s", qty, rounded))
			qty = rounded
		}
		switch {
		case qty.IsNegative():
			c.fail("quantity", "quantity must not be negative", "use a whole number of zero or more")
		case qty.GreaterThan(decimal.NewFromInt(math.MaxInt32)):
			c.fail("quantity", "quantity is too large", "")
		default:
			p.Quantity = int(qty.IntPart())
		}
	}

	p.Status = strings.ToLower(asString(row["status"]))
	if !contains(productStatuses, p.Status) {
		if p.Status != "" {
			c.fixed("status", fmt.Sprintf("unknown status %q defaulted to active", p.Status))
		}
		p.Status = "active"
	}

	if w, ok, err := asDecimal(row["weight"]); err != nil {
		c.fail("weight", err.Error(), "use a weight in kilograms")
	} else if ok {
		f, _ := w.Float64()
		p.WeightKg = &f
	}

	if active, ok, err := asBool(row["active"]); err != nil {
		c.fail("active", err.Error(), "use yes/no or true/false")
	} else if ok {
		p.Active = active
	}
	return p
}

func buildBrand(c *checker, row domain.Row) domain.BrandRecord {
	b := domain.BrandRecord{
		Name:        c.required(row, "name"),
		Code:        c.required(row, "code"),
		Website:     asString(row["website"]),
		Country:     strings.ToUpper(asString(row["country"])),
		Description: asString(row["description"]),
	}
	if b.Website != "" && !strings.Contains(b.Website, "://") {
		b.Website = "https://" + b.Website
		c.fixed("website", "missing scheme, assumed https")
	}
	return b
}

var attributeTypes = []string{"text", "number", "boolean", "select"}

func buildAttribute(c *checker, row domain.Row) domain.AttributeRecord {
	a := domain.AttributeRecord{
		Name:   c.required(row, "name"),
		Code:   asString(row["code"]),
		Type:   strings.ToLower(asString(row["type"])),
		Values: asList(row["values"]),
		Unit:   asString(row["unit"]),
	}
	if a.Code == "" && a.Name != "" {
		a.Code = slug(a.Name)
		c.fixed("code", fmt.Sprintf("missing code derived from name as %q", a.Code))
	}
	if !contains(attributeTypes, a.Type) {
		fallback := "text"
		if len(a.Values) > 0 {
			fallback = "select"
		}
		if a.Type != "" {
			c.fixed("type", fmt.Sprintf("unknown type %q defaulted to %s", a.Type, fallback))
		}
		a.Type = fallback
	}
	if req, ok, err := asBool(row["required"]); err != nil {
		c.fail("required", err.Error(), "use yes/no or true/false")
	} else if ok {
		a.Required = req
	}
	return a
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
