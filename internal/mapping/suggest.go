package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/JonMunkholm/importpipe/internal/domain"
)

// Confidence assigned per strategy.
const (
	exactConfidence      = 100.0
	historicalConfidence = 95.0
	fuzzyMin             = 60.0
	fuzzyMax             = 90.0
	statisticalMin       = 40.0
	statisticalMax       = 65.0

	// statisticalSample bounds how many values are profiled per column.
	statisticalSample = 50
)

// History remembers source→target mappings approved in earlier sessions.
type History interface {
	LookupMapping(ctx context.Context, entity domain.EntityType, sourceField string) (string, bool, error)
	RememberMappings(ctx context.Context, entity domain.EntityType, mappings []domain.FieldMapping) error
}

// Suggester proposes field mappings for parsed columns.
type Suggester struct {
	history History
}

// NewSuggester returns a Suggester. history may be nil.
func NewSuggester(history History) *Suggester {
	return &Suggester{history: history}
}

type candidate struct {
	field      int
	column     int
	confidence float64
	strategy   domain.MappingStrategy
}

// Suggest proposes at most one mapping per target field of entity, each
// source column used at most once. Higher-confidence candidates are
// assigned first. The result is in schema field order.
func (s *Suggester) Suggest(ctx context.Context, entity domain.EntityType, columns []string, rows []domain.Row) ([]domain.FieldMapping, error) {
	schema, ok := Get(entity)
	if !ok {
		return nil, fmt.Errorf("suggest mappings for %q: %w", entity, domain.ErrUnknownEntityType)
	}

	var cands []candidate
	for fi, field := range schema.Fields {
		terms := fieldTerms(field)
		for ci, col := range columns {
			if c, ok := s.historical(ctx, entity, field, col); ok {
				cands = append(cands, candidate{fi, ci, c, domain.MappingHistorical})
			}
			if c, ok := exactMatch(terms, col); ok {
				cands = append(cands, candidate{fi, ci, c, domain.MappingExact})
				continue
			}
			if c, ok := fuzzyMatch(terms, col); ok {
				cands = append(cands, candidate{fi, ci, c, domain.MappingFuzzy})
			}
			if c, ok := statisticalMatch(field, columnValues(rows, col)); ok {
				cands = append(cands, candidate{fi, ci, c, domain.MappingStatistical})
			}
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].confidence != cands[j].confidence {
			return cands[i].confidence > cands[j].confidence
		}
		if cands[i].field != cands[j].field {
			return cands[i].field < cands[j].field
		}
		return cands[i].column < cands[j].column
	})

	chosen := make(map[int]candidate)
	usedColumns := make(map[int]bool)
	for _, c := range cands {
		if _, done := chosen[c.field]; done || usedColumns[c.column] {
			continue
		}
		chosen[c.field] = c
		usedColumns[c.column] = true
	}

	mappings := make([]domain.FieldMapping, 0, len(chosen))
	for fi, field := range schema.Fields {
		c, ok := chosen[fi]
		if !ok {
			continue
		}
		mappings = append(mappings, domain.FieldMapping{
			SourceField: columns[c.column],
			TargetField: field.Name,
			Confidence:  domain.ClampConfidence(c.confidence),
			Strategy:    c.strategy,
		})
	}
	return mappings, nil
}

// Remember records approved mappings so later sessions can reuse them.
func (s *Suggester) Remember(ctx context.Context, entity domain.EntityType, mappings []domain.FieldMapping) error {
	if s.history == nil {
		return nil
	}
	return s.history.RememberMappings(ctx, entity, mappings)
}

func (s *Suggester) historical(ctx context.Context, entity domain.EntityType, field FieldSpec, col string) (float64, bool) {
	if s.history == nil {
		return 0, false
	}
	target, ok, err := s.history.LookupMapping(ctx, entity, normalize(col))
	if err != nil {
		slog.Warn("mapping history lookup failed", "entity", entity, "column", col, "error", err)
		return 0, false
	}
	if !ok || target != field.Name {
		return 0, false
	}
	return historicalConfidence, true
}

func fieldTerms(f FieldSpec) []string {
	terms := make([]string, 0, len(f.Aliases)+1)
	terms = append(terms, normalize(f.Name))
	for _, a := range f.Aliases {
		terms = append(terms, normalize(a))
	}
	return terms
}

// normalize lowercases s and drops everything but letters and digits, so
// "Unit Price", "unit_price" and "UNIT-PRICE" compare equal.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func exactMatch(terms []string, col string) (float64, bool) {
	n := normalize(col)
	if n == "" {
		return 0, false
	}
	for _, t := range terms {
		if t == n {
			return exactConfidence, true
		}
	}
	return 0, false
}

// fuzzyMatch scores the closest term by edit distance. A term contained in
// the column as an in-order subsequence scores at least 0.6 similarity; a
// column contained in a term is ranked with fuzzysearch. Anything else must
// reach 0.6 Levenshtein similarity on its own.
func fuzzyMatch(terms []string, col string) (float64, bool) {
	n := normalize(col)
	if len(n) < 2 {
		return 0, false
	}

	best := 0.0
	if len(n) >= 3 {
		for _, r := range fuzzy.RankFindNormalizedFold(n, terms) {
			if sim := similarity(r.Distance, n, r.Target); sim >= 0.3 {
				best = max(best, sim)
			}
		}
	}
	for _, t := range terms {
		sim := similarity(fuzzy.LevenshteinDistance(t, n), t, n)
		if len(t) >= 3 && fuzzy.MatchNormalizedFold(t, n) {
			sim = max(sim, 0.6)
		} else if sim < 0.6 {
			continue
		}
		best = max(best, sim)
	}
	if best <= 0 {
		return 0, false
	}
	return fuzzyMin + (fuzzyMax-fuzzyMin)*best, true
}

func similarity(distance int, a, b string) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		return 0
	}
	sim := 1 - float64(distance)/float64(longest)
	if sim < 0 {
		return 0
	}
	return min(sim, 0.99)
}

func columnValues(rows []domain.Row, col string) []any {
	out := make([]any, 0, statisticalSample)
	for _, r := range rows {
		v, ok := r[col]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, v)
		if len(out) == statisticalSample {
			break
		}
	}
	return out
}

// statisticalMatch checks whether a column's value profile fits the field's
// type. Free-text fields never match statistically.
func statisticalMatch(field FieldSpec, values []any) (float64, bool) {
	if field.Type == FieldText || field.Type == FieldList || len(values) == 0 {
		return 0, false
	}
	fit := 0
	for _, v := range values {
		if fitsType(field, v) {
			fit++
		}
	}
	ratio := float64(fit) / float64(len(values))
	if ratio < 0.8 {
		return 0, false
	}
	return statisticalMin + (statisticalMax-statisticalMin)*(ratio-0.8)/0.2, true
}

func fitsType(field FieldSpec, v any) bool {
	switch field.Type {
	case FieldNumber:
		_, ok := v.(float64)
		return ok
	case FieldInteger:
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case FieldBool:
		_, ok := v.(bool)
		return ok
	}

	s, ok := v.(string)
	if !ok {
		return false
	}
	s = strings.TrimSpace(s)
	switch field.Type {
	case FieldEnum:
		for _, e := range field.EnumValues {
			if strings.EqualFold(e, s) {
				return true
			}
		}
		return false
	case FieldURL:
		u, err := url.Parse(s)
		if err != nil {
			return false
		}
		return (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" ||
			u.Scheme == "" && strings.Contains(s, ".") && !strings.Contains(s, " ")
	case FieldCountry:
		return len(s) == 2 && isAlpha(s)
	case FieldCurrency:
		return len(s) == 3 && isAlpha(s) && strings.ToUpper(s) == s
	}
	return false
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}
