package mapping

import (
	"fmt"
	"strings"

	"github.com/JonMunkholm/importpipe/internal/domain"
)

// Aggregate is the unweighted arithmetic mean of the mapping confidences,
// or 0 when there are none. The result is on the 0-100 scale.
func Aggregate(mappings []domain.FieldMapping) float64 {
	if len(mappings) == 0 {
		return 0
	}
	total := 0.0
	for _, m := range mappings {
		total += domain.ClampConfidence(m.Confidence)
	}
	return total / float64(len(mappings))
}

// Set is a session's ordered field mappings. Edits replace the mapping for
// a target field; the replaced mapping moves to Superseded and is never
// discarded. A Set is not safe for concurrent use.
type Set struct {
	current    []domain.FieldMapping
	superseded []domain.FieldMapping
}

// NewSet copies mappings into a new Set.
func NewSet(mappings []domain.FieldMapping) *Set {
	s := &Set{current: make([]domain.FieldMapping, 0, len(mappings))}
	for _, m := range mappings {
		m.Confidence = domain.ClampConfidence(m.Confidence)
		s.current = append(s.current, m)
	}
	return s
}

// Mappings returns a copy of the active mappings.
func (s *Set) Mappings() []domain.FieldMapping {
	out := make([]domain.FieldMapping, len(s.current))
	copy(out, s.current)
	return out
}

// Superseded returns the mappings replaced by edits, oldest first.
func (s *Set) Superseded() []domain.FieldMapping {
	out := make([]domain.FieldMapping, len(s.superseded))
	copy(out, s.superseded)
	return out
}

// Aggregate returns the mean confidence of the active mappings.
func (s *Set) Aggregate() float64 { return Aggregate(s.current) }

// Override installs a human-edited mapping. It replaces any active mapping
// for the same target field, and any other target fed by the same source
// column. A manual mapping with no confidence is treated as certain.
func (s *Set) Override(m domain.FieldMapping) error {
	if strings.TrimSpace(m.SourceField) == "" || strings.TrimSpace(m.TargetField) == "" {
		return fmt.Errorf("override mapping: source and target are required")
	}
	if m.Strategy == "" {
		m.Strategy = domain.MappingManual
	}
	if m.Strategy == domain.MappingManual && m.Confidence == 0 {
		m.Confidence = 100
	}
	m.Confidence = domain.ClampConfidence(m.Confidence)

	kept := s.current[:0:0]
	replaced := false
	for _, cur := range s.current {
		if cur.TargetField == m.TargetField || cur.SourceField == m.SourceField {
			s.superseded = append(s.superseded, cur)
			if !replaced {
				kept = append(kept, m)
				replaced = true
			}
			continue
		}
		kept = append(kept, cur)
	}
	if !replaced {
		kept = append(kept, m)
	}
	s.current = kept
	return nil
}

// Approve marks every active mapping approved.
func (s *Set) Approve() {
	for i := range s.current {
		s.current[i].Approved = true
	}
}

// Validate checks the active mappings against the entity's target schema:
// every target must exist and each required field must be mapped.
func (s *Set) Validate(entity domain.EntityType) error {
	schema, ok := Get(entity)
	if !ok {
		return fmt.Errorf("validate mappings for %q: %w", entity, domain.ErrUnknownEntityType)
	}
	mapped := make(map[string]bool, len(s.current))
	for _, m := range s.current {
		if _, ok := schema.Field(m.TargetField); !ok {
			return fmt.Errorf("unknown target field %q for %s", m.TargetField, entity)
		}
		mapped[m.TargetField] = true
	}
	var missing []string
	for _, name := range schema.RequiredFields() {
		if !mapped[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required fields not mapped: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Apply copies source columns of row onto their target keys. Unmapped
// columns are dropped; a missing source yields a nil target value.
func Apply(row domain.Row, mappings []domain.FieldMapping) domain.Row {
	out := make(domain.Row, len(mappings))
	for _, m := range mappings {
		out[m.TargetField] = row[m.SourceField]
	}
	return out
}
