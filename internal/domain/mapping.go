package domain

// MappingStrategy records how a FieldMapping was produced.
type MappingStrategy string

const (
	MappingExact       MappingStrategy = "exact"
	MappingFuzzy       MappingStrategy = "fuzzy"
	MappingLLM         MappingStrategy = "llm"
	MappingHistorical  MappingStrategy = "historical"
	MappingStatistical MappingStrategy = "statistical"
	MappingManual      MappingStrategy = "manual"
)

// FieldMapping maps one source column onto one target schema field.
type FieldMapping struct {
	SourceField string          `json:"sourceField"`
	TargetField string          `json:"targetField"`
	Confidence  float64         `json:"confidence"` // 0-100
	Strategy    MappingStrategy `json:"strategy"`
	Approved    bool            `json:"approved,omitempty"`
}

// ClampConfidence bounds a confidence value to [0, 100].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	default:
		return c
	}
}
