package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/JonMunkholm/importpipe/internal/batch"
	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/mapping"
)

// PreviewSummary counts what an import would do.
type PreviewSummary struct {
	TotalRows       int `json:"totalRows"`
	ValidRows       int `json:"validRows"`
	// ValidRows = NewRows + ExistingRows + DuplicateInFile; each key counts
	// once in NewRows or ExistingRows and its extra copies in DuplicateInFile.
	NewRows         int `json:"newRows"`
	ExistingRows    int `json:"existingRows"`
	ErrorRows       int `json:"errorRows"`
	AutoFixedRows   int `json:"autoFixedRows"`
	DuplicateInFile int `json:"duplicateInFile"`
}

// RowPreview is one mapped row as it would be imported.
type RowPreview struct {
	RecordIndex int        `json:"recordIndex"`
	Key         string     `json:"key,omitempty"`
	Values      domain.Row `json:"values"`
	Warnings    []string   `json:"warnings,omitempty"`
}

// ErrorPreview is a row that would fail validation.
type ErrorPreview struct {
	RecordIndex int                 `json:"recordIndex"`
	Values      domain.Row          `json:"values"`
	Errors      []domain.BatchError `json:"errors"`
}

// DuplicatePreview lists rows sharing a natural key within the file.
type DuplicatePreview struct {
	Key     string `json:"key"`
	Indexes []int  `json:"indexes"`
}

// Preview is the read-only dry run shown before approval.
type Preview struct {
	Summary          PreviewSummary     `json:"summary"`
	Samples          []RowPreview       `json:"samples"`
	ErrorSamples     []ErrorPreview     `json:"errorSamples"`
	DuplicateSamples []DuplicatePreview `json:"duplicateSamples"`
	ProcessingTimeMs int64              `json:"processingTimeMs"`
}

const (
	maxRowSamples       = 10
	maxErrorSamples     = 20
	maxDuplicateSamples = 10
)

// Existence reports whether a record with the natural key is already stored.
type Existence interface {
	RecordExists(ctx context.Context, entity domain.EntityType, key string) (bool, error)
}

// GeneratePreview maps and validates every row without persisting anything.
func GeneratePreview(ctx context.Context, entity domain.EntityType, rows []domain.Row, mappings []domain.FieldMapping, exists Existence) (*Preview, error) {
	started := time.Now()
	if len(rows) == 0 {
		return nil, fmt.Errorf("preview: no data rows")
	}
	if err := mapping.NewSet(mappings).Validate(entity); err != nil {
		return nil, fmt.Errorf("preview: %w", err)
	}

	p := &Preview{Summary: PreviewSummary{TotalRows: len(rows)}}
	seen := make(map[string][]int)
	var keys []string

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mapped := mapping.Apply(row, mappings)
		rec, errs := batch.Validate(entity, i, mapped)
		if rec == nil {
			p.Summary.ErrorRows++
			if len(p.ErrorSamples) < maxErrorSamples {
				p.ErrorSamples = append(p.ErrorSamples, ErrorPreview{RecordIndex: i, Values: mapped, Errors: errs})
			}
			continue
		}

		p.Summary.ValidRows++
		if len(errs) > 0 {
			p.Summary.AutoFixedRows++
		}
		key := rec.NaturalKey()
		if _, dup := seen[key]; !dup {
			keys = append(keys, key)
		}
		seen[key] = append(seen[key], i)

		if len(p.Samples) < maxRowSamples {
			var warnings []string
			for _, e := range errs {
				warnings = append(warnings, e.Field+": "+e.Error)
			}
			p.Samples = append(p.Samples, RowPreview{RecordIndex: i, Key: key, Values: mapped, Warnings: warnings})
		}
	}

	for _, key := range keys {
		indexes := seen[key]
		if len(indexes) > 1 {
			p.Summary.DuplicateInFile += len(indexes) - 1
			if len(p.DuplicateSamples) < maxDuplicateSamples {
				p.DuplicateSamples = append(p.DuplicateSamples, DuplicatePreview{Key: key, Indexes: indexes})
			}
		}
		if exists == nil {
			continue
		}
		found, err := exists.RecordExists(ctx, entity, key)
		if err != nil {
			return nil, fmt.Errorf("preview: check existing %q: %w", key, err)
		}
		if found {
			// later copies are already counted in DuplicateInFile
			p.Summary.ExistingRows++
		}
	}
	p.Summary.NewRows = p.Summary.ValidRows - p.Summary.ExistingRows - p.Summary.DuplicateInFile

	p.ProcessingTimeMs = time.Since(started).Milliseconds()
	return p, nil
}
