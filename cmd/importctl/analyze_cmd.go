package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/mapping"
	"github.com/JonMunkholm/importpipe/internal/parse"
)

type analyzeOutput struct {
	File       string          `json:"file"`
	DurationMS int64           `json:"duration_ms"`
	Strategy   string          `json:"strategy"`
	Confidence float64         `json:"confidence"`
	Columns    []string        `json:"columns"`
	TotalRows  int             `json:"totalRows"`
	Metadata   parse.Metadata  `json:"metadata"`
	Attempts   []parse.Attempt `json:"attempts"`
	Sample     []domain.Row    `json:"sample"`

	Entity            domain.EntityType     `json:"entity,omitempty"`
	Mappings          []domain.FieldMapping `json:"mappings,omitempty"`
	MappingConfidence float64               `json:"mappingConfidence,omitempty"`
	MappingProblem    string                `json:"mappingProblem,omitempty"`
}

func newAnalyzeCmd() *cobra.Command {
	var (
		entity string
		sample int
	)

	cmd := &cobra.Command{
		Use:   "analyze FILE",
		Short: "Show how a file would be parsed and mapped without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			start := time.Now()
			buf := parse.NewRawBuffer(filepath.Base(path), data, "")
			result, attempts, err := parse.NewSelector().Select(cmd.Context(), buf)
			if err != nil {
				return userError(fmt.Errorf("%s: %w", path, err))
			}

			out := analyzeOutput{
				File:       path,
				Strategy:   result.StrategyName,
				Confidence: result.Confidence,
				Columns:    result.Columns,
				TotalRows:  len(result.Rows),
				Metadata:   result.Metadata,
				Attempts:   attempts,
				Sample:     result.Rows[:min(sample, len(result.Rows))],
			}

			if entity != "" {
				et, err := domain.ParseEntityType(entity)
				if err != nil {
					return userError(fmt.Errorf("--entity %q: %w", entity, err))
				}
				mappings, err := mapping.NewSuggester(nil).Suggest(cmd.Context(), et, result.Columns, result.Rows)
				if err != nil {
					return err
				}
				set := mapping.NewSet(mappings)
				out.Entity = et
				out.Mappings = set.Mappings()
				out.MappingConfidence = set.Aggregate()
				if err := set.Validate(et); err != nil {
					out.MappingProblem = err.Error()
				}
			}

			out.DurationMS = time.Since(start).Milliseconds()
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&entity, "entity", "", "Also suggest mappings for this entity type (product, brand, attribute)")
	cmd.Flags().IntVar(&sample, "sample", 5, "Number of parsed rows to include")
	return cmd
}
