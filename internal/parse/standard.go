package parse

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StandardCSV parses ordinary comma-separated files.
type StandardCSV struct{}

// NewStandardCSV returns the standard comma strategy.
func NewStandardCSV() *StandardCSV { return &StandardCSV{} }

func (s *StandardCSV) Name() string  { return "standard_csv" }
func (s *StandardCSV) Priority() int { return 100 }

// CanHandle accepts textual buffers whose first lines contain commas.
func (s *StandardCSV) CanHandle(buf RawBuffer) bool {
	if buf.Blank() || buf.LooksBinary() {
		return false
	}
	return strings.Contains(strings.Join(sampleLines(buf.Text(), 5), "\n"), ",")
}

// Execute parses the buffer with ',' and scores the result.
func (s *StandardCSV) Execute(ctx context.Context, buf RawBuffer) (*Result, error) {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records, err := splitRecords(buf.Text(), ',')
	if err != nil {
		return reject(s.Name(), buf, started, err.Error())
	}
	if len(records) == 0 {
		return reject(s.Name(), buf, started, "no rows found")
	}

	width, consistency := modalWidth(records)
	if width < 2 {
		return reject(s.Name(), buf, started, "rows have a single column")
	}
	if consistency < 0.6 {
		return reject(s.Name(), buf, started, fmt.Sprintf("inconsistent row lengths (%.0f%% match)", consistency*100))
	}

	var issues []string
	hasHeaders, headerIssue := detectHeaderRow(records)
	if headerIssue != "" {
		issues = append(issues, headerIssue)
	}

	columns, rows := buildRows(records, hasHeaders, nil)
	if len(rows) == 0 {
		return reject(s.Name(), buf, started, "no data rows after header")
	}

	data := records
	if hasHeaders {
		data = records[1:]
	}
	quality := QualityScore(records)
	confidence := 55 + 0.5*ConfidenceBonus(data) + 0.3*(quality-50)
	if headerIssue != "" {
		confidence -= 5
	}
	if consistency < 0.9 {
		issues = append(issues, fmt.Sprintf("%d rows have an unexpected column count", len(records)-int(consistency*float64(len(records))+0.5)))
	}

	elapsed := time.Since(started)
	return &Result{
		Success:      true,
		StrategyName: s.Name(),
		Confidence:   clamp(confidence, 40, 98),
		Columns:      columns,
		Rows:         rows,
		Metadata: Metadata{
			Delimiter:    ",",
			HasHeaders:   hasHeaders,
			Encoding:     buf.Encoding(),
			ParseTime:    elapsed,
			ParseTimeMs:  elapsed.Milliseconds(),
			QualityScore: quality,
			Consistency:  consistency,
			Issues:       issues,
		},
	}, nil
}
