package parse

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// NumericHeaderless parses delimited numeric data that has no header row,
// such as sensor dumps and exported matrices.
type NumericHeaderless struct{}

// NewNumericHeaderless returns the numeric/headerless strategy.
func NewNumericHeaderless() *NumericHeaderless { return &NumericHeaderless{} }

func (n *NumericHeaderless) Name() string  { return "numeric_headerless" }
func (n *NumericHeaderless) Priority() int { return 70 }

// CanHandle accepts textual buffers whose first line is at least half digits.
func (n *NumericHeaderless) CanHandle(buf RawBuffer) bool {
	if buf.Blank() || buf.LooksBinary() {
		return false
	}
	lines := sampleLines(buf.Text(), 1)
	if len(lines) == 0 {
		return false
	}
	digits, visible := 0, 0
	for _, r := range lines[0] {
		if unicode.IsSpace(r) {
			continue
		}
		visible++
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return visible > 0 && float64(digits)/float64(visible) >= 0.5
}

// Execute parses the buffer with the detected delimiter, requiring mostly
// numeric content and consistent row widths.
func (n *NumericHeaderless) Execute(ctx context.Context, buf RawBuffer) (*Result, error) {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	delim := DetectDelimiter(buf.Text())
	records, err := splitRecords(buf.Text(), delim)
	if err != nil {
		return reject(n.Name(), buf, started, err.Error())
	}
	if len(records) < 2 {
		return reject(n.Name(), buf, started, "fewer than 2 data rows")
	}
	if numericShare(records[0]) < 0.5 {
		return reject(n.Name(), buf, started, "first row looks like headers")
	}

	ratio := numericShare(flatten(records))
	if ratio < 0.6 {
		return reject(n.Name(), buf, started, fmt.Sprintf("low numeric content (%.0f%%)", ratio*100))
	}
	width, consistency := modalWidth(records)
	if consistency < 0.8 {
		return reject(n.Name(), buf, started, fmt.Sprintf("inconsistent row lengths (%.0f%% match)", consistency*100))
	}

	names := make([]string, width)
	for i := range names {
		names[i] = fmt.Sprintf("%s_%d", classifyColumn(columnSample(records, i, sampleLineCount)), i+1)
	}
	columns, rows := buildRows(records, false, names)

	var issues []string
	if sci := countCells(records, isScientific); sci > 0 {
		issues = append(issues, fmt.Sprintf("%d values use scientific notation", sci))
	}
	if precise := countCells(records, isHighPrecision); precise > 0 {
		issues = append(issues, fmt.Sprintf("%d values have more than 6 decimal places; precision may be lost", precise))
	}

	quality := QualityScore(records)
	confidence := 75 + (ratio-0.6)/0.4*10 + 0.2*(quality-75)
	elapsed := time.Since(started)
	switch {
	case elapsed < 100*time.Millisecond:
		confidence += 2
	case elapsed > 2*time.Second:
		confidence -= 5
	}

	return &Result{
		Success:      true,
		StrategyName: n.Name(),
		Confidence:   clamp(confidence, 60, 85),
		Columns:      columns,
		Rows:         rows,
		Metadata: Metadata{
			Delimiter:    string(delim),
			HasHeaders:   false,
			Encoding:     buf.Encoding(),
			ParseTime:    elapsed,
			ParseTimeMs:  elapsed.Milliseconds(),
			QualityScore: quality,
			Consistency:  consistency,
			Issues:       issues,
		},
	}, nil
}

// numericShare is the fraction of non-empty cells that are numeric.
func numericShare(cells []string) float64 {
	total, numeric := 0, 0
	for _, c := range cells {
		if strings.TrimSpace(c) == "" {
			continue
		}
		total++
		if IsNumeric(c) {
			numeric++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(numeric) / float64(total)
}

func flatten(records [][]string) []string {
	var out []string
	for _, rec := range records {
		out = append(out, rec...)
	}
	return out
}

func countCells(records [][]string, match func(string) bool) int {
	n := 0
	for _, rec := range records {
		for _, c := range rec {
			if match(strings.TrimSpace(c)) {
				n++
			}
		}
	}
	return n
}

func isScientific(s string) bool {
	return IsNumeric(s) && strings.ContainsAny(s, "eE")
}

func isHighPrecision(s string) bool {
	if !IsNumeric(s) || strings.ContainsAny(s, "eE") {
		return false
	}
	dot := strings.IndexByte(s, '.')
	return dot >= 0 && len(s)-dot-1 > 6
}
