package parse

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// alternativeDelimiters are tried in order; the first that yields
// consistent rows wins.
var alternativeDelimiters = []rune{';', '\t', '|', ':', '~', '#'}

// delimiterReliability is the confidence bonus per delimiter.
var delimiterReliability = map[rune]float64{
	';':  8,
	'\t': 7,
	'|':  6,
	':':  3,
	'~':  2,
	'#':  1,
}

// weakDelimiters commonly appear inside values, so they only compete when
// they outnumber commas.
var weakDelimiters = map[rune]bool{':': true, '~': true, '#': true}

var timeLikeRegex = regexp.MustCompile(`\b\d{1,2}:\d{2}(:\d{2})?\b`)

// AlternativeDelimiter parses files separated by something other than ','.
type AlternativeDelimiter struct{}

// NewAlternativeDelimiter returns the alternative-delimiter strategy.
func NewAlternativeDelimiter() *AlternativeDelimiter { return &AlternativeDelimiter{} }

func (a *AlternativeDelimiter) Name() string  { return "alternative_delimiter" }
func (a *AlternativeDelimiter) Priority() int { return 90 }

// CanHandle accepts textual buffers whose first lines contain any candidate delimiter.
func (a *AlternativeDelimiter) CanHandle(buf RawBuffer) bool {
	if buf.Blank() || buf.LooksBinary() {
		return false
	}
	sample := strings.Join(sampleLines(buf.Text(), 5), "\n")
	return strings.ContainsAny(sample, ";\t|:~#")
}

// Execute tries each candidate delimiter and accepts the first whose rows
// are consistent: at least 80% within ±10% of the mean field count.
func (a *AlternativeDelimiter) Execute(ctx context.Context, buf RawBuffer) (*Result, error) {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := buf.Text()
	sample := strings.Join(sampleLines(text, sampleLineCount), "\n")
	commas := strings.Count(sample, ",")

	var (
		chosen      rune
		records     [][]string
		consistency float64
	)
	for _, d := range alternativeDelimiters {
		n := strings.Count(sample, string(d))
		if n == 0 || (weakDelimiters[d] && n <= commas) {
			continue
		}
		recs, err := splitRecords(text, d)
		if err != nil || len(recs) == 0 {
			continue
		}
		within, mean := toleranceConsistency(recs, 0.10)
		if mean < 2 || within < 0.8 {
			continue
		}
		chosen, records, consistency = d, recs, within
		break
	}
	if chosen == 0 {
		return reject(a.Name(), buf, started, "no alternative delimiter produced consistent rows")
	}

	var issues []string
	if commas > 0 {
		issues = append(issues, fmt.Sprintf("commas present alongside %q delimiter; check decimal separators", delimiterName(chosen)))
	}
	if chosen == ':' && timeLikeRegex.MatchString(sample) {
		issues = append(issues, "colon delimiter may be splitting time values")
	}
	if chosen == '#' {
		issues = append(issues, "'#' delimiter may conflict with identifiers or comments")
	}

	hasHeaders, headerIssue := detectHeaderRow(records)
	if headerIssue != "" {
		issues = append(issues, headerIssue)
	}
	columns, rows := buildRows(records, hasHeaders, nil)
	if len(rows) == 0 {
		return reject(a.Name(), buf, started, "no data rows after header")
	}

	quality := QualityScore(records)
	confidence := 80 + delimiterReliability[chosen] + 0.2*(quality-75)

	elapsed := time.Since(started)
	return &Result{
		Success:      true,
		StrategyName: a.Name(),
		Confidence:   clamp(confidence, 65, 90),
		Columns:      columns,
		Rows:         rows,
		Metadata: Metadata{
			Delimiter:    string(chosen),
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
