package parse

// primitives.go holds the helpers every strategy shares: delimiter and header
// detection, cell coercion, record splitting, and the quality/confidence
// scoring functions.

import (
	"encoding/csv"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/importpipe/internal/domain"
)

// candidateDelimiters are the delimiters DetectDelimiter chooses between.
var candidateDelimiters = []rune{',', ';', '\t', '|'}

// sampleLineCount bounds how many lines the sniffing helpers inspect.
const sampleLineCount = 20

// numericRegex validates plain integers, decimals, and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// Date layouts recognized when classifying columns.
var dateLayouts = []string{
	"2006-01-02", "2006/01/02", "2006.01.02",
	"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
	"Jan 2, 2006", "2 Jan 2006",
	"2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05",
}

// sampleLines returns up to n non-blank lines from the start of text.
func sampleLines(text string, n int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
		if len(out) == n {
			break
		}
	}
	return out
}

// DetectDelimiter scores ',', ';', tab, and '|' by occurrence count over the
// first lines of text and returns the most frequent. Defaults to ','.
func DetectDelimiter(text string) rune {
	lines := sampleLines(text, sampleLineCount)

	best, bestCount := ',', 0
	for _, d := range candidateDelimiters {
		count := 0
		for _, line := range lines {
			count += strings.Count(line, string(d))
		}
		if count > bestCount {
			best, bestCount = d, count
		}
	}
	return best
}

// IsNumeric reports whether s (after trimming) is a finite number.
func IsNumeric(s string) bool {
	_, ok := parseNumber(strings.TrimSpace(s))
	return ok
}

func parseNumber(s string) (float64, bool) {
	if !numericRegex.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// ParseDate tries the known date layouts against s.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CoerceValue converts a raw cell into a typed value:
// empty → nil, finite number → float64, true/yes/1 and false/no/0 → bool,
// anything else → the trimmed string.
func CoerceValue(raw string) any {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if f, ok := parseNumber(s); ok {
		return f
	}
	switch strings.ToLower(s) {
	case "true", "yes", "1":
		return true
	case "false", "no", "0":
		return false
	}
	return s
}

// DetectHeaders reports whether the first record is a header row: every cell
// is non-numeric text and the second record has at least one numeric cell.
func DetectHeaders(records [][]string) bool {
	if len(records) < 2 {
		return false
	}

	text := 0
	for _, cell := range records[0] {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		if IsNumeric(cell) {
			return false
		}
		text++
	}
	if text == 0 {
		return false
	}

	for _, cell := range records[1] {
		if IsNumeric(cell) {
			return true
		}
	}
	return false
}

// looksLikeHeaderRow is the looser check used when DetectHeaders says no: the
// first record is distinct, non-empty, non-numeric text that does not repeat
// in the second record. Files of all-text data pass DetectHeaders' numeric
// test only by accident, so this catches e.g. "name,website" headers.
func looksLikeHeaderRow(records [][]string) bool {
	if len(records) < 2 || len(records[0]) < 2 {
		return false
	}
	seen := make(map[string]bool, len(records[0]))
	for _, cell := range records[0] {
		key := strings.ToLower(strings.TrimSpace(cell))
		if key == "" || IsNumeric(key) || seen[key] || len(key) > 64 {
			return false
		}
		seen[key] = true
	}
	for _, cell := range records[1] {
		if seen[strings.ToLower(strings.TrimSpace(cell))] {
			return false
		}
	}
	return true
}

// detectHeaderRow combines DetectHeaders with the looser text-only check.
// The returned issue is non-empty when the looser check decided.
func detectHeaderRow(records [][]string) (bool, string) {
	if DetectHeaders(records) {
		return true, ""
	}
	if looksLikeHeaderRow(records) {
		return true, "header row assumed from a text-only first line"
	}
	return false, ""
}

// splitRecords parses text with the given delimiter, tolerating bare quotes
// and ragged rows. Rows with no non-blank cell are dropped.
func splitRecords(text string, delim rune) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	all, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("split records on %q: %w", delim, err)
	}

	records := all[:0]
	for _, rec := range all {
		if !isEmptyRecord(rec) {
			records = append(records, rec)
		}
	}
	return records, nil
}

func isEmptyRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// modalWidth returns the most common record width and the fraction of
// records that have it. Ties go to the wider width.
func modalWidth(records [][]string) (int, float64) {
	if len(records) == 0 {
		return 0, 0
	}
	counts := make(map[int]int)
	for _, rec := range records {
		counts[len(rec)]++
	}
	width, best := 0, 0
	for w, c := range counts {
		if c > best || (c == best && w > width) {
			width, best = w, c
		}
	}
	return width, float64(best) / float64(len(records))
}

// toleranceConsistency returns the fraction of records whose width lies
// within tol (relative) of the mean width, and the mean itself.
func toleranceConsistency(records [][]string, tol float64) (float64, float64) {
	if len(records) == 0 {
		return 0, 0
	}
	total := 0
	for _, rec := range records {
		total += len(rec)
	}
	mean := float64(total) / float64(len(records))

	within := 0
	for _, rec := range records {
		if math.Abs(float64(len(rec))-mean) <= tol*mean+1e-9 {
			within++
		}
	}
	return float64(within) / float64(len(records)), mean
}

// cellStats counts cells and non-empty cells.
func cellStats(records [][]string) (cells, filled int) {
	for _, rec := range records {
		for _, v := range rec {
			cells++
			if strings.TrimSpace(v) != "" {
				filled++
			}
		}
	}
	return cells, filled
}

// QualityScore grades parsed records: base 50, plus 25 × the fraction of rows
// with the modal column count, plus 25 × the fraction of non-empty cells.
// Returns 0 for no records.
func QualityScore(records [][]string) float64 {
	if len(records) == 0 {
		return 0
	}
	_, consistency := modalWidth(records)
	cells, filled := cellStats(records)
	fill := 0.0
	if cells > 0 {
		fill = float64(filled) / float64(cells)
	}
	return 50 + 25*consistency + 25*fill
}

// ConfidenceBonus folds structural consistency (up to +20), value variety
// (up to +15), and low emptiness (+5..+15) into an adjustment bounded to
// [-30, +50].
func ConfidenceBonus(records [][]string) float64 {
	if len(records) == 0 {
		return -30
	}
	bonus := 0.0

	_, consistency := modalWidth(records)
	switch {
	case consistency >= 0.9:
		bonus += 20
	case consistency >= 0.7:
		bonus += 10
	case consistency < 0.5:
		bonus -= 15
	}

	distinct := make(map[string]struct{})
	values := 0
	for _, rec := range records {
		for _, v := range rec {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			values++
			distinct[v] = struct{}{}
		}
	}
	if values > 0 {
		variety := float64(len(distinct)) / float64(values)
		switch {
		case len(distinct) == 1 && values > 1:
			bonus -= 10
		case variety > 0.5:
			bonus += 15
		case variety > 0.2:
			bonus += 7
		}
	}

	cells, filled := cellStats(records)
	if cells > 0 {
		empty := 1 - float64(filled)/float64(cells)
		switch {
		case empty < 0.05:
			bonus += 15
		case empty < 0.15:
			bonus += 10
		case empty < 0.30:
			bonus += 5
		case empty > 0.60:
			bonus -= 5
		}
	}

	return clamp(bonus, -30, 50)
}

// buildRows turns records into typed rows. When hasHeaders is set the first
// record names the columns; otherwise names is used, falling back to
// column_N for any position it does not cover.
func buildRows(records [][]string, hasHeaders bool, names []string) ([]string, []domain.Row) {
	data := records
	if hasHeaders && len(records) > 0 {
		names = headerNames(records[0])
		data = records[1:]
	}

	width := len(names)
	for _, rec := range data {
		if len(rec) > width {
			width = len(rec)
		}
	}
	columns := make([]string, width)
	copy(columns, names)
	for i := len(names); i < width; i++ {
		columns[i] = fmt.Sprintf("column_%d", i+1)
	}

	rows := make([]domain.Row, 0, len(data))
	for _, rec := range data {
		row := make(domain.Row, width)
		for i, col := range columns {
			if i < len(rec) {
				row[col] = CoerceValue(rec[i])
			} else {
				row[col] = nil
			}
		}
		rows = append(rows, row)
	}
	return columns, rows
}

// headerNames cleans a header record into unique column names.
func headerNames(header []string) []string {
	names := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.Trim(strings.TrimSpace(h), `"'`)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		} else {
			seen[name] = 1
		}
		names[i] = name
	}
	return names
}

// classifyColumn names the dominant type of a column sample:
// integer, decimal, numeric, date, or value.
func classifyColumn(values []string) string {
	var ints, decimals, numerics, dates, total int
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		total++
		if _, ok := parseNumber(v); ok {
			numerics++
			switch {
			case strings.ContainsAny(v, "eE"):
			case strings.Contains(v, "."):
				decimals++
			default:
				ints++
			}
			continue
		}
		if _, ok := ParseDate(v); ok {
			dates++
		}
	}

	switch {
	case total == 0:
		return "value"
	case ints == total:
		return "integer"
	case numerics == total && decimals+ints == total:
		return "decimal"
	case numerics == total:
		return "numeric"
	case dates == total:
		return "date"
	default:
		return "value"
	}
}

// columnSample collects up to n values of column i.
func columnSample(records [][]string, i, n int) []string {
	out := make([]string, 0, n)
	for _, rec := range records {
		if i < len(rec) {
			out = append(out, rec[i])
		}
		if len(out) == n {
			break
		}
	}
	return out
}

// cellKind buckets a cell for type-consistency scoring.
func cellKind(v string) string {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return "empty"
	case IsNumeric(v):
		return "number"
	}
	if _, ok := ParseDate(v); ok {
		return "date"
	}
	switch strings.ToLower(v) {
	case "true", "false", "yes", "no":
		return "bool"
	}
	return "text"
}

// typeConsistency averages, over columns, the share of cells that match the
// column's dominant kind.
func typeConsistency(records [][]string, width int) float64 {
	if width == 0 || len(records) == 0 {
		return 0
	}
	total := 0.0
	for col := 0; col < width; col++ {
		kinds := make(map[string]int)
		n := 0
		for _, rec := range records {
			if col < len(rec) {
				kinds[cellKind(rec[col])]++
				n++
			}
		}
		if n == 0 {
			continue
		}
		counts := make([]int, 0, len(kinds))
		for _, c := range kinds {
			counts = append(counts, c)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(counts)))
		total += float64(counts[0]) / float64(n)
	}
	return total / float64(width)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
