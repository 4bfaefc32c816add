package parse

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Recovery ladder rungs, least to most destructive.
const (
	RecoveryBasic      = "basic"
	RecoveryAggressive = "aggressive"
	RecoveryLineByLine = "line_by_line"
	RecoveryDesperate  = "desperate"
)

// rungPenalty is subtracted from confidence by the rung that succeeded.
var rungPenalty = map[string]float64{
	RecoveryBasic:      0,
	RecoveryAggressive: 10,
	RecoveryLineByLine: 20,
	RecoveryDesperate:  30,
}

// desperateWidths are the row widths tried when re-chunking a token stream.
var desperateWidths = []int{3, 4, 5, 6, 8, 10, 12}

const manualVerificationIssue = "manual verification recommended"

// DirtyRecovery is the last-resort strategy for damaged files. It climbs a
// ladder of increasingly destructive cleanups until one yields rows.
type DirtyRecovery struct{}

// NewDirtyRecovery returns the dirty-recovery strategy.
func NewDirtyRecovery() *DirtyRecovery { return &DirtyRecovery{} }

func (d *DirtyRecovery) Name() string  { return "dirty_recovery" }
func (d *DirtyRecovery) Priority() int { return 10 }

// CanHandle accepts any buffer with non-blank content.
func (d *DirtyRecovery) CanHandle(buf RawBuffer) bool {
	return !buf.Blank()
}

type rung struct {
	name string
	run  func(text string) [][]string
}

// Execute scores the damage, then tries each ladder rung in order.
func (d *DirtyRecovery) Execute(ctx context.Context, buf RawBuffer) (*Result, error) {
	started := time.Now()
	if buf.Blank() {
		return reject(d.Name(), buf, started, "buffer is empty")
	}

	source := buf.Bytes()
	if buf.Encoding() != EncodingUTF8 {
		source = []byte(buf.Text())
	}
	damage := DamageScore(source)

	ladder := []rung{
		{RecoveryBasic, recoverBasic},
		{RecoveryAggressive, recoverAggressive},
		{RecoveryLineByLine, recoverLineByLine},
		{RecoveryDesperate, recoverDesperate},
	}

	var (
		level   string
		records [][]string
	)
	for _, r := range ladder {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs := r.run(buf.Text())
		if r.name == RecoveryDesperate {
			if len(recs) > 0 {
				level, records = r.name, recs
			}
			break
		}
		if usable(recs) {
			level, records = r.name, recs
			break
		}
	}
	if level == "" {
		return reject(d.Name(), buf, started, "no recoverable data")
	}

	hasHeaders, _ := detectHeaderRow(records)
	columns, rows := buildRows(records, hasHeaders, nil)
	if len(rows) == 0 {
		return reject(d.Name(), buf, started, "no recoverable data rows")
	}

	_, consistency := modalWidth(records)
	confidence := 40 - 0.3*float64(damage) - rungPenalty[level]
	elapsed := time.Since(started)

	return &Result{
		Success:      true,
		StrategyName: d.Name(),
		Confidence:   clamp(confidence, 20, 70),
		Columns:      columns,
		Rows:         rows,
		Metadata: Metadata{
			HasHeaders:    hasHeaders,
			Encoding:      buf.Encoding(),
			ParseTime:     elapsed,
			ParseTimeMs:   elapsed.Milliseconds(),
			QualityScore:  QualityScore(records),
			Consistency:   consistency,
			RecoveryLevel: level,
			DamageScore:   damage,
			Issues: []string{
				fmt.Sprintf("file damage score %d/100", damage),
				fmt.Sprintf("recovered with %s cleanup", strings.ReplaceAll(level, "_", "-")),
				manualVerificationIssue,
			},
		},
	}, nil
}

// usable reports whether records look like a table: a modal width of at
// least two shared by at least half the rows.
func usable(records [][]string) bool {
	width, share := modalWidth(records)
	return width >= 2 && share >= 0.5
}

// DamageScore rates raw content from 0 (clean) to 100. NUL bytes, binary
// control bytes, mixed line endings, irregular delimiter counts, and garbage
// characters each add weighted points.
func DamageScore(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	size := float64(len(data))
	score := 0.0

	var nul, binary int
	for _, b := range data {
		switch {
		case b == 0:
			nul++
		case b < 0x20 && b != '\t' && b != '\r' && b != '\n', b == 0x7F:
			binary++
		}
	}
	if nul > 0 {
		score += 15 + math.Min(10, float64(nul)/size*100)
	}
	score += math.Min(25, float64(binary)/size*250)

	if mixedLineEndings(data) {
		score += 5
	}

	text := strings.ReplaceAll(string(data), "\x00", "")
	score += irregularity(text) * 20

	garbage, runes := 0, 0
	for i := 0; i < len(data); {
		r, n := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError {
			garbage++
		}
		runes++
		i += n
	}
	if runes > 0 {
		score += math.Min(15, float64(garbage)/float64(runes)*150)
	}

	return int(math.Round(math.Min(100, score)))
}

func mixedLineEndings(data []byte) bool {
	var crlf, cr, lf bool
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\r':
			if i+1 < len(data) && data[i+1] == '\n' {
				crlf = true
				i++
			} else {
				cr = true
			}
		case '\n':
			lf = true
		}
	}
	kinds := 0
	for _, k := range []bool{crlf, cr, lf} {
		if k {
			kinds++
		}
	}
	return kinds > 1
}

// irregularity is the share of lines whose delimiter count differs from the
// most common count.
func irregularity(text string) float64 {
	delim := string(DetectDelimiter(text))
	counts := make(map[int]int)
	lines := 0
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' }) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		counts[strings.Count(line, delim)]++
		lines++
	}
	if lines == 0 {
		return 0
	}
	best := 0
	for _, c := range counts {
		if c > best {
			best = c
		}
	}
	return 1 - float64(best)/float64(lines)
}

// basicClean strips NUL bytes, normalizes line endings, and trims trailing
// whitespace from each line.
func basicClean(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return strings.Join(lines, "\n")
}

func recoverBasic(text string) [][]string {
	text = basicClean(text)
	records, err := splitRecords(text, DetectDelimiter(text))
	if err != nil {
		return nil
	}
	return records
}

// aggressiveClean removes non-printable characters, collapses runs of the
// delimiter, and drops empty lines.
func aggressiveClean(text string, delim rune) string {
	text = sanitizeLine(basicClean(text))

	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, collapseRepeats(line, delim))
	}
	return strings.Join(out, "\n")
}

func recoverAggressive(text string) [][]string {
	delim := DetectDelimiter(basicClean(text))
	records, err := splitRecords(aggressiveClean(text, delim), delim)
	if err != nil {
		return nil
	}
	return records
}

// recoverLineByLine sanitizes each line on its own and splits it without
// quote handling. Lines lacking the delimiter are split on whitespace.
func recoverLineByLine(text string) [][]string {
	text = basicClean(text)
	delim := DetectDelimiter(text)
	sep := string(delim)

	var records [][]string
	for _, line := range strings.Split(text, "\n") {
		line = sanitizeLine(line)
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.Contains(line, sep) {
			line = strings.Join(strings.Fields(line), sep)
		}
		cells := strings.Split(line, sep)
		for i := range cells {
			cells[i] = strings.TrimSpace(strings.Trim(cells[i], `"`))
		}
		if !isEmptyRecord(cells) {
			records = append(records, cells)
		}
	}
	return records
}

// recoverDesperate tokenizes the whole buffer on any plausible delimiter and
// re-chunks the tokens into rows of the width whose columns are most
// type-consistent.
func recoverDesperate(text string) [][]string {
	text = sanitizeLine(basicClean(text))
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return strings.ContainsRune(",;\t|\n", r)
	})
	kept := tokens[:0]
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			kept = append(kept, t)
		}
	}
	tokens = kept
	if len(tokens) < 2 {
		return nil
	}

	best, bestScore := len(tokens), -1.0
	if len(tokens) >= desperateWidths[0] {
		for _, w := range desperateWidths {
			if w > len(tokens) {
				break
			}
			score := typeConsistency(chunk(tokens, w), w)
			if len(tokens)%w == 0 {
				score += 0.05
			}
			if score > bestScore {
				best, bestScore = w, score
			}
		}
	}
	return chunk(tokens, best)
}

func chunk(tokens []string, width int) [][]string {
	var out [][]string
	for start := 0; start < len(tokens); start += width {
		end := min(start+width, len(tokens))
		out = append(out, tokens[start:end])
	}
	return out
}

// sanitizeLine keeps printable characters plus tab and newline.
func sanitizeLine(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || (unicode.IsPrint(r) && r != utf8.RuneError) {
			return r
		}
		return -1
	}, s)
}

func collapseRepeats(line string, delim rune) string {
	var b strings.Builder
	b.Grow(len(line))
	prev := rune(-1)
	for _, r := range line {
		if r == delim && prev == delim {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}
