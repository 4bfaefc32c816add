package batch

// convert.go turns mapped cell values into typed record fields.
//
// Parsed rows hold string, float64, bool, or nil. Source files are messy, so
// numbers may still arrive as strings with currency symbols, thousands
// separators, or accounting-style parentheses.

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// cleanCell strips Excel formula prefixes and surrounding quotes.
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}
	return strings.TrimSpace(strings.Trim(s, `"'`))
}

// asString renders any cell value as trimmed text. nil becomes "".
func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return cleanCell(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return cleanCell(fmt.Sprint(x))
	}
}

// asDecimal parses a money-like value. ok is false for empty input.
func asDecimal(v any) (d decimal.Decimal, ok bool, err error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, false, nil
	case float64:
		return decimal.NewFromFloat(x), true, nil
	case bool:
		return decimal.Zero, true, fmt.Errorf("expected a number, got %t", x)
	}

	s := asString(v)
	if s == "" {
		return decimal.Zero, false, nil
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	for _, sym := range []string{"$", "€", "£", ","} {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.TrimSpace(s)
	if !numericRegex.MatchString(s) {
		return decimal.Zero, true, fmt.Errorf("%q is not a number", asString(v))
	}
	d, err = decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, true, fmt.Errorf("%q is not a number", s)
	}
	if negative {
		d = d.Neg()
	}
	return d, true, nil
}

// asBool accepts true/false, yes/no, t/f, y/n, 1/0.
func asBool(v any) (b bool, ok bool, err error) {
	switch x := v.(type) {
	case nil:
		return false, false, nil
	case bool:
		return x, true, nil
	case float64:
		switch x {
		case 1:
			return true, true, nil
		case 0:
			return false, true, nil
		}
		return false, true, fmt.Errorf("%v is not a boolean", x)
	}

	switch s := strings.ToLower(asString(v)); s {
	case "":
		return false, false, nil
	case "true", "t", "yes", "y", "1":
		return true, true, nil
	case "false", "f", "no", "n", "0":
		return false, true, nil
	default:
		return false, true, fmt.Errorf("%q is not a boolean", s)
	}
}

// asList splits a multi-value cell on |, ;, or , (first one present wins).
func asList(v any) []string {
	s := asString(v)
	if s == "" {
		return nil
	}
	sep := ""
	for _, candidate := range []string{"|", ";", ","} {
		if strings.Contains(s, candidate) {
			sep = candidate
			break
		}
	}
	parts := []string{s}
	if sep != "" {
		parts = strings.Split(s, sep)
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// slug lowercases s and joins its alphanumeric runs with underscores.
func slug(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		isWord := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isWord {
			pendingSep = b.Len() > 0
			continue
		}
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
