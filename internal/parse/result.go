// Package parse recovers structured rows from uploaded tabular files.
//
// Several strategies each target one class of input (standard CSV,
// alternative delimiters, headerless numeric data, damaged files). Each one
// sniffs the buffer cheaply with CanHandle and, when it applies, produces a
// Result carrying a 0-100 confidence. The Selector runs the applicable
// strategies and keeps the most confident successful result.
package parse

import (
	"context"
	"fmt"
	"time"

	"github.com/JonMunkholm/importpipe/internal/domain"
)

// MinViableConfidence is the floor below which a successful parse is ignored.
const MinViableConfidence = 20.0

// Metadata describes how a Result was produced.
type Metadata struct {
	Delimiter     string        `json:"delimiter"`
	HasHeaders    bool          `json:"hasHeaders"`
	Encoding      Encoding      `json:"encoding"`
	ParseTime     time.Duration `json:"-"`
	ParseTimeMs   int64         `json:"parseTimeMs"`
	QualityScore  float64       `json:"qualityScore"`
	Consistency   float64       `json:"consistency"`
	RecoveryLevel string        `json:"recoveryLevel,omitempty"`
	DamageScore   int           `json:"damageScore,omitempty"`
	Issues        []string      `json:"issues"`
}

// Result is the outcome of one strategy attempt.
type Result struct {
	Success      bool         `json:"success"`
	StrategyName string       `json:"strategyName"`
	Confidence   float64      `json:"confidence"` // 0-100
	Columns      []string     `json:"columns"`
	Rows         []domain.Row `json:"rows"`
	Metadata     Metadata     `json:"metadata"`
}

// Strategy is one parsing algorithm.
type Strategy interface {
	Name() string
	// Priority orders strategies; higher runs first.
	Priority() int
	// CanHandle is a cheap sniff of the buffer.
	CanHandle(buf RawBuffer) bool
	// Execute parses the buffer. A rejected attempt returns a non-nil error
	// and a Result with Success=false describing why.
	Execute(ctx context.Context, buf RawBuffer) (*Result, error)
}

// RejectError explains why a strategy declined a buffer it had claimed.
type RejectError struct {
	Strategy string
	Reason   string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Strategy, e.Reason)
}

// reject builds the failed Result and error pair strategies return.
func reject(name string, buf RawBuffer, started time.Time, reason string) (*Result, error) {
	elapsed := time.Since(started)
	return &Result{
		Success:      false,
		StrategyName: name,
		Metadata: Metadata{
			Encoding:    buf.Encoding(),
			ParseTime:   elapsed,
			ParseTimeMs: elapsed.Milliseconds(),
			Issues:      []string{reason},
		},
	}, &RejectError{Strategy: name, Reason: reason}
}

// delimiterName renders a delimiter for metadata and issues.
func delimiterName(d rune) string {
	if d == '\t' {
		return "\\t"
	}
	return string(d)
}
