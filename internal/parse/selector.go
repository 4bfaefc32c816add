package parse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/metrics"
)

// Attempt summarizes one strategy run for diagnostics.
type Attempt struct {
	Strategy   string  `json:"strategy"`
	Handled    bool    `json:"handled"`
	Success    bool    `json:"success"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Selector runs the strategies that claim a buffer and keeps the most
// confident successful result.
type Selector struct {
	strategies []Strategy
	floor      float64
}

// DefaultStrategies returns the built-in strategies.
func DefaultStrategies() []Strategy {
	return []Strategy{
		NewStandardCSV(),
		NewAlternativeDelimiter(),
		NewNumericHeaderless(),
		NewDirtyRecovery(),
	}
}

// NewSelector orders strategies by descending priority. With no strategies
// the defaults are used.
func NewSelector(strategies ...Strategy) *Selector {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	sorted := make([]Strategy, len(strategies))
	copy(sorted, strategies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Selector{strategies: sorted, floor: MinViableConfidence}
}

// Strategies returns the strategies in the order they run.
func (s *Selector) Strategies() []Strategy {
	out := make([]Strategy, len(s.strategies))
	copy(out, s.strategies)
	return out
}

// Select runs every strategy whose CanHandle accepts buf and returns the
// successful result with the highest confidence at or above the floor.
// Ties go to the higher-priority strategy. When nothing qualifies the error
// wraps domain.ErrNoRecoverableData.
func (s *Selector) Select(ctx context.Context, buf RawBuffer) (*Result, []Attempt, error) {
	var (
		best     *Result
		attempts = make([]Attempt, 0, len(s.strategies))
	)

	for _, strategy := range s.strategies {
		if err := ctx.Err(); err != nil {
			return nil, attempts, err
		}

		attempt := Attempt{Strategy: strategy.Name()}
		if !strategy.CanHandle(buf) {
			attempts = append(attempts, attempt)
			continue
		}
		attempt.Handled = true

		result, err := strategy.Execute(ctx, buf)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, attempts, ctxErr
			}
			attempt.Reason = err.Error()
			var rej *RejectError
			if errors.As(err, &rej) {
				metrics.ParseAttempt(strategy.Name(), "rejected")
			} else {
				metrics.ParseAttempt(strategy.Name(), "error")
			}
			slog.Debug("parse strategy declined", "strategy", strategy.Name(), "reason", err)
		case result == nil || !result.Success:
			attempt.Reason = "no result"
			metrics.ParseAttempt(strategy.Name(), "rejected")
		default:
			result.Confidence = clamp(result.Confidence, 0, 100)
			attempt.Success = true
			attempt.Confidence = result.Confidence
			metrics.ParseAttempt(strategy.Name(), "success")

			if result.Confidence < s.floor {
				attempt.Reason = fmt.Sprintf("confidence %.1f below floor %.0f", result.Confidence, s.floor)
			} else if best == nil || result.Confidence > best.Confidence {
				// strict > keeps the earlier, higher-priority result on ties
				best = result
			}
		}
		attempts = append(attempts, attempt)
	}

	if best == nil {
		return nil, attempts, fmt.Errorf("%s: %w", buf.Name(), domain.ErrNoRecoverableData)
	}
	metrics.ParseSelected(best.StrategyName)
	return best, attempts, nil
}
