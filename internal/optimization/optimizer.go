// Package optimization sweeps trading options over a grid and ranks the
// outcomes.
package optimization

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"cryptoPaperBot/internal/analytics"
	"cryptoPaperBot/internal/ports"
)

// maxCombinations bounds the grid size.
const maxCombinations = 10000

// ParameterRange is an inclusive range sampled every Step.
type ParameterRange struct {
	Name string
	Min  decimal.Decimal
	Max  decimal.Decimal
	Step decimal.Decimal
}

// ParseRange parses "name=min:max:step", or "name=value" for a single value.
func ParseRange(s string) (ParameterRange, error) {
	name, bounds, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return ParameterRange{}, fmt.Errorf("range %q: want name=min:max:step: %w", s, ports.ErrInvalidRequest)
	}
	parts := strings.Split(bounds, ":")
	if len(parts) != 1 && len(parts) != 3 {
		return ParameterRange{}, fmt.Errorf("range %q: want name=min:max:step: %w", s, ports.ErrInvalidRequest)
	}
	vals := make([]decimal.Decimal, len(parts))
	for i, p := range parts {
		v, err := decimal.NewFromString(strings.TrimSpace(p))
		if err != nil {
			return ParameterRange{}, fmt.Errorf("range %q: %v: %w", s, err, ports.ErrInvalidRequest)
		}
		vals[i] = v
	}
	if len(vals) == 1 {
		return ParameterRange{Name: name, Min: vals[0], Max: vals[0], Step: decimal.NewFromInt(1)}, nil
	}
	return ParameterRange{Name: name, Min: vals[0], Max: vals[1], Step: vals[2]}, nil
}

// Values lists the sampled values from Min to Max.
func (r ParameterRange) Values() []decimal.Decimal {
	var out []decimal.Decimal
	for v := r.Min; v.LessThanOrEqual(r.Max); v = v.Add(r.Step) {
		out = append(out, v)
	}
	return out
}

// RunFunc evaluates one parameter combination.
type RunFunc func(ctx context.Context, params map[string]decimal.Decimal) (*analytics.PerformanceMetrics, error)

// Result is the outcome of one combination. Err is set when the run failed.
type Result struct {
	Parameters map[string]decimal.Decimal
	Metrics    *analytics.PerformanceMetrics
	Score      decimal.Decimal
	Err        error
}

// Config holds the grid and the scoring policy.
type Config struct {
	Ranges        []ParameterRange
	Concurrency   int
	ScoreFunction func(*analytics.PerformanceMetrics) decimal.Decimal // DefaultScoreFunction when nil
}

// Optimizer runs every combination of the configured ranges.
type Optimizer struct {
	config Config
}

// NewOptimizer validates the grid.
func NewOptimizer(config Config) (*Optimizer, error) {
	if len(config.Ranges) == 0 {
		return nil, fmt.Errorf("at least one parameter range is required: %w", ports.ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(config.Ranges))
	total := 1
	for _, r := range config.Ranges {
		if seen[r.Name] {
			return nil, fmt.Errorf("parameter %s listed twice: %w", r.Name, ports.ErrInvalidRequest)
		}
		seen[r.Name] = true
		if !r.Step.IsPositive() || r.Min.GreaterThan(r.Max) {
			return nil, fmt.Errorf("parameter %s: need min <= max and a positive step: %w", r.Name, ports.ErrInvalidRequest)
		}
		total *= len(r.Values())
		if total > maxCombinations {
			return nil, fmt.Errorf("grid exceeds %d combinations: %w", maxCombinations, ports.ErrInvalidRequest)
		}
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.ScoreFunction == nil {
		config.ScoreFunction = DefaultScoreFunction
	}
	return &Optimizer{config: config}, nil
}

// Combinations enumerates the grid, first range varying slowest.
func (o *Optimizer) Combinations() []map[string]decimal.Decimal {
	combinations := []map[string]decimal.Decimal{{}}
	for _, r := range o.config.Ranges {
		var next []map[string]decimal.Decimal
		for _, base := range combinations {
			for _, v := range r.Values() {
				c := make(map[string]decimal.Decimal, len(base)+1)
				for k, bv := range base {
					c[k] = bv
				}
				c[r.Name] = v
				next = append(next, c)
			}
		}
		combinations = next
	}
	return combinations
}

// Optimize runs every combination and returns the results best first; failed
// runs sort last. Only cancellation of ctx aborts the sweep.
func (o *Optimizer) Optimize(ctx context.Context, run RunFunc) ([]Result, error) {
	combinations := o.Combinations()
	results := make([]Result, len(combinations))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Concurrency)
	for i, params := range combinations {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			metrics, err := run(gctx, params)
			results[i] = Result{Parameters: params, Metrics: metrics, Err: err}
			if err == nil && metrics != nil {
				results[i].Score = o.config.ScoreFunction(metrics)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if (results[i].Err == nil) != (results[j].Err == nil) {
			return results[i].Err == nil
		}
		return results[i].Score.GreaterThan(results[j].Score)
	})
	return results, nil
}

// DefaultScoreFunction weighs win rate, profit factor, drawdown and return.
func DefaultScoreFunction(m *analytics.PerformanceMetrics) decimal.Decimal {
	one := decimal.NewFromInt(1)
	score := m.WinRate.Mul(decimal.RequireFromString("0.3"))
	score = score.Add(m.ProfitFactor.Mul(decimal.RequireFromString("0.2")))
	score = score.Add(one.Sub(m.MaxDrawdown).Mul(decimal.RequireFromString("0.3")))
	score = score.Add(m.ReturnOnInvestment.Mul(decimal.RequireFromString("0.2")))
	return score
}
