// Package indicators computes technical indicators over kline windows.
package indicators

import (
	"context"
	"fmt"

	"cryptoPaperBot/internal/domain"
)

// Indicator represents a technical indicator that can be calculated from price data
type Indicator interface {
	// Calculate computes the indicator value for the given price data
	Calculate(ctx context.Context, klines []*domain.Kline) (float64, error)

	// RequiredDataPoints returns the minimum number of klines needed for calculation
	RequiredDataPoints() int

	// Name returns the name of the indicator
	Name() string
}

// IndicatorConfig holds common configuration for indicators
type IndicatorConfig struct {
	Period int
}

// BaseIndicator provides common functionality for indicators
type BaseIndicator struct {
	Config IndicatorConfig
}

// RequiredDataPoints returns the minimum number of klines needed for calculation
func (b *BaseIndicator) RequiredDataPoints() int {
	return b.Config.Period
}

func (b *BaseIndicator) need(name string, have, want int) error {
	if b.Config.Period <= 0 {
		return fmt.Errorf("%s period must be positive, got %d", name, b.Config.Period)
	}
	if have < want {
		return fmt.Errorf("not enough data (%d) to calculate %s for period %d", have, name, b.Config.Period)
	}
	return nil
}

// mean of f over the last n klines.
func mean(klines []*domain.Kline, n int, f func(*domain.Kline) float64) float64 {
	total := 0.0
	for _, k := range klines[len(klines)-n:] {
		total += f(k)
	}
	return total / float64(n)
}

func closePrice(k *domain.Kline) float64 { return k.Close }
