package indicators

import (
	"context"
	"math"

	"cryptoPaperBot/internal/domain"
)

// ATRConfig holds configuration for the Average True Range indicator
type ATRConfig struct {
	IndicatorConfig
}

// ATR implements the Average True Range indicator with Wilder's smoothing.
type ATR struct {
	BaseIndicator
}

// NewATR creates a new Average True Range indicator instance
func NewATR(config ATRConfig) *ATR {
	return &ATR{BaseIndicator: BaseIndicator{Config: config.IndicatorConfig}}
}

// Name returns the name of the indicator
func (a *ATR) Name() string { return "ATR" }

// RequiredDataPoints includes the extra kline that supplies the first previous close.
func (a *ATR) RequiredDataPoints() int { return a.Config.Period + 1 }

// Calculate computes the Average True Range value for the given klines
func (a *ATR) Calculate(ctx context.Context, klines []*domain.Kline) (float64, error) {
	if err := a.need(a.Name(), len(klines), a.RequiredDataPoints()); err != nil {
		return 0, err
	}
	period := a.Config.Period

	trueRange := func(i int) float64 {
		k := klines[i]
		if i == 0 {
			return k.High - k.Low
		}
		prev := klines[i-1].Close
		return math.Max(k.High-k.Low, math.Max(math.Abs(k.High-prev), math.Abs(k.Low-prev)))
	}

	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trueRange(i)
	}
	atr /= float64(period)
	for i := period; i < len(klines); i++ {
		atr = (atr*float64(period-1) + trueRange(i)) / float64(period)
	}
	return atr, nil
}
