package indicators

import (
	"context"
	"fmt"

	"cryptoPaperBot/internal/domain"
)

// MovingAverageType defines the type of moving average
type MovingAverageType string

const (
	// SimpleMovingAverage represents a simple moving average
	SimpleMovingAverage MovingAverageType = "SMA"
	// ExponentialMovingAverage represents an exponential moving average
	ExponentialMovingAverage MovingAverageType = "EMA"
)

// MovingAverageConfig holds configuration for moving average indicators
type MovingAverageConfig struct {
	IndicatorConfig
	Type MovingAverageType
}

// MovingAverage implements both SMA and EMA over close prices.
type MovingAverage struct {
	BaseIndicator
	kind MovingAverageType
}

// NewMovingAverage creates a new moving average indicator instance
func NewMovingAverage(config MovingAverageConfig) *MovingAverage {
	return &MovingAverage{
		BaseIndicator: BaseIndicator{Config: config.IndicatorConfig},
		kind:          config.Type,
	}
}

// Name returns the name of the indicator
func (m *MovingAverage) Name() string {
	return string(m.kind)
}

// Calculate computes the moving average value based on the configured type
func (m *MovingAverage) Calculate(ctx context.Context, klines []*domain.Kline) (float64, error) {
	if err := m.need(m.Name(), len(klines), m.Config.Period); err != nil {
		return 0, err
	}
	period := m.Config.Period
	switch m.kind {
	case SimpleMovingAverage:
		return mean(klines, period, closePrice), nil
	case ExponentialMovingAverage:
		// Seed with the SMA of the first period, then smooth forward.
		ema := mean(klines[:period], period, closePrice)
		k := 2.0 / float64(period+1)
		for _, kl := range klines[period:] {
			ema += (kl.Close - ema) * k
		}
		return ema, nil
	default:
		return 0, fmt.Errorf("unsupported moving average type: %s", m.kind)
	}
}
