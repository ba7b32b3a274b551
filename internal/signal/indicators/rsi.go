package indicators

import (
	"context"

	"cryptoPaperBot/internal/domain"
)

// RSIConfig holds configuration for the RSI indicator
type RSIConfig struct {
	IndicatorConfig
	Overbought float64
}

// RSI implements the Relative Strength Index indicator
type RSI struct {
	BaseIndicator
	overbought float64
}

// NewRSI creates a new RSI indicator instance
func NewRSI(config RSIConfig) *RSI {
	return &RSI{
		BaseIndicator: BaseIndicator{Config: config.IndicatorConfig},
		overbought:    config.Overbought,
	}
}

// Name returns the name of the indicator
func (r *RSI) Name() string {
	return "RSI"
}

// RequiredDataPoints needs one change per period, so one kline more than the period.
func (r *RSI) RequiredDataPoints() int { return r.Config.Period + 1 }

// Calculate computes the RSI value using Wilder's smoothing method
func (r *RSI) Calculate(ctx context.Context, klines []*domain.Kline) (float64, error) {
	if err := r.need(r.Name(), len(klines), r.RequiredDataPoints()); err != nil {
		return 0, err
	}
	period := float64(r.Config.Period)

	var avgGain, avgLoss float64
	for i := 1; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		if i <= r.Config.Period {
			avgGain += gain / period
			avgLoss += loss / period
			continue
		}
		avgGain = (avgGain*(period-1) + gain) / period
		avgLoss = (avgLoss*(period-1) + loss) / period
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, nil
		}
		return 100, nil
	}
	return 100 - 100/(1+avgGain/avgLoss), nil
}

// IsOverbought checks if the RSI value indicates an overbought condition
func (r *RSI) IsOverbought(value float64) bool {
	return r.overbought > 0 && value >= r.overbought
}
