package indicators

import (
	"context"

	"cryptoPaperBot/internal/domain"
)

// VolumeAverage is the simple mean of traded volume over the period.
type VolumeAverage struct {
	BaseIndicator
}

// NewVolumeAverage creates a volume average over period klines.
func NewVolumeAverage(config IndicatorConfig) *VolumeAverage {
	return &VolumeAverage{BaseIndicator: BaseIndicator{Config: config}}
}

// Name returns the name of the indicator
func (v *VolumeAverage) Name() string { return "VOLUME" }

// Calculate computes the average volume of the last period klines.
func (v *VolumeAverage) Calculate(ctx context.Context, klines []*domain.Kline) (float64, error) {
	if err := v.need(v.Name(), len(klines), v.Config.Period); err != nil {
		return 0, err
	}
	return mean(klines, v.Config.Period, func(k *domain.Kline) float64 { return k.Volume }), nil
}
