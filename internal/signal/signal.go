// Package signal decides which flat symbols are candidates for entry. The core
// only sees ports.EntrySignal; sizing and admission stay in the core.
package signal

import (
	"context"
	"fmt"

	"cryptoPaperBot/internal/ports"
	"cryptoPaperBot/internal/signal/indicators"
)

// Always signals entry for every symbol.
type Always struct{}

// ShouldEnter implements ports.EntrySignal.
func (Always) ShouldEnter(ctx context.Context, symbol string, snapshot ports.Snapshot) bool {
	return true
}

// Config holds the indicator periods and thresholds.
type Config struct {
	Interval         string
	Lookback         int
	SMAPeriod        int
	EMAPeriod        int
	ATRPeriod        int
	RSIPeriod        int // 0 disables the RSI filter
	RSIOverbought    float64
	ProximityPct     float64 // max distance above both averages
	MaxVolatilityPct float64 // max ATR / price
	VolumeMultiplier float64 // last volume vs average volume
}

// Evaluation records the indicator values behind one decision.
type Evaluation struct {
	Price     float64
	SMA       float64
	EMA       float64
	ATR       float64
	RSI       float64
	Volume    float64
	AvgVolume float64
	Enter     bool
	Reason    string
}

// Evaluator implements ports.EntrySignal over recent klines: enter when price
// sits just above both moving averages, volatility is contained and volume is
// at least average.
type Evaluator struct {
	klines ports.KlineSource
	logger ports.Logger
	cfg    Config

	sma    *indicators.MovingAverage
	ema    *indicators.MovingAverage
	atr    *indicators.ATR
	rsi    *indicators.RSI
	volume *indicators.VolumeAverage
}

// NewEvaluator creates an evaluator reading klines from src.
func NewEvaluator(src ports.KlineSource, cfg Config, logger ports.Logger) (*Evaluator, error) {
	if src == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for signal evaluator")
	}
	if cfg.SMAPeriod <= 0 || cfg.EMAPeriod <= 0 || cfg.ATRPeriod <= 0 || cfg.RSIPeriod < 0 {
		return nil, fmt.Errorf("signal periods must be positive: %w", ports.ErrConfigurationError)
	}
	e := &Evaluator{
		klines: src,
		logger: logger,
		cfg:    cfg,
		sma:    indicators.NewMovingAverage(indicators.MovingAverageConfig{IndicatorConfig: indicators.IndicatorConfig{Period: cfg.SMAPeriod}, Type: indicators.SimpleMovingAverage}),
		ema:    indicators.NewMovingAverage(indicators.MovingAverageConfig{IndicatorConfig: indicators.IndicatorConfig{Period: cfg.EMAPeriod}, Type: indicators.ExponentialMovingAverage}),
		atr:    indicators.NewATR(indicators.ATRConfig{IndicatorConfig: indicators.IndicatorConfig{Period: cfg.ATRPeriod}}),
		volume: indicators.NewVolumeAverage(indicators.IndicatorConfig{Period: cfg.SMAPeriod}),
	}
	if cfg.RSIPeriod > 0 {
		e.rsi = indicators.NewRSI(indicators.RSIConfig{IndicatorConfig: indicators.IndicatorConfig{Period: cfg.RSIPeriod}, Overbought: cfg.RSIOverbought})
	}
	if need := e.RequiredDataPoints(); cfg.Lookback < need {
		return nil, fmt.Errorf("lookback %d is below the %d klines the indicators need: %w", cfg.Lookback, need, ports.ErrConfigurationError)
	}
	return e, nil
}

// RequiredDataPoints is the largest window any indicator needs.
func (e *Evaluator) RequiredDataPoints() int {
	need := max(e.sma.RequiredDataPoints(), e.ema.RequiredDataPoints(), e.atr.RequiredDataPoints())
	if e.rsi != nil {
		need = max(need, e.rsi.RequiredDataPoints())
	}
	return need
}

// ShouldEnter implements ports.EntrySignal. Any failure to evaluate is a no.
func (e *Evaluator) ShouldEnter(ctx context.Context, symbol string, snapshot ports.Snapshot) bool {
	ev, err := e.Evaluate(ctx, symbol, snapshot)
	if err != nil {
		e.logger.Warn(ctx, "Entry signal unavailable", map[string]interface{}{"symbol": symbol, "error": err.Error()})
		return false
	}
	e.logger.Debug(ctx, "Entry signal evaluated", map[string]interface{}{
		"symbol": symbol,
		"price":  ev.Price,
		"sma":    ev.SMA,
		"ema":    ev.EMA,
		"atr":    ev.ATR,
		"rsi":    ev.RSI,
		"enter":  ev.Enter,
		"reason": ev.Reason,
	})
	return ev.Enter
}

// Evaluate fetches klines for symbol and applies the entry filters at the
// snapshot price.
func (e *Evaluator) Evaluate(ctx context.Context, symbol string, snapshot ports.Snapshot) (Evaluation, error) {
	klines, err := e.klines.GetKlines(ctx, symbol, e.cfg.Interval, e.cfg.Lookback)
	if err != nil {
		return Evaluation{}, fmt.Errorf("fetch klines for %s: %w", symbol, err)
	}
	if len(klines) < e.RequiredDataPoints() {
		return Evaluation{}, fmt.Errorf("only %d klines for %s, need %d", len(klines), symbol, e.RequiredDataPoints())
	}

	ev := Evaluation{Price: snapshot.Price.InexactFloat64()}
	if ev.SMA, err = e.sma.Calculate(ctx, klines); err != nil {
		return ev, err
	}
	if ev.EMA, err = e.ema.Calculate(ctx, klines); err != nil {
		return ev, err
	}
	if ev.ATR, err = e.atr.Calculate(ctx, klines); err != nil {
		return ev, err
	}
	if ev.AvgVolume, err = e.volume.Calculate(ctx, klines); err != nil {
		return ev, err
	}
	ev.Volume = klines[len(klines)-1].Volume
	if e.rsi != nil {
		if ev.RSI, err = e.rsi.Calculate(ctx, klines); err != nil {
			return ev, err
		}
	}

	ceiling := 1 + e.cfg.ProximityPct
	switch {
	case ev.Price <= 0:
		ev.Reason = "no price"
	case ev.Price < ev.SMA || ev.Price < ev.EMA:
		ev.Reason = "below moving averages"
	case ev.Price > ev.SMA*ceiling || ev.Price > ev.EMA*ceiling:
		ev.Reason = "extended above moving averages"
	case ev.ATR/ev.Price > e.cfg.MaxVolatilityPct:
		ev.Reason = "volatility too high"
	case ev.Volume < ev.AvgVolume*e.cfg.VolumeMultiplier:
		ev.Reason = "volume below average"
	case e.rsi != nil && e.rsi.IsOverbought(ev.RSI):
		ev.Reason = "overbought"
	default:
		ev.Enter = true
		ev.Reason = "all filters passed"
	}
	return ev, nil
}
