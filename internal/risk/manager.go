package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/ports"
)

// RiskConfig holds the entry sizing parameters.
type RiskConfig struct {
	MaxOpenPositions    int
	PositionSizePercent decimal.Decimal
	StopLossPercent     decimal.Decimal
	TakeProfitPercent   decimal.Decimal
}

// Validate checks the parameters are usable.
func (c RiskConfig) Validate() error {
	one := decimal.NewFromInt(1)
	switch {
	case c.MaxOpenPositions <= 0:
		return fmt.Errorf("max open positions must be positive, got %d", c.MaxOpenPositions)
	case !c.PositionSizePercent.IsPositive() || c.PositionSizePercent.GreaterThan(one):
		return fmt.Errorf("position size percent must be in (0, 1], got %s", c.PositionSizePercent)
	case !c.StopLossPercent.IsPositive() || !c.StopLossPercent.LessThan(one):
		return fmt.Errorf("stop loss percent must be in (0, 1), got %s", c.StopLossPercent)
	case !c.TakeProfitPercent.IsPositive():
		return fmt.Errorf("take profit percent must be positive, got %s", c.TakeProfitPercent)
	}
	return nil
}

// RiskManager turns an entry intent into a sized position.
type RiskManager struct {
	config RiskConfig
}

// NewRiskManager creates a new risk manager instance
func NewRiskManager(config RiskConfig) (*RiskManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ports.ErrConfigurationError)
	}
	return &RiskManager{config: config}, nil
}

// Config returns the sizing parameters.
func (r *RiskManager) Config() RiskConfig { return r.config }

// ValidateCapacity rejects an entry when the open-position count is already at
// the configured maximum.
func (r *RiskManager) ValidateCapacity(openPositions int) error {
	if openPositions >= r.config.MaxOpenPositions {
		return fmt.Errorf("%d open positions, maximum %d: %w", openPositions, r.config.MaxOpenPositions, ports.ErrCapacityExceeded)
	}
	return nil
}

// GetPositionSize commits PositionSizePercent of freeCash at price. The quantity
// is truncated to precision decimal places and the size recomputed from it, so
// size == price * quantity holds exactly.
func (r *RiskManager) GetPositionSize(freeCash, price decimal.Decimal, precision int32) (quantity, size decimal.Decimal, err error) {
	if !price.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("price %s must be positive: %w", price, ports.ErrInvalidRequest)
	}
	budget := freeCash.Mul(r.config.PositionSizePercent)
	quantity = domain.TruncateQuantity(budget.DivRound(price, precision+8), precision)
	if !quantity.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("budget %s buys no quantity at %s with precision %d: %w",
			budget, price, precision, ports.ErrInsufficientCash)
	}
	size = quantity.Mul(price)
	if size.GreaterThan(freeCash) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("size %s exceeds free cash %s: %w", size, freeCash, ports.ErrInsufficientCash)
	}
	return quantity, size, nil
}

// GetStopLoss calculates the stop loss price for a long position.
func (r *RiskManager) GetStopLoss(entryPrice decimal.Decimal) decimal.Decimal {
	return entryPrice.Mul(decimal.NewFromInt(1).Sub(r.config.StopLossPercent))
}

// GetTakeProfit calculates the take profit price for a long position.
func (r *RiskManager) GetTakeProfit(entryPrice decimal.Decimal) decimal.Decimal {
	return entryPrice.Mul(decimal.NewFromInt(1).Add(r.config.TakeProfitPercent))
}
