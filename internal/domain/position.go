package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Position represents an open paper-trading commitment on a single symbol.
type Position struct {
	Symbol            string           `json:"symbol"`
	EntryPrice        decimal.Decimal  `json:"entry_price"`
	Quantity          decimal.Decimal  `json:"quantity"`
	PositionSize      decimal.Decimal  `json:"position_size"` // EntryPrice * Quantity, in quote currency
	EntryTime         time.Time        `json:"entry_time"`
	HighestPriceSeen  decimal.Decimal  `json:"highest_price_seen"`
	StopLossPrice     decimal.Decimal  `json:"stop_loss_price"`
	TakeProfitPrice   decimal.Decimal  `json:"take_profit_price"`
	TrailingStopPrice *decimal.Decimal `json:"trailing_stop_price,omitempty"`
}

// Key returns the ledger key of the position.
func (p *Position) Key() LedgerKey {
	return LedgerKey{Symbol: p.Symbol, EntryTime: p.EntryTime}
}

// State reports whether the trailing stop is armed.
func (p *Position) State() PositionState {
	if p.TrailingStopPrice != nil {
		return StateArmed
	}
	return StateOpen
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	if p.TrailingStopPrice != nil {
		ts := *p.TrailingStopPrice
		c.TrailingStopPrice = &ts
	}
	return &c
}

// ValidateOpen checks the invariants a position must satisfy when it is created.
func (p *Position) ValidateOpen() error {
	if p.Symbol == "" {
		return fmt.Errorf("position symbol is empty")
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("position %s quantity %s must be positive", p.Symbol, p.Quantity)
	}
	if !p.StopLossPrice.LessThan(p.EntryPrice) || !p.EntryPrice.LessThan(p.TakeProfitPrice) {
		return fmt.Errorf("position %s requires stop_loss %s < entry %s < take_profit %s",
			p.Symbol, p.StopLossPrice, p.EntryPrice, p.TakeProfitPrice)
	}
	if !p.PositionSize.Equal(p.EntryPrice.Mul(p.Quantity)) {
		return fmt.Errorf("position %s size %s != entry_price * quantity", p.Symbol, p.PositionSize)
	}
	return p.ValidateMarks()
}

// ValidateMarks checks the high-water-mark and trailing-stop invariants.
func (p *Position) ValidateMarks() error {
	if p.HighestPriceSeen.LessThan(p.EntryPrice) {
		return fmt.Errorf("position %s highest_price_seen %s below entry %s", p.Symbol, p.HighestPriceSeen, p.EntryPrice)
	}
	if p.TrailingStopPrice != nil && p.TrailingStopPrice.GreaterThan(p.HighestPriceSeen) {
		return fmt.Errorf("position %s trailing_stop %s above highest_price_seen %s", p.Symbol, *p.TrailingStopPrice, p.HighestPriceSeen)
	}
	return nil
}
