// Package exits evaluates the stop-loss, trailing-stop and take-profit rules
// for one position against one price. It performs no I/O.
package exits

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptoPaperBot/internal/domain"
)

// Rules holds the trailing-stop parameters. Stop-loss and take-profit levels are
// fixed on the position at entry.
type Rules struct {
	TrailingActivationPct decimal.Decimal
	TrailingDistancePct   decimal.Decimal
}

// Validate checks the parameters are usable.
func (r Rules) Validate() error {
	if r.TrailingActivationPct.IsNegative() {
		return fmt.Errorf("trailing activation percent must not be negative, got %s", r.TrailingActivationPct)
	}
	if !r.TrailingDistancePct.IsPositive() || !r.TrailingDistancePct.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("trailing distance percent must be in (0, 1), got %s", r.TrailingDistancePct)
	}
	return nil
}

// Decision is the outcome of one evaluation. Exactly one of Exit or the
// bookkeeping fields is meaningful.
type Decision struct {
	Exit   bool
	Reason domain.ExitReason
	// Updated carries the new high-water mark and trailing stop when no exit
	// fired. It is a copy; the input position is not modified.
	Updated *domain.Position
	// Changed is true when Updated differs from the input.
	Changed bool
}

// Evaluate applies the exit rules in priority order: stop loss, then an armed
// trailing stop, then take profit. At most one fires. When none fires it raises
// the high-water mark and arms or ratchets the trailing stop.
func (r Rules) Evaluate(pos *domain.Position, price decimal.Decimal) Decision {
	switch {
	case price.LessThanOrEqual(pos.StopLossPrice):
		return Decision{Exit: true, Reason: domain.ExitReasonStopLoss}
	case pos.TrailingStopPrice != nil && price.LessThanOrEqual(*pos.TrailingStopPrice):
		return Decision{Exit: true, Reason: domain.ExitReasonTrailingStop}
	case price.GreaterThanOrEqual(pos.TakeProfitPrice):
		return Decision{Exit: true, Reason: domain.ExitReasonTakeProfit}
	}

	upd := pos.Clone()
	changed := false
	if price.GreaterThan(upd.HighestPriceSeen) {
		upd.HighestPriceSeen = price
		changed = true
	}
	one := decimal.NewFromInt(1)
	activation := upd.EntryPrice.Mul(one.Add(r.TrailingActivationPct))
	if upd.HighestPriceSeen.GreaterThanOrEqual(activation) {
		candidate := upd.HighestPriceSeen.Mul(one.Sub(r.TrailingDistancePct))
		if upd.TrailingStopPrice == nil || candidate.GreaterThan(*upd.TrailingStopPrice) {
			upd.TrailingStopPrice = &candidate
			changed = true
		}
	}
	return Decision{Updated: upd, Changed: changed}
}

// Settle computes the P&L fields of an exit at price and time. CapitalAfter is
// left zero for the caller, which alone knows the remaining positions.
func Settle(pos *domain.Position, price decimal.Decimal, at time.Time, reason domain.ExitReason) domain.ExitDetails {
	pnl := price.Sub(pos.EntryPrice).Mul(pos.Quantity)
	pnlPct := decimal.Zero
	if pos.PositionSize.IsPositive() {
		pnlPct = pnl.DivRound(pos.PositionSize, domain.PnLScale)
	}
	minutes := decimal.NewFromInt(int64(at.Sub(pos.EntryTime))).
		Div(decimal.NewFromInt(int64(time.Minute))).
		Round(domain.HoldMinutesScale)
	return domain.ExitDetails{
		ExitTime:    at,
		ExitPrice:   price,
		Reason:      reason,
		PnL:         pnl,
		PnLPct:      pnlPct,
		HoldMinutes: minutes,
	}
}
