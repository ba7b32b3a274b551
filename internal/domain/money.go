package domain

import "github.com/shopspring/decimal"

// Rounding rules for monetary values. Quantities are truncated toward zero when
// sizing; P&L aggregates are rounded half-even. Both live here and nowhere else.
const (
	// PnLScale is the number of decimal places kept when aggregating P&L.
	PnLScale int32 = 8
	// HoldMinutesScale is the number of decimal places kept for hold durations.
	HoldMinutesScale int32 = 2
)

// Tolerance is the maximum absolute deviation accepted when comparing two
// independently derived monetary totals.
var Tolerance = decimal.New(1, -PnLScale)

// TruncateQuantity rounds a quantity down to the given number of decimal places.
func TruncateQuantity(q decimal.Decimal, places int32) decimal.Decimal {
	return q.Truncate(places)
}

// RoundPnL applies half-even rounding used for P&L aggregation.
func RoundPnL(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(PnLScale)
}

// WithinTolerance reports whether a and b differ by no more than Tolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}
