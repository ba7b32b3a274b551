package domain

// ExitReason indicates which rule closed a position.
type ExitReason string

const (
	ExitReasonStopLoss     ExitReason = "Stop Loss"
	ExitReasonTrailingStop ExitReason = "Trailing Stop"
	ExitReasonTakeProfit   ExitReason = "Take Profit"
)

// PositionState is derived from a position's fields; it is never stored.
type PositionState string

const (
	StateOpen   PositionState = "open"
	StateArmed  PositionState = "armed" // trailing stop set
	StateClosed PositionState = "closed"
)

// EntryKind distinguishes the two row types of the trade ledger.
type EntryKind string

const (
	KindOpen  EntryKind = "open"
	KindClose EntryKind = "close"
)
