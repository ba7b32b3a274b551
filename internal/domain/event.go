package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType classifies events published to sinks.
type EventType string

const (
	EventEntry     EventType = "entry"
	EventExit      EventType = "exit"
	EventError     EventType = "error"
	EventHeartbeat EventType = "heartbeat"
)

// Severity of an error event.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityFatal   Severity = "fatal"
)

// Event is the single payload type delivered to every sink.
type Event struct {
	ID        string       `json:"id"`
	Type      EventType    `json:"type"`
	Time      time.Time    `json:"time"`
	Symbol    string       `json:"symbol,omitempty"`
	Position  *Position    `json:"position,omitempty"`
	Entry     *LedgerEntry `json:"entry,omitempty"`
	Message   string       `json:"message,omitempty"`
	Severity  Severity     `json:"severity,omitempty"`
	Invariant string       `json:"invariant,omitempty"`
	Keys      []string     `json:"keys,omitempty"`
	Heartbeat *Heartbeat   `json:"heartbeat,omitempty"`
}

// Heartbeat is a periodic capital summary.
type Heartbeat struct {
	FreeCash      decimal.Decimal `json:"free_cash"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalEquity   decimal.Decimal `json:"total_equity"`
	OpenPositions int             `json:"open_positions"`
	ClosedTrades  int             `json:"closed_trades"`
	StaleSymbols  []string        `json:"stale_symbols,omitempty"`
	Degraded      bool            `json:"degraded"`

	// Performance over closed trades
	WinRate      decimal.Decimal `json:"win_rate"`
	ProfitFactor decimal.Decimal `json:"profit_factor"`
	MaxDrawdown  decimal.Decimal `json:"max_drawdown"`
}

// NewEvent stamps a fresh id onto an event of the given type.
func NewEvent(t EventType, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, Time: at}
}
