package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerKey identifies one trade lifecycle in the ledger.
type LedgerKey struct {
	Symbol    string
	EntryTime time.Time
}

// String renders the key in a stable, zone-independent form.
func (k LedgerKey) String() string {
	return k.Symbol + "@" + k.EntryTime.UTC().Format(time.RFC3339Nano)
}

// LedgerEntry is one immutable row of the trade ledger. Open rows leave the exit
// fields nil; close rows populate all of them.
type LedgerEntry struct {
	Kind         EntryKind        `json:"kind"`
	EntryTime    time.Time        `json:"entry_time"`
	Symbol       string           `json:"symbol"`
	EntryPrice   decimal.Decimal  `json:"entry_price"`
	Quantity     decimal.Decimal  `json:"quantity"`
	PositionSize decimal.Decimal  `json:"position_size"`
	ExitTime     *time.Time       `json:"exit_time,omitempty"`
	ExitPrice    *decimal.Decimal `json:"exit_price,omitempty"`
	ExitReason   *ExitReason      `json:"exit_reason,omitempty"`
	PnL          *decimal.Decimal `json:"pnl,omitempty"`
	PnLPct       *decimal.Decimal `json:"pnl_pct,omitempty"`
	HoldMinutes  *decimal.Decimal `json:"hold_minutes,omitempty"`
	CapitalAfter *decimal.Decimal `json:"capital_after,omitempty"`
	Recovered    bool             `json:"recovered,omitempty"`
}

// Key returns the (symbol, entry_time) key of the row.
func (e *LedgerEntry) Key() LedgerKey {
	return LedgerKey{Symbol: e.Symbol, EntryTime: e.EntryTime}
}

// IsClosed reports whether the row carries exit fields.
func (e *LedgerEntry) IsClosed() bool {
	return e.Kind == KindClose && e.ExitTime != nil
}

// NewOpenEntry builds an open ledger row from a position.
func NewOpenEntry(p *Position, recovered bool) LedgerEntry {
	return LedgerEntry{
		Kind:         KindOpen,
		EntryTime:    p.EntryTime,
		Symbol:       p.Symbol,
		EntryPrice:   p.EntryPrice,
		Quantity:     p.Quantity,
		PositionSize: p.PositionSize,
		Recovered:    recovered,
	}
}

// ExitDetails are the computed outcome of closing a position.
type ExitDetails struct {
	ExitTime     time.Time
	ExitPrice    decimal.Decimal
	Reason       ExitReason
	PnL          decimal.Decimal
	PnLPct       decimal.Decimal
	HoldMinutes  decimal.Decimal
	CapitalAfter decimal.Decimal
}

// NewCloseEntry builds a closed ledger row for a position and its exit.
func NewCloseEntry(p *Position, d ExitDetails) LedgerEntry {
	e := NewOpenEntry(p, false)
	e.Kind = KindClose
	exitTime := d.ExitTime
	exitPrice := d.ExitPrice
	reason := d.Reason
	pnl := d.PnL
	pnlPct := d.PnLPct
	hold := d.HoldMinutes
	capital := d.CapitalAfter
	e.ExitTime = &exitTime
	e.ExitPrice = &exitPrice
	e.ExitReason = &reason
	e.PnL = &pnl
	e.PnLPct = &pnlPct
	e.HoldMinutes = &hold
	e.CapitalAfter = &capital
	return e
}
