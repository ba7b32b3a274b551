// Package accounting derives capital figures from the position store, the trade
// ledger and a set of current prices. Nothing here mutates state.
package accounting

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/ports"
)

// Report is a point-in-time capital summary.
type Report struct {
	InitialCapital decimal.Decimal `json:"initial_capital"`
	FreeCash       decimal.Decimal `json:"free_cash"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	PositionValue  decimal.Decimal `json:"position_value"`
	TotalEquity    decimal.Decimal `json:"total_equity"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	OpenPositions  int             `json:"open_positions"`
	ClosedTrades   int             `json:"closed_trades"`
	// StaleSymbols lists open positions with no current price; they are marked
	// at entry price.
	StaleSymbols []string `json:"stale_symbols,omitempty"`
}

// Heartbeat converts the report into the event payload.
func (r Report) Heartbeat() *domain.Heartbeat {
	return &domain.Heartbeat{
		FreeCash:      r.FreeCash,
		RealizedPnL:   r.RealizedPnL,
		UnrealizedPnL: r.UnrealizedPnL,
		TotalEquity:   r.TotalEquity,
		OpenPositions: r.OpenPositions,
		ClosedTrades:  r.ClosedTrades,
		StaleSymbols:  r.StaleSymbols,
		Degraded:      len(r.StaleSymbols) > 0,
	}
}

// Accountant holds the one capital figure that does not live in the store or
// the ledger.
type Accountant struct {
	initial decimal.Decimal
}

// New creates an accountant for the given initial capital.
func New(initialCapital decimal.Decimal) *Accountant {
	return &Accountant{initial: initialCapital}
}

// InitialCapital returns the configured starting capital.
func (a *Accountant) InitialCapital() decimal.Decimal { return a.initial }

// Report computes the capital summary. It fails with an InvariantError when
// total P&L does not reconcile with realized plus unrealized P&L.
func (a *Accountant) Report(state ports.StoreState, realized decimal.Decimal, closedTrades int, prices map[string]decimal.Decimal) (Report, error) {
	rep := Report{
		InitialCapital: a.initial,
		FreeCash:       state.FreeCash,
		RealizedPnL:    domain.RoundPnL(realized),
		OpenPositions:  len(state.Positions),
		ClosedTrades:   closedTrades,
	}

	unrealized := decimal.Zero
	value := decimal.Zero
	for _, sym := range sortedKeys(state.Positions) {
		p := state.Positions[sym]
		mark, ok := prices[sym]
		if !ok {
			mark = p.EntryPrice
			rep.StaleSymbols = append(rep.StaleSymbols, sym)
		}
		unrealized = unrealized.Add(mark.Sub(p.EntryPrice).Mul(p.Quantity))
		value = value.Add(mark.Mul(p.Quantity))
	}
	rep.UnrealizedPnL = domain.RoundPnL(unrealized)
	rep.PositionValue = value
	rep.TotalEquity = state.FreeCash.Add(value)
	rep.TotalPnL = domain.RoundPnL(rep.TotalEquity.Sub(a.initial))

	expected := rep.RealizedPnL.Add(rep.UnrealizedPnL)
	if !domain.WithinTolerance(rep.TotalPnL, expected) {
		return rep, ports.NewInvariantError(ports.InvariantEquityReconcile,
			fmt.Sprintf("total pnl %s != realized %s + unrealized %s", rep.TotalPnL, rep.RealizedPnL, rep.UnrealizedPnL))
	}
	return rep, nil
}

// CheckConservation verifies free cash plus committed position sizes equals
// initial capital plus realized P&L.
func (a *Accountant) CheckConservation(state ports.StoreState, realized decimal.Decimal) error {
	committed := state.CommittedCapital()
	invested := a.initial.Add(realized)
	if !domain.WithinTolerance(committed, invested) {
		keys := make([]string, 0, len(state.Positions))
		for _, sym := range sortedKeys(state.Positions) {
			keys = append(keys, state.Positions[sym].Key().String())
		}
		return ports.NewInvariantError(ports.InvariantCapitalConservation,
			fmt.Sprintf("free cash %s + open sizes = %s, initial %s + realized %s = %s",
				state.FreeCash, committed, a.initial, realized, invested), keys...)
	}
	return nil
}

// VerifyCapitalSeries checks that every closed entry's capital_after equals the
// running total of initial capital plus realized P&L, in exit-time order.
func (a *Accountant) VerifyCapitalSeries(closed []domain.LedgerEntry) error {
	rows := make([]domain.LedgerEntry, 0, len(closed))
	for _, e := range closed {
		if e.IsClosed() {
			rows = append(rows, e)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ExitTime.Before(*rows[j].ExitTime) })

	running := a.initial
	for _, e := range rows {
		running = running.Add(*e.PnL)
		if e.CapitalAfter == nil || !domain.WithinTolerance(*e.CapitalAfter, running) {
			got := "<nil>"
			if e.CapitalAfter != nil {
				got = e.CapitalAfter.String()
			}
			return ports.NewInvariantError(ports.InvariantCapitalConservation,
				fmt.Sprintf("capital_after %s, expected %s", got, running), e.Key().String())
		}
	}
	return nil
}

func sortedKeys(m map[string]*domain.Position) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
