package events

import (
	"fmt"
	"strings"

	"cryptoPaperBot/internal/domain"
)

// Title renders a one-line headline for chat sinks.
func Title(ev domain.Event) string {
	switch ev.Type {
	case domain.EventEntry:
		return "Entry " + ev.Symbol
	case domain.EventExit:
		if ev.Entry != nil && ev.Entry.ExitReason != nil {
			return fmt.Sprintf("Exit %s (%s)", ev.Symbol, *ev.Entry.ExitReason)
		}
		return "Exit " + ev.Symbol
	case domain.EventError:
		if ev.Severity == domain.SeverityFatal {
			return "FATAL"
		}
		return "Error"
	case domain.EventHeartbeat:
		return "Heartbeat"
	default:
		return string(ev.Type)
	}
}

// Body renders the detail lines for chat sinks.
func Body(ev domain.Event) string {
	var b strings.Builder
	switch ev.Type {
	case domain.EventEntry:
		if p := ev.Position; p != nil {
			fmt.Fprintf(&b, "price %s qty %s size %s\nSL %s TP %s",
				p.EntryPrice, p.Quantity, p.PositionSize, p.StopLossPrice.StringFixed(4), p.TakeProfitPrice.StringFixed(4))
		}
	case domain.EventExit:
		if e := ev.Entry; e != nil && e.IsClosed() {
			fmt.Fprintf(&b, "entry %s exit %s\npnl %s (%s%%) held %s min\ncapital %s",
				e.EntryPrice, *e.ExitPrice, e.PnL.StringFixed(2), e.PnLPct.Shift(2).StringFixed(2),
				e.HoldMinutes.String(), e.CapitalAfter.StringFixed(2))
		}
	case domain.EventError:
		b.WriteString(ev.Message)
		if ev.Invariant != "" {
			fmt.Fprintf(&b, "\ninvariant: %s", ev.Invariant)
		}
		if len(ev.Keys) > 0 {
			fmt.Fprintf(&b, "\nkeys: %s", strings.Join(ev.Keys, ", "))
		}
	case domain.EventHeartbeat:
		if h := ev.Heartbeat; h != nil {
			fmt.Fprintf(&b, "equity %s free %s\nrealized %s unrealized %s\nopen %d closed %d",
				h.TotalEquity.StringFixed(2), h.FreeCash.StringFixed(2), h.RealizedPnL.StringFixed(2),
				h.UnrealizedPnL.StringFixed(2), h.OpenPositions, h.ClosedTrades)
			if h.ClosedTrades > 0 {
				fmt.Fprintf(&b, "\nwin rate %s%% max drawdown %s%%",
					h.WinRate.Shift(2).StringFixed(1), h.MaxDrawdown.Shift(2).StringFixed(2))
			}
			if h.Degraded {
				fmt.Fprintf(&b, "\nDEGRADED stale: %s", strings.Join(h.StaleSymbols, ", "))
			}
		}
	}
	return b.String()
}
