package ledger

import (
	"context"
	"sort"

	"cryptoPaperBot/internal/domain"
)

// Reconciliation is the outcome of comparing the position store with the
// ledger's unmatched open rows after a restart.
type Reconciliation struct {
	// Recovered holds open rows appended for store positions the ledger lacked.
	Recovered []domain.LedgerEntry
	// Abandoned holds unmatched open rows with no store position. They are left
	// as-is for an operator to resolve.
	Abandoned []domain.LedgerEntry
}

// Reconcile appends a recovered open row for every position missing from the
// ledger and reports ledger opens that no longer have a position.
func (l *Ledger) Reconcile(ctx context.Context, positions map[string]*domain.Position) (Reconciliation, error) {
	var rec Reconciliation
	held := make(map[string]bool, len(positions))
	for _, sym := range sortedSymbols(positions) {
		pos := positions[sym]
		held[pos.Key().String()] = true
		if l.HasOpen(pos.Key()) {
			continue
		}
		entry, err := l.AppendOpen(ctx, pos, true)
		if err != nil {
			return rec, err
		}
		l.logger.Warn(ctx, "Recovered missing ledger open row from position store", map[string]interface{}{"key": pos.Key().String()})
		rec.Recovered = append(rec.Recovered, entry)
	}
	for _, e := range l.OpenEntries() {
		if held[e.Key().String()] {
			continue
		}
		l.logger.Warn(ctx, "Ledger open row has no position; operator intervention required", map[string]interface{}{"key": e.Key().String()})
		rec.Abandoned = append(rec.Abandoned, e)
	}
	return rec, nil
}

func sortedSymbols(positions map[string]*domain.Position) []string {
	out := make([]string, 0, len(positions))
	for sym := range positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
