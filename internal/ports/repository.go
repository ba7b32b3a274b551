package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"cryptoPaperBot/internal/domain"
)

// StoreState is the persisted form of the position store.
type StoreState struct {
	FreeCash  decimal.Decimal             `json:"free_cash"`
	Positions map[string]*domain.Position `json:"positions"`
}

// StateRepository persists the position store. Save must be atomic: readers see
// either the previous or the new state, never a mix.
type StateRepository interface {
	// Load returns the persisted state, or found=false if none exists.
	Load(ctx context.Context) (state *StoreState, found bool, err error)
	Save(ctx context.Context, state *StoreState) error
}

// LedgerRepository is the durable append-only row log behind the trade ledger.
type LedgerRepository interface {
	// Append durably writes one row; it returns only after the row is flushed.
	Append(ctx context.Context, entry domain.LedgerEntry) error
	// Scan calls fn for every complete row in append order. Partially written
	// rows are skipped and counted in the returned value.
	Scan(ctx context.Context, fn func(domain.LedgerEntry) error) (skipped int, err error)
}

// TradeIndex is a queryable reporting view of trades, fed by events.
type TradeIndex interface {
	ListClosed(ctx context.Context, limit int) ([]*domain.LedgerEntry, error)
}

// CommittedCapital returns free cash plus the entry size of every open position.
func (st StoreState) CommittedCapital() decimal.Decimal {
	total := st.FreeCash
	for _, p := range st.Positions {
		total = total.Add(p.PositionSize)
	}
	return total
}
