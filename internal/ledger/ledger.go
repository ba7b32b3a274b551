// Package ledger implements the append-only trade ledger. Rows are never
// rewritten: a close row supersedes the open row with the same
// (symbol, entry_time) key, and readers pair them by key.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/ports"
)

var errStopIteration = errors.New("stop iteration")

// Ledger indexes the rows of a ports.LedgerRepository.
type Ledger struct {
	repo   ports.LedgerRepository
	logger ports.Logger

	mu          sync.Mutex
	open        map[string]domain.LedgerEntry // unmatched open rows
	closed      map[string]bool
	realized    decimal.Decimal
	closedCount int
	lastExit    time.Time
}

// New creates a ledger over repo. Call Load before appending.
func New(repo ports.LedgerRepository, logger ports.Logger) (*Ledger, error) {
	if repo == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for trade ledger")
	}
	return &Ledger{
		repo:   repo,
		logger: logger,
		open:   make(map[string]domain.LedgerEntry),
		closed: make(map[string]bool),
	}, nil
}

// Load rebuilds the in-memory index from the repository and checks pairing and
// ordering. It returns the number of torn rows skipped.
func (l *Ledger) Load(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.open = make(map[string]domain.LedgerEntry)
	l.closed = make(map[string]bool)
	l.realized = decimal.Zero
	l.closedCount = 0
	l.lastExit = time.Time{}

	skipped, err := l.repo.Scan(ctx, func(e domain.LedgerEntry) error {
		switch e.Kind {
		case domain.KindOpen:
			return l.indexOpenLocked(e)
		case domain.KindClose:
			return l.indexCloseLocked(e)
		default:
			return ports.NewInvariantError(ports.InvariantLedgerPairing,
				fmt.Sprintf("unknown row kind %q", e.Kind), e.Key().String())
		}
	})
	if err != nil {
		return skipped, err
	}
	if skipped > 0 {
		l.logger.Warn(ctx, "Skipped torn ledger rows", map[string]interface{}{"skipped": skipped})
	}
	l.logger.Info(ctx, "Trade ledger loaded", map[string]interface{}{
		"closedTrades": l.closedCount,
		"openEntries":  len(l.open),
		"realizedPnL":  l.realized.String(),
	})
	return skipped, nil
}

// AppendOpen writes an open row for pos. recovered marks rows reconstructed
// from the position store after a restart.
func (l *Ledger) AppendOpen(ctx context.Context, pos *domain.Position, recovered bool) (domain.LedgerEntry, error) {
	entry := domain.NewOpenEntry(pos, recovered)
	l.mu.Lock()
	defer l.mu.Unlock()

	key := entry.Key().String()
	if _, ok := l.open[key]; ok || l.closed[key] {
		return entry, ports.NewInvariantError(ports.InvariantLedgerPairing, "open row already exists", key)
	}
	if err := l.repo.Append(ctx, entry); err != nil {
		return entry, err
	}
	l.open[key] = entry
	return entry, nil
}

// AppendClose writes the close row for the open entry identified by key.
func (l *Ledger) AppendClose(ctx context.Context, key domain.LedgerKey, d domain.ExitDetails) (domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ks := key.String()
	openRow, ok := l.open[ks]
	if !ok {
		return domain.LedgerEntry{}, ports.NewInvariantError(ports.InvariantLedgerPairing, "no unmatched open row to close", ks)
	}
	if d.ExitTime.Before(openRow.EntryTime) {
		return domain.LedgerEntry{}, ports.NewInvariantError(ports.InvariantLedgerOrder,
			fmt.Sprintf("exit %s precedes entry %s", d.ExitTime.Format(time.RFC3339Nano), openRow.EntryTime.Format(time.RFC3339Nano)), ks)
	}
	if d.ExitTime.Before(l.lastExit) {
		return domain.LedgerEntry{}, ports.NewInvariantError(ports.InvariantLedgerOrder,
			fmt.Sprintf("exit %s precedes previous exit %s", d.ExitTime.Format(time.RFC3339Nano), l.lastExit.Format(time.RFC3339Nano)), ks)
	}

	pos := &domain.Position{
		Symbol:       openRow.Symbol,
		EntryTime:    openRow.EntryTime,
		EntryPrice:   openRow.EntryPrice,
		Quantity:     openRow.Quantity,
		PositionSize: openRow.PositionSize,
	}
	entry := domain.NewCloseEntry(pos, d)
	if err := l.repo.Append(ctx, entry); err != nil {
		return entry, err
	}
	if err := l.indexCloseLocked(entry); err != nil {
		return entry, err
	}
	return entry, nil
}

// IterateClosed yields closed rows in append order, re-reading the repository on
// every call so that iteration can be restarted.
func (l *Ledger) IterateClosed(ctx context.Context) iter.Seq2[domain.LedgerEntry, error] {
	return func(yield func(domain.LedgerEntry, error) bool) {
		_, err := l.repo.Scan(ctx, func(e domain.LedgerEntry) error {
			if !e.IsClosed() {
				return nil
			}
			if !yield(e, nil) {
				return errStopIteration
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopIteration) {
			yield(domain.LedgerEntry{}, err)
		}
	}
}

// ClosedEntries collects IterateClosed into a slice.
func (l *Ledger) ClosedEntries(ctx context.Context) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for e, err := range l.IterateClosed(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// OpenEntries returns the unmatched open rows ordered by entry time.
func (l *Ledger) OpenEntries() []domain.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.LedgerEntry, 0, len(l.open))
	for _, e := range l.open {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// HasOpen reports whether key has an unmatched open row.
func (l *Ledger) HasOpen(key domain.LedgerKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.open[key.String()]
	return ok
}

// RealizedPnL returns the sum of P&L over closed rows.
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realized
}

// ClosedCount returns the number of closed trades.
func (l *Ledger) ClosedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closedCount
}

func (l *Ledger) indexOpenLocked(e domain.LedgerEntry) error {
	key := e.Key().String()
	if _, ok := l.open[key]; ok || l.closed[key] {
		return ports.NewInvariantError(ports.InvariantLedgerPairing, "duplicate open row", key)
	}
	l.open[key] = e
	return nil
}

func (l *Ledger) indexCloseLocked(e domain.LedgerEntry) error {
	key := e.Key().String()
	if !e.IsClosed() || e.PnL == nil {
		return ports.NewInvariantError(ports.InvariantLedgerPairing, "close row is missing exit fields", key)
	}
	if l.closed[key] {
		return ports.NewInvariantError(ports.InvariantLedgerPairing, "duplicate close row", key)
	}
	if _, ok := l.open[key]; !ok {
		return ports.NewInvariantError(ports.InvariantLedgerPairing, "close row without open row", key)
	}
	if e.ExitTime.Before(l.lastExit) {
		return ports.NewInvariantError(ports.InvariantLedgerOrder, "close rows out of exit-time order", key)
	}
	delete(l.open, key)
	l.closed[key] = true
	l.realized = l.realized.Add(*e.PnL)
	l.closedCount++
	l.lastExit = *e.ExitTime
	return nil
}
