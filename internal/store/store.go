// Package store holds the authoritative in-memory record of open positions and
// free cash. Every mutation is persisted through a ports.StateRepository before
// it becomes visible; a failed save leaves the in-memory state untouched.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/ports"
)

// Store is the position store.
type Store struct {
	repo   ports.StateRepository
	logger ports.Logger

	mu        sync.Mutex
	freeCash  decimal.Decimal
	positions map[string]*domain.Position
}

// New creates an empty store. Call LoadOrInit before use.
func New(repo ports.StateRepository, logger ports.Logger) (*Store, error) {
	if repo == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for position store")
	}
	return &Store{
		repo:      repo,
		logger:    logger,
		positions: make(map[string]*domain.Position),
	}, nil
}

// LoadOrInit reads the persisted state if present; otherwise it seeds free cash
// with initialCapital and persists that. It reports whether a file was found.
func (s *Store) LoadOrInit(ctx context.Context, initialCapital decimal.Decimal) (bool, error) {
	st, found, err := s.repo.Load(ctx)
	if err != nil {
		return false, err
	}
	if !found {
		return false, s.Reset(ctx, initialCapital)
	}
	if st.FreeCash.IsNegative() {
		return true, ports.NewInvariantError(ports.InvariantCapitalConservation,
			fmt.Sprintf("persisted free cash %s is negative", st.FreeCash))
	}
	for sym, p := range st.Positions {
		if p == nil || p.Symbol != sym {
			return true, fmt.Errorf("persisted position under %q is malformed: %w", sym, ports.ErrPersistence)
		}
		if err := p.ValidateMarks(); err != nil {
			return true, ports.NewInvariantError(ports.InvariantTrailingMonotonic, err.Error(), p.Key().String())
		}
	}

	s.mu.Lock()
	s.freeCash = st.FreeCash
	s.positions = st.Positions
	s.mu.Unlock()

	s.logger.Info(ctx, "Position store loaded", map[string]interface{}{
		"freeCash":  st.FreeCash.String(),
		"positions": len(st.Positions),
	})
	return true, nil
}

// Reset discards all positions and sets free cash, persisting the result.
func (s *Store) Reset(ctx context.Context, freeCash decimal.Decimal) error {
	if freeCash.IsNegative() {
		return fmt.Errorf("free cash %s cannot be negative: %w", freeCash, ports.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]*domain.Position)
	if err := s.persistLocked(ctx, freeCash, next); err != nil {
		return err
	}
	s.freeCash = freeCash
	s.positions = next
	s.logger.Info(ctx, "Position store initialised", map[string]interface{}{"freeCash": freeCash.String()})
	return nil
}

// Open inserts a position and debits its size from free cash.
func (s *Store) Open(ctx context.Context, pos *domain.Position) error {
	if err := pos.ValidateOpen(); err != nil {
		return fmt.Errorf("%v: %w", err, ports.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.positions[pos.Symbol]; held {
		return fmt.Errorf("open %s: %w", pos.Symbol, ports.ErrDuplicatePosition)
	}
	if pos.PositionSize.GreaterThan(s.freeCash) {
		return fmt.Errorf("open %s: size %s exceeds free cash %s: %w",
			pos.Symbol, pos.PositionSize, s.freeCash, ports.ErrInsufficientCash)
	}

	next := s.copyPositionsLocked()
	next[pos.Symbol] = pos.Clone()
	cash := s.freeCash.Sub(pos.PositionSize)
	if err := s.persistLocked(ctx, cash, next); err != nil {
		return err
	}
	s.freeCash = cash
	s.positions = next
	return nil
}

// Close removes the position on symbol and credits free cash by credit
// (position size plus realised P&L). It returns the removed position.
func (s *Store) Close(ctx context.Context, symbol string, credit decimal.Decimal) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, held := s.positions[symbol]
	if !held {
		return nil, fmt.Errorf("close %s: %w", symbol, ports.ErrNotHeld)
	}
	cash := s.freeCash.Add(credit)
	if cash.IsNegative() {
		return nil, ports.NewInvariantError(ports.InvariantCapitalConservation,
			fmt.Sprintf("closing %s would leave free cash negative (%s)", symbol, cash), pos.Key().String())
	}
	next := s.copyPositionsLocked()
	delete(next, symbol)
	if err := s.persistLocked(ctx, cash, next); err != nil {
		return nil, err
	}
	s.freeCash = cash
	s.positions = next
	return pos.Clone(), nil
}

// Discard reverses a successful Open: it removes the position and returns its
// size to free cash.
func (s *Store) Discard(ctx context.Context, symbol string) error {
	s.mu.Lock()
	pos, held := s.positions[symbol]
	s.mu.Unlock()
	if !held {
		return fmt.Errorf("discard %s: %w", symbol, ports.ErrNotHeld)
	}
	_, err := s.Close(ctx, symbol, pos.PositionSize)
	return err
}

// Restore reverses a successful Close: it reinserts pos and debits the credit
// that Close applied.
func (s *Store) Restore(ctx context.Context, pos *domain.Position, credit decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.positions[pos.Symbol]; held {
		return fmt.Errorf("restore %s: %w", pos.Symbol, ports.ErrDuplicatePosition)
	}
	next := s.copyPositionsLocked()
	next[pos.Symbol] = pos.Clone()
	cash := s.freeCash.Sub(credit)
	if err := s.persistLocked(ctx, cash, next); err != nil {
		return err
	}
	s.freeCash = cash
	s.positions = next
	return nil
}

// Update applies mutator to a copy of the position on symbol. Only
// HighestPriceSeen and TrailingStopPrice may change, and neither may decrease.
// The state is persisted only when something changed.
func (s *Store) Update(ctx context.Context, symbol string, mutator func(*domain.Position) error) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, held := s.positions[symbol]
	if !held {
		return nil, fmt.Errorf("update %s: %w", symbol, ports.ErrNotHeld)
	}
	upd := cur.Clone()
	if err := mutator(upd); err != nil {
		return nil, err
	}
	if err := checkUpdate(cur, upd); err != nil {
		return nil, err
	}
	if marksEqual(cur, upd) {
		return cur.Clone(), nil
	}

	next := s.copyPositionsLocked()
	next[symbol] = upd
	if err := s.persistLocked(ctx, s.freeCash, next); err != nil {
		return nil, err
	}
	s.positions = next
	return upd.Clone(), nil
}

// Get returns a copy of the position on symbol.
func (s *Store) Get(symbol string) (*domain.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Count returns the number of open positions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions)
}

// FreeCash returns the current free cash.
func (s *Store) FreeCash() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeCash
}

// Symbols returns the held symbols in sorted order.
func (s *Store) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.positions))
	for sym := range s.positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a consistent deep copy of the store.
func (s *Store) Snapshot() ports.StoreState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ports.StoreState{FreeCash: s.freeCash, Positions: s.copyPositionsLocked()}
}

func (s *Store) copyPositionsLocked() map[string]*domain.Position {
	out := make(map[string]*domain.Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v.Clone()
	}
	return out
}

func (s *Store) persistLocked(ctx context.Context, cash decimal.Decimal, positions map[string]*domain.Position) error {
	if err := s.repo.Save(ctx, &ports.StoreState{FreeCash: cash, Positions: positions}); err != nil {
		s.logger.Error(ctx, err, "Failed to persist position store")
		return err
	}
	return nil
}

func checkUpdate(cur, upd *domain.Position) error {
	key := cur.Key().String()
	if upd.Symbol != cur.Symbol || !upd.EntryTime.Equal(cur.EntryTime) ||
		!upd.EntryPrice.Equal(cur.EntryPrice) || !upd.Quantity.Equal(cur.Quantity) ||
		!upd.PositionSize.Equal(cur.PositionSize) || !upd.StopLossPrice.Equal(cur.StopLossPrice) ||
		!upd.TakeProfitPrice.Equal(cur.TakeProfitPrice) {
		return fmt.Errorf("update %s may only change highest_price_seen and trailing_stop_price: %w", key, ports.ErrInvalidRequest)
	}
	if upd.HighestPriceSeen.LessThan(cur.HighestPriceSeen) {
		return ports.NewInvariantError(ports.InvariantHighWaterMark,
			fmt.Sprintf("highest_price_seen would fall from %s to %s", cur.HighestPriceSeen, upd.HighestPriceSeen), key)
	}
	if cur.TrailingStopPrice != nil {
		if upd.TrailingStopPrice == nil || upd.TrailingStopPrice.LessThan(*cur.TrailingStopPrice) {
			return ports.NewInvariantError(ports.InvariantTrailingMonotonic,
				fmt.Sprintf("trailing stop would fall below %s", *cur.TrailingStopPrice), key)
		}
	}
	if err := upd.ValidateMarks(); err != nil {
		return ports.NewInvariantError(ports.InvariantTrailingMonotonic, err.Error(), key)
	}
	return nil
}

func marksEqual(a, b *domain.Position) bool {
	if !a.HighestPriceSeen.Equal(b.HighestPriceSeen) {
		return false
	}
	switch {
	case a.TrailingStopPrice == nil && b.TrailingStopPrice == nil:
		return true
	case a.TrailingStopPrice == nil || b.TrailingStopPrice == nil:
		return false
	default:
		return a.TrailingStopPrice.Equal(*b.TrailingStopPrice)
	}
}
