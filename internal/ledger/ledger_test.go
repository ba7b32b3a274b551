package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/ports"
)

type mockLogger struct{ warnMsgs []string }

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warnMsgs = append(m.warnMsgs, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type memRepo struct {
	rows      []domain.LedgerEntry
	appendErr error
	skipped   int
}

func (m *memRepo) Append(ctx context.Context, e domain.LedgerEntry) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.rows = append(m.rows, e)
	return nil
}

func (m *memRepo) Scan(ctx context.Context, fn func(domain.LedgerEntry) error) (int, error) {
	for _, e := range m.rows {
		if err := fn(e); err != nil {
			return m.skipped, err
		}
	}
	return m.skipped, nil
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func position(symbol string, at time.Time) *domain.Position {
	return &domain.Position{
		Symbol:           symbol,
		EntryPrice:       d("100"),
		Quantity:         d("20"),
		PositionSize:     d("2000"),
		EntryTime:        at,
		HighestPriceSeen: d("100"),
		StopLossPrice:    d("90"),
		TakeProfitPrice:  d("115"),
	}
}

func exit(at time.Time, pnl string) domain.ExitDetails {
	return domain.ExitDetails{
		ExitTime:     at,
		ExitPrice:    d("100").Add(d(pnl).Div(d("20"))),
		Reason:       domain.ExitReasonTakeProfit,
		PnL:          d(pnl),
		PnLPct:       d(pnl).Div(d("2000")),
		HoldMinutes:  decimal.NewFromFloat(at.Sub(t0).Minutes()).Round(2),
		CapitalAfter: d("10000").Add(d(pnl)),
	}
}

func newTestLedger(t *testing.T, repo *memRepo) *Ledger {
	t.Helper()
	l, err := New(repo, &mockLogger{})
	require.NoError(t, err)
	_, err = l.Load(context.Background())
	require.NoError(t, err)
	return l
}

func TestLedger_OpenThenClose(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{}
	l := newTestLedger(t, repo)
	pos := position("SOLUSDT", t0)

	_, err := l.AppendOpen(ctx, pos, false)
	require.NoError(t, err)
	assert.True(t, l.HasOpen(pos.Key()))
	assert.Len(t, l.OpenEntries(), 1)

	row, err := l.AppendClose(ctx, pos.Key(), exit(t0.Add(time.Hour), "300"))
	require.NoError(t, err)
	assert.True(t, row.IsClosed())
	assert.False(t, l.HasOpen(pos.Key()))
	assert.Equal(t, 1, l.ClosedCount())
	assert.True(t, l.RealizedPnL().Equal(d("300")))

	closed, err := l.ClosedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.ExitReasonTakeProfit, *closed[0].ExitReason)
	assert.True(t, closed[0].EntryPrice.Equal(d("100")))
}

func TestLedger_PairingViolations(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, &memRepo{})
	pos := position("SOLUSDT", t0)

	_, err := l.AppendClose(ctx, pos.Key(), exit(t0.Add(time.Minute), "10"))
	var inv *ports.InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, ports.InvariantLedgerPairing, inv.Invariant)

	_, err = l.AppendOpen(ctx, pos, false)
	require.NoError(t, err)
	_, err = l.AppendOpen(ctx, pos, false)
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, ports.InvariantLedgerPairing, inv.Invariant)

	_, err = l.AppendClose(ctx, pos.Key(), exit(t0.Add(time.Minute), "10"))
	require.NoError(t, err)
	_, err = l.AppendClose(ctx, pos.Key(), exit(t0.Add(2*time.Minute), "10"))
	require.ErrorAs(t, err, &inv)
	_, err = l.AppendOpen(ctx, pos, false)
	require.ErrorAs(t, err, &inv, "a closed key cannot be reopened")
}

func TestLedger_OrderViolations(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, &memRepo{})
	a := position("SOLUSDT", t0)
	b := position("ETHUSDT", t0)
	_, err := l.AppendOpen(ctx, a, false)
	require.NoError(t, err)
	_, err = l.AppendOpen(ctx, b, false)
	require.NoError(t, err)

	_, err = l.AppendClose(ctx, a.Key(), exit(t0.Add(-time.Second), "1"))
	var inv *ports.InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, ports.InvariantLedgerOrder, inv.Invariant)

	_, err = l.AppendClose(ctx, a.Key(), exit(t0.Add(time.Hour), "1"))
	require.NoError(t, err)
	_, err = l.AppendClose(ctx, b.Key(), exit(t0.Add(time.Minute), "1"))
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, ports.InvariantLedgerOrder, inv.Invariant)
	assert.True(t, l.HasOpen(b.Key()))
}

func TestLedger_AppendFailureLeavesIndexUntouched(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{}
	l := newTestLedger(t, repo)
	pos := position("SOLUSDT", t0)

	repo.appendErr = ports.ErrPersistence
	_, err := l.AppendOpen(ctx, pos, false)
	assert.ErrorIs(t, err, ports.ErrPersistence)
	assert.False(t, l.HasOpen(pos.Key()))
}

func TestLedger_LoadRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{}
	l := newTestLedger(t, repo)
	a := position("SOLUSDT", t0)
	b := position("ETHUSDT", t0.Add(time.Minute))
	_, _ = l.AppendOpen(ctx, a, false)
	_, _ = l.AppendOpen(ctx, b, false)
	_, err := l.AppendClose(ctx, a.Key(), exit(t0.Add(time.Hour), "-200"))
	require.NoError(t, err)

	repo.skipped = 1
	reloaded, err := New(repo, &mockLogger{})
	require.NoError(t, err)
	skipped, err := reloaded.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, 1, reloaded.ClosedCount())
	assert.True(t, reloaded.RealizedPnL().Equal(d("-200")))
	open := reloaded.OpenEntries()
	require.Len(t, open, 1)
	assert.Equal(t, "ETHUSDT", open[0].Symbol)
}

func TestLedger_LoadRejectsCloseWithoutOpen(t *testing.T) {
	pos := position("SOLUSDT", t0)
	repo := &memRepo{rows: []domain.LedgerEntry{domain.NewCloseEntry(pos, exit(t0.Add(time.Hour), "5"))}}
	l, err := New(repo, &mockLogger{})
	require.NoError(t, err)
	_, err = l.Load(context.Background())
	assert.ErrorIs(t, err, ports.ErrInvariantViolation)
}

func TestLedger_IterateClosedIsRestartable(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, &memRepo{})
	for i, sym := range []string{"AUSDT", "BUSDT", "CUSDT"} {
		p := position(sym, t0)
		_, err := l.AppendOpen(ctx, p, false)
		require.NoError(t, err)
		_, err = l.AppendClose(ctx, p.Key(), exit(t0.Add(time.Duration(i+1)*time.Minute), "1"))
		require.NoError(t, err)
	}

	var first []string
	for e, err := range l.IterateClosed(ctx) {
		require.NoError(t, err)
		first = append(first, e.Symbol)
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"AUSDT", "BUSDT"}, first)

	all, err := l.ClosedEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLedger_Reconcile(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{}
	l := newTestLedger(t, repo)
	abandoned := position("ETHUSDT", t0)
	_, err := l.AppendOpen(ctx, abandoned, false)
	require.NoError(t, err)

	held := position("SOLUSDT", t0.Add(time.Minute))
	rec, err := l.Reconcile(ctx, map[string]*domain.Position{"SOLUSDT": held})
	require.NoError(t, err)

	require.Len(t, rec.Recovered, 1)
	assert.True(t, rec.Recovered[0].Recovered)
	assert.Equal(t, "SOLUSDT", rec.Recovered[0].Symbol)
	require.Len(t, rec.Abandoned, 1)
	assert.Equal(t, "ETHUSDT", rec.Abandoned[0].Symbol)
	assert.True(t, l.HasOpen(held.Key()))
	assert.True(t, l.HasOpen(abandoned.Key()), "abandoned rows are never auto-closed")
	assert.Len(t, repo.rows, 2)
}
