package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoPaperBot/internal/domain"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "paper-bot-test-*")
	require.NoError(t, err)

	repo, err := NewRepository(Config{
		DBPath: filepath.Join(tmpDir, "test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}
	return repo, cleanup
}

var t0 = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func position(symbol string, at time.Time) *domain.Position {
	return &domain.Position{
		Symbol:           symbol,
		EntryPrice:       d("100"),
		Quantity:         d("10"),
		PositionSize:     d("1000"),
		EntryTime:        at,
		HighestPriceSeen: d("100"),
		StopLossPrice:    d("95"),
		TakeProfitPrice:  d("115"),
	}
}

func closeRow(pos *domain.Position, exitAt time.Time, price, pnl string) domain.LedgerEntry {
	return domain.NewCloseEntry(pos, domain.ExitDetails{
		ExitTime:     exitAt,
		ExitPrice:    d(price),
		Reason:       domain.ExitReasonTakeProfit,
		PnL:          d(pnl),
		PnLPct:       d(pnl).Div(d("1000")),
		HoldMinutes:  d("60"),
		CapitalAfter: d("10000").Add(d(pnl)),
	})
}

func TestRepository_RecordOpenThenClose(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	pos := position("SOLUSDT", t0)
	require.NoError(t, repo.Record(ctx, domain.NewOpenEntry(pos, false)))

	open, err := repo.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, open)

	closed, err := repo.ListClosed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, closed)

	row := closeRow(pos, t0.Add(time.Hour), "115.5", "155")
	require.NoError(t, repo.Record(ctx, row))
	require.NoError(t, repo.Record(ctx, row), "replaying a close is idempotent")

	open, err = repo.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, open)

	closed, err = repo.ListClosed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	got := closed[0]
	assert.Equal(t, "SOLUSDT", got.Symbol)
	assert.True(t, got.EntryTime.Equal(t0))
	assert.True(t, got.ExitPrice.Equal(d("115.5")))
	assert.True(t, got.PnL.Equal(d("155")))
	assert.True(t, got.CapitalAfter.Equal(d("10155")))
	assert.Equal(t, domain.ExitReasonTakeProfit, *got.ExitReason)
}

func TestRepository_CloseWithoutOpenStillIndexes(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, closeRow(position("ETHUSDT", t0), t0.Add(time.Minute), "95", "-50")))
	closed, err := repo.ListClosed(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, closed, 1)
}

func TestRepository_ListClosedOrderAndLimit(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i, sym := range []string{"AUSDT", "BUSDT", "CUSDT"} {
		pos := position(sym, t0)
		require.NoError(t, repo.Record(ctx, domain.NewOpenEntry(pos, false)))
		require.NoError(t, repo.Record(ctx, closeRow(pos, t0.Add(time.Duration(i+1)*time.Hour), "101", "10")))
	}

	closed, err := repo.ListClosed(ctx, 2)
	require.NoError(t, err)
	require.Len(t, closed, 2)
	assert.Equal(t, "CUSDT", closed[0].Symbol)
	assert.Equal(t, "BUSDT", closed[1].Symbol)
}

func TestRepository_DeliverAndRebuild(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	pos := position("SOLUSDT", t0)
	open := domain.NewOpenEntry(pos, false)
	ev := domain.NewEvent(domain.EventEntry, t0)
	ev.Entry = &open
	require.NoError(t, repo.Deliver(ctx, ev))
	require.NoError(t, repo.Deliver(ctx, domain.NewEvent(domain.EventHeartbeat, t0)))
	assert.True(t, repo.Durable())

	n, err := repo.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, repo.Rebuild(ctx, []domain.LedgerEntry{open, closeRow(pos, t0.Add(time.Hour), "104", "40")}))
	n, err = repo.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	closed, err := repo.ListClosed(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, closed, 1)
}
