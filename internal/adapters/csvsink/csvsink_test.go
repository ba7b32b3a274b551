package csvsink

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoPaperBot/internal/domain"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func position() *domain.Position {
	return &domain.Position{
		Symbol: "SOLUSDT", EntryPrice: d("100"), Quantity: d("10"), PositionSize: d("1000"), EntryTime: t0,
		HighestPriceSeen: d("100"), StopLossPrice: d("95"), TakeProfitPrice: d("115"),
	}
}

func closed() domain.LedgerEntry {
	return domain.NewCloseEntry(position(), domain.ExitDetails{
		ExitTime: t0.Add(time.Hour), ExitPrice: d("104"), Reason: domain.ExitReasonTrailingStop,
		PnL: d("40"), PnLPct: d("0.04"), HoldMinutes: d("60"), CapitalAfter: d("10040"),
	})
}

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestSink_AppendsEntryAndExit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	sink, err := New(path)
	require.NoError(t, err)
	ctx := context.Background()

	open := domain.NewOpenEntry(position(), false)
	entryEv := domain.NewEvent(domain.EventEntry, t0)
	entryEv.Entry = &open
	require.NoError(t, sink.Deliver(ctx, entryEv))

	row := closed()
	exitEv := domain.NewEvent(domain.EventExit, t0.Add(time.Hour))
	exitEv.Entry = &row
	require.NoError(t, sink.Deliver(ctx, exitEv))
	require.NoError(t, sink.Deliver(ctx, domain.NewEvent(domain.EventHeartbeat, t0)))

	// reopening does not repeat the header
	_, err = New(path)
	require.NoError(t, err)

	rows := readAll(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, "open", rows[1][0])
	assert.Equal(t, "", rows[1][6])
	assert.Equal(t, "close", rows[2][0])
	assert.Equal(t, "Trailing Stop", rows[2][8])
	assert.Equal(t, "10040", rows[2][12])
}

func TestExport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, []domain.LedgerEntry{closed()}))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-01-01T01:00:00Z", rows[1][6])
	assert.Equal(t, "40", rows[1][9])

	path := filepath.Join(t.TempDir(), "out", "ledger.csv")
	require.NoError(t, ExportFile(path, []domain.LedgerEntry{closed(), closed()}))
	assert.Len(t, readAll(t, path), 3)
}
