// Package csvsink writes trades as CSV: a durable event sink that appends one
// row per entry and exit, and a one-shot export of closed ledger rows.
package csvsink

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptoPaperBot/internal/domain"
)

// Header is the column layout shared by the sink and the export.
var Header = []string{
	"kind", "symbol", "entry_time", "entry_price", "quantity", "position_size",
	"exit_time", "exit_price", "exit_reason", "pnl", "pnl_pct", "hold_minutes", "capital_after", "recovered",
}

// Sink appends entry and exit events to a CSV file, fsyncing each row.
type Sink struct {
	path string
	mu   sync.Mutex
}

// New creates the sink, writing the header if the file is new or empty.
func New(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("csv: create directory '%s': %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("csv: open '%s': %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("csv: stat '%s': %w", path, err)
	}
	if info.Size() == 0 {
		if err := writeRows(f, [][]string{Header}); err != nil {
			return nil, err
		}
	}
	return &Sink{path: path}, nil
}

// Name implements ports.EventSink.
func (s *Sink) Name() string { return "csv" }

// Durable implements ports.EventSink.
func (s *Sink) Durable() bool { return true }

// Deliver implements ports.EventSink; only entry and exit events are written.
func (s *Sink) Deliver(ctx context.Context, ev domain.Event) error {
	if ev.Entry == nil || (ev.Type != domain.EventEntry && ev.Type != domain.EventExit) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("csv: open '%s': %w", s.path, err)
	}
	defer f.Close()
	return writeRows(f, [][]string{Row(*ev.Entry)})
}

// Row renders a ledger entry in Header order. Absent exit fields are empty.
func Row(e domain.LedgerEntry) []string {
	opt := func(d *decimal.Decimal) string {
		if d == nil {
			return ""
		}
		return d.String()
	}
	exitTime, reason := "", ""
	if e.ExitTime != nil {
		exitTime = e.ExitTime.UTC().Format(time.RFC3339Nano)
	}
	if e.ExitReason != nil {
		reason = string(*e.ExitReason)
	}
	recovered := ""
	if e.Recovered {
		recovered = "true"
	}
	return []string{
		string(e.Kind), e.Symbol, e.EntryTime.UTC().Format(time.RFC3339Nano),
		e.EntryPrice.String(), e.Quantity.String(), e.PositionSize.String(),
		exitTime, opt(e.ExitPrice), reason, opt(e.PnL), opt(e.PnLPct), opt(e.HoldMinutes), opt(e.CapitalAfter),
		recovered,
	}
}

// Export writes the header and one row per entry to w.
func Export(w io.Writer, entries []domain.LedgerEntry) error {
	rows := make([][]string, 0, len(entries)+1)
	rows = append(rows, Header)
	for _, e := range entries {
		rows = append(rows, Row(e))
	}
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("csv: export: %w", err)
	}
	return nil
}

// ExportFile writes entries to path, replacing any existing file.
func ExportFile(path string, entries []domain.LedgerEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("csv: create directory '%s': %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("csv: create '%s': %w", path, err)
	}
	if err := Export(f, entries); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("csv: sync '%s': %w", path, err)
	}
	return f.Close()
}

func writeRows(f *os.File, rows [][]string) error {
	cw := csv.NewWriter(f)
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("csv: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("csv: sync: %w", err)
	}
	return nil
}
