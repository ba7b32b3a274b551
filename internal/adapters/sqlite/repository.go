package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository is a queryable reporting index of trades. It is fed by entry and
// exit events and can be rebuilt from the ledger at any time; it is never the
// source of truth.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trades.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite trade index ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

// initializeSchema creates tables if they don't exist. Monetary columns are TEXT
// holding exact decimal strings.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		entry_time TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		quantity TEXT NOT NULL,
		position_size TEXT NOT NULL,
		status TEXT NOT NULL,
		recovered INTEGER NOT NULL DEFAULT 0,
		exit_time TEXT DEFAULT NULL,
		exit_price TEXT DEFAULT NULL,
		exit_reason TEXT DEFAULT NULL,
		pnl TEXT DEFAULT NULL,
		pnl_pct TEXT DEFAULT NULL,
		hold_minutes TEXT DEFAULT NULL,
		capital_after TEXT DEFAULT NULL,
		UNIQUE (symbol, entry_time)
	);
	CREATE INDEX IF NOT EXISTS idx_trades_status_exit_time ON trades (status, exit_time);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// Name implements ports.EventSink.
func (r *Repository) Name() string { return "sqlite" }

// Durable implements ports.EventSink.
func (r *Repository) Durable() bool { return true }

// Deliver records entry and exit events; other events are ignored.
func (r *Repository) Deliver(ctx context.Context, ev domain.Event) error {
	if ev.Entry == nil {
		return nil
	}
	switch ev.Type {
	case domain.EventEntry, domain.EventExit:
		return r.Record(ctx, *ev.Entry)
	}
	return nil
}

// Record upserts a ledger row keyed by (symbol, entry_time). A close row fills
// in the exit columns of the matching open row; replaying the same row is a
// no-op.
func (r *Repository) Record(ctx context.Context, e domain.LedgerEntry) error {
	const query = `
	INSERT INTO trades (symbol, entry_time, entry_price, quantity, position_size, status, recovered,
	                    exit_time, exit_price, exit_reason, pnl, pnl_pct, hold_minutes, capital_after)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (symbol, entry_time) DO UPDATE SET
		status = CASE WHEN excluded.status = 'closed' THEN 'closed' ELSE trades.status END,
		exit_time = COALESCE(excluded.exit_time, trades.exit_time),
		exit_price = COALESCE(excluded.exit_price, trades.exit_price),
		exit_reason = COALESCE(excluded.exit_reason, trades.exit_reason),
		pnl = COALESCE(excluded.pnl, trades.pnl),
		pnl_pct = COALESCE(excluded.pnl_pct, trades.pnl_pct),
		hold_minutes = COALESCE(excluded.hold_minutes, trades.hold_minutes),
		capital_after = COALESCE(excluded.capital_after, trades.capital_after)`

	status := "open"
	var exitTime, exitReason sql.NullString
	if e.IsClosed() {
		status = "closed"
		exitTime = sql.NullString{String: formatTime(*e.ExitTime), Valid: true}
		exitReason = sql.NullString{String: string(*e.ExitReason), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		e.Symbol, formatTime(e.EntryTime), e.EntryPrice, e.Quantity, e.PositionSize, status, e.Recovered,
		exitTime, nullDecimal(e.ExitPrice), exitReason, nullDecimal(e.PnL), nullDecimal(e.PnLPct),
		nullDecimal(e.HoldMinutes), nullDecimal(e.CapitalAfter))
	if err != nil {
		return fmt.Errorf("failed to record trade %s: %w", e.Key(), err)
	}
	r.logger.Debug(ctx, "Trade recorded", map[string]interface{}{"key": e.Key().String(), "status": status})
	return nil
}

// Rebuild replaces the index with the given ledger rows.
func (r *Repository) Rebuild(ctx context.Context, rows []domain.LedgerEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rebuild: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM trades`); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to clear trades: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}
	for _, e := range rows {
		if err := r.Record(ctx, e); err != nil {
			return err
		}
	}
	r.logger.Info(ctx, "Trade index rebuilt from ledger", map[string]interface{}{"rows": len(rows)})
	return nil
}

// ListClosed retrieves the most recent closed trades, newest first.
func (r *Repository) ListClosed(ctx context.Context, limit int) ([]*domain.LedgerEntry, error) {
	const query = `
	SELECT symbol, entry_time, entry_price, quantity, position_size, recovered,
	       exit_time, exit_price, exit_reason, pnl, pnl_pct, hold_minutes, capital_after
	FROM trades
	WHERE status = 'closed'
	ORDER BY exit_time DESC, id DESC
	LIMIT ?`
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.LedgerEntry, 0)
	for rows.Next() {
		e, err := scanClosed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan closed trade: %w", err)
		}
		out = append(out, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return out, nil
}

// CountOpen returns the number of trades without an exit.
func (r *Repository) CountOpen(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE status = 'open'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count open trades: %w", err)
	}
	return n, nil
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanClosed(s scanner) (*domain.LedgerEntry, error) {
	var (
		e                   domain.LedgerEntry
		entryTime, exitTime string
		reason              string
		exitPrice, pnl      decimal.Decimal
		pnlPct, hold, capAf decimal.Decimal
	)
	err := s.Scan(&e.Symbol, &entryTime, &e.EntryPrice, &e.Quantity, &e.PositionSize, &e.Recovered,
		&exitTime, &exitPrice, &reason, &pnl, &pnlPct, &hold, &capAf)
	if err != nil {
		return nil, err
	}
	if e.EntryTime, err = time.Parse(time.RFC3339Nano, entryTime); err != nil {
		return nil, fmt.Errorf("invalid entry_time %q: %w", entryTime, err)
	}
	xt, err := time.Parse(time.RFC3339Nano, exitTime)
	if err != nil {
		return nil, fmt.Errorf("invalid exit_time %q: %w", exitTime, err)
	}
	pos := &domain.Position{
		Symbol:       e.Symbol,
		EntryTime:    e.EntryTime,
		EntryPrice:   e.EntryPrice,
		Quantity:     e.Quantity,
		PositionSize: e.PositionSize,
	}
	closed := domain.NewCloseEntry(pos, domain.ExitDetails{
		ExitTime:     xt,
		ExitPrice:    exitPrice,
		Reason:       domain.ExitReason(reason),
		PnL:          pnl,
		PnLPct:       pnlPct,
		HoldMinutes:  hold,
		CapitalAfter: capAf,
	})
	closed.Recovered = e.Recovered
	return &closed, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
