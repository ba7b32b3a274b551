package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/ports"
)

// LedgerFile stores ledger rows as JSON lines. A row counts as written only once
// its terminating newline is on disk; anything else is a torn write.
type LedgerFile struct {
	path   string
	logger ports.Logger

	mu sync.Mutex
	f  *os.File
}

// NewLedgerFile opens (or creates) the ledger for appending. If the file ends in
// a torn row, a newline is written first so the next row starts cleanly.
func NewLedgerFile(path string, logger ports.Logger) (*LedgerFile, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for ledger file")
	}
	if path == "" {
		return nil, fmt.Errorf("ledger file path is empty: %w", ports.ErrConfigurationError)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory '%s': %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger '%s': %w: %w", path, ports.ErrPersistence, err)
	}
	l := &LedgerFile{path: path, logger: logger, f: f}
	if err := l.terminateTornTail(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// Path returns the file location.
func (l *LedgerFile) Path() string { return l.path }

func (l *LedgerFile) terminateTornTail() error {
	info, err := l.f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat ledger: %w: %w", ports.ErrPersistence, err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := l.f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("failed to read ledger tail: %w: %w", ports.ErrPersistence, err)
	}
	if last[0] == '\n' {
		return nil
	}
	l.logger.Warn(context.Background(), "Ledger ends with a torn row; terminating it", map[string]interface{}{"path": l.path})
	if _, err := l.f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("failed to terminate torn ledger row: %w: %w", ports.ErrPersistence, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w: %w", ports.ErrPersistence, err)
	}
	return nil
}

// Append writes one row and fsyncs before returning.
func (l *LedgerFile) Append(ctx context.Context, entry domain.LedgerEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode ledger row %s: %w: %w", entry.Key(), ports.ErrPersistence, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("ledger '%s' is closed: %w", l.path, ports.ErrPersistence)
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("failed to append ledger row %s: %w: %w", entry.Key(), ports.ErrPersistence, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger row %s: %w: %w", entry.Key(), ports.ErrPersistence, err)
	}
	l.logger.Debug(ctx, "Ledger row appended", map[string]interface{}{"key": entry.Key().String(), "kind": entry.Kind})
	return nil
}

// Scan reads the file from the start. It opens its own handle so external
// readers and the writer never share offsets; rows appended mid-scan may or may
// not be observed.
func (l *LedgerFile) Scan(ctx context.Context, fn func(domain.LedgerEntry) error) (int, error) {
	return ScanFile(ctx, l.path, fn)
}

// Close releases the append handle.
func (l *LedgerFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ScanFile reads a ledger file without opening it for writing. Reporting tools
// use it directly.
func ScanFile(ctx context.Context, path string, fn func(domain.LedgerEntry) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open ledger '%s': %w: %w", path, ports.ErrPersistence, err)
	}
	defer f.Close()

	skipped := 0
	r := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return skipped, err
		}
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return skipped, fmt.Errorf("failed to read ledger '%s': %w: %w", path, ports.ErrPersistence, readErr)
		}
		complete := len(line) > 0 && line[len(line)-1] == '\n'
		trimmed := bytes.TrimSpace(line)
		switch {
		case len(trimmed) == 0:
		case !complete:
			skipped++
		default:
			var entry domain.LedgerEntry
			if err := json.Unmarshal(trimmed, &entry); err != nil || entry.Symbol == "" {
				skipped++
				break
			}
			if err := fn(entry); err != nil {
				return skipped, err
			}
		}
		if errors.Is(readErr, io.EOF) {
			return skipped, nil
		}
	}
}
