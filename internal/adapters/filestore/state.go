// Package filestore implements the file-backed persistence adapter: an atomically
// replaced positions file and an append-only, fsync'd ledger file.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"

	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/ports"
)

// StateFile persists the position store as a single JSON document. Every Save
// writes a temp file in the same directory, fsyncs it, and renames it over the
// target, so readers observe either the old or the new document.
type StateFile struct {
	path   string
	logger ports.Logger
}

// NewStateFile creates the adapter, ensuring the parent directory exists.
func NewStateFile(path string, logger ports.Logger) (*StateFile, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for state file")
	}
	if path == "" {
		return nil, fmt.Errorf("state file path is empty: %w", ports.ErrConfigurationError)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory '%s': %w", filepath.Dir(path), err)
	}
	return &StateFile{path: path, logger: logger}, nil
}

// Path returns the file location.
func (s *StateFile) Path() string { return s.path }

// Load reads the persisted store state.
func (s *StateFile) Load(ctx context.Context) (*ports.StoreState, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read state file '%s': %w: %w", s.path, ports.ErrPersistence, err)
	}
	var st ports.StoreState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("failed to decode state file '%s': %w: %w", s.path, ports.ErrPersistence, err)
	}
	if st.Positions == nil {
		st.Positions = make(map[string]*domain.Position)
	}
	s.logger.Debug(ctx, "State file loaded", map[string]interface{}{"path": s.path, "positions": len(st.Positions)})
	return &st, true, nil
}

// Save atomically replaces the state file.
func (s *StateFile) Save(ctx context.Context, st *ports.StoreState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w: %w", ports.ErrPersistence, err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to write state file '%s': %w: %w", s.path, ports.ErrPersistence, err)
	}
	s.logger.Debug(ctx, "State file saved", map[string]interface{}{"path": s.path, "freeCash": st.FreeCash.String()})
	return nil
}

// Seed returns an empty state holding the given cash.
func Seed(freeCash decimal.Decimal) *ports.StoreState {
	return &ports.StoreState{FreeCash: freeCash, Positions: make(map[string]*domain.Position)}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	// Persist the rename itself. Not every platform supports syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
