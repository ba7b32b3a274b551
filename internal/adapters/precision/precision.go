// Package precision provides quantity-precision sources that do not need the
// exchange: a configured table and a chain that falls through to other sources.
package precision

import (
	"context"
	"errors"
	"fmt"

	"cryptoPaperBot/internal/ports"
)

// Static serves precisions from configuration.
type Static struct {
	table    map[string]int32
	fallback *int32
}

// NewStatic returns a source over table. A non-nil fallback is used for symbols
// missing from the table.
func NewStatic(table map[string]int32, fallback *int32) *Static {
	cp := make(map[string]int32, len(table))
	for k, v := range table {
		cp[k] = v
	}
	return &Static{table: cp, fallback: fallback}
}

// QuantityPrecision implements ports.PrecisionSource.
func (s *Static) QuantityPrecision(ctx context.Context, symbol string) (int32, error) {
	if p, ok := s.table[symbol]; ok {
		return p, nil
	}
	if s.fallback != nil {
		return *s.fallback, nil
	}
	return 0, fmt.Errorf("symbol %s: %w", symbol, ports.ErrSymbolPrecisionUnknown)
}

// Chain asks each source in order and returns the first answer. Only
// ErrSymbolPrecisionUnknown falls through; other errors are returned as is.
type Chain []ports.PrecisionSource

// QuantityPrecision implements ports.PrecisionSource.
func (c Chain) QuantityPrecision(ctx context.Context, symbol string) (int32, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		p, err := src.QuantityPrecision(ctx, symbol)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ports.ErrSymbolPrecisionUnknown) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("symbol %s: %w", symbol, ports.ErrSymbolPrecisionUnknown)
}
