package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"cryptoPaperBot/internal/domain"
)

// PriceOracle supplies the latest price for a symbol. Implementations must honour
// ctx cancellation; the core bounds every call with a deadline.
type PriceOracle interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PrecisionSource reports how many decimal places a symbol's quantity may carry.
// Returns ErrSymbolPrecisionUnknown when the symbol is not known.
type PrecisionSource interface {
	QuantityPrecision(ctx context.Context, symbol string) (int32, error)
}

// KlineSource supplies recent candles for signal evaluation.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error)
}

// Snapshot is what the core hands to the entry signal for one symbol.
type Snapshot struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}

// EntrySignal decides whether an entry should be attempted for a symbol.
type EntrySignal interface {
	ShouldEnter(ctx context.Context, symbol string, snapshot Snapshot) bool
}
