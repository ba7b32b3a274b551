package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"cryptoPaperBot/internal/ports"
)

// PriceOracle reads prices cached by the market-data fetcher.
type PriceOracle struct {
	rdb    *redis.Client
	maxAge time.Duration
	now    func() time.Time
}

// NewPriceOracle returns an oracle that rejects quotes older than maxAge. A
// zero maxAge accepts any age.
func NewPriceOracle(c *Client, maxAge time.Duration) *PriceOracle {
	return &PriceOracle{rdb: c.rdb, maxAge: maxAge, now: time.Now}
}

func priceKey(symbol string) string {
	return "price:" + symbol
}

// FetchPrice implements ports.PriceOracle.
func (o *PriceOracle) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	vals, err := o.rdb.HGetAll(ctx, priceKey(symbol)).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return decimal.Zero, fmt.Errorf("redis: get price %s: %w: %w", symbol, ports.ErrTimeout, err)
		}
		return decimal.Zero, fmt.Errorf("redis: get price %s: %w: %w", symbol, ports.ErrPriceUnavailable, err)
	}
	return parseQuote(symbol, vals, o.now(), o.maxAge)
}

// SetPrice stores a quote. The replay driver and tests use it to feed the oracle.
func (o *PriceOracle) SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := o.rdb.HSet(ctx, priceKey(symbol), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

func parseQuote(symbol string, vals map[string]string, now time.Time, maxAge time.Duration) (decimal.Decimal, error) {
	if len(vals) == 0 {
		return decimal.Zero, fmt.Errorf("redis: no quote for %s: %w", symbol, ports.ErrPriceUnavailable)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, fmt.Errorf("redis: quote for %s has no price: %w", symbol, ports.ErrPriceUnavailable)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("redis: invalid price %q for %s: %w", priceStr, symbol, ports.ErrPriceUnavailable)
	}
	if maxAge <= 0 {
		return price, nil
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: quote for %s has no timestamp: %w", symbol, ports.ErrStalePrice)
	}
	if age := now.Sub(time.Unix(0, tsNano)); age > maxAge {
		return decimal.Zero, fmt.Errorf("redis: quote for %s is %s old: %w", symbol, age.Round(time.Millisecond), ports.ErrStalePrice)
	}
	return price, nil
}
