// Package history replays recorded klines as a price oracle and kline source.
package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/ports"
)

// Feed steps through the close times of one or more kline series. At each step
// a symbol has a price only if one of its klines closes at that time; the
// klines visible to GetKlines are those closed so far.
type Feed struct {
	mu     sync.RWMutex
	series map[string][]*domain.Kline
	seen   map[string]int // number of klines closed so far, per symbol
	times  []time.Time
	step   int // index into times; -1 before the first Advance
}

// NewFeed indexes klines by symbol. Klines without a symbol are assigned
// defaultSymbol.
func NewFeed(klines []*domain.Kline, defaultSymbol string) (*Feed, error) {
	f := &Feed{
		series: make(map[string][]*domain.Kline),
		seen:   make(map[string]int),
		step:   -1,
	}
	distinct := make(map[time.Time]bool)
	for _, k := range klines {
		if k == nil {
			continue
		}
		if k.Symbol == "" {
			if defaultSymbol == "" {
				return nil, fmt.Errorf("kline at %s has no symbol: %w", k.OpenTime, ports.ErrInvalidRequest)
			}
			k.Symbol = defaultSymbol
		}
		if !k.ExactClose().IsPositive() {
			return nil, fmt.Errorf("kline %s at %s has non-positive close %s: %w", k.Symbol, k.OpenTime, k.ExactClose(), ports.ErrInvalidRequest)
		}
		f.series[k.Symbol] = append(f.series[k.Symbol], k)
		distinct[closeTime(k)] = true
	}
	if len(f.series) == 0 {
		return nil, fmt.Errorf("no klines to replay: %w", ports.ErrInvalidRequest)
	}
	for _, s := range f.series {
		sort.SliceStable(s, func(i, j int) bool { return closeTime(s[i]).Before(closeTime(s[j])) })
	}
	for t := range distinct {
		f.times = append(f.times, t)
	}
	sort.Slice(f.times, func(i, j int) bool { return f.times[i].Before(f.times[j]) })
	return f, nil
}

func closeTime(k *domain.Kline) time.Time {
	if k.CloseTime.IsZero() {
		return k.OpenTime
	}
	return k.CloseTime
}

// Symbols lists the replayed symbols in order.
func (f *Feed) Symbols() []string {
	out := make([]string, 0, len(f.series))
	for s := range f.series {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Steps is the number of distinct close times.
func (f *Feed) Steps() int { return len(f.times) }

// Advance moves to the next close time. It returns false when the feed is
// exhausted.
func (f *Feed) Advance() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step+1 >= len(f.times) {
		return time.Time{}, false
	}
	f.step++
	now := f.times[f.step]
	for sym, s := range f.series {
		n := f.seen[sym]
		for n < len(s) && !closeTime(s[n]).After(now) {
			n++
		}
		f.seen[sym] = n
	}
	return now, true
}

// FetchPrice implements ports.PriceOracle with the close of the kline ending at
// the current step.
func (f *Feed) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.step < 0 {
		return decimal.Zero, fmt.Errorf("%s: replay not started: %w", symbol, ports.ErrPriceUnavailable)
	}
	n := f.seen[symbol]
	if n == 0 {
		return decimal.Zero, fmt.Errorf("%s: %w", symbol, ports.ErrPriceUnavailable)
	}
	last := f.series[symbol][n-1]
	if !closeTime(last).Equal(f.times[f.step]) {
		return decimal.Zero, fmt.Errorf("%s: no kline closes at %s: %w", symbol, f.times[f.step].Format(time.RFC3339), ports.ErrPriceUnavailable)
	}
	return last.ExactClose(), nil
}

// GetKlines implements ports.KlineSource over the klines closed so far. The
// interval is ignored; a replay file holds a single interval.
func (f *Feed) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := f.seen[symbol]
	start := 0
	if limit > 0 && n > limit {
		start = n - limit
	}
	return append([]*domain.Kline(nil), f.series[symbol][start:n]...), nil
}
