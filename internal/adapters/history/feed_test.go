package history

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/ports"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func kline(symbol string, i int, close float64) *domain.Kline {
	open := start.Add(time.Duration(i) * time.Minute)
	return &domain.Kline{Symbol: symbol, OpenTime: open, CloseTime: open.Add(time.Minute), Close: close, Volume: 1}
}

func TestFeed_StepsThroughCloseTimes(t *testing.T) {
	ctx := context.Background()
	f, err := NewFeed([]*domain.Kline{
		kline("", 1, 101),
		kline("", 0, 100),
		kline("ETHUSDT", 1, 50),
	}, "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, f.Symbols())
	assert.Equal(t, 2, f.Steps())

	_, err = f.FetchPrice(ctx, "SOLUSDT")
	assert.ErrorIs(t, err, ports.ErrPriceUnavailable)

	now, ok := f.Advance()
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Minute), now)
	p, err := f.FetchPrice(ctx, "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, "100", p.String())
	_, err = f.FetchPrice(ctx, "ETHUSDT")
	assert.ErrorIs(t, err, ports.ErrPriceUnavailable, "ETHUSDT has no kline closing yet")

	_, ok = f.Advance()
	require.True(t, ok)
	p, err = f.FetchPrice(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "50", p.String())

	ks, err := f.GetKlines(ctx, "SOLUSDT", "1m", 1)
	require.NoError(t, err)
	require.Len(t, ks, 1)
	assert.Equal(t, 101.0, ks[0].Close)
	ks, _ = f.GetKlines(ctx, "SOLUSDT", "1m", 10)
	assert.Len(t, ks, 2)

	_, ok = f.Advance()
	assert.False(t, ok)
}

func TestFeed_GapIsUnavailable(t *testing.T) {
	f, err := NewFeed([]*domain.Kline{kline("SOLUSDT", 0, 100), kline("ETHUSDT", 0, 50), kline("ETHUSDT", 1, 51)}, "")
	require.NoError(t, err)
	f.Advance()
	f.Advance()
	_, err = f.FetchPrice(context.Background(), "SOLUSDT")
	assert.ErrorIs(t, err, ports.ErrPriceUnavailable)
}

func TestNewFeed_Rejects(t *testing.T) {
	_, err := NewFeed(nil, "SOLUSDT")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	_, err = NewFeed([]*domain.Kline{kline("", 0, 100)}, "")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	_, err = NewFeed([]*domain.Kline{kline("SOLUSDT", 0, 0)}, "")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestFeed_TradesAtExactClose(t *testing.T) {
	k := kline("SOLUSDT", 0, 100.1)
	k.ClosePrice = decimal.RequireFromString("100.10000000000000000001")
	f, err := NewFeed([]*domain.Kline{k}, "")
	require.NoError(t, err)
	f.Advance()
	p, err := f.FetchPrice(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, "100.10000000000000000001", p.String())
}
