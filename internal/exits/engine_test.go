package exits

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoPaperBot/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var rules = Rules{TrailingActivationPct: d("0.03"), TrailingDistancePct: d("0.03")}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newPosition() *domain.Position {
	return &domain.Position{
		Symbol:           "SOLUSDT",
		EntryPrice:       d("100"),
		Quantity:         d("10"),
		PositionSize:     d("1000"),
		EntryTime:        t0,
		HighestPriceSeen: d("100"),
		StopLossPrice:    d("95"),
		TakeProfitPrice:  d("115"),
	}
}

// run feeds prices until an exit fires and returns the reason and tick index.
func run(t *testing.T, pos *domain.Position, prices ...string) (domain.ExitReason, int, *domain.Position) {
	t.Helper()
	for i, p := range prices {
		dec := rules.Evaluate(pos, d(p))
		if dec.Exit {
			return dec.Reason, i, pos
		}
		require.NotNil(t, dec.Updated)
		pos = dec.Updated
	}
	return "", -1, pos
}

func TestEvaluate_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		prices     []string
		wantReason domain.ExitReason
		wantTick   int
	}{
		{name: "stop loss", prices: []string{"95.00"}, wantReason: domain.ExitReasonStopLoss, wantTick: 0},
		{name: "take profit", prices: []string{"110", "114", "115.50"}, wantReason: domain.ExitReasonTakeProfit, wantTick: 2},
		{name: "trailing arms and fires", prices: []string{"103", "108", "104.00"}, wantReason: domain.ExitReasonTrailingStop, wantTick: 2},
		{name: "gap below stop loss", prices: []string{"94.00"}, wantReason: domain.ExitReasonStopLoss, wantTick: 0},
		{name: "no exit", prices: []string{"101", "99", "102"}, wantReason: "", wantTick: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, tick, _ := run(t, newPosition(), tt.prices...)
			assert.Equal(t, tt.wantReason, reason)
			assert.Equal(t, tt.wantTick, tick)
		})
	}
}

func TestEvaluate_TrailingLevels(t *testing.T) {
	pos := newPosition()

	dec := rules.Evaluate(pos, d("103"))
	require.False(t, dec.Exit)
	require.True(t, dec.Changed)
	require.NotNil(t, dec.Updated.TrailingStopPrice)
	assert.True(t, dec.Updated.TrailingStopPrice.Equal(d("99.91")))
	assert.Nil(t, pos.TrailingStopPrice, "input position is not modified")

	dec = rules.Evaluate(dec.Updated, d("108"))
	require.False(t, dec.Exit)
	assert.True(t, dec.Updated.TrailingStopPrice.Equal(d("104.76")))
	assert.True(t, dec.Updated.HighestPriceSeen.Equal(d("108")))

	// a pullback above the stop leaves both marks where they were
	dec = rules.Evaluate(dec.Updated, d("105"))
	require.False(t, dec.Exit)
	assert.False(t, dec.Changed)
	assert.True(t, dec.Updated.TrailingStopPrice.Equal(d("104.76")))
}

func TestEvaluate_BelowActivationDoesNotArm(t *testing.T) {
	dec := rules.Evaluate(newPosition(), d("102.99"))
	require.False(t, dec.Exit)
	assert.True(t, dec.Changed)
	assert.Nil(t, dec.Updated.TrailingStopPrice)
	assert.Equal(t, domain.StateOpen, dec.Updated.State())
}

func TestEvaluate_StopLossBeatsArmedTrailing(t *testing.T) {
	pos := newPosition()
	ts := d("99.91")
	pos.TrailingStopPrice = &ts
	pos.HighestPriceSeen = d("103")

	assert.Equal(t, domain.ExitReasonStopLoss, rules.Evaluate(pos, d("95")).Reason)
	assert.Equal(t, domain.ExitReasonTrailingStop, rules.Evaluate(pos, d("99")).Reason)
}

func TestEvaluate_TrailingBeatsTakeProfit(t *testing.T) {
	pos := newPosition()
	ts := d("116")
	pos.TrailingStopPrice = &ts
	pos.HighestPriceSeen = d("120")

	assert.Equal(t, domain.ExitReasonTrailingStop, rules.Evaluate(pos, d("115.5")).Reason)
}

func TestEvaluate_TrailingNeverDecreases(t *testing.T) {
	pos := newPosition()
	prices := []string{"103", "110", "107", "112", "109", "113", "111"}
	var last decimal.Decimal
	for _, p := range prices {
		dec := rules.Evaluate(pos, d(p))
		if dec.Exit {
			break
		}
		pos = dec.Updated
		if pos.TrailingStopPrice != nil {
			assert.True(t, pos.TrailingStopPrice.GreaterThanOrEqual(last))
			assert.True(t, pos.TrailingStopPrice.LessThanOrEqual(pos.HighestPriceSeen))
			last = *pos.TrailingStopPrice
		}
	}
	assert.True(t, last.Equal(d("113").Mul(d("0.97"))))
}

func TestSettle(t *testing.T) {
	pos := newPosition()
	det := Settle(pos, d("104"), t0.Add(90*time.Minute+30*time.Second), domain.ExitReasonTrailingStop)

	assert.True(t, det.PnL.Equal(d("40")))
	assert.True(t, det.PnLPct.Equal(d("0.04")))
	assert.True(t, det.HoldMinutes.Equal(d("90.5")))
	assert.Equal(t, domain.ExitReasonTrailingStop, det.Reason)

	det = Settle(pos, d("95"), t0.Add(20*time.Second), domain.ExitReasonStopLoss)
	assert.True(t, det.PnL.Equal(d("-50")))
	assert.True(t, det.HoldMinutes.Equal(d("0.33")))
}

func TestRules_Validate(t *testing.T) {
	assert.NoError(t, rules.Validate())
	assert.Error(t, Rules{TrailingActivationPct: d("0.03"), TrailingDistancePct: d("0")}.Validate())
	assert.Error(t, Rules{TrailingActivationPct: d("-0.01"), TrailingDistancePct: d("0.03")}.Validate())
}
