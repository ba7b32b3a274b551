package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kline is a single candlestick supplied by a market-data collaborator. The
// float fields feed the indicators; ClosePrice carries the close exactly as
// the source printed it and is what replay trades at.
type Kline struct {
	OpenTime   time.Time
	CloseTime  time.Time
	Symbol     string
	Interval   string // e.g. "1m", "15m"
	Open       float64
	High       float64
	Low        float64
	Close      float64
	ClosePrice decimal.Decimal
	Volume     float64
	IsFinal    bool
}

// ExactClose returns ClosePrice, or the float close when the source gave none.
func (k *Kline) ExactClose() decimal.Decimal {
	if !k.ClosePrice.IsZero() {
		return k.ClosePrice
	}
	return decimal.NewFromFloat(k.Close)
}
