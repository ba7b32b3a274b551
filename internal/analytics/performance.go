// Package analytics derives performance statistics from closed ledger entries.
package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"cryptoPaperBot/internal/domain"
)

// PerformanceMetrics holds performance figures for a sequence of closed trades.
type PerformanceMetrics struct {
	// Basic Metrics
	TotalTrades        int
	WinningTrades      int
	LosingTrades       int
	WinRate            decimal.Decimal
	TotalProfit        decimal.Decimal
	GrossProfit        decimal.Decimal
	GrossLoss          decimal.Decimal // negative or zero
	MaxDrawdown        decimal.Decimal // fraction of the running peak
	ProfitFactor       decimal.Decimal // zero when there are no losses
	AverageWin         decimal.Decimal
	AverageLoss        decimal.Decimal
	FinalBalance       decimal.Decimal
	ReturnOnInvestment decimal.Decimal

	// Streaks and timing
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageHoldMinutes   decimal.Decimal
	Expectancy           decimal.Decimal
	MonthlyReturns       map[string]decimal.Decimal
	Drawdowns            []Drawdown
	EquityCurve          []EquityPoint
}

// Drawdown represents a drawdown period
type Drawdown struct {
	StartTime  time.Time
	EndTime    time.Time
	StartValue decimal.Decimal
	EndValue   decimal.Decimal
	Depth      decimal.Decimal
	Duration   time.Duration
}

// EquityPoint represents a point on the equity curve
type EquityPoint struct {
	Time     time.Time
	Value    decimal.Decimal
	Drawdown decimal.Decimal
}

// MonthlyReturn represents a monthly return value
type MonthlyReturn struct {
	Month  time.Time
	Return decimal.Decimal
}

const ratioPlaces = 8

// AnalyzePerformance computes metrics from closed ledger entries, in exit-time
// order. Open rows are ignored. A trade with zero P&L counts as a loss.
func AnalyzePerformance(entries []domain.LedgerEntry, initialBalance decimal.Decimal) *PerformanceMetrics {
	metrics := &PerformanceMetrics{
		FinalBalance:   initialBalance,
		MonthlyReturns: make(map[string]decimal.Decimal),
		Drawdowns:      make([]Drawdown, 0),
		EquityCurve:    make([]EquityPoint, 0),
	}

	trades := make([]domain.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsClosed() {
			trades = append(trades, e)
		}
	}
	if len(trades) == 0 {
		return metrics
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].ExitTime.Before(*trades[j].ExitTime)
	})

	balance := initialBalance
	peak := initialBalance
	totalHold := decimal.Zero
	var current *Drawdown
	var wins, losses int

	for _, trade := range trades {
		pnl := *trade.PnL
		exitTime := *trade.ExitTime
		metrics.TotalTrades++
		if pnl.IsPositive() {
			metrics.WinningTrades++
			metrics.GrossProfit = metrics.GrossProfit.Add(pnl)
			wins++
			losses = 0
		} else {
			metrics.LosingTrades++
			metrics.GrossLoss = metrics.GrossLoss.Add(pnl)
			losses++
			wins = 0
		}
		metrics.MaxConsecutiveWins = max(metrics.MaxConsecutiveWins, wins)
		metrics.MaxConsecutiveLosses = max(metrics.MaxConsecutiveLosses, losses)
		if trade.HoldMinutes != nil {
			totalHold = totalHold.Add(*trade.HoldMinutes)
		}

		balance = balance.Add(pnl)
		monthKey := exitTime.UTC().Format("2006-01")
		metrics.MonthlyReturns[monthKey] = metrics.MonthlyReturns[monthKey].Add(pnl)

		depth := decimal.Zero
		if balance.GreaterThan(peak) {
			peak = balance
			if current != nil {
				current.EndTime = exitTime
				current.EndValue = balance
				current.Duration = current.EndTime.Sub(current.StartTime)
				metrics.Drawdowns = append(metrics.Drawdowns, *current)
				current = nil
			}
		} else if peak.IsPositive() {
			depth = peak.Sub(balance).DivRound(peak, ratioPlaces)
			if depth.IsPositive() {
				if current == nil {
					current = &Drawdown{StartTime: exitTime, StartValue: peak, Depth: depth}
				} else if depth.GreaterThan(current.Depth) {
					current.Depth = depth
				}
			}
			if depth.GreaterThan(metrics.MaxDrawdown) {
				metrics.MaxDrawdown = depth
			}
		}

		metrics.EquityCurve = append(metrics.EquityCurve, EquityPoint{Time: exitTime, Value: balance, Drawdown: depth})
	}

	if current != nil {
		current.EndTime = *trades[len(trades)-1].ExitTime
		current.EndValue = balance
		current.Duration = current.EndTime.Sub(current.StartTime)
		metrics.Drawdowns = append(metrics.Drawdowns, *current)
	}

	n := decimal.NewFromInt(int64(metrics.TotalTrades))
	metrics.FinalBalance = balance
	metrics.TotalProfit = domain.RoundPnL(balance.Sub(initialBalance))
	metrics.WinRate = decimal.NewFromInt(int64(metrics.WinningTrades)).DivRound(n, ratioPlaces)
	metrics.AverageHoldMinutes = totalHold.DivRound(n, 2)
	if metrics.WinningTrades > 0 {
		metrics.AverageWin = domain.RoundPnL(metrics.GrossProfit.Div(decimal.NewFromInt(int64(metrics.WinningTrades))))
	}
	if metrics.LosingTrades > 0 {
		metrics.AverageLoss = domain.RoundPnL(metrics.GrossLoss.Div(decimal.NewFromInt(int64(metrics.LosingTrades))))
	}
	if metrics.GrossLoss.IsNegative() {
		metrics.ProfitFactor = metrics.GrossProfit.DivRound(metrics.GrossLoss.Neg(), ratioPlaces)
	}
	if initialBalance.IsPositive() {
		metrics.ReturnOnInvestment = metrics.TotalProfit.DivRound(initialBalance, ratioPlaces)
	}
	metrics.Expectancy = domain.RoundPnL(metrics.TotalProfit.Div(n))

	return metrics
}

// GetMonthlyReturns returns the monthly returns as a sorted slice
func (m *PerformanceMetrics) GetMonthlyReturns() []MonthlyReturn {
	returns := make([]MonthlyReturn, 0, len(m.MonthlyReturns))
	for month, profit := range m.MonthlyReturns {
		date, _ := time.Parse("2006-01", month)
		returns = append(returns, MonthlyReturn{Month: date, Return: profit})
	}
	sort.Slice(returns, func(i, j int) bool {
		return returns[i].Month.Before(returns[j].Month)
	})
	return returns
}
