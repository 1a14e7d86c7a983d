// Package metrics accumulates trade statistics incrementally so a run
// never has to retain its full trade history in memory.
package metrics

import (
	"math"

	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/executor"
	"crypto-backtest-engine/internal/portfolio"
)

const (
	riskFreePerPeriod = 0.0
	periodsPerYear    = 365.0
	// Volatility is annualized on the trading-day convention.
	volTradingDays = 252.0
	// Profit factor is capped so a run with near-zero losses stays
	// comparable to others.
	profitFactorCap = 10.0
)

// Counts are the cumulative totals carried across checkpoints.
type Counts struct {
	Trades       int     `json:"trades"`
	Signals      int     `json:"signals"`
	Fills        int     `json:"fills"`
	Snapshots    int     `json:"snapshots"`
	Sells        int     `json:"sells"`
	WinningSells int     `json:"winningSells"`
	GrossProfit  float64 `json:"grossProfit"`
	GrossLoss    float64 `json:"grossLoss"`
}

// Result is the final metrics block of a completed run.
type Result struct {
	TotalReturn      float64 `json:"totalReturn"`
	AnnualizedReturn float64 `json:"annualizedReturn"`
	SharpeRatio      float64 `json:"sharpeRatio"`
	Volatility       float64 `json:"volatility"`
	ProfitFactor     float64 `json:"profitFactor"`
	WinRate          float64 `json:"winRate"`
	MaxDrawdown      float64 `json:"maxDrawdown"`
	TotalTrades      int     `json:"totalTrades"`
	TotalSells       int     `json:"totalSells"`
	WinningSells     int     `json:"winningSells"`
	GrossProfit      float64 `json:"grossProfit"`
	GrossLoss        float64 `json:"grossLoss"`
	FinalValue       float64 `json:"finalValue"`
	DurationDays     float64 `json:"durationDays"`
}

// Accumulator folds per-checkpoint arrays into run totals and tracks the
// live portfolio peak and drawdown.
type Accumulator struct {
	counts         Counts
	snapshotValues []float64
	peakValue      float64
	maxDrawdown    float64
}

// NewAccumulator starts a fresh accumulator with the peak primed at the
// opening capital.
func NewAccumulator(initialCapital float64) *Accumulator {
	return &Accumulator{peakValue: initialCapital}
}

// Resume rebuilds an accumulator from a checkpoint's persisted counts.
// snapshotValues may be reloaded from storage by the caller; passing nil
// restricts the Sharpe series to post-resume snapshots.
func Resume(counts Counts, peakValue, maxDrawdown float64, snapshotValues []float64) *Accumulator {
	return &Accumulator{
		counts:         counts,
		snapshotValues: append([]float64(nil), snapshotValues...),
		peakValue:      peakValue,
		maxDrawdown:    maxDrawdown,
	}
}

// Harvest folds one checkpoint interval's results into the totals. It is
// called right before the orchestrator clears its in-memory arrays.
func (a *Accumulator) Harvest(trades []*executor.Trade, signalCount, fillCount int, snapshots []portfolio.Snapshot) {
	a.counts.Trades += len(trades)
	a.counts.Signals += signalCount
	a.counts.Fills += fillCount
	a.counts.Snapshots += len(snapshots)

	for _, tr := range trades {
		if tr.Type != algorithm.ActionSell || tr.RealizedPnL == nil {
			continue
		}
		a.counts.Sells++
		pnl := *tr.RealizedPnL
		if pnl > 0 {
			a.counts.WinningSells++
			a.counts.GrossProfit += pnl
		} else {
			a.counts.GrossLoss += -pnl
		}
	}

	for _, snap := range snapshots {
		a.snapshotValues = append(a.snapshotValues, snap.PortfolioValue)
	}
}

// ObserveValue updates the live peak and max drawdown after a bar.
func (a *Accumulator) ObserveValue(totalValue float64) {
	if totalValue > a.peakValue {
		a.peakValue = totalValue
	}
	if dd := a.Drawdown(totalValue); dd > a.maxDrawdown {
		a.maxDrawdown = dd
	}
}

// Drawdown returns the current drawdown from peak.
func (a *Accumulator) Drawdown(totalValue float64) float64 {
	if a.peakValue <= 0 {
		return 0
	}
	return (a.peakValue - totalValue) / a.peakValue
}

// Peak returns the highest portfolio value observed so far.
func (a *Accumulator) Peak() float64 { return a.peakValue }

// MaxDrawdown returns the deepest drawdown observed so far.
func (a *Accumulator) MaxDrawdown() float64 { return a.maxDrawdown }

// Counts returns a copy of the cumulative totals for checkpointing.
func (a *Accumulator) Counts() Counts { return a.counts }

// SnapshotValues returns the value series collected so far.
func (a *Accumulator) SnapshotValues() []float64 { return a.snapshotValues }

// Finalize computes the run-level metrics from everything harvested.
func (a *Accumulator) Finalize(initialCapital, finalValue, durationDays float64) Result {
	totalReturn := 0.0
	if initialCapital > 0 {
		totalReturn = (finalValue - initialCapital) / initialCapital
	}

	annualized := totalReturn
	if durationDays > 0 {
		annualized = math.Pow(1+totalReturn, periodsPerYear/durationDays) - 1
	}

	returns := periodReturns(a.snapshotValues)
	mean, stdev := meanStdev(returns)

	sharpe := 0.0
	if stdev > 0 {
		sharpe = (mean - riskFreePerPeriod) / stdev * math.Sqrt(periodsPerYear)
	}

	winRate := 0.0
	if a.counts.Sells > 0 {
		winRate = float64(a.counts.WinningSells) / float64(a.counts.Sells)
	}

	return Result{
		TotalReturn:      totalReturn,
		AnnualizedReturn: annualized,
		SharpeRatio:      sharpe,
		Volatility:       stdev * math.Sqrt(volTradingDays),
		ProfitFactor:     profitFactor(a.counts.GrossProfit, a.counts.GrossLoss),
		WinRate:          winRate,
		MaxDrawdown:      a.maxDrawdown,
		TotalTrades:      a.counts.Trades,
		TotalSells:       a.counts.Sells,
		WinningSells:     a.counts.WinningSells,
		GrossProfit:      a.counts.GrossProfit,
		GrossLoss:        a.counts.GrossLoss,
		FinalValue:       finalValue,
		DurationDays:     durationDays,
	}
}

// profitFactor is gross profit over gross loss, capped. A lossless run
// scores the cap when it made money and 1 when it made none.
func profitFactor(grossProfit, grossLoss float64) float64 {
	if grossLoss == 0 {
		if grossProfit > 0 {
			return profitFactorCap
		}
		return 1
	}
	return math.Min(grossProfit/grossLoss, profitFactorCap)
}

// periodReturns converts the snapshot value series into simple returns.
// A zero previous value yields a zero return rather than a division.
func periodReturns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		prev := values[i-1]
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (values[i]-prev)/prev)
	}
	return out
}

func meanStdev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	if len(values) < 2 {
		return mean, 0
	}
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values) - 1)
	return mean, math.Sqrt(variance)
}
