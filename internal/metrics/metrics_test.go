package metrics

import (
	"math"
	"testing"

	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/executor"
	"crypto-backtest-engine/internal/portfolio"
)

func sellTrade(pnl float64) *executor.Trade {
	return &executor.Trade{Type: algorithm.ActionSell, CoinID: "btc", RealizedPnL: &pnl}
}

func buyTrade() *executor.Trade {
	return &executor.Trade{Type: algorithm.ActionBuy, CoinID: "btc"}
}

func TestHarvestSplitsSellsBySign(t *testing.T) {
	acc := NewAccumulator(1000)

	trades := []*executor.Trade{
		buyTrade(),
		sellTrade(30),
		sellTrade(-10),
		sellTrade(5),
	}
	snaps := []portfolio.Snapshot{{PortfolioValue: 1010}, {PortfolioValue: 1025}}

	acc.Harvest(trades, 7, 4, snaps)

	counts := acc.Counts()
	if counts.Trades != 4 {
		t.Errorf("Expected 4 trades, got %d", counts.Trades)
	}
	if counts.Signals != 7 || counts.Fills != 4 || counts.Snapshots != 2 {
		t.Errorf("Unexpected counts %+v", counts)
	}
	if counts.Sells != 3 || counts.WinningSells != 2 {
		t.Errorf("Expected 3 sells / 2 wins, got %d / %d", counts.Sells, counts.WinningSells)
	}
	if counts.GrossProfit != 35 || counts.GrossLoss != 10 {
		t.Errorf("Expected gross 35/10, got %v/%v", counts.GrossProfit, counts.GrossLoss)
	}

	// A second harvest keeps accumulating.
	acc.Harvest([]*executor.Trade{sellTrade(15)}, 1, 1, nil)
	if got := acc.Counts().GrossProfit; got != 50 {
		t.Errorf("Expected gross profit 50 after second harvest, got %v", got)
	}
}

func TestDrawdownTracking(t *testing.T) {
	acc := NewAccumulator(1000)

	acc.ObserveValue(1100)
	acc.ObserveValue(880) // 20% below the 1100 peak
	acc.ObserveValue(1200)
	acc.ObserveValue(1080) // only 10%, peak already higher

	if got := acc.Peak(); got != 1200 {
		t.Errorf("Expected peak 1200, got %v", got)
	}
	if got := acc.MaxDrawdown(); math.Abs(got-0.2) > 1e-12 {
		t.Errorf("Expected max drawdown 0.2, got %v", got)
	}
}

func TestProfitFactor(t *testing.T) {
	tests := []struct {
		profit, loss, want float64
	}{
		{50, 25, 2},
		{500, 10, 10}, // capped
		{10, 0, 10},   // lossless and profitable
		{0, 0, 1},     // no sells at all
		{0, 10, 0},
	}

	for _, tt := range tests {
		if got := profitFactor(tt.profit, tt.loss); got != tt.want {
			t.Errorf("profitFactor(%v, %v): expected %v, got %v", tt.profit, tt.loss, got, tt.want)
		}
	}
}

func TestFinalizeReturns(t *testing.T) {
	acc := NewAccumulator(1000)
	acc.Harvest(nil, 0, 0, []portfolio.Snapshot{
		{PortfolioValue: 1000},
		{PortfolioValue: 1100},
		{PortfolioValue: 1210},
	})
	acc.ObserveValue(1210)

	res := acc.Finalize(1000, 1210, 365)

	if math.Abs(res.TotalReturn-0.21) > 1e-12 {
		t.Errorf("Expected total return 0.21, got %v", res.TotalReturn)
	}
	// One year duration leaves the annualized figure equal to the total.
	if math.Abs(res.AnnualizedReturn-0.21) > 1e-9 {
		t.Errorf("Expected annualized 0.21, got %v", res.AnnualizedReturn)
	}
	// Two identical 10% returns have zero deviation, so no Sharpe.
	if res.SharpeRatio != 0 {
		t.Errorf("Expected Sharpe 0 for constant returns, got %v", res.SharpeRatio)
	}
	if res.FinalValue != 1210 {
		t.Errorf("Expected final value 1210, got %v", res.FinalValue)
	}
}

func TestFinalizeZeroDuration(t *testing.T) {
	acc := NewAccumulator(1000)
	res := acc.Finalize(1000, 1100, 0)

	if res.AnnualizedReturn != res.TotalReturn {
		t.Errorf("Expected annualized to fall back to total return, got %v vs %v",
			res.AnnualizedReturn, res.TotalReturn)
	}
}

func TestSharpePositiveForVolatileGains(t *testing.T) {
	acc := NewAccumulator(1000)
	acc.Harvest(nil, 0, 0, []portfolio.Snapshot{
		{PortfolioValue: 1000},
		{PortfolioValue: 1050},
		{PortfolioValue: 1030},
		{PortfolioValue: 1120},
		{PortfolioValue: 1100},
		{PortfolioValue: 1180},
	})

	res := acc.Finalize(1000, 1180, 100)
	if res.SharpeRatio <= 0 {
		t.Errorf("Expected positive Sharpe for a rising series, got %v", res.SharpeRatio)
	}
	if res.Volatility <= 0 {
		t.Errorf("Expected positive volatility, got %v", res.Volatility)
	}
}

func TestWinRate(t *testing.T) {
	acc := NewAccumulator(1000)
	acc.Harvest([]*executor.Trade{sellTrade(10), sellTrade(-5), sellTrade(0), sellTrade(8)}, 0, 0, nil)

	res := acc.Finalize(1000, 1000, 10)
	if math.Abs(res.WinRate-0.5) > 1e-12 {
		t.Errorf("Expected win rate 0.5 (zero-pnl sell is not a win), got %v", res.WinRate)
	}
}

func TestResumeCarriesCounts(t *testing.T) {
	counts := Counts{Trades: 10, Sells: 4, WinningSells: 3, GrossProfit: 40, GrossLoss: 5}
	acc := Resume(counts, 1500, 0.12, []float64{1000, 1200})

	if acc.Peak() != 1500 || acc.MaxDrawdown() != 0.12 {
		t.Errorf("Expected peak/drawdown restored, got %v/%v", acc.Peak(), acc.MaxDrawdown())
	}

	acc.Harvest([]*executor.Trade{sellTrade(10)}, 0, 0, []portfolio.Snapshot{{PortfolioValue: 1400}})
	got := acc.Counts()
	if got.Sells != 5 || got.WinningSells != 4 {
		t.Errorf("Expected resumed counts to keep growing, got %+v", got)
	}
	if len(acc.SnapshotValues()) != 3 {
		t.Errorf("Expected 3 snapshot values, got %d", len(acc.SnapshotValues()))
	}
}
