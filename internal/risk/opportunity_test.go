package risk

import (
	"testing"

	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/portfolio"
)

func fundingFixture() (FundingContext, *portfolio.Portfolio) {
	pf := portfolio.New(10)
	pf.Positions["loser"] = &portfolio.Position{CoinID: "loser", Quantity: 10, AveragePrice: 10}
	pf.Positions["winner"] = &portfolio.Position{CoinID: "winner", Quantity: 10, AveragePrice: 10}

	marks := map[string]float64{"loser": 8, "winner": 15, "new": 5}
	pf.UpdateValues(marks)

	fc := FundingContext{
		Buy:           algorithm.Signal{Action: algorithm.ActionBuy, CoinID: "new", Confidence: 0.8, OriginalType: algorithm.SignalBuy},
		Portfolio:     pf,
		Marks:         marks,
		Now:           1_000_000_000,
		FeeRate:       0.001,
		MinAllocation: 0.03,
		MaxAllocation: 0.12,
	}
	return fc, pf
}

func TestQualifiesGate(t *testing.T) {
	s := NewSeller(OpportunityConfig{Enabled: true, MinConfidence: 0.7})

	if s.Qualifies(algorithm.Signal{Confidence: 0.5}) {
		t.Error("Expected low-confidence BUY to be rejected")
	}
	if !s.Qualifies(algorithm.Signal{Confidence: 0.7}) {
		t.Error("Expected BUY at the confidence floor to qualify")
	}

	disabled := NewSeller(OpportunityConfig{Enabled: false, MinConfidence: 0.1})
	if disabled.Qualifies(algorithm.Signal{Confidence: 0.9}) {
		t.Error("Expected disabled seller to never qualify")
	}
}

func TestRaiseCashSellsWeakestFirst(t *testing.T) {
	fc, _ := fundingFixture()
	s := NewSeller(OpportunityConfig{Enabled: true, MinConfidence: 0.7, MaxLiquidationPercent: 0.3})

	var sold []string
	execute := func(sig algorithm.Signal) (float64, bool) {
		sold = append(sold, sig.CoinID)
		if sig.Action != algorithm.ActionSell {
			t.Errorf("Expected SELL, got %s", sig.Action)
		}
		return sig.Quantity * fc.Marks[sig.CoinID] * 0.999, true
	}

	sells, covered := s.RaiseCash(fc, execute)
	if sells != 1 {
		t.Fatalf("Expected a single sell to cover the shortfall, got %d", sells)
	}
	if !covered {
		t.Error("Expected shortfall covered")
	}
	if sold[0] != "loser" {
		t.Errorf("Expected the losing position sold first, got %s", sold[0])
	}
}

func TestRaiseCashRespectsLiquidationCap(t *testing.T) {
	fc, pf := fundingFixture()
	s := NewSeller(OpportunityConfig{Enabled: true, MinConfidence: 0.7, MaxLiquidationPercent: 0.02})

	cap := 0.02 * pf.TotalValue

	liquidated := 0.0
	execute := func(sig algorithm.Signal) (float64, bool) {
		liquidated += sig.Quantity * fc.Marks[sig.CoinID]
		return sig.Quantity * fc.Marks[sig.CoinID], true
	}

	_, covered := s.RaiseCash(fc, execute)
	if covered {
		t.Error("Expected the cap to leave the shortfall uncovered")
	}
	if liquidated > cap+1e-9 {
		t.Errorf("Expected liquidation capped at %.4f, sold %.4f", cap, liquidated)
	}
}

func TestRaiseCashSkipsProtectedAndTarget(t *testing.T) {
	fc, _ := fundingFixture()
	s := NewSeller(OpportunityConfig{Enabled: true, MinConfidence: 0.7, MaxLiquidationPercent: 1, ProtectedCoins: []string{"loser"}})

	var sold []string
	execute := func(sig algorithm.Signal) (float64, bool) {
		sold = append(sold, sig.CoinID)
		return sig.Quantity * fc.Marks[sig.CoinID], true
	}

	s.RaiseCash(fc, execute)
	for _, coin := range sold {
		if coin == "loser" {
			t.Error("Expected protected coin to be skipped")
		}
		if coin == fc.Buy.CoinID {
			t.Error("Expected the BUY's own coin to be skipped")
		}
	}
}

func TestRaiseCashHonorsHoldPeriod(t *testing.T) {
	fc, pf := fundingFixture()
	fc.MinHoldMs = 24 * 60 * 60 * 1000
	pf.Position("loser").EntryDate = fc.Now - 60*60*1000 // bought an hour ago

	s := NewSeller(OpportunityConfig{Enabled: true, MinConfidence: 0.7, MaxLiquidationPercent: 0.5})

	var sold []string
	execute := func(sig algorithm.Signal) (float64, bool) {
		sold = append(sold, sig.CoinID)
		return sig.Quantity * fc.Marks[sig.CoinID], true
	}

	s.RaiseCash(fc, execute)
	if len(sold) == 0 {
		t.Fatal("Expected the eligible position to be sold")
	}
	for _, coin := range sold {
		if coin == "loser" {
			t.Error("Expected position inside hold period to be skipped")
		}
	}
}

func TestRaiseCashNoShortfall(t *testing.T) {
	fc, pf := fundingFixture()
	pf.CashBalance = 1000
	pf.UpdateValues(fc.Marks)

	s := NewSeller(OpportunityConfig{Enabled: true, MinConfidence: 0.7, MaxLiquidationPercent: 0.3})

	sells, covered := s.RaiseCash(fc, func(algorithm.Signal) (float64, bool) {
		t.Fatal("Expected no sells when cash already covers the BUY")
		return 0, false
	})
	if sells != 0 || !covered {
		t.Errorf("Expected (0, true), got (%d, %v)", sells, covered)
	}
}

func TestScoreOrdersLosersAndStaleFirst(t *testing.T) {
	now := int64(100 * 24 * 60 * 60 * 1000)

	fresh := &portfolio.Position{CoinID: "a", Quantity: 1, AveragePrice: 100, EntryDate: now - 24*60*60*1000}
	stale := &portfolio.Position{CoinID: "b", Quantity: 1, AveragePrice: 100, EntryDate: now - 90*24*60*60*1000}

	freshScore := scorePosition(fresh, 100, nil, now, 0.05)
	staleScore := scorePosition(stale, 100, nil, now, 0.05)
	if staleScore >= freshScore {
		t.Errorf("Expected stale position to score lower, got stale=%v fresh=%v", staleScore, freshScore)
	}

	loser := &portfolio.Position{CoinID: "c", Quantity: 1, AveragePrice: 100}
	winner := &portfolio.Position{CoinID: "d", Quantity: 1, AveragePrice: 100}

	loserScore := scorePosition(loser, 80, nil, now, 0.05)
	winnerScore := scorePosition(winner, 130, nil, now, 0.05)
	if loserScore >= winnerScore {
		t.Errorf("Expected loser to score lower, got loser=%v winner=%v", loserScore, winnerScore)
	}
}
