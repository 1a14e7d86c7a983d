package checkpoint

import (
	"testing"

	"crypto-backtest-engine/internal/metrics"
	"crypto-backtest-engine/internal/portfolio"
	"crypto-backtest-engine/internal/throttle"
)

func fixtureInput() (Input, []int64) {
	pf := portfolio.New(500)
	pf.Upsert("btc").ApplyBuy(2, 100, 1_700_000_000_000)
	pf.UpdateValues(map[string]float64{"btc": 110})

	filter := throttle.New(throttle.DefaultConfig())
	state := filter.Snapshot()

	timestamps := []int64{
		1_700_000_000_000,
		1_700_000_060_000,
		1_700_000_120_000,
	}

	in := Input{
		LastProcessedIndex: 1,
		BarTimestamp:       timestamps[1],
		Portfolio:          pf,
		PeakValue:          800,
		MaxDrawdown:        0.05,
		RNGState:           123456789,
		Counts:             metrics.Counts{Trades: 3, Sells: 1, GrossProfit: 12},
		ThrottleState:      &state,
	}
	return in, timestamps
}

func TestBuildValidateRoundTrip(t *testing.T) {
	in, timestamps := fixtureInput()

	st, err := Build(in)
	if err != nil {
		t.Fatalf("Expected build to succeed, got %v", err)
	}
	if len(st.Checksum) != 16 {
		t.Errorf("Expected 16-char checksum, got %q", st.Checksum)
	}

	v := Validate(st, timestamps)
	if !v.Valid {
		t.Errorf("Expected valid checkpoint, got reason %q", v.Reason)
	}
}

func TestValidateRejectsCorruptedCash(t *testing.T) {
	in, timestamps := fixtureInput()
	st, err := Build(in)
	if err != nil {
		t.Fatal(err)
	}

	st.Portfolio.CashBalance += 10

	v := Validate(st, timestamps)
	if v.Valid {
		t.Fatal("Expected corrupted checkpoint to be rejected")
	}
	if v.Reason != ReasonChecksumFailed {
		t.Errorf("Expected %s, got %s", ReasonChecksumFailed, v.Reason)
	}
}

func TestChecksumSensitivity(t *testing.T) {
	in, timestamps := fixtureInput()

	mutations := []struct {
		name   string
		mutate func(*State)
	}{
		{"peak value", func(st *State) { st.PeakValue += 1 }},
		{"max drawdown", func(st *State) { st.MaxDrawdown += 0.01 }},
		{"rng state", func(st *State) { st.RNGState ^= 1 }},
		{"position count", func(st *State) {
			st.Portfolio.Positions = append(st.Portfolio.Positions, portfolio.SerializedPosition{CoinID: "eth", Quantity: 1})
		}},
		{"throttle state", func(st *State) {
			st.ThrottleState.LastSignalAt["btc|BUY"] = 42
		}},
		{"checksum itself", func(st *State) { st.Checksum = "0000000000000000" }},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			st, err := Build(in)
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(&st)
			if v := Validate(st, timestamps); v.Valid {
				t.Error("Expected mutation to invalidate the checkpoint")
			}
		})
	}
}

func TestValidateOutOfBounds(t *testing.T) {
	in, timestamps := fixtureInput()
	st, err := Build(in)
	if err != nil {
		t.Fatal(err)
	}

	st.LastProcessedIndex = len(timestamps)
	if v := Validate(st, timestamps); v.Valid || v.Reason != ReasonOutOfBounds {
		t.Errorf("Expected %s, got %+v", ReasonOutOfBounds, v)
	}

	st.LastProcessedIndex = -1
	if v := Validate(st, timestamps); v.Valid || v.Reason != ReasonOutOfBounds {
		t.Errorf("Expected %s for negative index, got %+v", ReasonOutOfBounds, v)
	}
}

func TestValidateTimestampMismatch(t *testing.T) {
	in, timestamps := fixtureInput()
	st, err := Build(in)
	if err != nil {
		t.Fatal(err)
	}

	// The same index now maps to different market data.
	shifted := append([]int64(nil), timestamps...)
	shifted[st.LastProcessedIndex] += 1000

	if v := Validate(st, shifted); v.Valid || v.Reason != ReasonTimestampMismatch {
		t.Errorf("Expected %s, got %+v", ReasonTimestampMismatch, v)
	}
}

func TestBuildWithoutThrottleState(t *testing.T) {
	in, timestamps := fixtureInput()
	in.ThrottleState = nil

	st, err := Build(in)
	if err != nil {
		t.Fatal(err)
	}
	if st.ThrottleState != nil {
		t.Error("Expected no throttle state on the checkpoint")
	}
	if v := Validate(st, timestamps); !v.Valid {
		t.Errorf("Expected valid checkpoint without throttle state, got %q", v.Reason)
	}
}

func TestPortfolioRestoresFromCheckpoint(t *testing.T) {
	in, _ := fixtureInput()
	st, err := Build(in)
	if err != nil {
		t.Fatal(err)
	}

	restored, err := portfolio.Restore(st.Portfolio)
	if err != nil {
		t.Fatalf("Expected restore to succeed, got %v", err)
	}
	if restored.CashBalance != in.Portfolio.CashBalance {
		t.Errorf("Expected cash %v, got %v", in.Portfolio.CashBalance, restored.CashBalance)
	}
	pos := restored.Position("btc")
	if pos == nil || pos.Quantity != 2 || pos.AveragePrice != 100 {
		t.Errorf("Expected btc position restored, got %+v", pos)
	}
	if pos.EntryDate != 1_700_000_000_000 {
		t.Errorf("Expected entry date preserved, got %d", pos.EntryDate)
	}
}
