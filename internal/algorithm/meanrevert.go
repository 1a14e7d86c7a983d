package algorithm

import "context"

// MeanRevertConfig tunes the oversold-bounce algorithm.
type MeanRevertConfig struct {
	RSIPeriod int
	BuyBelow  float64
	ExitAbove float64
}

// MeanRevert buys oversold coins and emits TAKE_PROFIT exits once RSI
// recovers, which routes the sell around the hold-period gate the same
// way an exchange-side profit order would.
type MeanRevert struct {
	config MeanRevertConfig
}

// NewMeanRevert creates the built-in mean-reversion algorithm.
func NewMeanRevert(cfg MeanRevertConfig) *MeanRevert {
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = 14
	}
	if cfg.BuyBelow <= 0 {
		cfg.BuyBelow = 30
	}
	if cfg.ExitAbove <= 0 {
		cfg.ExitAbove = 70
	}
	return &MeanRevert{config: cfg}
}

var _ Algorithm = (*MeanRevert)(nil)

func (m *MeanRevert) ID() string { return "mean-revert" }

func (m *MeanRevert) CanExecute(bar Context) bool {
	for _, window := range bar.PriceData {
		if len(window) > m.config.RSIPeriod {
			return true
		}
	}
	return false
}

func (m *MeanRevert) ConfigSchema() Schema {
	return Schema{
		"rsiPeriod": {Type: "int", Default: 14, Description: "RSI lookback"},
		"buyBelow":  {Type: "float", Default: 30.0, Description: "RSI level that triggers a buy"},
		"exitAbove": {Type: "float", Default: 70.0, Description: "RSI level that takes profit"},
	}
}

func (m *MeanRevert) Execute(_ context.Context, bar Context) (Result, error) {
	signals := make([]RawSignal, 0)

	for _, coin := range bar.Coins {
		window := bar.PriceData[coin.ID]
		if len(window) <= m.config.RSIPeriod {
			continue
		}

		rsi := RSI(window, m.config.RSIPeriod)
		held := bar.Positions[coin.ID] > 0

		switch {
		case rsi <= m.config.BuyBelow && !held:
			// Deeper oversold reads as higher conviction.
			confidence := (m.config.BuyBelow - rsi) / m.config.BuyBelow
			signals = append(signals, RawSignal{
				Type:       SignalBuy,
				CoinID:     coin.ID,
				Confidence: confidence,
				Reason:     "RSI oversold",
			})
		case rsi >= m.config.ExitAbove && held:
			signals = append(signals, RawSignal{
				Type:     SignalTakeProfit,
				CoinID:   coin.ID,
				Strength: 1.0,
				Reason:   "RSI recovered",
			})
		}
	}

	return Result{Success: true, Signals: signals}, nil
}
