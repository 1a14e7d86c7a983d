// Package algorithm defines the plug-in contract between the backtest
// engine and trading strategies: the execution context handed to an
// algorithm each bar, the signals it returns, and the registry the
// service resolves algorithm IDs through.
//
// Strategies are a capability set, not a hierarchy: anything with an
// ID, Execute, CanExecute and ConfigSchema can be registered.
package algorithm

// SignalType is the wire-level signal kind an algorithm emits.
type SignalType string

const (
	SignalBuy        SignalType = "BUY"
	SignalSell       SignalType = "SELL"
	SignalStopLoss   SignalType = "STOP_LOSS"
	SignalTakeProfit SignalType = "TAKE_PROFIT"
	SignalHold       SignalType = "HOLD"
)

// Action is the normalized action the executor understands. STOP_LOSS
// and TAKE_PROFIT collapse to SELL with the original type preserved for
// risk-control routing.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// RawSignal is what an algorithm returns from Execute.
type RawSignal struct {
	Type       SignalType             `json:"type"`
	CoinID     string                 `json:"coin_id"`
	Quantity   float64                `json:"quantity,omitempty"`
	Strength   float64                `json:"strength,omitempty"` // fraction of position/portfolio
	Reason     string                 `json:"reason"`
	Confidence float64                `json:"confidence,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Signal is the normalized internal form flowing through the throttle,
// regime gate and executor. Zero-valued Quantity/Percentage/Confidence
// mean "unset"; the executor resolves sizing in that priority order and
// falls back to the run's RNG.
type Signal struct {
	Action       Action                 `json:"action"`
	CoinID       string                 `json:"coin_id"`
	Quantity     float64                `json:"quantity,omitempty"`
	Percentage   float64                `json:"percentage,omitempty"`
	Confidence   float64                `json:"confidence,omitempty"`
	Reason       string                 `json:"reason"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	OriginalType SignalType             `json:"original_type"`
}

// IsRiskControl reports whether the signal bypasses the throttle,
// regime gate and minimum hold period.
func (s Signal) IsRiskControl() bool {
	return s.OriginalType == SignalStopLoss || s.OriginalType == SignalTakeProfit
}

// Normalize converts a raw algorithm signal to the internal form.
func Normalize(raw RawSignal) Signal {
	action := ActionHold
	switch raw.Type {
	case SignalBuy:
		action = ActionBuy
	case SignalSell, SignalStopLoss, SignalTakeProfit:
		action = ActionSell
	}

	return Signal{
		Action:       action,
		CoinID:       raw.CoinID,
		Quantity:     raw.Quantity,
		Percentage:   raw.Strength,
		Confidence:   clamp01(raw.Confidence),
		Reason:       raw.Reason,
		Metadata:     raw.Metadata,
		OriginalType: raw.Type,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// MetadataFloat reads a float value out of signal metadata, tolerating
// the numeric types JSON decoding produces. Missing keys read as zero.
func MetadataFloat(m map[string]interface{}, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// MetadataBool reads a bool value out of signal metadata.
func MetadataBool(m map[string]interface{}, key string) bool {
	if m == nil {
		return false
	}
	v, ok := m[key].(bool)
	return ok && v
}
