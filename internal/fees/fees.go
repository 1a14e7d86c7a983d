// Package fees computes simulated trading fees from trade notional.
package fees

// Schedule holds the fee rates for a run. When Tiered is set the
// maker/taker rates apply; otherwise the flat rate does.
type Schedule struct {
	Rate      float64 `json:"rate"`
	Tiered    bool    `json:"tiered"`
	MakerRate float64 `json:"maker_rate"`
	TakerRate float64 `json:"taker_rate"`
}

// DefaultSchedule matches a typical spot taker fee.
func DefaultSchedule() Schedule {
	return Schedule{Rate: 0.001}
}

// Calculate returns the absolute fee for a trade. Never negative.
func Calculate(s Schedule, tradeValue float64, isMaker bool) float64 {
	if tradeValue <= 0 {
		return 0
	}

	rate := s.Rate
	if s.Tiered {
		if isMaker {
			rate = s.MakerRate
		} else {
			rate = s.TakerRate
		}
	}
	if rate <= 0 {
		return 0
	}

	return tradeValue * rate
}
