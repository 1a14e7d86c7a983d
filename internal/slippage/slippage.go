// Package slippage converts a base price into an execution price for
// simulated fills. Buys always pay at or above the base price, sells
// receive at or below it.
package slippage

import "math"

// Model selects the slippage formula.
type Model string

const (
	ModelNone       Model = "none"
	ModelFixed      Model = "fixed"
	ModelVolume     Model = "volume"
	ModelHistorical Model = "historical"
)

// volumeEpsilon guards the division when a bar reports no volume.
const volumeEpsilon = 1e-9

// Config holds the slippage settings for a run.
type Config struct {
	Type               Model   `json:"type"`
	FixedBps           float64 `json:"fixed_bps"`
	BaseSlippageBps    float64 `json:"base_slippage_bps"`
	VolumeImpactFactor float64 `json:"volume_impact_factor"`
	MaxSlippageBps     float64 `json:"max_slippage_bps"`

	// Historical maps coin IDs to empirical bps, used by ModelHistorical.
	Historical    map[string]float64 `json:"historical,omitempty"`
	HistoricalBps float64            `json:"historical_bps,omitempty"` // fallback when a coin is absent
}

// DefaultConfig returns the settings used when a run specifies none.
func DefaultConfig() Config {
	return Config{
		Type:               ModelVolume,
		BaseSlippageBps:    5,
		VolumeImpactFactor: 100,
		MaxSlippageBps:     200,
	}
}

// Order describes the simulated order being quoted.
type Order struct {
	CoinID      string
	Price       float64
	Quantity    float64
	IsBuy       bool
	DailyVolume float64
}

// Quote is the result of applying a slippage model.
type Quote struct {
	ExecutionPrice float64
	SlippageBps    float64
}

// Apply computes the execution price for an order. The returned bps is
// the unsigned magnitude; the sign convention (buys pay up, sells
// receive down) is already folded into ExecutionPrice.
func Apply(cfg Config, ord Order) Quote {
	var bps float64

	switch cfg.Type {
	case ModelNone, "":
		return Quote{ExecutionPrice: ord.Price, SlippageBps: 0}

	case ModelFixed:
		bps = cfg.FixedBps

	case ModelVolume:
		notional := ord.Price * ord.Quantity
		volume := math.Max(ord.DailyVolume, volumeEpsilon)
		bps = cfg.BaseSlippageBps + cfg.VolumeImpactFactor*(notional/volume)

	case ModelHistorical:
		if v, ok := cfg.Historical[ord.CoinID]; ok {
			bps = v
		} else {
			bps = cfg.HistoricalBps
		}

	default:
		return Quote{ExecutionPrice: ord.Price, SlippageBps: 0}
	}

	if bps < 0 {
		bps = 0
	}
	if cfg.MaxSlippageBps > 0 && bps > cfg.MaxSlippageBps {
		bps = cfg.MaxSlippageBps
	}

	price := ord.Price
	if ord.IsBuy {
		price = ord.Price * (1 + bps/10000)
	} else {
		price = ord.Price * (1 - bps/10000)
	}

	return Quote{ExecutionPrice: price, SlippageBps: bps}
}
