package candles

import (
	"context"
	"fmt"
)

// Dataset kinds understood by the built-in providers.
const (
	DatasetCSV       = "csv"
	DatasetSynthetic = "synthetic"
)

// DatasetRef names the candle source for one run.
type DatasetRef struct {
	Kind      string         `json:"kind"`
	ID        string         `json:"id"`
	Paths     []string       `json:"paths,omitempty"`
	Synthetic *SyntheticSpec `json:"synthetic,omitempty"`
}

// Provider loads a complete candle series for a run. Implementations
// must return candles sorted ascending by timestamp.
type Provider interface {
	GetCandles(ctx context.Context, ref DatasetRef) ([]Candle, error)
}

// Providers routes dataset references to the registered provider for
// their kind.
type Providers map[string]Provider

// GetCandles dispatches on the reference's kind.
func (p Providers) GetCandles(ctx context.Context, ref DatasetRef) ([]Candle, error) {
	provider, ok := p[ref.Kind]
	if !ok {
		return nil, fmt.Errorf("no candle provider registered for kind %q", ref.Kind)
	}
	return provider.GetCandles(ctx, ref)
}

var _ Provider = (Providers)(nil)
