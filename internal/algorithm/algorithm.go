package algorithm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"crypto-backtest-engine/internal/candles"
)

// ErrNotRegistered is fatal to a run: the engine re-throws it without
// retrying the bar.
var ErrNotRegistered = errors.New("algorithm not registered")

// RunMetadata tells the algorithm which kind of run it is inside.
type RunMetadata struct {
	BacktestID        string  `json:"backtest_id,omitempty"`
	DatasetID         string  `json:"dataset_id,omitempty"`
	DeterministicSeed string  `json:"deterministic_seed,omitempty"`
	IsOptimization    bool    `json:"is_optimization,omitempty"`
	IsLiveReplay      bool    `json:"is_live_replay,omitempty"`
	ReplaySpeed       float64 `json:"replay_speed,omitempty"`
}

// Context is the per-bar view handed to an algorithm. PriceData windows
// are borrowed read-only views owned by the engine; algorithms must not
// mutate them.
type Context struct {
	Coins            []candles.Coin
	PriceData        map[string][]candles.PriceSummary
	Timestamp        int64
	Config           map[string]interface{}
	Positions        map[string]float64
	AvailableBalance float64
	Metadata         RunMetadata
}

// Result is an algorithm's per-bar output.
type Result struct {
	Success bool        `json:"success"`
	Signals []RawSignal `json:"signals"`
	Error   string      `json:"error,omitempty"`
}

// SchemaField documents one recognized config key.
type SchemaField struct {
	Type        string      `json:"type"`
	Default     interface{} `json:"default,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Schema maps config keys to their documentation.
type Schema map[string]SchemaField

// Algorithm is the capability set a strategy exposes.
type Algorithm interface {
	ID() string
	Execute(ctx context.Context, bar Context) (Result, error)
	CanExecute(bar Context) bool
	ConfigSchema() Schema
}

// Registry holds the algorithms the service can run, keyed by ID.
type Registry struct {
	mu    sync.RWMutex
	algos map[string]Algorithm
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{algos: make(map[string]Algorithm)}
}

// Register adds an algorithm. Duplicate IDs are an error.
func (r *Registry) Register(a Algorithm) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ID()
	if id == "" {
		return fmt.Errorf("algorithm has empty ID")
	}
	if _, exists := r.algos[id]; exists {
		return fmt.Errorf("algorithm %q already registered", id)
	}
	r.algos[id] = a
	return nil
}

// Get resolves an algorithm by ID.
func (r *Registry) Get(id string) (Algorithm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.algos[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return a, nil
}

// IDs returns the registered algorithm IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.algos))
	for id := range r.algos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Schemas returns the config schema per registered algorithm.
func (r *Registry) Schemas() map[string]Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Schema, len(r.algos))
	for id, a := range r.algos {
		out[id] = a.ConfigSchema()
	}
	return out
}
