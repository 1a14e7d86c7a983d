// Package rng implements the deterministic random source used for
// position sizing during backtests. The generator is a 32-bit
// xorshift-multiply mixer whose entire state is one scalar, so a run
// can be checkpointed and resumed at the exact point in the sequence.
package rng

const (
	// seedBasis is XOR-folded with the seed length before mixing.
	seedBasis uint32 = 2654435761

	mixK1 uint32 = 0xCC9E2D51
	mixK2 uint32 = 0x85EBCA6B
	mixK3 uint32 = 0xC2B2AE35
)

// Generator produces a reproducible stream of float64 values in [0, 1).
// The same seed, or the same restored state, always yields the same
// sequence. Not safe for concurrent use; each run owns its own instance.
type Generator struct {
	state uint32
}

// NewFromSeed builds a generator from an arbitrary seed string.
func NewFromSeed(seed string) *Generator {
	h := uint32(len(seed)) ^ seedBasis
	for _, c := range []byte(seed) {
		h = (h ^ uint32(c)) * mixK1
		h = rotl13(h)
	}
	if h == 0 {
		h = seedBasis
	}
	return &Generator{state: h}
}

// NewFromState rebuilds a generator at an exact point in its sequence,
// typically from a checkpoint's saved rngState.
func NewFromState(state uint32) *Generator {
	if state == 0 {
		state = seedBasis
	}
	return &Generator{state: state}
}

// Next advances the generator and returns the next value in [0, 1).
func (g *Generator) Next() float64 {
	s := g.state
	s ^= s << 13
	s *= mixK2
	s ^= s >> 17
	s *= mixK3
	s ^= s << 5
	g.state = s
	return float64(s) / 4294967296.0
}

// State returns the current scalar state for checkpointing.
func (g *Generator) State() uint32 {
	return g.state
}

func rotl13(x uint32) uint32 {
	return x<<13 | x>>19
}
