package search

import "math/rand/v2"

// Random samples the hypercube uniformly. It never runs out of points.
type Random struct {
	space Space
	rng   *rand.Rand
}

func NewRandom(space Space, opts Options) *Random {
	return &Random{space: space, rng: newRand(opts.Seed, 0x72616e646f6d)}
}

func (*Random) Name() string { return NameRandom }

func (r *Random) Propose(n int) [][]float64 {
	out := make([][]float64, 0, n)
	for range n {
		out = append(out, uniformPoint(r.rng, r.space))
	}
	return out
}

func (*Random) Observe([]Observation) {}
