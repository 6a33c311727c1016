package search

import (
	"fmt"
	"math"
	"math/rand/v2"
)

const defaultPopulation = 16

// Evolutionary is a (mu+lambda) strategy: offspring bred from tournament
// selected parents compete with the surviving population, and the best mu
// individuals are kept. Mutation spread is annealed after every observed
// generation.
type Evolutionary struct {
	space     Space
	rng       *rand.Rand
	selector  TournamentSelector
	mu        int
	crossover float64
	mutation  float64
	scale     float64
	annealing float64

	seeded     int
	population []Scored
	observed   int
	generation int
}

func NewEvolutionary(space Space, opts Options) (*Evolutionary, error) {
	e := &Evolutionary{
		space:     space,
		rng:       newRand(opts.Seed, 0x65766f),
		mu:        opts.PopulationSize,
		crossover: opts.CrossoverRate,
		mutation:  opts.MutationRate,
		scale:     opts.MutationScale,
		annealing: opts.AnnealingFactor,
		selector:  TournamentSelector{TournamentSize: opts.TournamentSize},
	}
	if e.mu < 0 || e.crossover < 0 || e.crossover > 1 || e.mutation < 0 || e.mutation > 1 {
		return nil, fmt.Errorf("population must be >= 0 and rates in [0,1]")
	}
	if e.scale < 0 || e.annealing < 0 || e.annealing > 1 {
		return nil, fmt.Errorf("mutation scale must be >= 0 and annealing factor in [0,1]")
	}
	if e.mu == 0 {
		e.mu = defaultPopulation
	}
	if e.crossover == 0 {
		e.crossover = 0.5
	}
	if e.mutation == 0 {
		e.mutation = 1 / float64(space.Dim())
	}
	if e.scale == 0 {
		e.scale = 0.2
	}
	if e.annealing == 0 {
		e.annealing = 0.95
	}
	e.selector.PoolSize = e.mu
	return e, nil
}

func (*Evolutionary) Name() string { return NameEvolutionary }

func (e *Evolutionary) Propose(n int) [][]float64 {
	out := make([][]float64, 0, n)
	for len(out) < n && e.seeded < e.mu {
		out = append(out, uniformPoint(e.rng, e.space))
		e.seeded++
	}
	for len(out) < n {
		if len(e.population) == 0 {
			out = append(out, uniformPoint(e.rng, e.space))
			continue
		}
		out = append(out, e.offspring())
	}
	return out
}

func (e *Evolutionary) offspring() []float64 {
	elite := len(e.population)
	a, err := e.selector.PickParent(e.rng, e.population, elite)
	if err != nil {
		return uniformPoint(e.rng, e.space)
	}
	b, err := e.selector.PickParent(e.rng, e.population, elite)
	if err != nil {
		return uniformPoint(e.rng, e.space)
	}

	child := clonePoint(a.Point)
	for i := range child {
		if e.rng.Float64() < e.crossover {
			child[i] = b.Point[i]
		}
	}
	mutated := false
	spread := e.scale * math.Pow(e.annealing, float64(e.generation))
	for i := range child {
		if e.rng.Float64() < e.mutation {
			child[i] = e.mutate(i, child[i], spread)
			mutated = true
		}
	}
	if !mutated {
		i := e.rng.IntN(len(child))
		child[i] = e.mutate(i, child[i], spread)
	}
	return snap(e.space, child)
}

func (e *Evolutionary) mutate(dim int, v, spread float64) float64 {
	if levels := e.space.Levels(dim); levels > 0 {
		return e.rng.Float64()
	}
	return clampUnit(v + e.rng.NormFloat64()*spread)
}

func (e *Evolutionary) Observe(obs []Observation) {
	for _, o := range obs {
		e.observed++
		if o.Failed || math.IsNaN(o.Objective) {
			continue
		}
		e.population = append(e.population, Scored{Point: clonePoint(o.Point), Objective: o.Objective, order: e.observed})
	}
	rank(e.population)
	if len(e.population) > e.mu {
		e.population = e.population[:e.mu]
	}
	if e.observed > e.mu {
		e.generation++
	}
}

// Population returns the current survivors, best first.
func (e *Evolutionary) Population() []Scored {
	out := make([]Scored, len(e.population))
	copy(out, e.population)
	return out
}
