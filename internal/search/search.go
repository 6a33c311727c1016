package search

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"golang.org/x/exp/constraints"
)

const (
	NameGrid         = "grid"
	NameRandom       = "random"
	NameBayesian     = "bayesian"
	NameEvolutionary = "evolutionary"
	NameHillClimb    = "hillclimb"
)

// Names lists the built-in strategies.
var Names = []string{NameGrid, NameRandom, NameBayesian, NameEvolutionary, NameHillClimb}

// Space is the shape of the unit hypercube being searched.
type Space interface {
	Dim() int
	// Levels is the category count of dimension i, 0 when continuous.
	Levels(i int) int
}

// Observation is the outcome of evaluating one proposed point.
type Observation struct {
	Point     []float64
	Objective float64
	Failed    bool
}

// Strategy proposes points of the unit hypercube and learns from their
// outcomes. Observations arrive in proposal order. A strategy is driven by a
// single goroutine and is deterministic for a given seed and observation
// sequence.
type Strategy interface {
	Name() string
	// Propose returns up to n new points, nil once the strategy is exhausted.
	Propose(n int) [][]float64
	Observe(obs []Observation)
}

// Options tunes the built-in strategies. Zero values select defaults.
type Options struct {
	Seed   uint64
	Budget int

	// grid
	GridLevels int

	// bayesian
	InitialPoints int
	CandidatePool int
	LengthScale   float64
	Exploration   float64

	// evolutionary
	PopulationSize int
	TournamentSize int
	CrossoverRate  float64
	MutationRate   float64
	MutationScale  float64

	// evolutionary and hillclimb
	AnnealingFactor float64

	// hillclimb
	Steps             int
	StepSize          float64
	PerturbationRange float64
	MinImprovement    float64
}

// New builds the named strategy over space.
func New(name string, space Space, opts Options) (Strategy, error) {
	if space == nil || space.Dim() <= 0 {
		return nil, fmt.Errorf("search space must have at least one dimension")
	}
	if opts.Budget < 0 {
		return nil, fmt.Errorf("budget must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameGrid:
		return NewGrid(space, opts)
	case NameRandom, "":
		return NewRandom(space, opts), nil
	case NameBayesian:
		return NewBayesian(space, opts)
	case NameEvolutionary:
		return NewEvolutionary(space, opts)
	case NameHillClimb:
		return NewHillClimb(space, opts)
	default:
		return nil, fmt.Errorf("unknown search strategy: %s", name)
	}
}

func newRand(seed uint64, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, stream))
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return clamp(v, 0, 1)
}

// snap moves categorical coordinates to the centre of their category.
func snap(space Space, x []float64) []float64 {
	for i := range x {
		if levels := space.Levels(i); levels > 0 {
			k := clamp(int(math.Floor(x[i]*float64(levels))), 0, levels-1)
			x[i] = (float64(k) + 0.5) / float64(levels)
		}
	}
	return x
}

func uniformPoint(rng *rand.Rand, space Space) []float64 {
	x := make([]float64, space.Dim())
	for i := range x {
		x[i] = rng.Float64()
	}
	return snap(space, x)
}

func clonePoint(x []float64) []float64 {
	return append([]float64(nil), x...)
}
