package search

import (
	"errors"
	"math"
	"math/rand/v2"
)

// HillClimb perturbs the best point seen so far. Each candidate applies
// Steps random coordinate perturbations whose spread
// StepSize*PerturbationRange decays by AnnealingFactor per step. A candidate
// replaces the incumbent only when it improves it by more than
// MinImprovement.
type HillClimb struct {
	space             Space
	rng               *rand.Rand
	steps             int
	stepSize          float64
	perturbationRange float64
	annealingFactor   float64
	minImprovement    float64

	best        []float64
	bestFitness float64
	stalled     int
}

func NewHillClimb(space Space, opts Options) (*HillClimb, error) {
	if opts.Steps < 0 {
		return nil, errors.New("steps must be >= 0")
	}
	if opts.StepSize < 0 {
		return nil, errors.New("step size must be >= 0")
	}
	if opts.PerturbationRange < 0 {
		return nil, errors.New("perturbation range must be >= 0")
	}
	if opts.AnnealingFactor < 0 {
		return nil, errors.New("annealing factor must be >= 0")
	}
	if opts.MinImprovement < 0 {
		return nil, errors.New("min improvement must be >= 0")
	}
	h := &HillClimb{
		space:             space,
		rng:               newRand(opts.Seed, 0x65786f),
		steps:             opts.Steps,
		stepSize:          opts.StepSize,
		perturbationRange: opts.PerturbationRange,
		annealingFactor:   opts.AnnealingFactor,
		minImprovement:    opts.MinImprovement,
		bestFitness:       math.Inf(-1),
	}
	if h.steps == 0 {
		h.steps = max(1, space.Dim()/2)
	}
	if h.stepSize == 0 {
		h.stepSize = 0.25
	}
	if h.perturbationRange == 0 {
		h.perturbationRange = 1.0
	}
	if h.annealingFactor == 0 {
		h.annealingFactor = 1.0
	}
	return h, nil
}

func (*HillClimb) Name() string { return NameHillClimb }

func (h *HillClimb) Propose(n int) [][]float64 {
	out := make([][]float64, 0, n)
	for range n {
		if h.best == nil {
			out = append(out, uniformPoint(h.rng, h.space))
			continue
		}
		out = append(out, h.perturb(h.best))
	}
	return out
}

func (h *HillClimb) Observe(obs []Observation) {
	improved := false
	for _, o := range obs {
		if o.Failed || math.IsNaN(o.Objective) {
			continue
		}
		if h.best == nil || o.Objective > h.bestFitness+h.minImprovement {
			h.best = clonePoint(o.Point)
			h.bestFitness = o.Objective
			improved = true
		}
	}
	if improved {
		h.stalled = 0
	} else {
		h.stalled++
	}
}

func (h *HillClimb) perturb(base []float64) []float64 {
	candidate := clonePoint(base)
	// Stalled rounds shrink the neighbourhood.
	shrink := math.Pow(0.5, float64(min(h.stalled, 8)))
	for s := 0; s < h.steps; s++ {
		idx := h.rng.IntN(len(candidate))
		if h.space.Levels(idx) > 0 {
			candidate[idx] = h.rng.Float64()
			continue
		}
		spread := h.stepSize * h.perturbationRange * math.Pow(h.annealingFactor, float64(s)) * shrink
		delta := (h.rng.Float64()*2 - 1) * spread
		candidate[idx] = clampUnit(candidate[idx] + delta)
	}
	return snap(h.space, candidate)
}
