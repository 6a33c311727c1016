package search

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// Scored is a point with its observed objective.
type Scored struct {
	Point     []float64
	Objective float64
	order     int
}

// rank sorts by objective descending; earlier observations win ties.
func rank(pop []Scored) {
	sort.SliceStable(pop, func(i, j int) bool {
		if pop[i].Objective != pop[j].Objective {
			return pop[i].Objective > pop[j].Objective
		}
		return pop[i].order < pop[j].order
	})
}

// TournamentSelector samples candidates from the top of the ranking and
// picks the best among them.
type TournamentSelector struct {
	PoolSize       int
	TournamentSize int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickParent(rng *rand.Rand, ranked []Scored, eliteCount int) (Scored, error) {
	if rng == nil {
		return Scored{}, fmt.Errorf("random source is required")
	}
	if eliteCount <= 0 || eliteCount > len(ranked) {
		return Scored{}, fmt.Errorf("invalid elite count: %d", eliteCount)
	}

	poolSize := s.PoolSize
	if poolSize <= 0 {
		poolSize = eliteCount * 2
	}
	poolSize = clamp(poolSize, eliteCount, len(ranked))

	tournamentSize := s.TournamentSize
	if tournamentSize <= 0 {
		tournamentSize = 3
	}
	tournamentSize = min(tournamentSize, poolSize)

	best := ranked[rng.IntN(poolSize)]
	for i := 1; i < tournamentSize; i++ {
		candidate := ranked[rng.IntN(poolSize)]
		if candidate.Objective > best.Objective {
			best = candidate
		}
	}
	return best, nil
}
