package search

import (
	"fmt"
	"math"
)

// Grid enumerates a regular lattice in mixed-radix order, first dimension
// fastest. Continuous dimensions get GridLevels evenly spaced values
// including both ends; categorical dimensions use each category once.
type Grid struct {
	radix       []int
	categorical []bool
	next        int
	total       int
}

func NewGrid(space Space, opts Options) (*Grid, error) {
	dim := space.Dim()
	continuous := 0
	categories := 1
	for i := range dim {
		if l := space.Levels(i); l > 0 {
			categories *= l
		} else {
			continuous++
		}
	}

	levels := opts.GridLevels
	if levels < 0 {
		return nil, fmt.Errorf("grid levels must be >= 0")
	}
	if levels == 0 && continuous > 0 {
		budget := opts.Budget
		if budget <= 0 {
			budget = 100
		}
		perCategory := math.Max(1, float64(budget)/float64(categories))
		levels = max(2, int(math.Floor(math.Pow(perCategory, 1/float64(continuous))+1e-9)))
	}

	g := &Grid{radix: make([]int, dim), categorical: make([]bool, dim), total: 1}
	for i := range dim {
		r := space.Levels(i)
		g.categorical[i] = r > 0
		if r == 0 {
			r = levels
		}
		g.radix[i] = r
		if g.total > math.MaxInt32/r {
			g.total = math.MaxInt32
		} else {
			g.total *= r
		}
	}
	return g, nil
}

func (*Grid) Name() string { return NameGrid }

// Size is the number of lattice points.
func (g *Grid) Size() int { return g.total }

func (g *Grid) Propose(n int) [][]float64 {
	if g.next >= g.total {
		return nil
	}
	out := make([][]float64, 0, min(n, g.total-g.next))
	for ; len(out) < n && g.next < g.total; g.next++ {
		out = append(out, g.point(g.next))
	}
	return out
}

func (g *Grid) point(index int) []float64 {
	x := make([]float64, len(g.radix))
	for i, r := range g.radix {
		k := index % r
		index /= r
		x[i] = g.coordinate(i, k)
	}
	return x
}

func (g *Grid) coordinate(dim, k int) float64 {
	r := g.radix[dim]
	if g.categorical[dim] {
		return (float64(k) + 0.5) / float64(r)
	}
	if r == 1 {
		return 0.5
	}
	return float64(k) / float64(r-1)
}

func (*Grid) Observe([]Observation) {}
