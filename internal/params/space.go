package params

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"cdopt/internal/topology"
)

// ErrUnboundedDimension is returned when a searched parameter has no finite
// upper bound.
var ErrUnboundedDimension = errors.New("search dimension has no finite upper bound")

// DimKind tells how a unit-cube coordinate is decoded.
type DimKind int

const (
	DimRate DimKind = iota
	DimCutoff
	DimPolicy
	DimOrderKey
)

type Dimension struct {
	Kind  DimKind
	ID    string
	Range Range
	// Levels is the number of categories of a categorical dimension, 0 when continuous.
	Levels int
}

// SearchSpace maps points of the unit hypercube onto Parameters. The layout
// is one dimension per path link rate, one per intermediate node cutoff, one
// categorical policy dimension when several policies are allowed, then one
// ordering key per intermediate node when the explicit policy is allowed.
type SearchSpace struct {
	dims     []Dimension
	policies []SwapPolicy
	nodeIDs  []string
}

func NewSearchSpace(topo *topology.Topology, bounds Bounds) (*SearchSpace, error) {
	if err := bounds.Validate(topo); err != nil {
		return nil, err
	}
	shape := topo.Shape()
	s := &SearchSpace{
		policies: bounds.AllowedPolicies(),
		nodeIDs:  append([]string(nil), shape.NodeIDs...),
	}
	for _, id := range shape.LinkIDs {
		r := bounds.RateRange(id)
		if math.IsInf(r.Hi, 1) {
			return nil, fmt.Errorf("rate[%s]: %w", id, ErrUnboundedDimension)
		}
		s.dims = append(s.dims, Dimension{Kind: DimRate, ID: id, Range: r})
	}
	for _, id := range shape.NodeIDs {
		r := bounds.CutoffRange(id)
		if math.IsInf(r.Hi, 1) {
			return nil, fmt.Errorf("cutoff[%s]: %w", id, ErrUnboundedDimension)
		}
		s.dims = append(s.dims, Dimension{Kind: DimCutoff, ID: id, Range: r})
	}
	if len(s.policies) > 1 {
		s.dims = append(s.dims, Dimension{Kind: DimPolicy, ID: "policy", Levels: len(s.policies)})
	}
	if s.allowsExplicit() && len(s.nodeIDs) > 1 {
		for _, id := range shape.NodeIDs {
			s.dims = append(s.dims, Dimension{Kind: DimOrderKey, ID: id, Range: Range{Lo: 0, Hi: 1}})
		}
	}
	return s, nil
}

func (s *SearchSpace) Dim() int { return len(s.dims) }

func (s *SearchSpace) Dimensions() []Dimension { return append([]Dimension(nil), s.dims...) }

// Levels returns the category count of dimension i, 0 for continuous ones.
func (s *SearchSpace) Levels(i int) int { return s.dims[i].Levels }

func (s *SearchSpace) allowsExplicit() bool {
	for _, p := range s.policies {
		if p == PolicyExplicit {
			return true
		}
	}
	return false
}

// Decode turns a unit-cube point into parameters. Coordinates outside [0,1]
// are clamped.
func (s *SearchSpace) Decode(x []float64) (Parameters, error) {
	if len(x) != len(s.dims) {
		return Parameters{}, fmt.Errorf("point has %d coordinates, search space has %d", len(x), len(s.dims))
	}
	p := Parameters{
		Rates:   make(map[string]float64),
		Cutoffs: make(map[string]float64),
		Policy:  s.policies[0],
	}
	keys := make(map[string]float64, len(s.nodeIDs))
	for i, d := range s.dims {
		u := clampUnit(x[i])
		switch d.Kind {
		case DimRate:
			p.Rates[d.ID] = d.Range.At(u)
		case DimCutoff:
			p.Cutoffs[d.ID] = d.Range.At(u)
		case DimPolicy:
			p.Policy = s.policies[categoryIndex(u, d.Levels)]
		case DimOrderKey:
			keys[d.ID] = u
		}
	}
	if p.Policy == PolicyExplicit {
		p.Order = append([]string(nil), s.nodeIDs...)
		if len(keys) > 0 {
			sort.SliceStable(p.Order, func(a, b int) bool { return keys[p.Order[a]] < keys[p.Order[b]] })
		}
	}
	return p, nil
}

// Encode is the inverse of Decode for parameters inside the bounds.
func (s *SearchSpace) Encode(p Parameters) ([]float64, error) {
	x := make([]float64, len(s.dims))
	rank := make(map[string]int, len(p.Order))
	for i, id := range p.Order {
		rank[id] = i
	}
	for i, d := range s.dims {
		switch d.Kind {
		case DimRate:
			v, ok := p.Rates[d.ID]
			if !ok {
				return nil, fmt.Errorf("missing rate for link %s", d.ID)
			}
			x[i] = toUnit(v, d.Range)
		case DimCutoff:
			v, ok := p.Cutoffs[d.ID]
			if !ok {
				return nil, fmt.Errorf("missing cutoff for node %s", d.ID)
			}
			x[i] = toUnit(v, d.Range)
		case DimPolicy:
			idx := -1
			for j, pol := range s.policies {
				if pol == p.EffectivePolicy() {
					idx = j
				}
			}
			if idx < 0 {
				return nil, fmt.Errorf("policy %s not in search space", p.EffectivePolicy())
			}
			x[i] = (float64(idx) + 0.5) / float64(d.Levels)
		case DimOrderKey:
			r, ok := rank[d.ID]
			if !ok {
				r = len(s.nodeIDs) - 1
			}
			x[i] = (float64(r) + 0.5) / float64(len(s.nodeIDs))
		}
	}
	return x, nil
}

func categoryIndex(u float64, levels int) int {
	idx := int(math.Floor(u * float64(levels)))
	if idx >= levels {
		idx = levels - 1
	}
	return idx
}

func toUnit(v float64, r Range) float64 {
	if r.Width() == 0 {
		return 0
	}
	return clampUnit((v - r.Lo) / r.Width())
}

func clampUnit(u float64) float64 {
	switch {
	case math.IsNaN(u), u < 0:
		return 0
	case u > 1:
		return 1
	}
	return u
}
