package params

import (
	"fmt"
	"math"
	"slices"

	"cdopt/internal/topology"
)

// Range is a closed interval. Hi may be +Inf for an unbounded cutoff.
type Range struct {
	Lo float64 `json:"lo" yaml:"lo"`
	Hi float64 `json:"hi" yaml:"hi"`
}

func (r Range) Width() float64 { return r.Hi - r.Lo }

func (r Range) Contains(v float64) bool { return v >= r.Lo && v <= r.Hi }

// At maps u in [0,1] onto the range. The end points map exactly and the
// result never rounds outside [Lo, Hi].
func (r Range) At(u float64) float64 {
	switch {
	case u <= 0:
		return r.Lo
	case u >= 1:
		return r.Hi
	}
	return math.Max(r.Lo, math.Min(r.Hi, r.Lo+u*r.Width()))
}

func (r Range) validate(name string) error {
	if math.IsNaN(r.Lo) || math.IsNaN(r.Hi) {
		return fmt.Errorf("%s range has NaN bound", name)
	}
	if r.Lo < 0 {
		return fmt.Errorf("%s lower bound must be >= 0", name)
	}
	if r.Hi < r.Lo {
		return fmt.Errorf("%s upper bound %v is below lower bound %v", name, r.Hi, r.Lo)
	}
	return nil
}

// Bounds constrains the search. Per-id ranges override the defaults.
type Bounds struct {
	Rates         map[string]Range `json:"rates,omitempty" yaml:"rates,omitempty"`
	Cutoffs       map[string]Range `json:"cutoffs,omitempty" yaml:"cutoffs,omitempty"`
	DefaultRate   Range            `json:"default_rate" yaml:"default_rate"`
	DefaultCutoff Range            `json:"default_cutoff" yaml:"default_cutoff"`
	// MaxTotalRate caps the sum of all link rates; 0 disables the cap.
	MaxTotalRate float64      `json:"max_total_rate,omitempty" yaml:"max_total_rate,omitempty"`
	Policies     []SwapPolicy `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// UniformBounds applies the same rate and cutoff ranges to every path link
// and intermediate node of topo.
func UniformBounds(topo *topology.Topology, rate, cutoff Range) Bounds {
	shape := topo.Shape()
	b := Bounds{
		Rates:         make(map[string]Range, len(shape.LinkIDs)),
		Cutoffs:       make(map[string]Range, len(shape.NodeIDs)),
		DefaultRate:   rate,
		DefaultCutoff: cutoff,
	}
	for _, id := range shape.LinkIDs {
		b.Rates[id] = rate
	}
	for _, id := range shape.NodeIDs {
		b.Cutoffs[id] = cutoff
	}
	return b
}

func (b Bounds) RateRange(linkID string) Range {
	if r, ok := b.Rates[linkID]; ok {
		return r
	}
	return b.DefaultRate
}

func (b Bounds) CutoffRange(nodeID string) Range {
	if r, ok := b.Cutoffs[nodeID]; ok {
		return r
	}
	return b.DefaultCutoff
}

// AllowedPolicies returns the configured policies, left_to_right when none.
func (b Bounds) AllowedPolicies() []SwapPolicy {
	if len(b.Policies) == 0 {
		return []SwapPolicy{PolicyLeftToRight}
	}
	return append([]SwapPolicy(nil), b.Policies...)
}

func (b Bounds) AllowsPolicy(p SwapPolicy) bool {
	return slices.Contains(b.AllowedPolicies(), p)
}

// Validate checks that the bounds are well formed for topo.
func (b Bounds) Validate(topo *topology.Topology) error {
	shape := topo.Shape()
	for _, id := range shape.LinkIDs {
		if err := b.RateRange(id).validate("rate[" + id + "]"); err != nil {
			return err
		}
		if math.IsInf(b.RateRange(id).Hi, 1) {
			return fmt.Errorf("rate[%s] upper bound must be finite", id)
		}
	}
	for _, id := range shape.NodeIDs {
		if err := b.CutoffRange(id).validate("cutoff[" + id + "]"); err != nil {
			return err
		}
	}
	for id := range b.Rates {
		if !slices.Contains(shape.LinkIDs, id) {
			return fmt.Errorf("rate bound for %q which is not a protocol path link", id)
		}
	}
	for id := range b.Cutoffs {
		if !slices.Contains(shape.NodeIDs, id) {
			return fmt.Errorf("cutoff bound for %q which is not an intermediate node", id)
		}
	}
	if math.IsNaN(b.MaxTotalRate) || b.MaxTotalRate < 0 {
		return fmt.Errorf("max total rate must be >= 0")
	}
	seen := make(map[SwapPolicy]struct{}, len(b.Policies))
	for _, p := range b.Policies {
		if !p.Valid() {
			return fmt.Errorf("unknown swap policy: %s", p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("duplicate swap policy: %s", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}
