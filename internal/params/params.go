package params

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"

	"cdopt/internal/topology"
)

// SwapPolicy names the order in which a repeater chain performs its swaps.
type SwapPolicy string

const (
	PolicyLeftToRight SwapPolicy = "left_to_right"
	PolicyRightToLeft SwapPolicy = "right_to_left"
	PolicyNested      SwapPolicy = "nested"
	PolicyAdaptive    SwapPolicy = "adaptive"
	PolicyExplicit    SwapPolicy = "explicit"
)

// AllPolicies lists every known policy in a fixed order.
var AllPolicies = []SwapPolicy{
	PolicyLeftToRight,
	PolicyRightToLeft,
	PolicyNested,
	PolicyAdaptive,
	PolicyExplicit,
}

func (p SwapPolicy) Valid() bool {
	return slices.Contains(AllPolicies, p)
}

func ParsePolicy(name string) (SwapPolicy, error) {
	p := SwapPolicy(strings.ToLower(strings.TrimSpace(name)))
	if p == "" {
		return PolicyLeftToRight, nil
	}
	if !p.Valid() {
		return "", fmt.Errorf("unknown swap policy: %s", name)
	}
	return p, nil
}

// Parameters is one candidate operating point of the protocol. Values are
// treated as immutable once handed to an evaluator.
type Parameters struct {
	Rates   map[string]float64 `json:"rates" yaml:"rates"`
	Cutoffs map[string]float64 `json:"cutoffs,omitempty" yaml:"cutoffs,omitempty"`
	Policy  SwapPolicy         `json:"policy,omitempty" yaml:"policy,omitempty"`
	Order   []string           `json:"order,omitempty" yaml:"order,omitempty"`
}

// Clone returns a deep copy.
func (p Parameters) Clone() Parameters {
	out := Parameters{Policy: p.Policy}
	if p.Rates != nil {
		out.Rates = make(map[string]float64, len(p.Rates))
		for k, v := range p.Rates {
			out.Rates[k] = v
		}
	}
	if p.Cutoffs != nil {
		out.Cutoffs = make(map[string]float64, len(p.Cutoffs))
		for k, v := range p.Cutoffs {
			out.Cutoffs[k] = v
		}
	}
	if p.Order != nil {
		out.Order = append([]string(nil), p.Order...)
	}
	return out
}

// EffectivePolicy resolves an empty policy to left_to_right.
func (p Parameters) EffectivePolicy() SwapPolicy {
	if p.Policy == "" {
		return PolicyLeftToRight
	}
	return p.Policy
}

// Cutoff returns the cutoff for nodeID, +Inf when it has none.
func (p Parameters) Cutoff(nodeID string) float64 {
	v, ok := p.Cutoffs[nodeID]
	if !ok {
		return math.Inf(1)
	}
	return v
}

func (p Parameters) TotalRate() float64 {
	total := 0.0
	for _, v := range p.Rates {
		total += v
	}
	return total
}

// Fingerprint is a stable identifier of the parameter values. Equal
// parameters always share a fingerprint regardless of map iteration order.
func (p Parameters) Fingerprint() string {
	parts := make([]string, 0, len(p.Rates)+len(p.Cutoffs)+2)
	for _, k := range sortedKeys(p.Rates) {
		parts = append(parts, "r:"+k+"="+formatFloat(p.Rates[k]))
	}
	for _, k := range sortedKeys(p.Cutoffs) {
		parts = append(parts, "c:"+k+"="+formatFloat(p.Cutoffs[k]))
	}
	policy := p.EffectivePolicy()
	parts = append(parts, "p="+string(policy))
	if policy == PolicyExplicit {
		parts = append(parts, "o="+strings.Join(p.Order, ","))
	}
	digest := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(digest[:8])
}

// OutOfBoundsError names the parameter that violates its bounds.
type OutOfBoundsError struct {
	Parameter string
	Value     float64
	Lo        float64
	Hi        float64
	Reason    string
}

func (e *OutOfBoundsError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("parameter %s out of bounds: %s", e.Parameter, e.Reason)
	}
	return fmt.Sprintf("parameter %s=%v out of bounds [%v, %v]", e.Parameter, e.Value, e.Lo, e.Hi)
}

func IsOutOfBounds(err error) bool {
	var target *OutOfBoundsError
	return errors.As(err, &target)
}

// Validate checks p against the topology shape and bounds. The first
// violation found is returned, links before nodes, in path order.
func (p Parameters) Validate(topo *topology.Topology, bounds Bounds) error {
	shape := topo.Shape()

	for _, linkID := range shape.LinkIDs {
		name := "rate[" + linkID + "]"
		v, ok := p.Rates[linkID]
		r := bounds.RateRange(linkID)
		if !ok {
			return &OutOfBoundsError{Parameter: name, Value: math.NaN(), Lo: r.Lo, Hi: r.Hi, Reason: "missing"}
		}
		if err := checkValue(name, v, r); err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(p.Rates) {
		if !slices.Contains(shape.LinkIDs, k) {
			return &OutOfBoundsError{Parameter: "rate[" + k + "]", Value: p.Rates[k], Reason: "link is not on the protocol path"}
		}
	}

	for _, nodeID := range shape.NodeIDs {
		name := "cutoff[" + nodeID + "]"
		r := bounds.CutoffRange(nodeID)
		v, ok := p.Cutoffs[nodeID]
		if !ok {
			if math.IsInf(r.Hi, 1) {
				continue
			}
			return &OutOfBoundsError{Parameter: name, Value: math.NaN(), Lo: r.Lo, Hi: r.Hi, Reason: "missing"}
		}
		if err := checkValue(name, v, r); err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(p.Cutoffs) {
		if !slices.Contains(shape.NodeIDs, k) {
			return &OutOfBoundsError{Parameter: "cutoff[" + k + "]", Value: p.Cutoffs[k], Reason: "node is not an intermediate node of the protocol path"}
		}
	}

	if bounds.MaxTotalRate > 0 {
		if total := p.TotalRate(); total > bounds.MaxTotalRate {
			return &OutOfBoundsError{Parameter: "total_rate", Value: total, Lo: 0, Hi: bounds.MaxTotalRate, Reason: fmt.Sprintf("total rate %v exceeds budget %v", total, bounds.MaxTotalRate)}
		}
	}

	policy := p.EffectivePolicy()
	if !policy.Valid() {
		return &OutOfBoundsError{Parameter: "policy", Value: math.NaN(), Reason: fmt.Sprintf("unknown swap policy %q", p.Policy)}
	}
	if !bounds.AllowsPolicy(policy) {
		return &OutOfBoundsError{Parameter: "policy", Value: math.NaN(), Reason: fmt.Sprintf("swap policy %q is not allowed", policy)}
	}
	if policy == PolicyExplicit {
		if err := validateOrder(p.Order, shape.NodeIDs); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(name string, v float64, r Range) error {
	switch {
	case math.IsNaN(v):
		return &OutOfBoundsError{Parameter: name, Value: v, Lo: r.Lo, Hi: r.Hi, Reason: "value is NaN"}
	case v < 0:
		return &OutOfBoundsError{Parameter: name, Value: v, Lo: r.Lo, Hi: r.Hi, Reason: fmt.Sprintf("negative value %v", v)}
	case v < r.Lo || v > r.Hi:
		return &OutOfBoundsError{Parameter: name, Value: v, Lo: r.Lo, Hi: r.Hi}
	}
	return nil
}

func validateOrder(order, nodeIDs []string) error {
	if len(order) != len(nodeIDs) {
		return &OutOfBoundsError{Parameter: "order", Value: float64(len(order)), Reason: fmt.Sprintf("explicit order must list %d intermediate nodes, got %d", len(nodeIDs), len(order))}
	}
	seen := make(map[string]struct{}, len(order))
	for _, id := range order {
		if !slices.Contains(nodeIDs, id) {
			return &OutOfBoundsError{Parameter: "order", Value: math.NaN(), Reason: fmt.Sprintf("unknown intermediate node %q", id)}
		}
		if _, dup := seen[id]; dup {
			return &OutOfBoundsError{Parameter: "order", Value: math.NaN(), Reason: fmt.Sprintf("node %q repeated", id)}
		}
		seen[id] = struct{}{}
	}
	return nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
