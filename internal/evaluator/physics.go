package evaluator

import (
	"fmt"
	"math"

	"cdopt/internal/params"
	"cdopt/internal/topology"
)

// relSlack is the relative tolerance allowed when checking computed values
// against their physical bounds.
const relSlack = 1e-9

type linkModel struct {
	p      float64 // heralding probability per attempt
	tau    float64 // attempt period including herald latency
	lambda float64 // pair delivery rate
	w      float64 // Werner parameter at delivery
}

// chain is the protocol path with its per-link physics resolved for one
// parameter vector. Link i joins path nodes i and i+1; intermediate node k
// is path node k+1.
type chain struct {
	evaluator string
	links     []linkModel
	nodes     []topology.Node
	cutoffs   []float64
}

func newChain(evaluator string, topo *topology.Topology, p params.Parameters) (*chain, error) {
	path := topo.Path()
	c := &chain{
		evaluator: evaluator,
		links:     make([]linkModel, len(path)),
		nodes:     topo.PathNodes(),
	}
	for i, l := range path {
		nu, ok := p.Rates[l.ID]
		if !ok {
			return nil, c.fail("rate["+l.ID+"]", math.NaN(), "no generation rate for path link")
		}
		if math.IsNaN(nu) || nu < 0 || math.IsInf(nu, 0) {
			return nil, c.fail("rate["+l.ID+"]", nu, "generation rate must be finite and >= 0")
		}
		prob := topology.Transmissivity(l)
		if math.IsNaN(prob) || prob < 0 || prob > 1 {
			return nil, c.fail("p["+l.ID+"]", prob, "heralding probability outside [0,1]")
		}
		m := linkModel{p: prob, tau: math.Inf(1)}
		herald := topology.HeraldLatency(l)
		if nu > 0 {
			m.tau = 1/nu + herald
			m.lambda = prob / m.tau
		}
		kappa := topology.DecayRate(c.nodes[i]) + topology.DecayRate(c.nodes[i+1])
		m.w = (4*l.InitialFidelity - 1) / 3 * math.Exp(-herald*kappa)
		if math.IsNaN(m.w) || m.w < 0 || m.w > 1 {
			return nil, c.fail("w["+l.ID+"]", m.w, "Werner parameter outside [0,1]")
		}
		c.links[i] = m
	}

	for k := 1; k < len(c.nodes)-1; k++ {
		id := c.nodes[k].ID
		cut := p.Cutoff(id)
		if math.IsNaN(cut) || cut < 0 {
			return nil, c.fail("cutoff["+id+"]", cut, "cutoff must be >= 0")
		}
		c.cutoffs = append(c.cutoffs, cut)
		n := c.nodes[k]
		if n.SwapSuccessProb <= 0 || n.SwapSuccessProb > 1 {
			return nil, c.fail("q["+id+"]", n.SwapSuccessProb, "swap success probability outside (0,1]")
		}
	}
	return c, nil
}

func (c *chain) fail(quantity string, value float64, reason string) *EvaluationError {
	return &EvaluationError{Evaluator: c.evaluator, Quantity: quantity, Value: value, Reason: reason}
}

// undeliverable reports configurations that can never deliver a pair: a
// link that never attempts, or a cutoff shorter than every attempt period
// of the links next to that node.
func (c *chain) undeliverable() bool {
	for _, l := range c.links {
		if l.lambda == 0 {
			return true
		}
	}
	for k, cut := range c.cutoffs {
		if cut < math.Min(c.links[k].tau, c.links[k+1].tau) {
			return true
		}
	}
	return false
}

func (c *chain) bottleneckRate() float64 {
	best := math.Inf(1)
	for _, l := range c.links {
		best = math.Min(best, l.lambda)
	}
	return best
}

func (c *chain) maxAttemptRate() float64 {
	best := math.Inf(1)
	for _, l := range c.links {
		best = math.Min(best, 1/l.tau)
	}
	return best
}

func (c *chain) kappa(node int) float64 {
	return topology.DecayRate(c.nodes[node])
}

// plan is a binary swap tree over links lo..hi.
type plan struct {
	lo, hi      int
	left, right *plan
}

func (p *plan) leaf() bool { return p.left == nil }

// junction is the path node where the two halves are swapped.
func (p *plan) junction() int { return p.left.hi + 1 }

func join(a, b *plan) *plan { return &plan{lo: a.lo, hi: b.hi, left: a, right: b} }

func leaves(n int) []*plan {
	out := make([]*plan, n)
	for i := range out {
		out[i] = &plan{lo: i, hi: i}
	}
	return out
}

// buildPlan turns a swap policy into the swap tree.
func (c *chain) buildPlan(policy params.SwapPolicy, order []string) (*plan, error) {
	n := len(c.links)
	switch policy {
	case params.PolicyLeftToRight, "":
		segs := leaves(n)
		root := segs[0]
		for _, s := range segs[1:] {
			root = join(root, s)
		}
		return root, nil
	case params.PolicyRightToLeft:
		segs := leaves(n)
		root := segs[n-1]
		for i := n - 2; i >= 0; i-- {
			root = join(segs[i], root)
		}
		return root, nil
	case params.PolicyNested:
		return nested(0, n-1), nil
	case params.PolicyExplicit:
		return c.explicitPlan(order)
	case params.PolicyAdaptive:
		return c.adaptivePlan()
	default:
		return nil, c.fail("policy", math.NaN(), fmt.Sprintf("unknown swap policy %q", policy))
	}
}

func nested(lo, hi int) *plan {
	if lo == hi {
		return &plan{lo: lo, hi: hi}
	}
	mid := lo + (hi-lo)/2
	return join(nested(lo, mid), nested(mid+1, hi))
}

func (c *chain) explicitPlan(order []string) (*plan, error) {
	n := len(c.links)
	if len(order) != n-1 {
		return nil, c.fail("order", float64(len(order)), fmt.Sprintf("explicit order must list %d intermediate nodes", n-1))
	}
	index := make(map[string]int, n-1)
	for k := 1; k < n; k++ {
		index[c.nodes[k].ID] = k
	}
	segs := leaves(n)
	for _, id := range order {
		node, ok := index[id]
		if !ok {
			return nil, c.fail("order", math.NaN(), fmt.Sprintf("%q is not an intermediate node or is repeated", id))
		}
		delete(index, id)
		for i := 0; i+1 < len(segs); i++ {
			if segs[i].hi+1 == node {
				segs = append(segs[:i], append([]*plan{join(segs[i], segs[i+1])}, segs[i+2:]...)...)
				break
			}
		}
	}
	return segs[0], nil
}

// adaptivePlan picks, over all binary swap trees, the one with the largest
// end-to-end rate. best[lo][hi] holds the optimal subtree for links lo..hi;
// ties go to the leftmost split. The merged rate never decreases in either
// input rate, so the optimum never decreases when a link gets faster.
func (c *chain) adaptivePlan() (*plan, error) {
	n := len(c.links)
	type cell struct {
		plan  *plan
		stats segStats
	}
	best := make([][]cell, n)
	for i := range best {
		best[i] = make([]cell, n)
		l := c.links[i]
		best[i][i] = cell{plan: &plan{lo: i, hi: i}, stats: segStats{rate: l.lambda, w: l.w, succ: 1}}
	}
	for span := 1; span < n; span++ {
		for lo := 0; lo+span < n; lo++ {
			hi := lo + span
			var pick cell
			for k := lo; k < hi; k++ {
				left, right := best[lo][k], best[k+1][hi]
				merged := c.merge(left.stats, right.stats, lo, k+1, hi+1)
				if pick.plan == nil || merged.rate > pick.stats.rate {
					pick = cell{plan: join(left.plan, right.plan), stats: merged}
				}
			}
			best[lo][hi] = pick
		}
	}
	return best[0][n-1].plan, nil
}

type segStats struct {
	rate float64
	w    float64
	succ float64
}

// merge combines two adjacent segments swapped at path node j. lo and hi
// are the outer path nodes holding the far halves of the pairs.
func (c *chain) merge(a, b segStats, lo, j, hi int) segStats {
	cut := c.cutoffs[j-1]
	q := c.nodes[j].SwapSuccessProb
	g := c.nodes[j].SwapQuality
	if a.rate == 0 || b.rate == 0 {
		return segStats{succ: 0}
	}

	sa := -math.Expm1(-a.rate * cut)
	sb := -math.Expm1(-b.rate * cut)
	matched := a.rate*sb + b.rate*sa
	rate := q * matched / (1 + a.rate*sb/b.rate + b.rate*sa/a.rate)
	succ := q * matched / (a.rate + b.rate)

	// Expected decoherence of the stored pair while its partner is awaited,
	// conditioned on the partner arriving before the cutoff.
	ka := c.kappa(j) + c.kappa(lo)
	kb := c.kappa(j) + c.kappa(hi)
	decay := 1.0
	if matched > 0 && (ka > 0 || kb > 0) {
		waitA := a.rate * (b.rate / (b.rate + ka)) * -math.Expm1(-(b.rate+ka)*cut)
		waitB := b.rate * (a.rate / (a.rate + kb)) * -math.Expm1(-(a.rate+kb)*cut)
		decay = math.Min((waitA+waitB)/matched, 1)
	}
	return segStats{rate: rate, w: g * a.w * b.w * decay, succ: a.succ * b.succ * succ}
}
