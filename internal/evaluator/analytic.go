package evaluator

import (
	"context"
	"math"

	"cdopt/internal/params"
	"cdopt/internal/topology"
)

const AnalyticName = "analytic"

// Analytic evaluates the protocol in closed form by recursively eliminating
// swaps along the swap tree. The seed is ignored.
type Analytic struct {
	Objective Objective
}

func (Analytic) Name() string { return AnalyticName }

func (a Analytic) Evaluate(ctx context.Context, topo *topology.Topology, p params.Parameters, _ uint64) (Metrics, error) {
	if err := ctx.Err(); err != nil {
		return Metrics{}, err
	}
	c, err := newChain(AnalyticName, topo, p)
	if err != nil {
		return Metrics{}, err
	}
	if c.undeliverable() {
		m := Undelivered()
		m.Objective = a.Objective.Score(m)
		return m, nil
	}
	root, err := c.buildPlan(p.EffectivePolicy(), p.Order)
	if err != nil {
		return Metrics{}, err
	}

	out, err := c.solve(root)
	if err != nil {
		return Metrics{}, err
	}
	succ := out.succ
	if root.leaf() {
		succ = c.links[0].p
	}

	if math.IsNaN(out.rate) || math.IsInf(out.rate, 0) || out.rate < 0 {
		return Metrics{}, c.fail("rate", out.rate, "non-finite or negative delivery rate")
	}
	if bound := c.bottleneckRate(); out.rate > bound*(1+relSlack) {
		return Metrics{}, c.fail("rate", out.rate, "exceeds bottleneck link rate")
	}
	if math.IsNaN(succ) || succ < 0 || succ > 1+relSlack {
		return Metrics{}, c.fail("success_probability", succ, "probability outside [0,1]")
	}
	if out.rate == 0 {
		m := Undelivered()
		m.Objective = a.Objective.Score(m)
		return m, nil
	}

	m := Metrics{
		Rate:               out.rate,
		Fidelity:           (1 + 3*out.w) / 4,
		SuccessProbability: math.Min(succ, 1),
		Latency:            1 / out.rate,
	}
	m.Objective = a.Objective.Score(m)
	return m, nil
}

func (c *chain) solve(node *plan) (segStats, error) {
	if node.leaf() {
		l := c.links[node.lo]
		return segStats{rate: l.lambda, w: l.w, succ: 1}, nil
	}
	left, err := c.solve(node.left)
	if err != nil {
		return segStats{}, err
	}
	right, err := c.solve(node.right)
	if err != nil {
		return segStats{}, err
	}
	j := node.junction()
	out := c.merge(left, right, node.lo, j, node.hi+1)
	id := c.nodes[j].ID
	if math.IsNaN(out.w) || out.w < 0 || out.w > 1 {
		return segStats{}, c.fail("w["+id+"]", out.w, "Werner parameter outside [0,1]")
	}
	if math.IsNaN(out.succ) || out.succ < 0 || out.succ > 1+relSlack {
		return segStats{}, c.fail("p_swap["+id+"]", out.succ, "probability outside [0,1]")
	}
	bound := math.Min(left.rate, right.rate)
	if math.IsNaN(out.rate) || out.rate > bound*(1+relSlack) {
		return segStats{}, c.fail("rate["+id+"]", out.rate, "merged rate exceeds its slower segment")
	}
	return out, nil
}
