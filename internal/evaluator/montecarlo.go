package evaluator

import (
	"context"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat"

	"cdopt/internal/params"
	"cdopt/internal/topology"
)

const (
	MonteCarloName = "montecarlo"

	defaultSamples    = 2000
	defaultMaxSimTime = 3600.0
	ctxCheckInterval  = 64
)

// MonteCarlo simulates the continuous-delivery protocol event by event.
// Each link draws geometric attempt counts; stored pairs older than the node
// cutoff are discarded and regenerated. Results depend only on the seed.
type MonteCarlo struct {
	// Samples is the number of end-to-end deliveries to simulate.
	Samples int
	// MaxSimTime bounds simulated time in seconds.
	MaxSimTime float64
	Objective  Objective
}

func (MonteCarlo) Name() string { return MonteCarloName }

type mcCounters struct {
	cycles    []int
	successes []int
	attempts  int
	heralded  int
}

type mcRun struct {
	c       *chain
	rng     *rand.Rand
	horizon float64
	count   *mcCounters
	// ids numbers the swap nodes of the plan in pre-order.
	ids map[*plan]int
}

func (mc MonteCarlo) Evaluate(ctx context.Context, topo *topology.Topology, p params.Parameters, seed uint64) (Metrics, error) {
	if err := ctx.Err(); err != nil {
		return Metrics{}, err
	}
	c, err := newChain(MonteCarloName, topo, p)
	if err != nil {
		return Metrics{}, err
	}
	if c.undeliverable() {
		m := Undelivered()
		m.Objective = mc.Objective.Score(m)
		return m, nil
	}
	root, err := c.buildPlan(p.EffectivePolicy(), p.Order)
	if err != nil {
		return Metrics{}, err
	}

	samples := mc.Samples
	if samples <= 0 {
		samples = defaultSamples
	}
	horizon := mc.MaxSimTime
	if horizon <= 0 {
		horizon = defaultMaxSimTime
	}

	run := &mcRun{
		c:       c,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		horizon: horizon,
		count:   &mcCounters{},
		ids:     make(map[*plan]int),
	}
	run.index(root)
	run.count.cycles = make([]int, len(run.ids))
	run.count.successes = make([]int, len(run.ids))

	fidelities := make([]float64, 0, samples)
	now := 0.0
	for len(fidelities) < samples {
		if len(fidelities)%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Metrics{}, err
			}
		}
		at, w := run.deliver(root, now)
		if at > horizon {
			break
		}
		if math.IsNaN(w) || w < 0 || w > 1 {
			return Metrics{}, c.fail("w", w, "simulated Werner parameter outside [0,1]")
		}
		fidelities = append(fidelities, (1+3*w)/4)
		now = at
	}

	if len(fidelities) == 0 {
		m := Undelivered()
		m.Objective = mc.Objective.Score(m)
		return m, nil
	}
	elapsed := horizon
	if len(fidelities) == samples {
		elapsed = now
	}
	rate := float64(len(fidelities)) / elapsed
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return Metrics{}, c.fail("rate", rate, "non-finite simulated rate")
	}
	if bound := c.maxAttemptRate(); rate > bound*(1+relSlack) {
		return Metrics{}, c.fail("rate", rate, "exceeds bottleneck attempt rate")
	}

	succ := run.successProbability(root)
	if math.IsNaN(succ) || succ < 0 || succ > 1 {
		return Metrics{}, c.fail("success_probability", succ, "probability outside [0,1]")
	}

	mean, std := stat.MeanStdDev(fidelities, nil)
	stderr := 0.0
	if len(fidelities) > 1 {
		stderr = std / math.Sqrt(float64(len(fidelities)))
	}
	m := Metrics{
		Rate:               rate,
		Fidelity:           mean,
		SuccessProbability: succ,
		Latency:            1 / rate,
		FidelityStdErr:     stderr,
	}
	m.Objective = mc.Objective.Score(m)
	return m, nil
}

func (r *mcRun) index(node *plan) {
	if node.leaf() {
		return
	}
	r.ids[node] = len(r.ids)
	r.index(node.left)
	r.index(node.right)
}

// deliver simulates segment node from a fresh state at time start and
// returns the delivery time with the Werner parameter of the delivered pair.
// A time past the horizon means nothing was delivered in time.
func (r *mcRun) deliver(node *plan, start float64) (float64, float64) {
	if start > r.horizon {
		return math.Inf(1), 0
	}
	if node.leaf() {
		l := r.c.links[node.lo]
		n := r.geometric(l.p)
		r.count.attempts += n
		r.count.heralded++
		return start + float64(n)*l.tau, l.w
	}

	j := node.junction()
	cut := r.c.cutoffs[j-1]
	q := r.c.nodes[j].SwapSuccessProb
	g := r.c.nodes[j].SwapQuality
	ka := r.c.kappa(j) + r.c.kappa(node.lo)
	kb := r.c.kappa(j) + r.c.kappa(node.hi+1)
	id := r.ids[node]

	ta, wa := r.deliver(node.left, start)
	tb, wb := r.deliver(node.right, start)
	for {
		if ta > r.horizon && tb > r.horizon {
			return math.Inf(1), 0
		}
		r.count.cycles[id]++
		switch {
		case ta <= tb && tb-ta > cut:
			ta, wa = r.deliver(node.left, ta+cut)
			continue
		case tb < ta && ta-tb > cut:
			tb, wb = r.deliver(node.right, tb+cut)
			continue
		}

		at := math.Max(ta, tb)
		if at > r.horizon {
			return math.Inf(1), 0
		}
		var decay float64
		if ta <= tb {
			decay = math.Exp(-ka * (tb - ta))
		} else {
			decay = math.Exp(-kb * (ta - tb))
		}
		if r.rng.Float64() < q {
			r.count.successes[id]++
			return at, g * wa * wb * decay
		}
		ta, wa = r.deliver(node.left, at)
		tb, wb = r.deliver(node.right, at)
	}
}

// geometric draws the number of attempts up to and including the first
// success.
func (r *mcRun) geometric(p float64) int {
	if p >= 1 {
		return 1
	}
	u := 1 - r.rng.Float64()
	n := math.Ceil(math.Log(u) / math.Log1p(-p))
	if n < 1 {
		n = 1
	}
	if n > math.MaxInt32 {
		n = math.MaxInt32
	}
	return int(n)
}

func (r *mcRun) successProbability(root *plan) float64 {
	if root.leaf() {
		if r.count.attempts == 0 {
			return 0
		}
		return float64(r.count.heralded) / float64(r.count.attempts)
	}
	prob := 1.0
	for id := range r.count.cycles {
		if r.count.cycles[id] == 0 {
			return 0
		}
		prob *= float64(r.count.successes[id]) / float64(r.count.cycles[id])
	}
	return prob
}
