package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdopt/internal/params"
	"cdopt/internal/topology"
)

func chainTopo(t testing.TB, lengths ...float64) *topology.Topology {
	t.Helper()
	topo, err := topology.New(topology.ChainDescription("chain", lengths, 0.2))
	require.NoError(t, err)
	return topo
}

func uniformParams(topo *topology.Topology, rate, cutoff float64) params.Parameters {
	p := params.Parameters{Rates: map[string]float64{}, Cutoffs: map[string]float64{}}
	shape := topo.Shape()
	for _, id := range shape.LinkIDs {
		p.Rates[id] = rate
	}
	for _, id := range shape.NodeIDs {
		p.Cutoffs[id] = cutoff
	}
	return p
}

func TestAnalyticSingleLinkClosedForm(t *testing.T) {
	topo := chainTopo(t, 10)
	for _, nu := range []float64{1, 10, 250, 1000} {
		p := params.Parameters{Rates: map[string]float64{"l1": nu}}
		m, err := Analytic{}.Evaluate(context.Background(), topo, p, 0)
		require.NoError(t, err)

		trans := math.Pow(10, -0.2*10/10)
		want := trans * nu / (1 + nu*10/topology.FiberLightSpeedKmPerS)
		assert.InEpsilon(t, want, m.Rate, 1e-12, "nu=%v", nu)
		assert.InDelta(t, 1.0, m.Fidelity, 1e-12)
		assert.InDelta(t, trans, m.SuccessProbability, 1e-12)
		assert.InEpsilon(t, 1/want, m.Latency, 1e-12)
		assert.InEpsilon(t, want, m.Objective, 1e-12, "perfect pairs keep the full key fraction")
	}
}

func TestAnalyticSymmetricSwapUnboundedCutoff(t *testing.T) {
	topo := chainTopo(t, 10, 10)
	p := uniformParams(topo, 100, math.Inf(1))
	m, err := Analytic{}.Evaluate(context.Background(), topo, p, 0)
	require.NoError(t, err)

	trans := math.Pow(10, -0.2)
	lambda := trans / (0.01 + 10/topology.FiberLightSpeedKmPerS)
	assert.InEpsilon(t, 2*lambda/3, m.Rate, 1e-12)
	assert.InDelta(t, 1.0, m.Fidelity, 1e-12)
}

func TestAnalyticWernerPropagation(t *testing.T) {
	desc := topology.ChainDescription("noisy", []float64{10, 15}, 0.2)
	for i := range desc.Links {
		desc.Links[i].InitialFidelity = 0.9
	}
	topo, err := topology.New(desc)
	require.NoError(t, err)

	m, err := Analytic{}.Evaluate(context.Background(), topo, uniformParams(topo, 500, 0.5), 0)
	require.NoError(t, err)

	w0 := (4*0.9 - 1) / 3
	assert.InDelta(t, (1+3*w0*w0)/4, m.Fidelity, 1e-12)
}

func TestAnalyticMemoryDecayLowersFidelity(t *testing.T) {
	desc := topology.ChainDescription("decay", []float64{10, 15}, 0.2)
	ideal, err := topology.New(desc)
	require.NoError(t, err)
	for i := range desc.Nodes {
		desc.Nodes[i].CoherenceTimeS = 0.05
	}
	lossy, err := topology.New(desc)
	require.NoError(t, err)

	p := uniformParams(ideal, 200, 0.5)
	a, err := Analytic{}.Evaluate(context.Background(), ideal, p, 0)
	require.NoError(t, err)
	b, err := Analytic{}.Evaluate(context.Background(), lossy, p, 0)
	require.NoError(t, err)

	assert.Less(t, b.Fidelity, a.Fidelity)
	assert.Greater(t, b.Fidelity, 0.25)
	assert.Equal(t, a.Rate, b.Rate, "decoherence does not change the delivery rate")
}

func TestZeroLinkRateGivesZeroRate(t *testing.T) {
	topo := chainTopo(t, 10, 15, 5)
	for _, ev := range []Evaluator{Analytic{}, MonteCarlo{Samples: 50}} {
		p := uniformParams(topo, 300, 0.5)
		p.Rates["l2"] = 0
		m, err := ev.Evaluate(context.Background(), topo, p, 7)
		require.NoError(t, err, ev.Name())
		assert.Equal(t, 0.0, m.Rate, ev.Name())
		assert.False(t, m.HasFidelity(), ev.Name())
		assert.Equal(t, 0.0, m.Objective, ev.Name())
	}
}

func TestCutoffBelowLatencyGivesZeroRate(t *testing.T) {
	topo := chainTopo(t, 10, 15)
	// attempt period is 1/100 s plus herald latency, far above 1 ms
	p := uniformParams(topo, 100, 0.001)
	m, err := Analytic{}.Evaluate(context.Background(), topo, p, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.Rate)
	assert.True(t, math.IsNaN(m.Fidelity))
	assert.True(t, math.IsInf(m.Latency, 1))
}

func TestRateMonotoneInEachLinkRate(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 29))
	for trial := range 60 {
		lengths := make([]float64, 2+rng.IntN(4))
		for i := range lengths {
			lengths[i] = 1 + 49*rng.Float64()
		}
		desc := topology.ChainDescription("chain", lengths, 0.2)
		for i := range desc.Nodes {
			desc.Nodes[i].CoherenceTimeS = 0.01 + 2*rng.Float64()
		}
		topo, err := topology.New(desc)
		require.NoError(t, err)

		shape := topo.Shape()
		base := uniformParams(topo, 0, 0)
		for _, id := range shape.LinkIDs {
			base.Rates[id] = 1 + 999*rng.Float64()
		}
		for _, id := range shape.NodeIDs {
			base.Cutoffs[id] = math.Inf(1)
			if rng.IntN(3) > 0 {
				base.Cutoffs[id] = 0.001 + 2*rng.Float64()
			}
		}
		reversed := slices.Clone(shape.NodeIDs)
		slices.Reverse(reversed)

		for _, policy := range params.AllPolicies {
			for _, link := range shape.LinkIDs {
				prev := -1.0
				for nu := 0.0; nu <= 1000; nu += 13 {
					p := base.Clone()
					p.Policy = policy
					if policy == params.PolicyExplicit {
						p.Order = reversed
					}
					p.Rates[link] = nu
					m, err := Analytic{}.Evaluate(context.Background(), topo, p, 0)
					require.NoError(t, err)
					if m.Rate < prev {
						t.Fatalf("trial %d policy=%s lengths=%v: rate decreased on %s at nu=%v: %v < %v",
							trial, policy, lengths, link, nu, m.Rate, prev)
					}
					prev = m.Rate
				}
			}
		}
	}
}

func TestAdaptiveRateIsBestOverFixedTrees(t *testing.T) {
	topo := chainTopo(t, 44.6, 42.8, 46.8, 44.1, 36.1)
	p := uniformParams(topo, 300, 0.05)
	p.Rates["l1"] = 29
	p.Rates["l4"] = 900

	eval := func(policy params.SwapPolicy) float64 {
		q := p.Clone()
		q.Policy = policy
		m, err := Analytic{}.Evaluate(context.Background(), topo, q, 0)
		require.NoError(t, err)
		return m.Rate
	}
	adaptive := eval(params.PolicyAdaptive)
	for _, policy := range []params.SwapPolicy{params.PolicyLeftToRight, params.PolicyRightToLeft, params.PolicyNested} {
		assert.GreaterOrEqual(t, adaptive, eval(policy), policy)
	}
}

func TestRateNeverExceedsBottleneck(t *testing.T) {
	topo := chainTopo(t, 3, 40, 7, 20)
	for _, policy := range params.AllPolicies {
		p := uniformParams(topo, 800, 1)
		p.Rates["l2"] = 5
		p.Policy = policy
		if policy == params.PolicyExplicit {
			p.Order = []string{"n2", "n1", "n3"}
		}
		m, err := Analytic{}.Evaluate(context.Background(), topo, p, 0)
		require.NoError(t, err, policy)

		l2, _ := topo.Link("l2")
		bottleneck := topology.Transmissivity(l2) / (1.0/5 + topology.HeraldLatency(l2))
		assert.LessOrEqual(t, m.Rate, bottleneck, policy)
		assert.Greater(t, m.Rate, 0.0, policy)
	}
}

func TestPoliciesBuildExpectedSwapTrees(t *testing.T) {
	topo := chainTopo(t, 10, 20, 5, 30)
	p := uniformParams(topo, 400, 0.3)

	eval := func(policy params.SwapPolicy, order ...string) Metrics {
		q := p.Clone()
		q.Policy = policy
		q.Order = order
		m, err := Analytic{}.Evaluate(context.Background(), topo, q, 0)
		require.NoError(t, err)
		return m
	}

	ltr := eval(params.PolicyLeftToRight)
	rtl := eval(params.PolicyRightToLeft)
	assert.Equal(t, ltr.Rate, eval(params.PolicyExplicit, "n1", "n2", "n3").Rate)
	assert.Equal(t, rtl.Rate, eval(params.PolicyExplicit, "n3", "n2", "n1").Rate)
	assert.Equal(t, eval(params.PolicyNested).Rate, eval(params.PolicyExplicit, "n1", "n3", "n2").Rate)
	assert.NotEqual(t, ltr.Rate, rtl.Rate)

	adaptive := eval(params.PolicyAdaptive)
	assert.Greater(t, adaptive.Rate, 0.0)

	_, err := Analytic{}.Evaluate(context.Background(), topo, params.Parameters{
		Rates:   p.Rates,
		Cutoffs: p.Cutoffs,
		Policy:  params.PolicyExplicit,
		Order:   []string{"n1", "n1", "n2"},
	}, 0)
	require.True(t, IsEvaluationError(err))
}

func TestInconsistentInputsAreEvaluationErrors(t *testing.T) {
	topo := chainTopo(t, 10, 15)
	cases := map[string]params.Parameters{
		"nan rate":        {Rates: map[string]float64{"l1": math.NaN(), "l2": 1}},
		"negative rate":   {Rates: map[string]float64{"l1": -1, "l2": 1}},
		"missing rate":    {Rates: map[string]float64{"l1": 1}},
		"negative cutoff": {Rates: map[string]float64{"l1": 1, "l2": 1}, Cutoffs: map[string]float64{"n1": -1}},
	}
	for name, p := range cases {
		_, err := Analytic{}.Evaluate(context.Background(), topo, p, 0)
		var evalErr *EvaluationError
		require.True(t, errors.As(err, &evalErr), name)
		assert.Equal(t, AnalyticName, evalErr.Evaluator)
	}
}

func TestMonteCarloDeterministicForSeed(t *testing.T) {
	topo := chainTopo(t, 10, 15)
	p := uniformParams(topo, 400, 0.05)
	mc := MonteCarlo{Samples: 300}

	a, err := mc.Evaluate(context.Background(), topo, p, 42)
	require.NoError(t, err)
	b, err := mc.Evaluate(context.Background(), topo, p, 42)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := mc.Evaluate(context.Background(), topo, p, 43)
	require.NoError(t, err)
	assert.NotEqual(t, a.Rate, c.Rate)
}

func TestMonteCarloMatchesSingleLinkClosedForm(t *testing.T) {
	topo := chainTopo(t, 10)
	p := params.Parameters{Rates: map[string]float64{"l1": 200}}

	want, err := Analytic{}.Evaluate(context.Background(), topo, p, 0)
	require.NoError(t, err)
	got, err := MonteCarlo{Samples: 4000}.Evaluate(context.Background(), topo, p, 11)
	require.NoError(t, err)

	assert.InEpsilon(t, want.Rate, got.Rate, 0.1)
	assert.InEpsilon(t, want.SuccessProbability, got.SuccessProbability, 0.1)
	assert.InDelta(t, 1.0, got.Fidelity, 1e-12)
	assert.Equal(t, 0.0, got.FidelityStdErr)
}

func TestMonteCarloFidelityWithDecay(t *testing.T) {
	desc := topology.ChainDescription("decay", []float64{10, 15}, 0.2)
	for i := range desc.Nodes {
		desc.Nodes[i].CoherenceTimeS = 0.1
	}
	topo, err := topology.New(desc)
	require.NoError(t, err)

	m, err := MonteCarlo{Samples: 500}.Evaluate(context.Background(), topo, uniformParams(topo, 300, 0.2), 5)
	require.NoError(t, err)
	require.True(t, m.HasFidelity())
	assert.Less(t, m.Fidelity, 1.0)
	assert.GreaterOrEqual(t, m.Fidelity, 0.25)
	assert.Greater(t, m.FidelityStdErr, 0.0)
	assert.LessOrEqual(t, m.SuccessProbability, 1.0)
}

func TestMonteCarloHonoursCancellation(t *testing.T) {
	topo := chainTopo(t, 10, 15)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := MonteCarlo{}.Evaluate(ctx, topo, uniformParams(topo, 100, 0.5), 1)
	require.ErrorIs(t, err, context.Canceled)
}

type slowEvaluator struct{ delay time.Duration }

func (slowEvaluator) Name() string { return "slow" }

func (s slowEvaluator) Evaluate(ctx context.Context, _ *topology.Topology, _ params.Parameters, _ uint64) (Metrics, error) {
	select {
	case <-time.After(s.delay):
		return Metrics{Rate: 1, Fidelity: 1}, nil
	case <-ctx.Done():
		return Metrics{}, ctx.Err()
	}
}

func TestWithTimeout(t *testing.T) {
	topo := chainTopo(t, 10)
	p := params.Parameters{Rates: map[string]float64{"l1": 1}}

	_, err := WithTimeout(slowEvaluator{delay: time.Second}, 10*time.Millisecond).Evaluate(context.Background(), topo, p, 0)
	require.True(t, IsTimeout(err), "got %v", err)
	var timeoutErr *EvaluationTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "slow", timeoutErr.Evaluator)

	m, err := WithTimeout(slowEvaluator{delay: time.Millisecond}, time.Second).Evaluate(context.Background(), topo, p, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.Rate)

	assert.Equal(t, Analytic{}, WithTimeout(Analytic{}, 0))
}

// spinEvaluator loops until released and never looks at its context.
type spinEvaluator struct{ release *atomic.Bool }

func (spinEvaluator) Name() string { return "spin" }

func (s spinEvaluator) Evaluate(context.Context, *topology.Topology, params.Parameters, uint64) (Metrics, error) {
	for !s.release.Load() {
	}
	return Metrics{Rate: 1, Fidelity: 1}, nil
}

func TestWithTimeoutAbandonsEvaluatorIgnoringContext(t *testing.T) {
	topo := chainTopo(t, 10)
	p := params.Parameters{Rates: map[string]float64{"l1": 1}}
	release := &atomic.Bool{}
	t.Cleanup(func() { release.Store(true) })

	start := time.Now()
	_, err := WithTimeout(spinEvaluator{release: release}, 20*time.Millisecond).Evaluate(context.Background(), topo, p, 0)
	elapsed := time.Since(start)

	var timeoutErr *EvaluationTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "spin", timeoutErr.Evaluator)
	assert.Less(t, elapsed, 2*time.Second)
}

type countingEvaluator struct {
	calls *int
}

func (countingEvaluator) Name() string { return "counting" }

func (c countingEvaluator) Evaluate(context.Context, *topology.Topology, params.Parameters, uint64) (Metrics, error) {
	*c.calls++
	return Metrics{Rate: float64(*c.calls), Fidelity: 1}, nil
}

func TestCachedEvaluator(t *testing.T) {
	topo := chainTopo(t, 10)
	calls := 0
	cache := NewCache()
	ev := CachedEvaluator{Inner: countingEvaluator{calls: &calls}, Cache: cache}

	p := params.Parameters{Rates: map[string]float64{"l1": 5}}
	first, err := ev.Evaluate(context.Background(), topo, p, 1)
	require.NoError(t, err)
	second, err := ev.Evaluate(context.Background(), topo, p.Clone(), 1)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	_, err = ev.Evaluate(context.Background(), topo, p, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "seed is part of the key")
	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, int64(1), cache.Hits())
	assert.Equal(t, int64(2), cache.Misses())
}

func TestObjectiveScoring(t *testing.T) {
	assert.InDelta(t, 1.0, SecretFraction(1), 1e-12)
	assert.Equal(t, 0.0, SecretFraction(0.25))
	assert.Equal(t, 0.0, SecretFraction(0.8), "QBER above ~11% yields no key")

	prev := 0.0
	for f := 0.25; f <= 1.0; f += 0.01 {
		v := SecretFraction(f)
		if v < prev {
			t.Fatalf("secret fraction not monotone at f=%v", f)
		}
		prev = v
	}

	m := Metrics{Rate: 10, Fidelity: 0.99}
	assert.Equal(t, 10.0, Objective{Kind: ObjectiveRate}.Score(m))
	assert.InDelta(t, 9.9, Objective{Kind: ObjectiveRateFidelity}.Score(m), 1e-12)
	assert.Equal(t, 0.0, Objective{Kind: ObjectiveRate, MinFidelity: 0.995}.Score(m))
	assert.Equal(t, 0.0, Objective{}.Score(Undelivered()))

	_, err := ParseObjective("throughput")
	require.Error(t, err)
}

func TestMetricsJSONEncodesMissingFidelityAsNull(t *testing.T) {
	raw, err := json.Marshal(Undelivered())
	require.NoError(t, err)
	assert.JSONEq(t, `{"rate":0,"fidelity":null,"objective":0,"success_probability":0,"latency_s":null}`, string(raw))

	var back Metrics
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.False(t, back.HasFidelity())
	assert.True(t, math.IsInf(back.Latency, 1))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{AnalyticName, MonteCarloName}, r.Names())

	ev, err := r.Resolve("", Objective{Kind: ObjectiveRate})
	require.NoError(t, err)
	assert.Equal(t, AnalyticName, ev.Name())

	_, err = r.Resolve("quantum-magic", Objective{})
	require.ErrorIs(t, err, ErrEvaluatorNotFound)
	require.ErrorIs(t, r.Register(AnalyticName, func(Objective) Evaluator { return Analytic{} }), ErrEvaluatorExists)
}

func FuzzAnalyticEvaluate(f *testing.F) {
	f.Add(100.0, 200.0, 0.5)
	f.Add(0.0, 1000.0, 1.0)
	f.Add(1e-9, 1e9, 1e-6)
	f.Add(500.0, 500.0, math.Inf(1))
	topo := chainTopo(f, 10, 15)

	f.Fuzz(func(t *testing.T, r1, r2, cutoff float64) {
		p := params.Parameters{
			Rates:   map[string]float64{"l1": r1, "l2": r2},
			Cutoffs: map[string]float64{"n1": cutoff},
		}
		m, err := Analytic{}.Evaluate(context.Background(), topo, p, 0)
		if err != nil {
			if !IsEvaluationError(err) {
				t.Fatalf("unexpected error type %T: %v", err, err)
			}
			return
		}
		if math.IsNaN(m.Rate) || m.Rate < 0 {
			t.Fatalf("invalid rate %v", m.Rate)
		}
		if m.Rate > 0 && (m.Fidelity < 0 || m.Fidelity > 1 || math.IsNaN(m.Fidelity)) {
			t.Fatalf("invalid fidelity %v at rate %v", m.Fidelity, m.Rate)
		}
		if m.Rate == 0 && m.HasFidelity() {
			t.Fatalf("undelivered metrics must not report fidelity")
		}
	})
}
