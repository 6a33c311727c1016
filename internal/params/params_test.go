package params

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdopt/internal/topology"
)

func threeNode(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.New(topology.ChainDescription("three", []float64{10, 15}, 0.2))
	require.NoError(t, err)
	return topo
}

func fiveNode(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.New(topology.ChainDescription("five", []float64{10, 10, 10, 10}, 0.2))
	require.NoError(t, err)
	return topo
}

func TestFingerprintIndependentOfMapOrder(t *testing.T) {
	a := Parameters{Rates: map[string]float64{"l1": 100, "l2": 200}, Cutoffs: map[string]float64{"n1": 0.5}}
	b := Parameters{Rates: map[string]float64{"l2": 200, "l1": 100}, Cutoffs: map[string]float64{"n1": 0.5}}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Rates["l2"] = 200.0000001
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	c := a.Clone()
	c.Policy = PolicyLeftToRight
	assert.Equal(t, a.Fingerprint(), c.Fingerprint(), "empty policy resolves to left_to_right")
	c.Policy = PolicyNested
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestValidateAcceptsInBounds(t *testing.T) {
	topo := threeNode(t)
	bounds := UniformBounds(topo, Range{0, 1000}, Range{0, 1})
	p := Parameters{Rates: map[string]float64{"l1": 0, "l2": 1000}, Cutoffs: map[string]float64{"n1": 1}}
	require.NoError(t, p.Validate(topo, bounds))
}

func TestValidateNamesOffendingParameter(t *testing.T) {
	topo := threeNode(t)
	bounds := UniformBounds(topo, Range{0, 1000}, Range{0, 1})
	bounds.MaxTotalRate = 1500
	bounds.Policies = []SwapPolicy{PolicyLeftToRight, PolicyExplicit}

	cases := []struct {
		name   string
		params Parameters
		want   string
	}{
		{"rate above", Parameters{Rates: map[string]float64{"l1": 1001, "l2": 1}, Cutoffs: map[string]float64{"n1": 1}}, "rate[l1]"},
		{"negative rate", Parameters{Rates: map[string]float64{"l1": 1, "l2": -1}, Cutoffs: map[string]float64{"n1": 1}}, "rate[l2]"},
		{"nan rate", Parameters{Rates: map[string]float64{"l1": math.NaN(), "l2": 1}, Cutoffs: map[string]float64{"n1": 1}}, "rate[l1]"},
		{"missing rate", Parameters{Rates: map[string]float64{"l1": 1}, Cutoffs: map[string]float64{"n1": 1}}, "rate[l2]"},
		{"extra rate", Parameters{Rates: map[string]float64{"l1": 1, "l2": 1, "l9": 1}, Cutoffs: map[string]float64{"n1": 1}}, "rate[l9]"},
		{"cutoff above", Parameters{Rates: map[string]float64{"l1": 1, "l2": 1}, Cutoffs: map[string]float64{"n1": 2}}, "cutoff[n1]"},
		{"missing cutoff", Parameters{Rates: map[string]float64{"l1": 1, "l2": 1}}, "cutoff[n1]"},
		{"total budget", Parameters{Rates: map[string]float64{"l1": 900, "l2": 900}, Cutoffs: map[string]float64{"n1": 1}}, "total_rate"},
		{"policy not allowed", Parameters{Rates: map[string]float64{"l1": 1, "l2": 1}, Cutoffs: map[string]float64{"n1": 1}, Policy: PolicyNested}, "policy"},
		{"bad order", Parameters{Rates: map[string]float64{"l1": 1, "l2": 1}, Cutoffs: map[string]float64{"n1": 1}, Policy: PolicyExplicit, Order: []string{"n0"}}, "order"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.params.Validate(topo, bounds)
			require.Error(t, err)
			var oob *OutOfBoundsError
			require.True(t, errors.As(err, &oob))
			assert.Equal(t, tc.want, oob.Parameter)
		})
	}
}

func TestValidateUnboundedCutoffMayBeOmitted(t *testing.T) {
	topo := threeNode(t)
	bounds := UniformBounds(topo, Range{0, 1000}, Range{0, math.Inf(1)})
	p := Parameters{Rates: map[string]float64{"l1": 10, "l2": 10}}
	require.NoError(t, p.Validate(topo, bounds))
	assert.True(t, math.IsInf(p.Cutoff("n1"), 1))
}

func TestBoundsValidate(t *testing.T) {
	topo := threeNode(t)
	bad := UniformBounds(topo, Range{10, 1}, Range{0, 1})
	require.Error(t, bad.Validate(topo))

	unknown := UniformBounds(topo, Range{0, 1}, Range{0, 1})
	unknown.Rates["zz"] = Range{0, 1}
	require.Error(t, unknown.Validate(topo))

	dup := UniformBounds(topo, Range{0, 1}, Range{0, 1})
	dup.Policies = []SwapPolicy{PolicyNested, PolicyNested}
	require.Error(t, dup.Validate(topo))
}

func TestSearchSpaceRoundTrip(t *testing.T) {
	topo := threeNode(t)
	bounds := UniformBounds(topo, Range{0, 1000}, Range{0, 1})
	space, err := NewSearchSpace(topo, bounds)
	require.NoError(t, err)
	require.Equal(t, 3, space.Dim())
	assert.Equal(t, 0, space.Levels(0))

	p, err := space.Decode([]float64{0.25, 1, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 250, p.Rates["l1"], 1e-9)
	assert.InDelta(t, 1000, p.Rates["l2"], 1e-9)
	assert.InDelta(t, 0.5, p.Cutoffs["n1"], 1e-12)
	assert.Equal(t, PolicyLeftToRight, p.Policy)
	require.NoError(t, p.Validate(topo, bounds))

	x, err := space.Encode(p)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.25, 1, 0.5}, x, 1e-12)
}

func TestSearchSpaceClampsCoordinates(t *testing.T) {
	topo := threeNode(t)
	space, err := NewSearchSpace(topo, UniformBounds(topo, Range{0, 10}, Range{0, 1}))
	require.NoError(t, err)
	p, err := space.Decode([]float64{-3, 7, math.NaN()})
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.Rates["l1"])
	assert.Equal(t, 10.0, p.Rates["l2"])
	assert.Equal(t, 0.0, p.Cutoffs["n1"])

	_, err = space.Decode([]float64{0.1})
	require.Error(t, err)
}

func TestSearchSpaceCornersStayInBounds(t *testing.T) {
	topo := threeNode(t)
	bounds := UniformBounds(topo, Range{0.7, 2.9}, Range{0.7, 2.9})
	space, err := NewSearchSpace(topo, bounds)
	require.NoError(t, err)

	for _, x := range [][]float64{{1, 1, 1}, {0, 0, 0}, {1, 0, 1}} {
		p, err := space.Decode(x)
		require.NoError(t, err)
		require.NoError(t, p.Validate(topo, bounds), "corner %v", x)
	}
	p, err := space.Decode([]float64{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, 2.9, p.Rates["l1"])
	assert.Equal(t, 2.9, p.Cutoffs["n1"])
}

func TestRangeAtClampsRounding(t *testing.T) {
	for lo := 0.1; lo < 5; lo += 0.1 {
		for hi := lo; hi < 10; hi += 0.3 {
			r := Range{Lo: lo, Hi: hi}
			for _, u := range []float64{0, 0.3, 0.999999, 1} {
				v := r.At(u)
				if !r.Contains(v) {
					t.Fatalf("Range{%v, %v}.At(%v) = %v outside the range", lo, hi, u, v)
				}
			}
			if got := r.At(1); got != hi {
				t.Fatalf("Range{%v, %v}.At(1) = %v, want %v", lo, hi, got, hi)
			}
		}
	}
}

func TestSearchSpacePolicyAndOrderDimensions(t *testing.T) {
	topo := fiveNode(t)
	bounds := UniformBounds(topo, Range{0, 100}, Range{0, 1})
	bounds.Policies = []SwapPolicy{PolicyNested, PolicyExplicit}
	space, err := NewSearchSpace(topo, bounds)
	require.NoError(t, err)
	// 4 rates, 3 cutoffs, 1 policy, 3 order keys.
	require.Equal(t, 11, space.Dim())
	assert.Equal(t, 2, space.Levels(7))

	x := make([]float64, space.Dim())
	x[7] = 0.9
	x[8], x[9], x[10] = 0.7, 0.1, 0.4
	p, err := space.Decode(x)
	require.NoError(t, err)
	assert.Equal(t, PolicyExplicit, p.Policy)
	assert.Equal(t, []string{"n2", "n3", "n1"}, p.Order)
	require.NoError(t, p.Validate(topo, bounds))

	x[7] = 0.1
	p, err = space.Decode(x)
	require.NoError(t, err)
	assert.Equal(t, PolicyNested, p.Policy)
	assert.Nil(t, p.Order)
}

func TestSearchSpaceRejectsUnboundedCutoff(t *testing.T) {
	topo := threeNode(t)
	_, err := NewSearchSpace(topo, UniformBounds(topo, Range{0, 10}, Range{0, math.Inf(1)}))
	require.ErrorIs(t, err, ErrUnboundedDimension)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(" Nested ")
	require.NoError(t, err)
	assert.Equal(t, PolicyNested, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyLeftToRight, p)

	_, err = ParsePolicy("spiral")
	require.Error(t, err)
}
