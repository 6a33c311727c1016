package search

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	defaultLengthScale   = 0.2
	defaultCandidatePool = 256
	gpJitter             = 1e-6
)

// Bayesian fits a Gaussian-process surrogate with an RBF kernel to the
// observed objectives and proposes the pool candidate with the largest
// expected improvement. Batches are filled with the constant-liar heuristic:
// each chosen point is provisionally scored at the incumbent before the next
// one is picked.
type Bayesian struct {
	space         Space
	rng           *rand.Rand
	initialPoints int
	pool          int
	lengthScale   float64
	xi            float64

	proposed int
	xs       [][]float64
	ys       []float64
	failed   [][]float64
}

func NewBayesian(space Space, opts Options) (*Bayesian, error) {
	if opts.LengthScale < 0 || opts.Exploration < 0 {
		return nil, fmt.Errorf("length scale and exploration must be >= 0")
	}
	b := &Bayesian{
		space:         space,
		rng:           newRand(opts.Seed, 0x6261796573),
		initialPoints: opts.InitialPoints,
		pool:          opts.CandidatePool,
		lengthScale:   opts.LengthScale,
		xi:            opts.Exploration,
	}
	if b.initialPoints <= 0 {
		b.initialPoints = max(2*space.Dim(), 5)
	}
	if b.pool <= 0 {
		b.pool = defaultCandidatePool
	}
	if b.lengthScale == 0 {
		b.lengthScale = defaultLengthScale
	}
	return b, nil
}

func (*Bayesian) Name() string { return NameBayesian }

func (b *Bayesian) Propose(n int) [][]float64 {
	out := make([][]float64, 0, n)
	for len(out) < n && b.proposed < b.initialPoints {
		out = append(out, uniformPoint(b.rng, b.space))
		b.proposed++
	}
	if len(out) == n {
		return out
	}
	if len(b.ys) < 2 {
		for len(out) < n {
			out = append(out, uniformPoint(b.rng, b.space))
			b.proposed++
		}
		return out
	}

	xs := append([][]float64(nil), b.xs...)
	ys := append([]float64(nil), b.ys...)
	// Failed points are scored at the worst observation so the surrogate
	// steers away from them.
	worst := floats.Min(b.ys)
	for _, x := range b.failed {
		xs = append(xs, x)
		ys = append(ys, worst)
	}
	for len(out) < n {
		gp, err := fitGP(xs, ys, b.lengthScale)
		var next []float64
		if err != nil {
			next = uniformPoint(b.rng, b.space)
		} else {
			next = b.maximizeEI(gp)
		}
		out = append(out, next)
		b.proposed++
		xs = append(xs, next)
		ys = append(ys, floats.Max(ys))
	}
	return out
}

func (b *Bayesian) Observe(obs []Observation) {
	for _, o := range obs {
		if o.Failed || math.IsNaN(o.Objective) || math.IsInf(o.Objective, 0) {
			b.failed = append(b.failed, clonePoint(o.Point))
			continue
		}
		b.xs = append(b.xs, clonePoint(o.Point))
		b.ys = append(b.ys, o.Objective)
	}
}

// maximizeEI scores a pool of uniform candidates plus perturbations of the
// incumbent and returns the best one.
func (b *Bayesian) maximizeEI(gp *gaussianProcess) []float64 {
	incumbent := b.xs[floats.MaxIdx(b.ys)]
	var best []float64
	bestEI := math.Inf(-1)
	for i := 0; i < b.pool; i++ {
		var cand []float64
		if i%4 == 3 {
			cand = clonePoint(incumbent)
			for d := range cand {
				cand[d] = clampUnit(cand[d] + b.rng.NormFloat64()*b.lengthScale/2)
			}
			cand = snap(b.space, cand)
		} else {
			cand = uniformPoint(b.rng, b.space)
		}
		ei := gp.expectedImprovement(cand, b.xi)
		if ei > bestEI {
			best, bestEI = cand, ei
		}
	}
	return best
}

type gaussianProcess struct {
	xs          [][]float64
	chol        mat.Cholesky
	alpha       *mat.VecDense
	mean, scale float64
	best        float64
	lengthScale float64
}

// fitGP conditions a zero-mean GP on standardized targets.
func fitGP(xs [][]float64, ys []float64, lengthScale float64) (*gaussianProcess, error) {
	n := len(xs)
	mean, std := stat.MeanStdDev(ys, nil)
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	z := make([]float64, n)
	for i, y := range ys {
		z[i] = (y - mean) / std
	}

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := rbf(xs[i], xs[j], lengthScale)
			if i == j {
				v += gpJitter
			}
			k.SetSym(i, j, v)
		}
	}
	gp := &gaussianProcess{xs: xs, mean: mean, scale: std, best: floats.Max(z), lengthScale: lengthScale}
	if ok := gp.chol.Factorize(k); !ok {
		return nil, fmt.Errorf("kernel matrix is not positive definite")
	}
	gp.alpha = mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(gp.alpha, mat.NewVecDense(n, z)); err != nil {
		return nil, err
	}
	return gp, nil
}

// predict returns the posterior mean and standard deviation in standardized
// units.
func (gp *gaussianProcess) predict(x []float64) (float64, float64) {
	n := len(gp.xs)
	kstar := mat.NewVecDense(n, nil)
	for i, xi := range gp.xs {
		kstar.SetVec(i, rbf(x, xi, gp.lengthScale))
	}
	mu := mat.Dot(kstar, gp.alpha)

	v := mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(v, kstar); err != nil {
		return mu, 0
	}
	variance := 1 + gpJitter - mat.Dot(kstar, v)
	if variance < 0 {
		variance = 0
	}
	return mu, math.Sqrt(variance)
}

func (gp *gaussianProcess) expectedImprovement(x []float64, xi float64) float64 {
	mu, sigma := gp.predict(x)
	improvement := mu - gp.best - xi
	if sigma < 1e-12 {
		return math.Max(improvement, 0)
	}
	z := improvement / sigma
	return improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
}

func rbf(a, b []float64, lengthScale float64) float64 {
	d := floats.Distance(a, b, 2)
	return math.Exp(-d * d / (2 * lengthScale * lengthScale))
}
