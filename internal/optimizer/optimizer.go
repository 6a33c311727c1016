// Package optimizer drives a search strategy over the protocol parameter
// space of a topology, evaluating candidates on a bounded worker pool and
// applying their outcomes in evaluation-index order.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"cdopt/internal/evaluator"
	"cdopt/internal/params"
	"cdopt/internal/results"
	"cdopt/internal/search"
	"cdopt/internal/telemetry"
	"cdopt/internal/topology"
)

const (
	defaultMaxEvaluations    = 100
	defaultConvergenceWindow = 5
	minBatchSize             = 4
)

// ErrUnboundedDimension is returned when a searched parameter has no finite
// upper bound.
var ErrUnboundedDimension = params.ErrUnboundedDimension

// ErrAlreadyStarted is returned by a second call to Optimize.
var ErrAlreadyStarted = errors.New("optimizer already started")

// Config holds the run options. Zero values select defaults.
type Config struct {
	Strategy string
	Search   search.Options
	// MaxEvaluations is the budget of proposed candidates, failed and
	// duplicate ones included.
	MaxEvaluations       int
	ConvergenceTolerance float64
	// ConvergenceWindow is the number of rounds the best objective must
	// improve by more than ConvergenceTolerance within.
	ConvergenceWindow int
	Parallelism       int
	BatchSize         int
	RandomSeed        uint64
	EvaluationTimeout time.Duration
	// MaxFailureFraction fails the run once a round's failed share exceeds
	// it. A round where every evaluated candidate fails always fails the run.
	MaxFailureFraction float64
	Objective          evaluator.Objective

	Logger  *slog.Logger
	Metrics *telemetry.Collectors
	Cache   *evaluator.Cache
}

func (c Config) withDefaults() (Config, error) {
	if c.MaxEvaluations < 0 {
		return c, fmt.Errorf("max evaluations must be >= 0")
	}
	if c.MaxEvaluations == 0 {
		c.MaxEvaluations = defaultMaxEvaluations
	}
	if math.IsNaN(c.ConvergenceTolerance) || c.ConvergenceTolerance < 0 {
		return c, fmt.Errorf("convergence tolerance must be >= 0")
	}
	if c.ConvergenceWindow < 0 {
		return c, fmt.Errorf("convergence window must be >= 0")
	}
	if c.ConvergenceWindow == 0 {
		c.ConvergenceWindow = defaultConvergenceWindow
	}
	if c.Parallelism < 0 {
		return c, fmt.Errorf("parallelism must be >= 0")
	}
	if c.Parallelism == 0 {
		c.Parallelism = 1
	}
	if c.BatchSize < 0 {
		return c, fmt.Errorf("batch size must be >= 0")
	}
	if c.BatchSize == 0 {
		c.BatchSize = max(c.Parallelism, minBatchSize)
	}
	if c.EvaluationTimeout < 0 {
		return c, fmt.Errorf("evaluation timeout must be >= 0")
	}
	if math.IsNaN(c.MaxFailureFraction) || c.MaxFailureFraction < 0 || c.MaxFailureFraction > 1 {
		return c, fmt.Errorf("max failure fraction must be in [0,1]")
	}
	if c.MaxFailureFraction == 0 {
		c.MaxFailureFraction = 1
	}
	if err := c.Objective.Validate(); err != nil {
		return c, err
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Search.Seed == 0 {
		c.Search.Seed = c.RandomSeed
	}
	c.Search.Budget = c.MaxEvaluations
	return c, nil
}

// RoundStats summarizes one Sampling/Evaluating/Updating round.
type RoundStats struct {
	Round     int `json:"round"`
	Proposed  int `json:"proposed"`
	Evaluated int `json:"evaluated"`
	Failures  int `json:"failures"`
	Skipped   int `json:"skipped"`
	// BestObjective is the best objective recorded so far; meaningful only
	// when HasBest is set.
	BestObjective float64 `json:"best_objective"`
	HasBest       bool    `json:"has_best"`
}

// Result is the outcome of a run. Store holds every successful evaluation.
type Result struct {
	Best        results.Record
	HasBest     bool
	Iterations  int
	Evaluations int
	Failures    int
	Skipped     int
	Proposed    int
	Termination Termination
	History     []RoundStats
	Elapsed     time.Duration
	Store       *results.Store
}

// Optimizer runs one optimization. It is the single writer of the search
// state and of the result store.
type Optimizer struct {
	cfg      Config
	log      *slog.Logger
	state    atomic.Int32
	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) (*Optimizer, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Optimizer{
		cfg:  cfg,
		log:  cfg.Logger,
		stop: make(chan struct{}),
	}, nil
}

// Config returns the options with defaults applied.
func (o *Optimizer) Config() Config { return o.cfg }

func (o *Optimizer) State() State { return State(o.state.Load()) }

// Stop asks a running optimization to finish. Evaluations already started
// drain and are recorded; no new ones start. Stop is idempotent.
func (o *Optimizer) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
}

func (o *Optimizer) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-o.stop:
		return true
	default:
		return false
	}
}

func (o *Optimizer) setState(s State) {
	prev := State(o.state.Swap(int32(s)))
	if prev != s {
		o.log.Debug("optimizer state", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// candidate is one proposed point moving through a round.
type candidate struct {
	index       int
	point       []float64
	params      params.Parameters
	fingerprint string
	seed        uint64

	duplicate bool
	started   bool
	metrics   evaluator.Metrics
	err       error
	duration  time.Duration
}

func (c *candidate) failed() bool { return c.err != nil }

// Optimize searches the parameter space of topo within bounds. Topology,
// bounds and configuration errors are returned before any evaluation.
// Failed, cancelled and exhausted runs are reported through
// Result.Termination with a nil error.
func (o *Optimizer) Optimize(ctx context.Context, topo *topology.Topology, bounds params.Bounds, eval evaluator.Evaluator) (Result, error) {
	if !o.started.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyStarted
	}
	if topo == nil {
		return Result{}, &topology.InvalidTopologyError{Reason: "topology is required"}
	}
	if eval == nil {
		return Result{}, fmt.Errorf("evaluator is required")
	}
	o.setState(StateInitializing)
	space, err := params.NewSearchSpace(topo, bounds)
	if err != nil {
		o.setState(StateFailed)
		return Result{}, fmt.Errorf("build search space: %w", err)
	}
	strategy, err := search.New(o.cfg.Strategy, space, o.cfg.Search)
	if err != nil {
		o.setState(StateFailed)
		return Result{}, fmt.Errorf("build search strategy: %w", err)
	}

	eval = evaluator.WithTimeout(evaluator.CachedEvaluator{Inner: eval, Cache: o.cfg.Cache}, o.cfg.EvaluationTimeout)
	run := &run{
		opt:      o,
		topo:     topo,
		bounds:   bounds,
		space:    space,
		strategy: strategy,
		eval:     eval,
		store:    results.NewStore(),
	}

	start := time.Now()
	o.log.Info("optimization started",
		slog.String("topology", topo.Name()),
		slog.String("strategy", strategy.Name()),
		slog.String("evaluator", eval.Name()),
		slog.String("objective", o.cfg.Objective.Name()),
		slog.Int("dimensions", space.Dim()),
		slog.Int("budget", o.cfg.MaxEvaluations),
		slog.Int("parallelism", o.cfg.Parallelism),
		slog.Uint64("seed", o.cfg.RandomSeed),
	)

	term := run.loop(ctx)
	o.setState(term.State())

	res := run.result(term)
	res.Elapsed = time.Since(start)
	attrs := []any{
		slog.String("termination", string(term)),
		slog.Int("rounds", res.Iterations),
		slog.Int("evaluations", res.Evaluations),
		slog.Int("failures", res.Failures),
		slog.Int("skipped", res.Skipped),
		slog.Duration("duration", res.Elapsed),
	}
	if res.HasBest {
		attrs = append(attrs,
			slog.Float64("best_objective", res.Best.Metrics.Objective),
			slog.String("best_fingerprint", res.Best.Fingerprint),
		)
	}
	o.log.Info("optimization finished", attrs...)
	return res, nil
}

type run struct {
	opt      *Optimizer
	topo     *topology.Topology
	bounds   params.Bounds
	space    *params.SearchSpace
	strategy search.Strategy
	eval     evaluator.Evaluator
	store    *results.Store

	proposed    int
	evaluations int
	failures    int
	skipped     int
	history     []RoundStats
}

func (r *run) loop(ctx context.Context) Termination {
	cfg := r.opt.cfg
	for round := 1; ; round++ {
		if r.opt.stopped(ctx) {
			return TerminationCancelled
		}
		remaining := cfg.MaxEvaluations - r.proposed
		if remaining <= 0 {
			return TerminationBudgetExhausted
		}

		r.opt.setState(StateSampling)
		points := r.strategy.Propose(min(cfg.BatchSize, remaining))
		if len(points) == 0 {
			return TerminationSearchSpaceExhausted
		}
		batch, err := r.sample(points)
		if err != nil {
			r.opt.log.Error("sampling failed", slog.Int("round", round), slog.String("error", err.Error()))
			return TerminationFailed
		}

		r.opt.setState(StateEvaluating)
		r.evaluate(ctx, batch)

		r.opt.setState(StateUpdating)
		stats := r.update(round, batch)
		r.history = append(r.history, stats)
		cfg.Metrics.RoundCompleted()

		attempted := stats.Evaluated + stats.Failures
		switch {
		case r.opt.stopped(ctx):
			return TerminationCancelled
		case attempted > 0 && stats.Failures == attempted:
			r.opt.log.Warn("every candidate of the round failed", slog.Int("round", round), slog.Int("failures", stats.Failures))
			return TerminationFailed
		case attempted > 0 && cfg.MaxFailureFraction < 1 && float64(stats.Failures)/float64(attempted) > cfg.MaxFailureFraction:
			r.opt.log.Warn("round failure fraction exceeded",
				slog.Int("round", round),
				slog.Int("failures", stats.Failures),
				slog.Int("attempted", attempted),
				slog.Float64("max_failure_fraction", cfg.MaxFailureFraction),
			)
			return TerminationFailed
		case r.converged():
			return TerminationConverged
		}
	}
}

// sample decodes and validates a proposed batch and assigns evaluation
// indices and seeds. Out-of-bounds candidates are marked failed; candidates
// already in the store or repeated within the batch are marked duplicate.
func (r *run) sample(points [][]float64) ([]*candidate, error) {
	batch := make([]*candidate, 0, len(points))
	seen := make(map[string]struct{}, len(points))
	for _, x := range points {
		p, err := r.space.Decode(x)
		if err != nil {
			return nil, err
		}
		c := &candidate{
			index:       r.proposed,
			point:       x,
			params:      p,
			fingerprint: p.Fingerprint(),
			seed:        evaluationSeed(r.opt.cfg.RandomSeed, r.proposed),
		}
		r.proposed++
		if err := p.Validate(r.topo, r.bounds); err != nil {
			c.err = err
		} else if _, dup := seen[c.fingerprint]; dup || r.store.Contains(c.fingerprint) {
			c.duplicate = true
		}
		seen[c.fingerprint] = struct{}{}
		batch = append(batch, c)
	}
	return batch, nil
}

// evaluate runs the pending candidates of a batch on a pool bounded by
// Parallelism. Evaluations run detached from ctx so cancellation lets the
// ones already started finish; candidates not yet started when the run is
// stopped are left unstarted.
func (r *run) evaluate(ctx context.Context, batch []*candidate) {
	g := new(errgroup.Group)
	g.SetLimit(r.opt.cfg.Parallelism)
	detached := context.WithoutCancel(ctx)
	for _, c := range batch {
		if c.duplicate || c.failed() {
			continue
		}
		if r.opt.stopped(ctx) {
			break
		}
		g.Go(func() error {
			if r.opt.stopped(ctx) {
				return nil
			}
			c.started = true
			start := time.Now()
			c.metrics, c.err = r.eval.Evaluate(detached, r.topo, c.params, c.seed)
			c.duration = time.Since(start)
			return nil
		})
	}
	_ = g.Wait()
}

// update applies a batch in index order: successes go to the store, every
// processed candidate is reported to the strategy.
func (r *run) update(round int, batch []*candidate) RoundStats {
	cfg := r.opt.cfg
	stats := RoundStats{Round: round}
	obs := make([]search.Observation, 0, len(batch))
	for _, c := range batch {
		switch {
		case c.duplicate:
			stats.Skipped++
			o := search.Observation{Point: c.point, Failed: true}
			if rec, ok := r.store.Lookup(c.fingerprint); ok {
				o = search.Observation{Point: c.point, Objective: rec.Metrics.Objective}
			}
			obs = append(obs, o)
			cfg.Metrics.ObserveEvaluation(telemetry.OutcomeDuplicate, 0)

		case !c.started && c.failed():
			stats.Failures++
			obs = append(obs, search.Observation{Point: c.point, Failed: true})
			cfg.Metrics.ObserveEvaluation(telemetry.OutcomeOutOfBounds, 0)
			r.opt.log.Warn("candidate rejected",
				slog.Int("index", c.index),
				slog.String("fingerprint", c.fingerprint),
				slog.String("error", c.err.Error()),
			)

		case !c.started:
			// Stopped before it ran; not part of the run.

		case c.failed():
			stats.Failures++
			obs = append(obs, search.Observation{Point: c.point, Failed: true})
			outcome := telemetry.OutcomeError
			if evaluator.IsTimeout(c.err) {
				outcome = telemetry.OutcomeTimeout
			}
			cfg.Metrics.ObserveEvaluation(outcome, c.duration)
			r.opt.log.Warn("evaluation failed",
				slog.Int("index", c.index),
				slog.String("fingerprint", c.fingerprint),
				slog.String("outcome", outcome),
				slog.String("error", c.err.Error()),
			)

		default:
			m := c.metrics
			m.Objective = cfg.Objective.Score(m)
			r.store.Record(c.params, m, c.seed, c.duration)
			stats.Evaluated++
			obs = append(obs, search.Observation{Point: c.point, Objective: m.Objective})
			cfg.Metrics.ObserveEvaluation(telemetry.OutcomeSuccess, c.duration)
		}
		stats.Proposed++
	}
	if len(obs) > 0 {
		r.strategy.Observe(obs)
	}

	r.evaluations += stats.Evaluated
	r.failures += stats.Failures
	r.skipped += stats.Skipped
	if best, ok := r.store.Best(); ok {
		stats.BestObjective = best.Metrics.Objective
		stats.HasBest = true
		cfg.Metrics.SetBest(best.Metrics.Objective)
	}
	r.opt.log.Debug("round completed",
		slog.Int("round", round),
		slog.Int("evaluated", stats.Evaluated),
		slog.Int("failures", stats.Failures),
		slog.Int("skipped", stats.Skipped),
		slog.Float64("best_objective", stats.BestObjective),
	)
	return stats
}

// converged reports whether the best objective improved by at most the
// tolerance over the last ConvergenceWindow rounds that had a best.
func (r *run) converged() bool {
	cfg := r.opt.cfg
	if cfg.ConvergenceTolerance <= 0 {
		return false
	}
	bests := make([]float64, 0, len(r.history))
	for _, h := range r.history {
		if h.HasBest {
			bests = append(bests, h.BestObjective)
		}
	}
	last := len(bests) - 1
	if last < cfg.ConvergenceWindow {
		return false
	}
	return bests[last]-bests[last-cfg.ConvergenceWindow] <= cfg.ConvergenceTolerance
}

func (r *run) result(term Termination) Result {
	res := Result{
		Iterations:  len(r.history),
		Evaluations: r.evaluations,
		Failures:    r.failures,
		Skipped:     r.skipped,
		Proposed:    r.proposed,
		Termination: term,
		History:     append([]RoundStats(nil), r.history...),
		Store:       r.store,
	}
	res.Best, res.HasBest = r.store.Best()
	return res
}

// evaluationSeed derives the seed of evaluation index i from the run seed.
func evaluationSeed(runSeed uint64, i int) uint64 {
	return splitmix64(runSeed + uint64(i)*0x9e3779b97f4a7c15)
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
