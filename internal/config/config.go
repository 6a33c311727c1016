// Package config loads and validates optimization run configurations from
// JSON or YAML files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"cdopt/internal/evaluator"
	"cdopt/internal/optimizer"
	"cdopt/internal/params"
	"cdopt/internal/search"
	"cdopt/internal/topology"
)

// Format is the encoding of a configuration document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var validate = validator.New()

// Default search ranges used when a config leaves them empty.
var (
	DefaultRateRange   = params.Range{Lo: 0, Hi: 1000}
	DefaultCutoffRange = params.Range{Lo: 0, Hi: 1}
)

// RunConfig is everything needed to start one optimization run.
type RunConfig struct {
	RunID     string              `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Topology  TopologyConfig      `json:"topology" yaml:"topology"`
	Bounds    BoundsConfig        `json:"bounds" yaml:"bounds"`
	Optimizer OptimizerConfig     `json:"optimizer" yaml:"optimizer"`
	Evaluator EvaluatorConfig     `json:"evaluator" yaml:"evaluator"`
	Objective evaluator.Objective `json:"objective" yaml:"objective"`
}

// TopologyConfig is a full network description, or a uniform repeater chain
// when Chain is set.
type TopologyConfig struct {
	topology.Description `yaml:",inline"`
	Chain                *ChainConfig `json:"chain,omitempty" yaml:"chain,omitempty"`
}

// ChainConfig describes a linear chain with identical hardware at every node
// and link.
type ChainConfig struct {
	LengthsKm          []float64 `json:"lengths_km" yaml:"lengths_km" validate:"required,min=1,dive,gt=0"`
	AttenuationDBPerKm float64   `json:"attenuation_db_per_km" yaml:"attenuation_db_per_km" validate:"gte=0"`
	InsertionLoss      float64   `json:"insertion_loss,omitempty" yaml:"insertion_loss,omitempty" validate:"gte=0,lte=1"`
	DetectorEfficiency float64   `json:"detector_efficiency,omitempty" yaml:"detector_efficiency,omitempty" validate:"gte=0,lte=1"`
	InitialFidelity    float64   `json:"initial_fidelity,omitempty" yaml:"initial_fidelity,omitempty" validate:"gte=0,lte=1"`
	CoherenceTimeS     float64   `json:"coherence_time_s,omitempty" yaml:"coherence_time_s,omitempty" validate:"gte=0"`
	SwapSuccessProb    float64   `json:"swap_success_prob,omitempty" yaml:"swap_success_prob,omitempty" validate:"gte=0,lte=1"`
	SwapQuality        float64   `json:"swap_quality,omitempty" yaml:"swap_quality,omitempty" validate:"gte=0,lte=1"`
}

type BoundsConfig struct {
	Rate         params.Range            `json:"rate" yaml:"rate"`
	Cutoff       params.Range            `json:"cutoff" yaml:"cutoff"`
	Rates        map[string]params.Range `json:"rates,omitempty" yaml:"rates,omitempty"`
	Cutoffs      map[string]params.Range `json:"cutoffs,omitempty" yaml:"cutoffs,omitempty"`
	MaxTotalRate float64                 `json:"max_total_rate,omitempty" yaml:"max_total_rate,omitempty" validate:"gte=0"`
	Policies     []string                `json:"policies,omitempty" yaml:"policies,omitempty" validate:"dive,oneof=left_to_right right_to_left nested adaptive explicit"`
}

type OptimizerConfig struct {
	Strategy             string       `json:"strategy,omitempty" yaml:"strategy,omitempty" validate:"omitempty,oneof=grid random bayesian evolutionary hillclimb"`
	MaxEvaluations       int          `json:"max_evaluations,omitempty" yaml:"max_evaluations,omitempty" validate:"gte=0"`
	ConvergenceTolerance float64      `json:"convergence_tolerance,omitempty" yaml:"convergence_tolerance,omitempty" validate:"gte=0"`
	ConvergenceWindow    int          `json:"convergence_window,omitempty" yaml:"convergence_window,omitempty" validate:"gte=0"`
	Parallelism          int          `json:"parallelism,omitempty" yaml:"parallelism,omitempty" validate:"gte=0,lte=1024"`
	BatchSize            int          `json:"batch_size,omitempty" yaml:"batch_size,omitempty" validate:"gte=0"`
	Seed                 uint64       `json:"seed,omitempty" yaml:"seed,omitempty"`
	EvaluationTimeoutMS  int64        `json:"evaluation_timeout_ms,omitempty" yaml:"evaluation_timeout_ms,omitempty" validate:"gte=0"`
	MaxFailureFraction   float64      `json:"max_failure_fraction,omitempty" yaml:"max_failure_fraction,omitempty" validate:"gte=0,lte=1"`
	Search               SearchConfig `json:"search,omitempty" yaml:"search,omitempty"`
}

// SearchConfig tunes the individual strategies. Zero values keep the
// strategy defaults.
type SearchConfig struct {
	GridLevels        int     `json:"grid_levels,omitempty" yaml:"grid_levels,omitempty" validate:"gte=0"`
	InitialPoints     int     `json:"initial_points,omitempty" yaml:"initial_points,omitempty" validate:"gte=0"`
	CandidatePool     int     `json:"candidate_pool,omitempty" yaml:"candidate_pool,omitempty" validate:"gte=0"`
	LengthScale       float64 `json:"length_scale,omitempty" yaml:"length_scale,omitempty" validate:"gte=0"`
	Exploration       float64 `json:"exploration,omitempty" yaml:"exploration,omitempty" validate:"gte=0"`
	PopulationSize    int     `json:"population_size,omitempty" yaml:"population_size,omitempty" validate:"gte=0"`
	TournamentSize    int     `json:"tournament_size,omitempty" yaml:"tournament_size,omitempty" validate:"gte=0"`
	CrossoverRate     float64 `json:"crossover_rate,omitempty" yaml:"crossover_rate,omitempty" validate:"gte=0,lte=1"`
	MutationRate      float64 `json:"mutation_rate,omitempty" yaml:"mutation_rate,omitempty" validate:"gte=0,lte=1"`
	MutationScale     float64 `json:"mutation_scale,omitempty" yaml:"mutation_scale,omitempty" validate:"gte=0"`
	AnnealingFactor   float64 `json:"annealing_factor,omitempty" yaml:"annealing_factor,omitempty" validate:"gte=0"`
	Steps             int     `json:"steps,omitempty" yaml:"steps,omitempty" validate:"gte=0"`
	StepSize          float64 `json:"step_size,omitempty" yaml:"step_size,omitempty" validate:"gte=0"`
	PerturbationRange float64 `json:"perturbation_range,omitempty" yaml:"perturbation_range,omitempty" validate:"gte=0"`
	MinImprovement    float64 `json:"min_improvement,omitempty" yaml:"min_improvement,omitempty" validate:"gte=0"`
}

type EvaluatorConfig struct {
	// Model names a registered evaluator; analytic when empty.
	Model       string  `json:"model,omitempty" yaml:"model,omitempty"`
	Samples     int     `json:"samples,omitempty" yaml:"samples,omitempty" validate:"gte=0"`
	MaxSimTimeS float64 `json:"max_sim_time_s,omitempty" yaml:"max_sim_time_s,omitempty" validate:"gte=0"`
	// Cache memoizes evaluations within the run.
	Cache bool `json:"cache,omitempty" yaml:"cache,omitempty"`
}

// FormatForPath picks the encoding from the file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported config extension %q (want .json, .yaml or .yml)", filepath.Ext(path))
	}
}

// Load reads, defaults and validates the run configuration at path.
func Load(path string) (RunConfig, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return RunConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, err
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return RunConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a run configuration.
func Parse(data []byte, format Format) (RunConfig, error) {
	var cfg RunConfig
	if err := decode(data, format, &cfg); err != nil {
		return RunConfig{}, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

func decode(data []byte, format Format, out any) error {
	switch format {
	case FormatYAML:
		return yaml.Unmarshal(data, out)
	case FormatJSON:
		return json.Unmarshal(data, out)
	default:
		return fmt.Errorf("unsupported config format: %s", format)
	}
}

// ApplyDefaults fills the empty search ranges and evaluator model.
func (c *RunConfig) ApplyDefaults() {
	if c.Bounds.Rate == (params.Range{}) {
		c.Bounds.Rate = DefaultRateRange
	}
	if c.Bounds.Cutoff == (params.Range{}) {
		c.Bounds.Cutoff = DefaultCutoffRange
	}
	if c.Evaluator.Model == "" {
		c.Evaluator.Model = evaluator.AnalyticName
	}
	if c.Optimizer.Strategy == "" {
		c.Optimizer.Strategy = search.NameRandom
	}
}

// Validate checks struct constraints, then builds the topology and bounds so
// domain errors surface before a run starts.
func (c RunConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			return fmt.Errorf("invalid config: %w", invalid)
		}
		return err
	}
	if err := c.Objective.Validate(); err != nil {
		return fmt.Errorf("invalid objective: %w", err)
	}
	topo, err := c.BuildTopology()
	if err != nil {
		return err
	}
	if _, err := c.BuildBounds(topo); err != nil {
		return err
	}
	return nil
}

// BuildTopology constructs the validated network.
func (c RunConfig) BuildTopology() (*topology.Topology, error) {
	return topology.New(c.Topology.Resolve())
}

// Resolve returns the description the topology is built from.
func (t TopologyConfig) Resolve() topology.Description {
	if t.Chain == nil {
		return t.Description
	}
	ch := t.Chain
	desc := topology.ChainDescription(t.Name, ch.LengthsKm, ch.AttenuationDBPerKm)
	for i := range desc.Nodes {
		desc.Nodes[i].CoherenceTimeS = ch.CoherenceTimeS
		desc.Nodes[i].SwapSuccessProb = ch.SwapSuccessProb
		desc.Nodes[i].SwapQuality = ch.SwapQuality
	}
	for i := range desc.Links {
		desc.Links[i].InsertionLoss = ch.InsertionLoss
		desc.Links[i].DetectorEfficiency = ch.DetectorEfficiency
		desc.Links[i].InitialFidelity = ch.InitialFidelity
	}
	if t.Source != "" {
		desc.Source = t.Source
	}
	if t.Target != "" {
		desc.Target = t.Target
	}
	return desc
}

// BuildBounds turns the configured ranges into search bounds for topo.
func (c RunConfig) BuildBounds(topo *topology.Topology) (params.Bounds, error) {
	b := params.UniformBounds(topo, c.Bounds.Rate, c.Bounds.Cutoff)
	for id, r := range c.Bounds.Rates {
		b.Rates[id] = r
	}
	for id, r := range c.Bounds.Cutoffs {
		b.Cutoffs[id] = r
	}
	b.MaxTotalRate = c.Bounds.MaxTotalRate
	for _, name := range c.Bounds.Policies {
		p, err := params.ParsePolicy(name)
		if err != nil {
			return params.Bounds{}, err
		}
		b.Policies = append(b.Policies, p)
	}
	if err := b.Validate(topo); err != nil {
		return params.Bounds{}, fmt.Errorf("invalid bounds: %w", err)
	}
	return b, nil
}

// BuildEvaluator resolves the configured model from reg. Monte-Carlo sample
// settings are applied on top of the registered defaults.
func (c RunConfig) BuildEvaluator(reg *evaluator.Registry) (evaluator.Evaluator, error) {
	if c.Evaluator.Model == evaluator.MonteCarloName {
		return evaluator.MonteCarlo{
			Samples:    c.Evaluator.Samples,
			MaxSimTime: c.Evaluator.MaxSimTimeS,
			Objective:  c.Objective,
		}, nil
	}
	return reg.Resolve(c.Evaluator.Model, c.Objective)
}

// OptimizerConfig maps the file options onto optimizer.Config. Logger,
// metrics and cache are left for the caller.
func (c RunConfig) OptimizerConfig() optimizer.Config {
	o := c.Optimizer
	s := o.Search
	return optimizer.Config{
		Strategy:             o.Strategy,
		MaxEvaluations:       o.MaxEvaluations,
		ConvergenceTolerance: o.ConvergenceTolerance,
		ConvergenceWindow:    o.ConvergenceWindow,
		Parallelism:          o.Parallelism,
		BatchSize:            o.BatchSize,
		RandomSeed:           o.Seed,
		EvaluationTimeout:    time.Duration(o.EvaluationTimeoutMS) * time.Millisecond,
		MaxFailureFraction:   o.MaxFailureFraction,
		Objective:            c.Objective,
		Search: search.Options{
			GridLevels:        s.GridLevels,
			InitialPoints:     s.InitialPoints,
			CandidatePool:     s.CandidatePool,
			LengthScale:       s.LengthScale,
			Exploration:       s.Exploration,
			PopulationSize:    s.PopulationSize,
			TournamentSize:    s.TournamentSize,
			CrossoverRate:     s.CrossoverRate,
			MutationRate:      s.MutationRate,
			MutationScale:     s.MutationScale,
			AnnealingFactor:   s.AnnealingFactor,
			Steps:             s.Steps,
			StepSize:          s.StepSize,
			PerturbationRange: s.PerturbationRange,
			MinImprovement:    s.MinImprovement,
		},
	}
}

// LoadParameters reads a single parameter vector, for example one to
// evaluate outside a run.
func LoadParameters(path string) (params.Parameters, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return params.Parameters{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return params.Parameters{}, err
	}
	var p params.Parameters
	if err := decode(data, format, &p); err != nil {
		return params.Parameters{}, fmt.Errorf("%s: %w", path, err)
	}
	if len(p.Rates) == 0 {
		return params.Parameters{}, fmt.Errorf("%s: parameters need at least one link rate", path)
	}
	return p, nil
}
