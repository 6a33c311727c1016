// Package cdopt is the public entry point for running and inspecting
// parameter optimizations of continuous entanglement delivery protocols.
package cdopt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"cdopt/internal/config"
	"cdopt/internal/evaluator"
	"cdopt/internal/model"
	"cdopt/internal/optimizer"
	"cdopt/internal/params"
	"cdopt/internal/report"
	"cdopt/internal/results"
	"cdopt/internal/storage"
	"cdopt/internal/telemetry"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "cdopt.db"
	defaultRunsLimit    = 20
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *slog.Logger
	// Registerer receives the optimizer metrics; nil disables them.
	Registerer prometheus.Registerer
	// Evaluators resolves evaluator model names; the built-in models when nil.
	Evaluators *evaluator.Registry
}

type Client struct {
	store      storage.Store
	evaluators *evaluator.Registry
	metrics    *telemetry.Collectors
	log        *slog.Logger

	artifactsDir string
	exportsDir   string

	initMu      sync.Mutex
	initialized bool
}

type RunRequest struct {
	Config config.RunConfig
	// RunID overrides the config run id. A random id is used when both are
	// empty.
	RunID string
}

type RunSummary struct {
	RunID        string
	ArtifactsDir string
	Termination  optimizer.Termination
	// Best is nil when no candidate was evaluated successfully.
	Best        *model.EvaluationRecord
	Iterations  int
	Proposed    int
	Evaluations int
	Failures    int
	Skipped     int
	Elapsed     time.Duration
	History     []model.RoundRecord
}

type EvaluateRequest struct {
	Config     config.RunConfig
	Parameters params.Parameters
	// Seed drives stochastic evaluators; the config seed when zero.
	Seed uint64
}

type EvaluateSummary struct {
	Evaluator   string
	Objective   string
	Fingerprint string
	Metrics     evaluator.Metrics
	Duration    time.Duration
}

type RunItem struct {
	RunID         string
	CreatedAtUTC  string
	Topology      string
	Strategy      string
	Evaluator     string
	Seed          uint64
	Termination   string
	Evaluations   int
	BestObjective float64
	HasBest       bool
}

type RunDetail struct {
	Run model.RunRecord
	// Evaluations is empty when the run is only known from its artifacts.
	Evaluations  []model.EvaluationRecord
	ArtifactsDir string
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func NewClient(opts Options) (*Client, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	evaluators := opts.Evaluators
	if evaluators == nil {
		evaluators = evaluator.NewRegistry()
	}

	store, err := storage.NewStore(opts.StoreKind, dbPath)
	if err != nil {
		return nil, err
	}

	c := &Client{
		store:        store,
		evaluators:   evaluators,
		log:          logger,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}
	if opts.Registerer != nil {
		c.metrics = telemetry.New(opts.Registerer)
	}
	return c, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) ensureStore(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	c.initialized = true
	return nil
}

// Run optimizes the configured topology and persists the outcome. Failed and
// cancelled runs are persisted as well; the error is reserved for invalid
// configurations and persistence problems.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	cfg := req.Config
	if req.RunID != "" {
		cfg.RunID = req.RunID
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}

	topo, err := cfg.BuildTopology()
	if err != nil {
		return RunSummary{}, err
	}
	bounds, err := cfg.BuildBounds(topo)
	if err != nil {
		return RunSummary{}, err
	}
	ev, err := cfg.BuildEvaluator(c.evaluators)
	if err != nil {
		return RunSummary{}, err
	}
	if err := c.ensureStore(ctx); err != nil {
		return RunSummary{}, err
	}

	oc := cfg.OptimizerConfig()
	oc.Logger = c.log.With(slog.String("run_id", cfg.RunID))
	oc.Metrics = c.metrics
	if cfg.Evaluator.Cache {
		oc.Cache = evaluator.NewCache()
	}
	opt, err := optimizer.New(oc)
	if err != nil {
		return RunSummary{}, err
	}

	created := time.Now().UTC()
	res, err := opt.Optimize(ctx, topo, bounds, ev)
	if err != nil {
		return RunSummary{}, err
	}

	evaluations := evaluationRecords(res.Store)
	run := model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              cfg.RunID,
		CreatedAt:       created,
		Topology:        topo.Name(),
		Strategy:        opt.Config().Strategy,
		Evaluator:       ev.Name(),
		Objective:       cfg.Objective.Name(),
		Seed:            opt.Config().RandomSeed,
		Termination:     string(res.Termination),
		Iterations:      res.Iterations,
		Proposed:        res.Proposed,
		Evaluations:     res.Evaluations,
		Failures:        res.Failures,
		Skipped:         res.Skipped,
		ElapsedMS:       res.Elapsed.Milliseconds(),
		History:         roundRecords(res.History),
	}
	if res.HasBest {
		best := evaluationRecord(res.Best)
		run.Best = &best
	}

	// A cancelled run still keeps what it evaluated.
	persistCtx := context.WithoutCancel(ctx)
	if err := c.store.SaveRun(persistCtx, run); err != nil {
		return RunSummary{}, fmt.Errorf("save run: %w", err)
	}
	if err := c.store.SaveEvaluations(persistCtx, run.ID, evaluations); err != nil {
		return RunSummary{}, fmt.Errorf("save evaluations: %w", err)
	}
	runDir, err := report.WriteRunArtifacts(c.artifactsDir, report.RunArtifacts{
		Config:      cfg,
		Run:         run,
		Evaluations: evaluations,
	})
	if err != nil {
		return RunSummary{}, fmt.Errorf("write artifacts: %w", err)
	}

	return RunSummary{
		RunID:        run.ID,
		ArtifactsDir: filepath.Clean(runDir),
		Termination:  res.Termination,
		Best:         run.Best,
		Iterations:   res.Iterations,
		Proposed:     res.Proposed,
		Evaluations:  res.Evaluations,
		Failures:     res.Failures,
		Skipped:      res.Skipped,
		Elapsed:      res.Elapsed,
		History:      run.History,
	}, nil
}

// Evaluate scores a single parameter vector against the configured topology
// and bounds without running a search.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateSummary, error) {
	cfg := req.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return EvaluateSummary{}, err
	}
	topo, err := cfg.BuildTopology()
	if err != nil {
		return EvaluateSummary{}, err
	}
	bounds, err := cfg.BuildBounds(topo)
	if err != nil {
		return EvaluateSummary{}, err
	}
	if err := req.Parameters.Validate(topo, bounds); err != nil {
		return EvaluateSummary{}, err
	}
	ev, err := cfg.BuildEvaluator(c.evaluators)
	if err != nil {
		return EvaluateSummary{}, err
	}
	if ms := cfg.Optimizer.EvaluationTimeoutMS; ms > 0 {
		ev = evaluator.WithTimeout(ev, time.Duration(ms)*time.Millisecond)
	}

	seed := req.Seed
	if seed == 0 {
		seed = cfg.Optimizer.Seed
	}
	start := time.Now()
	m, err := ev.Evaluate(ctx, topo, req.Parameters, seed)
	if err != nil {
		return EvaluateSummary{}, err
	}
	m.Objective = cfg.Objective.Score(m)

	return EvaluateSummary{
		Evaluator:   ev.Name(),
		Objective:   cfg.Objective.Name(),
		Fingerprint: req.Parameters.Fingerprint(),
		Metrics:     m,
		Duration:    time.Since(start),
	}, nil
}

// Runs lists the runs known to the store or the artifacts index, newest
// first. A limit <= 0 selects the default.
func (c *Client) Runs(ctx context.Context, limit int) ([]RunItem, error) {
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}

	stored, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := report.ReadRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(stored))
	items := make([]RunItem, 0, len(stored)+len(entries))
	for _, run := range stored {
		seen[run.ID] = true
		item := RunItem{
			RunID:        run.ID,
			CreatedAtUTC: run.CreatedAt.UTC().Format(time.RFC3339Nano),
			Topology:     run.Topology,
			Strategy:     run.Strategy,
			Evaluator:    run.Evaluator,
			Seed:         run.Seed,
			Termination:  run.Termination,
			Evaluations:  run.Evaluations,
		}
		if run.Best != nil {
			item.HasBest = true
			item.BestObjective = run.Best.Metrics.Objective
		}
		items = append(items, item)
	}
	for _, e := range entries {
		if seen[e.RunID] {
			continue
		}
		items = append(items, RunItem{
			RunID:         e.RunID,
			CreatedAtUTC:  e.CreatedAtUTC,
			Topology:      e.Topology,
			Strategy:      e.Strategy,
			Evaluator:     e.Evaluator,
			Seed:          e.Seed,
			Termination:   e.Termination,
			Evaluations:   e.Evaluations,
			BestObjective: e.BestObjective,
			HasBest:       e.HasBest,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return createdAt(items[i]).After(createdAt(items[j]))
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func createdAt(item RunItem) time.Time {
	t, err := time.Parse(time.RFC3339Nano, item.CreatedAtUTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Show returns a run from the store, or from its artifacts when the store
// does not know it.
func (c *Client) Show(ctx context.Context, runID string) (RunDetail, error) {
	if runID == "" {
		return RunDetail{}, errors.New("show requires a run id")
	}
	if err := c.ensureStore(ctx); err != nil {
		return RunDetail{}, err
	}

	detail := RunDetail{ArtifactsDir: filepath.Join(c.artifactsDir, runID)}
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	if ok {
		detail.Run = run
		evaluations, _, err := c.store.GetEvaluations(ctx, runID)
		if err != nil {
			return RunDetail{}, err
		}
		detail.Evaluations = evaluations
		return detail, nil
	}

	run, ok, err = report.ReadRunResult(c.artifactsDir, runID)
	if err != nil {
		return RunDetail{}, err
	}
	if !ok {
		return RunDetail{}, fmt.Errorf("run not found: %s", runID)
	}
	detail.Run = run
	return detail, nil
}

// Delete removes a run from the store. Its artifacts are left on disk.
func (c *Client) Delete(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("delete requires a run id")
	}
	if err := c.ensureStore(ctx); err != nil {
		return err
	}
	return c.store.DeleteRun(ctx, runID)
}

// Reset drops every run from the store.
func (c *Client) Reset(ctx context.Context) error {
	if err := c.ensureStore(ctx); err != nil {
		return err
	}
	return c.store.Reset(ctx)
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := report.ReadRunIndex(c.artifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := report.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func evaluationRecords(store *results.Store) []model.EvaluationRecord {
	out := make([]model.EvaluationRecord, 0, store.Len())
	for rec := range store.All() {
		out = append(out, evaluationRecord(rec))
	}
	return out
}

func evaluationRecord(rec results.Record) model.EvaluationRecord {
	return model.EvaluationRecord{
		VersionedRecord: storage.CurrentVersion(),
		Index:           rec.Index,
		Fingerprint:     rec.Fingerprint,
		Parameters:      rec.Parameters,
		Metrics:         rec.Metrics,
		Seed:            rec.Seed,
		DurationUS:      rec.Duration.Microseconds(),
	}
}

func roundRecords(history []optimizer.RoundStats) []model.RoundRecord {
	out := make([]model.RoundRecord, 0, len(history))
	for _, r := range history {
		out = append(out, model.RoundRecord{
			Round:         r.Round,
			Proposed:      r.Proposed,
			Evaluated:     r.Evaluated,
			Failures:      r.Failures,
			Skipped:       r.Skipped,
			BestObjective: r.BestObjective,
			HasBest:       r.HasBest,
		})
	}
	return out
}
