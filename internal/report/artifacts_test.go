package report

import (
	"encoding/csv"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdopt/internal/config"
	"cdopt/internal/evaluator"
	"cdopt/internal/model"
	"cdopt/internal/params"
)

func sampleArtifacts(runID string, created time.Time) RunArtifacts {
	best := model.EvaluationRecord{
		Index:       1,
		Fingerprint: "fp-b",
		Parameters:  params.Parameters{Rates: map[string]float64{"l1": 900, "l2": 800}},
		Metrics:     evaluator.Metrics{Rate: 300, Fidelity: 0.95, Objective: 285, SuccessProbability: 0.5, Latency: 1.0 / 300},
		Seed:        7,
		DurationUS:  12,
	}
	undelivered := model.EvaluationRecord{
		Index:       0,
		Fingerprint: "fp-a",
		Parameters:  params.Parameters{Rates: map[string]float64{"l1": 0, "l2": 800}},
		Metrics:     evaluator.Undelivered(),
		Seed:        3,
	}
	return RunArtifacts{
		Config: config.RunConfig{
			Topology: config.TopologyConfig{Chain: &config.ChainConfig{LengthsKm: []float64{10, 15}, AttenuationDBPerKm: 0.2}},
			Optimizer: config.OptimizerConfig{
				Strategy:       "random",
				MaxEvaluations: 8,
				Seed:           42,
			},
		},
		Run: model.RunRecord{
			ID:          runID,
			CreatedAt:   created,
			Topology:    "chain",
			Strategy:    "random",
			Evaluator:   "analytic",
			Objective:   "rate_fidelity",
			Seed:        42,
			Termination: "budget_exhausted",
			Iterations:  2,
			Proposed:    8,
			Evaluations: 2,
			Failures:    6,
			Best:        &best,
			History: []model.RoundRecord{
				{Round: 1, Proposed: 4, Evaluated: 1, Failures: 3},
				{Round: 2, Proposed: 4, Evaluated: 1, Failures: 3, BestObjective: 285, HasBest: true},
			},
		},
		Evaluations: []model.EvaluationRecord{undelivered, best},
	}
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	runDir, err := WriteRunArtifacts(baseDir, sampleArtifacts("run-123", created))
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	for _, file := range artifactFiles {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(runDir, "config.json"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg config.RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.RunID != "run-123" {
		t.Fatalf("expected config run id to be filled, got %q", cfg.RunID)
	}
	if cfg.Topology.Chain == nil || len(cfg.Topology.Chain.LengthsKm) != 2 {
		t.Fatalf("unexpected chain config: %+v", cfg.Topology.Chain)
	}

	run, ok, err := ReadRunResult(baseDir, "run-123")
	if err != nil || !ok {
		t.Fatalf("read result: ok=%t err=%v", ok, err)
	}
	if run.Best == nil || run.Best.Metrics.Objective != 285 {
		t.Fatalf("unexpected best: %+v", run.Best)
	}

	exportedDir, err := ExportRunArtifacts(baseDir, "run-123", outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range artifactFiles {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}
}

func TestEvaluationsCSVLeavesUndefinedValuesEmpty(t *testing.T) {
	baseDir := t.TempDir()
	runDir, err := WriteRunArtifacts(baseDir, sampleArtifacts("run-csv", time.Now()))
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	file, err := os.Open(filepath.Join(runDir, "evaluations.csv"))
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(rows))
	}
	if rows[0][4] != "fidelity" || rows[0][6] != "latency_s" {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	if rows[1][4] != "" || rows[1][6] != "" {
		t.Fatalf("expected empty fidelity and latency for undelivered row, got %v", rows[1])
	}
	if rows[2][1] != "fp-b" || rows[2][2] != "285" || rows[2][4] != "0.95" {
		t.Fatalf("unexpected best row: %v", rows[2])
	}
}

func TestHistoryBestSeries(t *testing.T) {
	baseDir := t.TempDir()
	if _, err := WriteRunArtifacts(baseDir, sampleArtifacts("run-hist", time.Now())); err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	series, ok, err := ReadHistoryBest(baseDir, "run-hist")
	if err != nil || !ok {
		t.Fatalf("read history: ok=%t err=%v", ok, err)
	}
	if len(series) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(series))
	}
	if !math.IsNaN(series[0]) || series[1] != 285 {
		t.Fatalf("unexpected series: %v", series)
	}

	if _, ok, err := ReadHistoryBest(baseDir, "missing"); err != nil || ok {
		t.Fatalf("expected missing history to be absent: ok=%t err=%v", ok, err)
	}
}

func TestRunIndexOrdersNewestFirstAndReplaces(t *testing.T) {
	baseDir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if _, err := WriteRunArtifacts(baseDir, sampleArtifacts(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}
	rewritten := sampleArtifacts("run-a", base.Add(10*time.Minute))
	rewritten.Run.Termination = "converged"
	if _, err := WriteRunArtifacts(baseDir, rewritten); err != nil {
		t.Fatalf("rewrite run-a: %v", err)
	}

	index, err := ReadRunIndex(baseDir)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if len(index) != 3 {
		t.Fatalf("expected 3 index entries, got %d", len(index))
	}
	want := []string{"run-a", "run-c", "run-b"}
	for i := range want {
		if index[i].RunID != want[i] {
			t.Fatalf("unexpected order at %d: got=%s want=%s", i, index[i].RunID, want[i])
		}
	}
	if index[0].Termination != "converged" || !index[0].HasBest || index[0].BestObjective != 285 {
		t.Fatalf("unexpected replaced entry: %+v", index[0])
	}
}

func TestRunIndexPrefersLaterEntriesOnTimestampTie(t *testing.T) {
	baseDir := t.TempDir()
	stamp := "2026-01-01T00:00:00Z"
	for _, id := range []string{"first", "second"} {
		if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: id, CreatedAtUTC: stamp}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	index, err := ReadRunIndex(baseDir)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if len(index) != 2 || index[0].RunID != "second" {
		t.Fatalf("unexpected tie order: %+v", index)
	}
}

func TestRunIndexMissingIsEmpty(t *testing.T) {
	index, err := ReadRunIndex(t.TempDir())
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if len(index) != 0 {
		t.Fatalf("expected empty index, got %d entries", len(index))
	}
}

func TestWriteRunArtifactsValidatesRunID(t *testing.T) {
	baseDir := t.TempDir()
	if _, err := WriteRunArtifacts(baseDir, sampleArtifacts(" ", time.Now())); err == nil {
		t.Fatal("expected error for empty run id")
	}
	mismatched := sampleArtifacts("run-x", time.Now())
	mismatched.Config.RunID = "run-y"
	if _, err := WriteRunArtifacts(baseDir, mismatched); err == nil {
		t.Fatal("expected error for mismatched config run id")
	}
	if _, err := ExportRunArtifacts(baseDir, "missing", t.TempDir()); err == nil {
		t.Fatal("expected error exporting unknown run")
	}
}
