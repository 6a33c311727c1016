// Package report writes the on-disk artifacts of finished optimization runs.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"cdopt/internal/config"
	"cdopt/internal/model"
)

const runIndexFile = "run_index.json"

// indexTimeLayout has fixed width so index timestamps sort as strings.
const indexTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var artifactFiles = []string{"config.json", "result.json", "evaluations.csv", "history.csv"}

// RunArtifacts is everything written for one run.
type RunArtifacts struct {
	Config      config.RunConfig
	Run         model.RunRecord
	Evaluations []model.EvaluationRecord
}

type RunIndexEntry struct {
	RunID         string  `json:"run_id"`
	Topology      string  `json:"topology"`
	Strategy      string  `json:"strategy"`
	Evaluator     string  `json:"evaluator"`
	Objective     string  `json:"objective"`
	Seed          uint64  `json:"seed"`
	Termination   string  `json:"termination"`
	Evaluations   int     `json:"evaluations"`
	BestObjective float64 `json:"best_objective"`
	HasBest       bool    `json:"has_best"`
	CreatedAtUTC  string  `json:"created_at_utc"`
}

// WriteRunArtifacts writes the artifacts into baseDir/<run id> and records
// the run in the index of baseDir. It returns the run directory.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	runID := strings.TrimSpace(artifacts.Run.ID)
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	if artifacts.Config.RunID == "" {
		artifacts.Config.RunID = runID
	}
	if artifacts.Config.RunID != runID {
		return "", fmt.Errorf("run config run id mismatch: got=%s want=%s", artifacts.Config.RunID, runID)
	}

	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "result.json"), artifacts.Run); err != nil {
		return "", err
	}
	if err := writeEvaluations(filepath.Join(runDir, "evaluations.csv"), artifacts.Evaluations); err != nil {
		return "", err
	}
	if err := writeHistory(filepath.Join(runDir, "history.csv"), artifacts.Run.History); err != nil {
		return "", err
	}
	if err := AppendRunIndex(baseDir, indexEntry(artifacts.Run)); err != nil {
		return "", err
	}
	return runDir, nil
}

func indexEntry(run model.RunRecord) RunIndexEntry {
	entry := RunIndexEntry{
		RunID:        run.ID,
		Topology:     run.Topology,
		Strategy:     run.Strategy,
		Evaluator:    run.Evaluator,
		Objective:    run.Objective,
		Seed:         run.Seed,
		Termination:  run.Termination,
		Evaluations:  run.Evaluations,
		CreatedAtUTC: run.CreatedAt.UTC().Format(indexTimeLayout),
	}
	if run.Best != nil {
		entry.HasBest = true
		entry.BestObjective = run.Best.Metrics.Objective
	}
	return entry
}

// AppendRunIndex adds entry to the index of baseDir, replacing an entry with
// the same run id.
func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ReadRunIndex(baseDir)
	if err != nil {
		return err
	}
	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}
	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ReadRunIndex returns the index entries newest first. A missing index is
// empty.
func ReadRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode run index: %w", err)
	}
	// Later appended entries win on equal timestamps.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAtUTC > entries[j].CreatedAtUTC
	})
	return entries, nil
}

// ReadRunResult loads result.json of a run. The bool is false when the run
// has no artifacts.
func ReadRunResult(baseDir, runID string) (model.RunRecord, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, "result.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run result: %w", err)
	}
	return run, true, nil
}

// ExportRunArtifacts copies the artifacts of runID into outDir/<run id>.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", fmt.Errorf("run id is required")
	}
	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}
	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	for _, file := range artifactFiles {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func writeEvaluations(path string, evals []model.EvaluationRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{
		"index", "fingerprint", "objective", "rate", "fidelity",
		"success_probability", "latency_s", "seed", "duration_us",
	}); err != nil {
		return err
	}
	for _, e := range evals {
		m := e.Metrics
		if err := writer.Write([]string{
			strconv.Itoa(e.Index),
			e.Fingerprint,
			formatFloat(m.Objective),
			formatFloat(m.Rate),
			formatFloat(m.Fidelity),
			formatFloat(m.SuccessProbability),
			formatFloat(m.Latency),
			strconv.FormatUint(e.Seed, 10),
			strconv.FormatInt(e.DurationUS, 10),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeHistory(path string, history []model.RoundRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"round", "proposed", "evaluated", "failures", "skipped", "best_objective"}); err != nil {
		return err
	}
	for _, r := range history {
		best := ""
		if r.HasBest {
			best = formatFloat(r.BestObjective)
		}
		if err := writer.Write([]string{
			strconv.Itoa(r.Round),
			strconv.Itoa(r.Proposed),
			strconv.Itoa(r.Evaluated),
			strconv.Itoa(r.Failures),
			strconv.Itoa(r.Skipped),
			best,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadHistoryBest returns the best objective column of history.csv. Rounds
// without a best read as NaN.
func ReadHistoryBest(baseDir, runID string) ([]float64, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, "history.csv"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	col := -1
	for i, name := range header {
		if name == "best_objective" {
			col = i
		}
	}
	if col < 0 {
		return nil, false, fmt.Errorf("history header has no best_objective column")
	}

	series := make([]float64, 0, 32)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if record[col] == "" {
			series = append(series, math.NaN())
			continue
		}
		v, err := strconv.ParseFloat(record[col], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, v)
	}
	return series, true, nil
}

// formatFloat leaves NaN and infinities empty.
func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
