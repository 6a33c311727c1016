// Package model holds the persisted forms of optimization runs.
package model

import (
	"time"

	"cdopt/internal/evaluator"
	"cdopt/internal/params"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// RunRecord is the summary of one finished optimization run.
type RunRecord struct {
	VersionedRecord
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Topology    string    `json:"topology"`
	Strategy    string    `json:"strategy"`
	Evaluator   string    `json:"evaluator"`
	Objective   string    `json:"objective"`
	Seed        uint64    `json:"seed"`
	Termination string    `json:"termination"`
	Iterations  int       `json:"iterations"`
	Proposed    int       `json:"proposed"`
	Evaluations int       `json:"evaluations"`
	Failures    int       `json:"failures"`
	Skipped     int       `json:"skipped"`
	ElapsedMS   int64     `json:"elapsed_ms"`
	// Best is nil when no candidate was evaluated successfully.
	Best    *EvaluationRecord `json:"best,omitempty"`
	History []RoundRecord     `json:"history,omitempty"`
}

// RoundRecord is the per-round progress of a run.
type RoundRecord struct {
	Round         int     `json:"round"`
	Proposed      int     `json:"proposed"`
	Evaluated     int     `json:"evaluated"`
	Failures      int     `json:"failures"`
	Skipped       int     `json:"skipped"`
	BestObjective float64 `json:"best_objective"`
	HasBest       bool    `json:"has_best"`
}

// EvaluationRecord is one successful evaluation of a run.
type EvaluationRecord struct {
	VersionedRecord
	Index       int               `json:"index"`
	Fingerprint string            `json:"fingerprint"`
	Parameters  params.Parameters `json:"parameters"`
	Metrics     evaluator.Metrics `json:"metrics"`
	Seed        uint64            `json:"seed"`
	DurationUS  int64             `json:"duration_us"`
}
