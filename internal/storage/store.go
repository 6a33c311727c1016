package storage

import (
	"context"

	"cdopt/internal/model"
)

// Store persists finished optimization runs and their evaluations.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	DeleteRun(ctx context.Context, id string) error
	SaveEvaluations(ctx context.Context, runID string, evaluations []model.EvaluationRecord) error
	GetEvaluations(ctx context.Context, runID string) ([]model.EvaluationRecord, bool, error)
	// Reset drops every stored run.
	Reset(ctx context.Context) error
}
