package storage

import (
	"time"

	"cdopt/internal/evaluator"
	"cdopt/internal/model"
	"cdopt/internal/params"
)

func sampleEvaluation(index int, objective float64) model.EvaluationRecord {
	return model.EvaluationRecord{
		VersionedRecord: CurrentVersion(),
		Index:           index,
		Fingerprint:     "fp-" + string(rune('a'+index)),
		Parameters: params.Parameters{
			Rates:   map[string]float64{"l1": 500, "l2": 750},
			Cutoffs: map[string]float64{"n1": 0.25},
			Policy:  params.PolicyLeftToRight,
		},
		Metrics: evaluator.Metrics{
			Rate:               objective,
			Fidelity:           0.97,
			Objective:          objective,
			SuccessProbability: 0.4,
			Latency:            1 / objective,
		},
		Seed:       uint64(index) + 11,
		DurationUS: 42,
	}
}

func sampleRun(id string, created time.Time) model.RunRecord {
	best := sampleEvaluation(1, 120)
	return model.RunRecord{
		VersionedRecord: CurrentVersion(),
		ID:              id,
		CreatedAt:       created,
		Topology:        "three-node",
		Strategy:        "random",
		Evaluator:       "analytic",
		Objective:       "secret_key_rate",
		Seed:            42,
		Termination:     "budget_exhausted",
		Iterations:      2,
		Proposed:        8,
		Evaluations:     7,
		Failures:        1,
		Best:            &best,
		History: []model.RoundRecord{
			{Round: 1, Proposed: 4, Evaluated: 3, Failures: 1, BestObjective: 100, HasBest: true},
			{Round: 2, Proposed: 4, Evaluated: 4, BestObjective: 120, HasBest: true},
		},
	}
}

func undeliveredEvaluation(index int) model.EvaluationRecord {
	e := sampleEvaluation(index, 0)
	e.Metrics = evaluator.Undelivered()
	e.Parameters.Rates["l1"] = 0
	return e
}

