package storage

import (
	"encoding/json"
	"errors"
	"slices"

	"cdopt/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// CurrentVersion is the version stamp new records are written with.
func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	if run.Best != nil {
		if err := checkVersion(run.Best.VersionedRecord); err != nil {
			return model.RunRecord{}, err
		}
	}
	return run, nil
}

func EncodeEvaluations(records []model.EvaluationRecord) ([]byte, error) {
	return json.Marshal(records)
}

func DecodeEvaluations(data []byte) ([]model.EvaluationRecord, error) {
	var records []model.EvaluationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	for _, record := range records {
		if err := checkVersion(record.VersionedRecord); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

func cloneRun(r model.RunRecord) model.RunRecord {
	r.History = slices.Clone(r.History)
	if r.Best != nil {
		best := cloneEvaluation(*r.Best)
		r.Best = &best
	}
	return r
}

func cloneEvaluation(e model.EvaluationRecord) model.EvaluationRecord {
	e.Parameters = e.Parameters.Clone()
	return e
}

func cloneEvaluations(in []model.EvaluationRecord) []model.EvaluationRecord {
	out := make([]model.EvaluationRecord, len(in))
	for i, e := range in {
		out[i] = cloneEvaluation(e)
	}
	return out
}

// sortRuns orders runs newest first, by id on equal timestamps.
func sortRuns(runs []model.RunRecord) {
	slices.SortStableFunc(runs, func(a, b model.RunRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
