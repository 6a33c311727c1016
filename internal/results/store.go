package results

import (
	"iter"
	"math"
	"sync"
	"time"

	"cdopt/internal/evaluator"
	"cdopt/internal/params"
)

// Record is one stored evaluation. Index is the insertion position.
type Record struct {
	Index       int               `json:"index"`
	Fingerprint string            `json:"fingerprint"`
	Parameters  params.Parameters `json:"parameters"`
	Metrics     evaluator.Metrics `json:"metrics"`
	Seed        uint64            `json:"seed"`
	Duration    time.Duration     `json:"duration_ns"`
}

func (r Record) clone() Record {
	r.Parameters = r.Parameters.Clone()
	return r
}

// Store keeps the evaluations of one run, deduplicated by parameter
// fingerprint. It has a single writer; reads may happen concurrently.
type Store struct {
	mu      sync.RWMutex
	records []Record
	byFP    map[string]int
	best    int
}

func NewStore() *Store {
	return &Store{byFP: make(map[string]int), best: -1}
}

// Record appends an evaluation. When the fingerprint is already present the
// first record is kept and returned with false.
func (s *Store) Record(p params.Parameters, m evaluator.Metrics, seed uint64, d time.Duration) (Record, bool) {
	fp := p.Fingerprint()

	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.byFP[fp]; ok {
		return s.records[i].clone(), false
	}
	rec := Record{
		Index:       len(s.records),
		Fingerprint: fp,
		Parameters:  p.Clone(),
		Metrics:     m,
		Seed:        seed,
		Duration:    d,
	}
	s.records = append(s.records, rec)
	s.byFP[fp] = rec.Index
	if !math.IsNaN(m.Objective) && (s.best < 0 || m.Objective > s.records[s.best].Metrics.Objective) {
		s.best = rec.Index
	}
	return rec.clone(), true
}

// Best returns the record with the highest objective, the earliest one on
// ties. Records with a NaN objective never win.
func (s *Store) Best() (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.best < 0 {
		return Record{}, false
	}
	return s.records[s.best].clone(), true
}

func (s *Store) Lookup(fingerprint string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byFP[fingerprint]
	if !ok {
		return Record{}, false
	}
	return s.records[i].clone(), true
}

func (s *Store) Contains(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byFP[fingerprint]
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// All yields records in insertion order. The sequence is lazy: each step
// reads the store afresh, so ranging over it again starts from the first
// record and sees anything appended since.
func (s *Store) All() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for i := 0; ; i++ {
			s.mu.RLock()
			if i >= len(s.records) {
				s.mu.RUnlock()
				return
			}
			rec := s.records[i].clone()
			s.mu.RUnlock()

			if !yield(rec) {
				return
			}
		}
	}
}
