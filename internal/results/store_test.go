package results

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdopt/internal/evaluator"
	"cdopt/internal/params"
)

func p(rate float64) params.Parameters {
	return params.Parameters{Rates: map[string]float64{"l1": rate}}
}

func m(objective float64) evaluator.Metrics {
	return evaluator.Metrics{Rate: objective, Fidelity: 1, Objective: objective}
}

func TestRecordIsIdempotentPerFingerprint(t *testing.T) {
	s := NewStore()
	first, added := s.Record(p(10), m(1), 1, 0)
	require.True(t, added)

	again, added := s.Record(p(10), m(99), 2, 0)
	require.False(t, added)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, s.Len())

	best, ok := s.Best()
	require.True(t, ok)
	assert.Equal(t, 1.0, best.Metrics.Objective, "the first evaluation is kept")
	assert.Equal(t, uint64(1), best.Seed)
}

func TestBestPrefersEarliestOnTies(t *testing.T) {
	s := NewStore()
	_, ok := s.Best()
	require.False(t, ok)

	s.Record(p(1), m(2), 0, 0)
	s.Record(p(2), m(5), 0, 0)
	s.Record(p(3), m(5), 0, 0)
	s.Record(p(4), evaluator.Metrics{Objective: math.NaN()}, 0, 0)
	s.Record(p(5), m(4), 0, 0)

	best, ok := s.Best()
	require.True(t, ok)
	assert.Equal(t, 1, best.Index)
	assert.Equal(t, 2.0, best.Parameters.Rates["l1"])
}

func TestAllIsLazyAndRestartable(t *testing.T) {
	s := NewStore()
	for i := range 5 {
		s.Record(p(float64(i)), m(float64(i)), uint64(i), 0)
	}

	var seen []int
	for rec := range s.All() {
		seen = append(seen, rec.Index)
		if rec.Index == 2 {
			break
		}
	}
	assert.Equal(t, []int{0, 1, 2}, seen)

	seen = seen[:0]
	for rec := range s.All() {
		seen = append(seen, rec.Index)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)

	seq := s.All()
	s.Record(p(100), m(0), 0, 0)
	count := 0
	for range seq {
		count++
	}
	assert.Equal(t, 6, count)
}

func TestRecordsAreCopies(t *testing.T) {
	s := NewStore()
	in := p(3)
	rec, _ := s.Record(in, m(1), 0, 0)
	in.Rates["l1"] = 42
	rec.Parameters.Rates["l1"] = 43

	stored, ok := s.Lookup(rec.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, 3.0, stored.Parameters.Rates["l1"])
	assert.True(t, s.Contains(rec.Fingerprint))
	assert.False(t, s.Contains("missing"))
}

func TestConcurrentReadersWithSingleWriter(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for rec := range s.All() {
					_ = rec.Fingerprint
				}
				s.Best()
			}
		}()
	}
	for i := range 200 {
		s.Record(p(float64(i)), m(float64(i)), 0, 0)
	}
	close(stop)
	wg.Wait()

	best, ok := s.Best()
	require.True(t, ok)
	assert.Equal(t, 199, best.Index)
}
