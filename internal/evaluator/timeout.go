package evaluator

import (
	"context"
	"errors"
	"time"

	"cdopt/internal/params"
	"cdopt/internal/topology"
)

type timeoutEvaluator struct {
	inner   Evaluator
	timeout time.Duration
}

// WithTimeout bounds every evaluation of ev by d. An evaluation still running
// after d is abandoned with *EvaluationTimeoutError and its context is
// cancelled. A non-positive d returns ev unchanged.
func WithTimeout(ev Evaluator, d time.Duration) Evaluator {
	if d <= 0 {
		return ev
	}
	return timeoutEvaluator{inner: ev, timeout: d}
}

func (e timeoutEvaluator) Name() string { return e.inner.Name() }

type evalOutcome struct {
	metrics Metrics
	err     error
}

func (e timeoutEvaluator) Evaluate(ctx context.Context, topo *topology.Topology, p params.Parameters, seed uint64) (Metrics, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan evalOutcome, 1)
	go func() {
		m, err := e.inner.Evaluate(ctx, topo, p, seed)
		done <- evalOutcome{metrics: m, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Metrics{}, &EvaluationTimeoutError{Evaluator: e.inner.Name(), Timeout: e.timeout}
		}
		return out.metrics, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Metrics{}, &EvaluationTimeoutError{Evaluator: e.inner.Name(), Timeout: e.timeout}
		}
		return Metrics{}, ctx.Err()
	}
}
