package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"cdopt/internal/params"
	"cdopt/internal/topology"
)

// Evaluator scores one parameter vector on a topology. Implementations are
// pure and safe for concurrent use; the same seed yields the same metrics.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, topo *topology.Topology, p params.Parameters, seed uint64) (Metrics, error)
}

// Metrics is the performance of one evaluation. Fidelity is NaN when the
// protocol delivers nothing.
type Metrics struct {
	Rate     float64
	Fidelity float64
	// Objective is filled from the configured objective; see Objective.Score.
	Objective float64
	// SuccessProbability is the chance one attempt cycle of the swap schedule
	// ends in a delivered pair.
	SuccessProbability float64
	// Latency is the mean time between deliveries in seconds, +Inf at zero rate.
	Latency        float64
	FidelityStdErr float64
}

func (m Metrics) HasFidelity() bool {
	return !math.IsNaN(m.Fidelity)
}

// Undelivered is the metrics value for a configuration that never produces
// an end-to-end pair.
func Undelivered() Metrics {
	return Metrics{Fidelity: math.NaN(), Latency: math.Inf(1)}
}

type metricsJSON struct {
	Rate               float64  `json:"rate"`
	Fidelity           *float64 `json:"fidelity"`
	Objective          float64  `json:"objective"`
	SuccessProbability float64  `json:"success_probability"`
	Latency            *float64 `json:"latency_s"`
	FidelityStdErr     float64  `json:"fidelity_stderr,omitempty"`
}

// MarshalJSON writes NaN fidelity and infinite latency as null.
func (m Metrics) MarshalJSON() ([]byte, error) {
	out := metricsJSON{
		Rate:               m.Rate,
		Objective:          finiteOrZero(m.Objective),
		SuccessProbability: m.SuccessProbability,
		FidelityStdErr:     finiteOrZero(m.FidelityStdErr),
	}
	if m.HasFidelity() {
		f := m.Fidelity
		out.Fidelity = &f
	}
	if !math.IsInf(m.Latency, 0) && !math.IsNaN(m.Latency) {
		l := m.Latency
		out.Latency = &l
	}
	return json.Marshal(out)
}

func (m *Metrics) UnmarshalJSON(data []byte) error {
	var in metricsJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Metrics{
		Rate:               in.Rate,
		Fidelity:           math.NaN(),
		Objective:          in.Objective,
		SuccessProbability: in.SuccessProbability,
		Latency:            math.Inf(1),
		FidelityStdErr:     in.FidelityStdErr,
	}
	if in.Fidelity != nil {
		m.Fidelity = *in.Fidelity
	}
	if in.Latency != nil {
		m.Latency = *in.Latency
	}
	return nil
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// EvaluationError reports physically inconsistent intermediate results.
// Values are never clamped into range.
type EvaluationError struct {
	Evaluator string
	Quantity  string
	Value     float64
	Reason    string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("%s evaluation: %s=%v: %s", e.Evaluator, e.Quantity, e.Value, e.Reason)
}

// EvaluationTimeoutError reports an evaluation abandoned after its time limit.
type EvaluationTimeoutError struct {
	Evaluator string
	Timeout   time.Duration
}

func (e *EvaluationTimeoutError) Error() string {
	return fmt.Sprintf("%s evaluation timed out after %s", e.Evaluator, e.Timeout)
}

func IsEvaluationError(err error) bool {
	var target *EvaluationError
	return errors.As(err, &target)
}

func IsTimeout(err error) bool {
	var target *EvaluationTimeoutError
	return errors.As(err, &target)
}
