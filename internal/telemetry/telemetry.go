// Package telemetry exposes optimizer run metrics as Prometheus collectors.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Evaluation outcomes used as the outcome label.
const (
	OutcomeSuccess     = "success"
	OutcomeDuplicate   = "duplicate"
	OutcomeOutOfBounds = "out_of_bounds"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
)

// Collectors groups the optimizer metrics. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	evaluations *prometheus.CounterVec
	duration    prometheus.Histogram
	best        prometheus.Gauge
	rounds      prometheus.Counter
}

// New registers the collectors on reg. A nil reg yields unregistered
// collectors, which is convenient in tests.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdopt_evaluations_total",
			Help: "Total candidate evaluations by outcome",
		}, []string{"outcome"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdopt_evaluation_duration_seconds",
			Help:    "Evaluation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 12), // 10us to ~40s
		}),
		best: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdopt_best_objective",
			Help: "Best objective found by the current run",
		}),
		rounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdopt_rounds_total",
			Help: "Total optimizer rounds completed",
		}),
	}
}

func (c *Collectors) ObserveEvaluation(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.evaluations.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeError || outcome == OutcomeTimeout {
		c.duration.Observe(d.Seconds())
	}
}

func (c *Collectors) SetBest(objective float64) {
	if c == nil {
		return
	}
	c.best.Set(objective)
}

func (c *Collectors) RoundCompleted() {
	if c == nil {
		return
	}
	c.rounds.Inc()
}
