package evaluator

import (
	"fmt"
	"math"
	"strings"
)

type ObjectiveKind string

const (
	ObjectiveSecretKeyRate ObjectiveKind = "secret_key_rate"
	ObjectiveRate          ObjectiveKind = "rate"
	ObjectiveRateFidelity  ObjectiveKind = "rate_fidelity"
)

// Objective turns rate and fidelity into the scalar being maximized. Every
// kind is non-decreasing in both rate and fidelity. The zero value scores
// the asymptotic BB84 secret key rate.
type Objective struct {
	Kind ObjectiveKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	// MinFidelity scores configurations delivering below it as 0.
	MinFidelity float64 `json:"min_fidelity,omitempty" yaml:"min_fidelity,omitempty"`
}

func ParseObjective(name string) (ObjectiveKind, error) {
	kind := ObjectiveKind(strings.ToLower(strings.TrimSpace(name)))
	switch kind {
	case "":
		return ObjectiveSecretKeyRate, nil
	case ObjectiveSecretKeyRate, ObjectiveRate, ObjectiveRateFidelity:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown objective: %s", name)
	}
}

func (o Objective) Validate() error {
	if _, err := ParseObjective(string(o.Kind)); err != nil {
		return err
	}
	if math.IsNaN(o.MinFidelity) || o.MinFidelity < 0 || o.MinFidelity > 1 {
		return fmt.Errorf("min fidelity must be in [0,1]")
	}
	return nil
}

func (o Objective) Name() string {
	if o.Kind == "" {
		return string(ObjectiveSecretKeyRate)
	}
	return string(o.Kind)
}

// Score computes the objective. Undelivered metrics score 0.
func (o Objective) Score(m Metrics) float64 {
	if m.Rate <= 0 || math.IsNaN(m.Rate) {
		return 0
	}
	if o.MinFidelity > 0 && (!m.HasFidelity() || m.Fidelity < o.MinFidelity) {
		return 0
	}
	switch o.Kind {
	case ObjectiveRate:
		return m.Rate
	case ObjectiveRateFidelity:
		if !m.HasFidelity() {
			return 0
		}
		return m.Rate * m.Fidelity
	default:
		if !m.HasFidelity() {
			return 0
		}
		return m.Rate * SecretFraction(m.Fidelity)
	}
}

// SecretFraction is the asymptotic BB84 key fraction 1-2h(e) of a Werner
// pair with fidelity f, where e = 2(1-f)/3 is the quantum bit error rate.
func SecretFraction(f float64) float64 {
	e := 2 * (1 - f) / 3
	return math.Max(0, 1-2*binaryEntropy(e))
}

func binaryEntropy(p float64) float64 {
	if p <= 0 || p >= 1 {
		return 0
	}
	return -p*math.Log2(p) - (1-p)*math.Log2(1-p)
}
