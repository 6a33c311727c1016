package evaluator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrEvaluatorExists   = errors.New("evaluator already registered")
	ErrEvaluatorNotFound = errors.New("evaluator not found")
)

// Factory builds an evaluator scoring with the given objective.
type Factory func(obj Objective) Evaluator

// Registry maps evaluator names to factories. Each caller owns its own
// registry; NewRegistry comes preloaded with the built-in models.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	_ = r.Register(AnalyticName, func(obj Objective) Evaluator { return Analytic{Objective: obj} })
	_ = r.Register(MonteCarloName, func(obj Objective) Evaluator { return MonteCarlo{Objective: obj} })
	return r
}

func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return errors.New("evaluator name is required")
	}
	if f == nil {
		return errors.New("evaluator factory is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrEvaluatorExists, name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) Resolve(name string, obj Objective) (Evaluator, error) {
	if name == "" {
		name = AnalyticName
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEvaluatorNotFound, name)
	}
	return f(obj), nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
