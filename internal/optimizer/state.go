package optimizer

// State is the optimizer lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateSampling
	StateEvaluating
	StateUpdating
	StateConverged
	StateBudgetExhausted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateSampling:
		return "sampling"
	case StateEvaluating:
		return "evaluating"
	case StateUpdating:
		return "updating"
	case StateConverged:
		return "converged"
	case StateBudgetExhausted:
		return "budget_exhausted"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s >= StateConverged
}

// Termination is the reason a run ended.
type Termination string

const (
	TerminationConverged       Termination = "converged"
	TerminationBudgetExhausted Termination = "budget_exhausted"
	TerminationFailed          Termination = "failed"
	TerminationCancelled       Termination = "cancelled"
	// TerminationSearchSpaceExhausted ends a run whose strategy has nothing
	// left to propose, such as a finished grid.
	TerminationSearchSpaceExhausted Termination = "search_space_exhausted"
)

// State maps a termination reason onto the terminal state. An exhausted
// search space ends in BudgetExhausted.
func (t Termination) State() State {
	switch t {
	case TerminationConverged:
		return StateConverged
	case TerminationFailed:
		return StateFailed
	case TerminationCancelled:
		return StateCancelled
	default:
		return StateBudgetExhausted
	}
}
