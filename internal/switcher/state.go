package switcher

import "fmt"

// State represents the phase of an experiment switch for one namespace.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateAuthorizing
	StateWriting
	StateCommitted
	StateRollingBack
	StateInconsistent
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateValidating:
		return "Validating"
	case StateAuthorizing:
		return "Authorizing"
	case StateWriting:
		return "Writing"
	case StateCommitted:
		return "Committed"
	case StateRollingBack:
		return "RollingBack"
	case StateInconsistent:
		return "Inconsistent"
	default:
		return "Unknown"
	}
}

// validNext enumerates the allowed transitions. Inconsistent is terminal
// except for the explicit external repair path back to Idle.
var validNext = map[State][]State{
	StateIdle:         {StateValidating},
	StateValidating:   {StateAuthorizing, StateIdle},
	StateAuthorizing:  {StateWriting, StateIdle},
	StateWriting:      {StateCommitted, StateRollingBack},
	StateCommitted:    {StateIdle},
	StateRollingBack:  {StateIdle, StateInconsistent},
	StateInconsistent: {StateIdle},
}

// canTransition reports whether from → to is an allowed transition.
func canTransition(from, to State) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionError reports an attempted invalid transition. It indicates a
// programming error in the switch sequence, not an operational failure.
func transitionError(from, to State) error {
	return fmt.Errorf("invalid switch state transition %s -> %s", from, to)
}
