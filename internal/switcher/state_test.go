package switcher

import "testing"

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateIdle:         "Idle",
		StateValidating:   "Validating",
		StateAuthorizing:  "Authorizing",
		StateWriting:      "Writing",
		StateCommitted:    "Committed",
		StateRollingBack:  "RollingBack",
		StateInconsistent: "Inconsistent",
		State(99):         "Unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateIdle, StateValidating},
		{StateValidating, StateAuthorizing},
		{StateValidating, StateIdle},
		{StateAuthorizing, StateWriting},
		{StateAuthorizing, StateIdle},
		{StateWriting, StateCommitted},
		{StateWriting, StateRollingBack},
		{StateCommitted, StateIdle},
		{StateRollingBack, StateIdle},
		{StateRollingBack, StateInconsistent},
		{StateInconsistent, StateIdle},
	}
	for _, tc := range allowed {
		if !canTransition(tc.from, tc.to) {
			t.Errorf("canTransition(%v, %v) = false, want true", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to State }{
		{StateIdle, StateWriting},
		{StateIdle, StateCommitted},
		{StateValidating, StateWriting},
		{StateAuthorizing, StateCommitted},
		{StateWriting, StateIdle},
		{StateCommitted, StateValidating},
		{StateInconsistent, StateValidating},
		{StateInconsistent, StateWriting},
	}
	for _, tc := range denied {
		if canTransition(tc.from, tc.to) {
			t.Errorf("canTransition(%v, %v) = true, want false", tc.from, tc.to)
		}
	}
}
