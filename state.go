package widget

import "fmt"

// ConnectionState is the lifecycle state of a ConnectionManager.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateRetrying   ConnectionState = "retrying"
	StateTimeout    ConnectionState = "timeout"
	StateError      ConnectionState = "error"
	StateFallback   ConnectionState = "fallback"
)

// transitions lists, for every state, the states it may move to.
var transitions = map[ConnectionState][]ConnectionState{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateConnected, StateRetrying, StateTimeout, StateError, StateFallback, StateIdle},
	StateConnected:  {StateRetrying, StateError, StateIdle},
	StateRetrying:   {StateConnecting, StateFallback, StateError, StateIdle},
	StateTimeout:    {StateRetrying, StateFallback, StateError, StateIdle},
	StateError:      {StateConnecting, StateIdle},
	StateFallback:   {StateConnecting, StateIdle},
}

// CanTransition reports whether a move from s to next is allowed.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// stateMachine holds the current state. It is not safe for concurrent use;
// the owning manager serializes access.
type stateMachine struct {
	state    ConnectionState
	onChange func(from, to ConnectionState)
}

func newStateMachine(onChange func(from, to ConnectionState)) *stateMachine {
	return &stateMachine{state: StateIdle, onChange: onChange}
}

// transition moves to next. Moving to the current state is a no-op.
func (m *stateMachine) transition(next ConnectionState) error {
	if m.state == next {
		return nil
	}
	if !m.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
	}
	from := m.state
	m.state = next
	if m.onChange != nil {
		m.onChange(from, next)
	}
	return nil
}
