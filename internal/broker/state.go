package broker

import logpkg "github.com/rzbill/inkbroker/pkg/log"

// State is one node of the lifecycle state machine: Starting ->
// Loading -> Active -> Saving -> Active (repeat)
// -> Draining -> Terminated.
type State int

const (
	StateStarting State = iota
	StateLoading
	StateActive
	StateSaving
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateLoading:
		return "Loading"
	case StateActive:
		return "Active"
	case StateSaving:
		return "Saving"
	case StateDraining:
		return "Draining"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// transitionLocked moves the broker to next; caller must hold b.mu.
func (b *Broker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	b.logger.Debug("state transition", logpkg.Str("from", b.state.String()), logpkg.Str("to", next.String()))
	b.state = next
}
