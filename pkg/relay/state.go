package relay

// State is the lifecycle state of a Consumer.
type State int32

const (
	// StateIdle is the state before the consumer subscribed to its source.
	StateIdle State = iota
	// StateRequesting means the initial credit was granted and no line has
	// been processed yet.
	StateRequesting
	// StateDraining means at least one line has been processed.
	StateDraining
	// StateCompleted is the terminal state after a natural end of stream.
	StateCompleted
	// StateFailed is the terminal state after an upstream or sink failure.
	StateFailed
	// StateCanceled is the terminal state after an explicit cancel.
	StateCanceled
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}
