package supervisor

// State is the lifecycle of the inference service as seen by the gateway:
// Unknown → Starting → Ready → Unreachable → Starting (retry) …
type State int32

const (
	StateUnknown State = iota
	StateStarting
	StateReady
	StateUnreachable
)

var allStates = []State{StateUnknown, StateStarting, StateReady, StateUnreachable}

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateUnreachable:
		return "unreachable"
	default:
		return "invalid"
	}
}
