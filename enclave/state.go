package enclave

// State is the lifecycle state of the enclave process.
type State int

const (
	// StateUninitialized is the state before init_enclave.
	StateUninitialized State = iota

	// StateInitialized accepts exactly one start_service.
	StateInitialized

	// StateRunning indicates the attested server is accepting connections.
	StateRunning

	// StateFinalized is terminal; resources have been released.
	StateFinalized

	// StateFailed is terminal; a lifecycle step failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
