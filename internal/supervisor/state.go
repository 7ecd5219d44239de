package supervisor

// State is the connectivity state of the agent.
type State int

const (
	// StateUnconfigured means configuration could not be resolved yet. The
	// supervisor retries resolution periodically and queues alerts meanwhile.
	StateUnconfigured State = iota
	StateDiscovering
	StatePrimaryActive
	StateSecondaryActive
	// StateRecovering is the one window in which both transports are live:
	// primary has reconnected and is being confirmed, secondary still active.
	StateRecovering
)

var stateNames = [...]string{
	StateUnconfigured:    "UNCONFIGURED",
	StateDiscovering:     "DISCOVERING",
	StatePrimaryActive:   "PRIMARY_ACTIVE",
	StateSecondaryActive: "SECONDARY_ACTIVE",
	StateRecovering:      "RECOVERING",
}

// States lists every state, for metrics.
func States() []State {
	return []State{StateUnconfigured, StateDiscovering, StatePrimaryActive, StateSecondaryActive, StateRecovering}
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "INVALID"
	}
	return stateNames[s]
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
