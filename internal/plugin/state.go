package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states.
const (
	// StateUnloaded - no artifact is mapped.
	StateUnloaded State = iota

	// StateLoading - the loader is mapping the artifact.
	StateLoading

	// StateLoaded - artifact mapped, plugin not yet initialized.
	StateLoaded

	// StateInitializing - Initialize is in flight.
	StateInitializing

	// StateRunning - initialized and accepting commands.
	StateRunning

	// StatePaused - temporarily not accepting commands.
	StatePaused

	// StateStopping - Shutdown is in flight.
	StateStopping

	// StateStopped - shut down, artifact still mapped.
	StateStopped

	// StateError - a lifecycle hook failed. Terminal except for Restart.
	StateError
)

var stateNames = map[State]string{
	StateUnloaded:     "unloaded",
	StateLoading:      "loading",
	StateLoaded:       "loaded",
	StateInitializing: "initializing",
	StateRunning:      "running",
	StatePaused:       "paused",
	StateStopping:     "stopping",
	StateStopped:      "stopped",
	StateError:        "error",
}

// String returns a string representation of the state.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsUsable returns true if the plugin can execute commands.
func (s State) IsUsable() bool {
	return s == StateRunning
}

// legalEdges is the authoritative transition table. Transition to
// StateError is legal from every state and is handled separately.
var legalEdges = map[State][]State{
	StateUnloaded:     {StateLoading},
	StateLoading:      {StateLoaded},
	StateLoaded:       {StateInitializing, StateUnloaded},
	StateInitializing: {StateRunning},
	StateRunning:      {StatePaused, StateStopping},
	StatePaused:       {StateRunning, StateStopping},
	StateStopping:     {StateStopped},
	StateStopped:      {StateUnloaded, StateInitializing},
	StateError:        {StateStopping},
}

// CanTransition reports whether from -> to is a legal edge.
// Any state may transition to StateError. StateError only exits via
// StateStopping, the first leg of a restart.
func CanTransition(from, to State) bool {
	if to == StateError {
		return true
	}
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}
