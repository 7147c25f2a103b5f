package plugin

// State is the lifecycle state of a plugin.
type State int

const (
	// StateDiscovered - descriptor found, dependencies not yet resolved.
	StateDiscovered State = iota

	// StateResolved - dependencies satisfied, ready to initialize.
	StateResolved

	// StateInitializing - initialize hook running.
	StateInitializing

	// StateActive - initialized and running.
	StateActive

	// StateShuttingDown - shutdown hook running.
	StateShuttingDown

	// StateStopped - shut down cleanly, all registrations removed.
	StateStopped

	// StateFailed - unrecoverable error during resolution or runtime.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateResolved:
		return "resolved"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting down"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Usable reports whether the plugin is serving requests.
func (s State) Usable() bool {
	return s == StateActive
}

// Terminal reports whether the plugin will make no further transitions.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}
