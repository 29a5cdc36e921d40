package entity

const (
	PhaseRecovering = "recovering"
	PhaseReady      = "ready"
	PhasePersisting = "persisting"
	PhasePassivated = "passivated"
	PhaseHalted     = "halted"
)

// Log event names emitted on phase changes. Empty means the transition is not logged.
const (
	EventRecovered  = "entity_recovered"
	EventRestarting = "entity_restart"
	EventPassivated = "entity_passivated"
	EventHalted     = "entity_halted"
)

var phaseTransitions = map[string]map[string]string{
	PhaseRecovering: {
		PhaseReady:      EventRecovered,
		PhaseHalted:     EventHalted,
		PhasePassivated: EventPassivated,
	},
	PhaseReady: {
		PhasePersisting: "",
		PhaseRecovering: EventRestarting,
		PhasePassivated: EventPassivated,
	},
	PhasePersisting: {
		PhaseReady:      "",
		PhaseRecovering: EventRestarting,
		PhasePassivated: EventPassivated,
	},
	PhaseHalted: {
		PhasePassivated: EventPassivated,
	},
}

func CanTransition(from string, to string) bool {
	if from == to {
		return true
	}
	_, ok := phaseTransitions[from][to]
	return ok
}

func EventForTransition(from string, to string) string {
	if from == to {
		return ""
	}
	return phaseTransitions[from][to]
}

func AllPhases() []string {
	return []string{
		PhaseRecovering,
		PhaseReady,
		PhasePersisting,
		PhasePassivated,
		PhaseHalted,
	}
}
