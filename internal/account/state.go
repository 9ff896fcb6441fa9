package account

// AgentPhase is the lifecycle phase of a mailbox agent.
type AgentPhase int

// Agent lifecycle phases. Stopped is terminal.
const (
	PhaseStarting AgentPhase = iota
	PhaseSyncing
	PhaseIdle
	PhaseError
	PhaseStopped
)

// String returns the wire form of the phase.
func (p AgentPhase) String() string {
	switch p {
	case PhaseStarting:
		return "Starting"
	case PhaseSyncing:
		return "Syncing"
	case PhaseIdle:
		return "Idle"
	case PhaseError:
		return "Error"
	case PhaseStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// AgentState is a phase plus, for PhaseError, the reason.
type AgentState struct {
	Phase AgentPhase
	Err   string
}

// Pre-built states for the phases that carry no message.
var (
	StateStarting = AgentState{Phase: PhaseStarting}
	StateSyncing  = AgentState{Phase: PhaseSyncing}
	StateIdle     = AgentState{Phase: PhaseIdle}
	StateStopped  = AgentState{Phase: PhaseStopped}
)

// StateError builds an error state carrying the reason.
func StateError(msg string) AgentState {
	return AgentState{Phase: PhaseError, Err: msg}
}

// Terminal reports whether the state is Stopped.
func (s AgentState) Terminal() bool {
	return s.Phase == PhaseStopped
}

// String renders the state for logs, including the error reason if any.
func (s AgentState) String() string {
	if s.Phase == PhaseError && s.Err != "" {
		return "Error(" + s.Err + ")"
	}
	return s.Phase.String()
}
