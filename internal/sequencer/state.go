package sequencer

// State is a position in the run state machine.
type State int

const (
	Idle State = iota
	Prefacing
	Playing
	AwaitingConfirmation
	Explaining
	Done
	Failed
)

var stateNames = [...]string{
	Idle:                 "idle",
	Prefacing:            "prefacing",
	Playing:              "playing",
	AwaitingConfirmation: "awaiting_confirmation",
	Explaining:           "explaining",
	Done:                 "done",
	Failed:               "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// validNext lists the transitions a run may take. Failed is reachable from
// every non-terminal state and is handled separately.
var validNext = map[State][]State{
	Idle:                 {Prefacing},
	Prefacing:            {Playing, Explaining},
	Playing:              {AwaitingConfirmation},
	AwaitingConfirmation: {Explaining},
	Explaining:           {Done},
}

func canTransition(from, to State) bool {
	if to == Failed {
		return !from.Terminal()
	}
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}
