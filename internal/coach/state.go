package coach

// State is the lifecycle state of a voice session.
type State int

const (
	// StateIdle is a session that has not been started.
	StateIdle State = iota

	// StateConnecting waits for the live model to acknowledge the session.
	StateConnecting

	// StateActive streams audio in both directions.
	StateActive

	// StateAnalyzing runs after the user ends the session, while the
	// transcript is scored.
	StateAnalyzing

	// StateSummary holds a scorecard. Terminal.
	StateSummary

	// StateClosed ended without a scorecard, either because the transcript
	// was too short or scoring failed. Terminal.
	StateClosed

	// StateError is a setup or transport failure. Terminal.
	StateError
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateActive:     "active",
	StateAnalyzing:  "analyzing",
	StateSummary:    "summary",
	StateClosed:     "closed",
	StateError:      "error",
}

// String returns the lowercase state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateSummary || s == StateClosed || s == StateError
}

// canTransition encodes the allowed edges of the lifecycle.
func canTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateConnecting || to == StateError
	case StateConnecting:
		return to == StateActive || to == StateAnalyzing || to == StateError
	case StateActive:
		return to == StateAnalyzing || to == StateError
	case StateAnalyzing:
		return to == StateSummary || to == StateClosed
	}
	return false
}
