package chat

import "github.com/m-mizutani/goerr/v2"

// State is the position of one chat turn in its pipeline. StateDone and
// StateError are terminal.
type State int

const (
	StateAuthenticating State = iota
	StateAuthorizing
	StateLoadingHistory
	StateGenerating
	StateStreaming
	StatePersisting
	StateDone
	StateError
)

var stateNames = map[State]string{
	StateAuthenticating: "AUTHENTICATING",
	StateAuthorizing:    "AUTHORIZING",
	StateLoadingHistory: "LOADING_HISTORY",
	StateGenerating:     "GENERATING",
	StateStreaming:      "STREAMING",
	StatePersisting:     "PERSISTING",
	StateDone:           "DONE",
	StateError:          "ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

var failedStateKey = goerr.NewTypedKey[State]("failed_state")

// FailedState reports the state a turn was in when Begin returned err
func FailedState(err error) (State, bool) {
	return goerr.GetTypedValue(err, failedStateKey)
}

func failedAt(state State, err error) error {
	return goerr.With(err, goerr.TV(failedStateKey, state))
}
