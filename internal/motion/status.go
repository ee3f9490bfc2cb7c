package motion

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the persisted lifecycle status of a motion.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusPaused     Status = "paused"
	StatusUnfinished Status = "unfinished"
	StatusPostponed  Status = "postponed"
	StatusReferred   Status = "referred"
	StatusPassed     Status = "passed"
	StatusFailed     Status = "failed"
	StatusClosed     Status = "closed"
)

// Stage refines an in-progress motion. Only StageVoting is meaningful.
type Stage string

const (
	StageNone   Stage = ""
	StageVoting Stage = "voting"
)

// State is the single vocabulary shared by the API and the chat client. It is the
// persisted Status plus the voting stage and the passed/failed display labels of a
// decided motion.
type State string

const (
	StateInProgress State = "in-progress"
	StatePaused     State = "paused"
	StateVoting     State = "voting"
	StateUnfinished State = "unfinished"
	StatePostponed  State = "postponed"
	StateReferred   State = "referred"
	StatePassed     State = "passed"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

var (
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
)

var transitions = map[State][]State{
	StateInProgress: {StatePaused, StateVoting, StatePostponed, StateReferred, StateUnfinished, StateClosed, StatePassed, StateFailed},
	StateVoting:     {StateInProgress, StatePaused, StateClosed, StatePassed, StateFailed},
	StatePaused:     {StateInProgress, StateVoting, StatePostponed, StateUnfinished, StateClosed},
	StateUnfinished: {StateInProgress, StatePostponed, StateClosed},
	StatePostponed:  {StateInProgress, StateClosed},
	StateReferred:   {StateInProgress, StateClosed},
	StatePassed:     {StateClosed, StateFailed},
	StateFailed:     {StateClosed, StatePassed},
	StateClosed:     {StatePassed, StateFailed},
}

// NormalizeStatus maps legacy and unknown values onto the canonical enum. "active",
// "voting" and blank all read as in-progress.
func NormalizeStatus(raw string) Status {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusInProgress, StatusPaused, StatusUnfinished, StatusPostponed, StatusReferred, StatusPassed, StatusFailed, StatusClosed:
		return s
	default:
		return StatusInProgress
	}
}

// ParseState validates a client-supplied status. The legacy "active" is accepted as
// in-progress; anything outside the union is ErrInvalidStatus.
func ParseState(raw string) (State, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "active" {
		return StateInProgress, nil
	}
	state := State(value)
	if !state.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return state, nil
}

func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether the state ends the motion's consideration.
func (s State) Terminal() bool {
	return s == StatePassed || s == StateFailed || s == StateClosed
}

// Persisted splits the state into its stored status and stage.
func (s State) Persisted() (Status, Stage) {
	if s == StateVoting {
		return StatusInProgress, StageVoting
	}
	return NormalizeStatus(string(s)), StageNone
}

// CanTransition reports whether an explicit status change from one state to another is
// legal. Staying in the same state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
