package common

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a transfer task.
type State int32

const (
	StatePending State = iota
	StateConnecting
	StateDownloading
	StatePaused
	StateRetrying
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	StatePending:     "pending",
	StateConnecting:  "connecting",
	StateDownloading: "downloading",
	StatePaused:      "paused",
	StateRetrying:    "retrying",
	StateCompleted:   "completed",
	StateFailed:      "failed",
	StateCancelled:   "cancelled",
}

// States lists every state in declaration order.
var States = []State{
	StatePending, StateConnecting, StateDownloading, StatePaused,
	StateRetrying, StateCompleted, StateFailed, StateCancelled,
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(b))
}

// Active reports whether a task in this state holds a worker slot.
func (s State) Active() bool {
	return s == StateConnecting || s == StateDownloading || s == StateRetrying
}

// Terminal reports whether no worker will touch the task again without a resubmit.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var transitions = map[State][]State{
	StatePending:     {StateConnecting, StatePaused, StateCancelled},
	StateConnecting:  {StateDownloading, StateRetrying, StateFailed, StatePaused, StateCancelled, StateCompleted},
	StateDownloading: {StateCompleted, StateRetrying, StateFailed, StatePaused, StateCancelled},
	StateRetrying:    {StateConnecting, StateFailed, StatePaused, StateCancelled},
	StatePaused:      {StatePending, StateCancelled},
	StateFailed:      {StatePending},
	StateCancelled:   {StatePending},
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
