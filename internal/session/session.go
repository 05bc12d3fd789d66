// Package session holds the data model shared by local process sessions
// and remote shell connections.
package session

import (
	"fmt"
	"time"
)

// Kind distinguishes supervised local processes from remote shells.
type Kind string

const (
	KindLocalProcess Kind = "local-process"
	KindRemoteShell  Kind = "remote-shell"
)

// State is a session lifecycle state.
type State string

const (
	StatePending     State = "pending"
	StateRunning     State = "running"
	StateInteractive State = "interactive"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
	StateTerminated  State = "terminated"
)

// transitions lists the allowed next states for every state.
var transitions = map[State][]State{
	StatePending:     {StateRunning, StateFailed, StateCancelled},
	StateRunning:     {StateInteractive, StateRunning, StateCompleted, StateFailed, StateCancelled},
	StateInteractive: {StateRunning, StateCompleted, StateFailed, StateCancelled},
	StateCompleted:   {StateTerminated},
	StateFailed:      {StateTerminated},
	StateCancelled:   {StateTerminated},
	StateTerminated:  nil,
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsFinished reports whether the session has left the running states.
func (s State) IsFinished() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTerminated:
		return true
	}
	return false
}

// IsActive reports whether the underlying process or shell is live.
func (s State) IsActive() bool {
	return s == StateRunning || s == StateInteractive
}

// Info is the unit of supervision referenced by manager registries.
type Info struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	State            State     `json:"state"`
	OwnerID          string    `json:"owner_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
	BytesSent        int64     `json:"bytes_sent"`
	BytesReceived    int64     `json:"bytes_received"`
	CommandsExecuted int64     `json:"commands_executed"`
}

// Transition moves the session to the next state, refusing illegal steps.
func (i *Info) Transition(to State) error {
	if !CanTransition(i.State, to) {
		return fmt.Errorf("session %s: illegal transition %s -> %s", i.ID, i.State, to)
	}
	i.State = to
	return nil
}

// Touch records activity at t.
func (i *Info) Touch(t time.Time) {
	i.LastActivity = t
}
