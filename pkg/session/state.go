package session

import "github.com/teslashibe/go-voicedesk/pkg/failure"

// State is the lifecycle state of a session.
type State string

const (
	StateInitializing      State = "INITIALIZING"
	StateActive            State = "ACTIVE"
	StateAwaitingRetry     State = "AWAITING_RETRY"
	StatePendingHandoff    State = "PENDING_HANDOFF"
	StateHandoffInProgress State = "HANDOFF_IN_PROGRESS"
	StateClosed            State = "CLOSED"
)

// Trigger is an event that may move a session between states.
type Trigger string

const (
	TriggerAuthSuccess      Trigger = "AUTH_SUCCESS"
	TriggerAuthFailure      Trigger = "AUTH_FAILURE"
	TriggerProcessingError  Trigger = "PROCESSING_ERROR"
	TriggerHandoffRequested Trigger = "HANDOFF_REQUESTED"
	TriggerRetrySuccess     Trigger = "RETRY_SUCCESS"
	TriggerRetryFailure     Trigger = "RETRY_FAILURE"
	TriggerHandoffStarted   Trigger = "HANDOFF_STARTED"
	TriggerHandoffComplete  Trigger = "HANDOFF_COMPLETE"
)

var transitions = map[State]map[Trigger]State{
	StateInitializing: {
		TriggerAuthSuccess: StateActive,
		TriggerAuthFailure: StateClosed,
	},
	StateActive: {
		TriggerProcessingError:  StateAwaitingRetry,
		TriggerHandoffRequested: StatePendingHandoff,
	},
	StateAwaitingRetry: {
		TriggerRetrySuccess: StateActive,
		TriggerRetryFailure: StatePendingHandoff,
	},
	StatePendingHandoff: {
		TriggerHandoffStarted:  StateHandoffInProgress,
		TriggerHandoffComplete: StateClosed,
	},
	StateHandoffInProgress: {
		TriggerHandoffComplete: StateClosed,
	},
}

// Next returns the state reached from s on t. Pairs without a defined
// transition leave the state unchanged.
func Next(s State, t Trigger) State {
	if next, ok := transitions[s][t]; ok {
		return next
	}
	return s
}

// Allowed reports whether t is defined for s.
func Allowed(s State, t Trigger) bool {
	_, ok := transitions[s][t]
	return ok
}

// TriggerForError maps a failure kind to the trigger it fires.
// Every kind is a processing error; escalation is decided by retry count.
func TriggerForError(failure.Kind) Trigger {
	return TriggerProcessingError
}
