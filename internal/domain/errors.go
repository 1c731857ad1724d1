package domain

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a stage or lifecycle transition that
	// violates the ordered state machine (wrong current state, skipped stage,
	// or a duplicate advance).
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrTerminalStateViolation indicates an attempted mutation of a revealed
	// empathy attempt. Callers must not suppress it: it signals a lifecycle bug.
	ErrTerminalStateViolation = errors.New("empathy attempt is in a terminal state")

	// ErrPreconditionNotMet indicates a reconciler trigger fired before its
	// inputs were ready. Not retryable by the caller.
	ErrPreconditionNotMet = errors.New("precondition not met")

	// ErrStageNotOwned indicates a gate update against a stage record the user
	// has never entered.
	ErrStageNotOwned = errors.New("stage record does not exist for user")

	// ErrSessionFull indicates a join attempt on a session that already has
	// both participants.
	ErrSessionFull = errors.New("session already has two participants")

	// ErrNotParticipant indicates the acting user is not a member of the session.
	ErrNotParticipant = errors.New("user is not a session participant")

	// ErrOfferResolved indicates a response to a share offer that has already
	// been accepted, declined, or expired.
	ErrOfferResolved = errors.New("share offer already resolved")
)
