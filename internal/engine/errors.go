package engine

import "errors"

var (
	// ErrAlreadyRunning is returned when a run of the same kind is already
	// in flight.
	ErrAlreadyRunning = errors.New("a run of this kind is already in progress")

	// ErrConfirmationRequired is returned when a reactivation is attempted
	// without a valid preview confirmation token.
	ErrConfirmationRequired = errors.New("reactivation requires a confirmation token from a preview")

	// ErrCallbackLimit is returned when a callback would exceed the
	// per-farmer-per-activity cap.
	ErrCallbackLimit = errors.New("callback limit reached for this farmer and activity")

	// ErrNoCapableAgent is returned when no active agent speaks a task's
	// farmer language.
	ErrNoCapableAgent = errors.New("no active agent speaks the required language")

	// ErrInvalidTransition is returned for task or activity status moves
	// the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTaskTerminal is returned when an outcome is recorded against a
	// task already in a terminal status.
	ErrTaskTerminal = errors.New("task is already in a terminal status")
)
