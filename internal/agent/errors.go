package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation is attempted outside its
	// legal state, such as Interact before the agent is ready.
	ErrInvalidState = errors.New("agent: invalid state for operation")

	// ErrEmptyMessage is returned by Interact when the message is blank.
	ErrEmptyMessage = errors.New("agent: message must not be empty")

	// ErrInvalidArgument is returned when a required string argument is blank.
	ErrInvalidArgument = errors.New("agent: invalid argument")
)

// InitializationError wraps the underlying cause when an agent fails to come
// up. The agent is left in [StateError] and must be explicitly re-initialized.
type InitializationError struct {
	AgentID string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("agent %s: initialization failed: %v", e.AgentID, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }
