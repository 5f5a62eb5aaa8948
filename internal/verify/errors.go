package verify

import (
	"errors"
	"fmt"
)

// StateError reports a computed proof that failed self-verification. The
// container's last-known-good validated state, if any, remains queryable.
type StateError struct {
	ContainerID string
	Reason      string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state validation failed for container %s: %s", e.ContainerID, e.Reason)
}

func NewStateError(containerID, reason string) *StateError {
	return &StateError{ContainerID: containerID, Reason: reason}
}

func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
