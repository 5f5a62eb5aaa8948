package consensus

import (
	"errors"
	"fmt"

	"github.com/hypermesh-online/hypermesh/internal/identity"
)

// ErrStopping is returned to every pending proposal when the engine shuts
// down before the proposal completes.
var ErrStopping = errors.New("engine stopping")

// ErrNotRunning is returned by operations that require a started engine.
var ErrNotRunning = errors.New("engine not running")

// NotLeaderError rejects an operation that requires leadership.
type NotLeaderError struct {
	Node identity.NodeID
	Role Role
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("node %s is not the leader (role: %s)", e.Node, e.Role)
}

func IsNotLeader(err error) bool {
	var nle *NotLeaderError
	return errors.As(err, &nle)
}

// PhaseError reports a failed Byzantine agreement phase. The whole three-phase
// sequence aborts when any phase fails; nothing is applied.
type PhaseError struct {
	Phase    string
	Sequence uint64
	Votes    int
	Quorum   int
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("consensus phase %s failed for sequence %d: %d/%d votes",
		e.Phase, e.Sequence, e.Votes, e.Quorum)
}

func IsPhaseError(err error) bool {
	var pe *PhaseError
	return errors.As(err, &pe)
}
