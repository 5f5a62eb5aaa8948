package verify

import (
	"context"

	"github.com/hypermesh-online/hypermesh/internal/identity"
)

// ByzantineGuard supplies fault signals from the cluster's Byzantine
// behavior detector. This package only consumes its verdicts.
type ByzantineGuard interface {
	// Suspected returns nodes currently flagged as Byzantine.
	Suspected() []identity.NodeID
	// ReportFault feeds an observed fault back to the detector.
	ReportFault(node identity.NodeID, reason string)
}

// NopGuard is the guard used when no detector is wired in.
type NopGuard struct{}

func (NopGuard) Suspected() []identity.NodeID        { return nil }
func (NopGuard) ReportFault(identity.NodeID, string) {}

// PeerVerifier requests state verification from a remote node. The wire
// mechanism is an external concern.
type PeerVerifier interface {
	RequestVerification(ctx context.Context, peer identity.NodeID, containerID string, state *ValidatedContainerState) (*VerificationResult, error)
}
