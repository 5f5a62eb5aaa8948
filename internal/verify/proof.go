package verify

import (
	"fmt"
	"sync"
	"time"

	"github.com/hypermesh-online/hypermesh/internal/hash"
	"github.com/hypermesh-online/hypermesh/internal/identity"
)

// Calculator computes state integrity proofs. Its only mutable resource is
// the logical timestamp counter, which strictly increases per instance.
type Calculator struct {
	node identity.NodeID

	mu      sync.Mutex
	logical uint64
}

func NewCalculator(node identity.NodeID) *Calculator {
	return &Calculator{node: node}
}

func (c *Calculator) nextTimestamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logical++
	return c.logical
}

// LogicalTimestamp returns the last issued logical timestamp.
func (c *Calculator) LogicalTimestamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logical
}

// CalculateStateProof fingerprints state and resources and chains the
// transition to previousStateHash, if any. resources may be nil, in which
// case the resource hash is the all-zero digest.
func (c *Calculator) CalculateStateProof(state interface{}, resources *ResourceAllocation, previousStateHash *hash.Digest) (*StateIntegrityProof, error) {
	logicalTimestamp := c.nextTimestamp()

	stateHash, err := hash.Calculate(state)
	if err != nil {
		return nil, fmt.Errorf("failed to hash state: %w", err)
	}

	resourceHash := hash.Zero
	if resources != nil {
		resourceHash, err = hash.Calculate(resources)
		if err != nil {
			return nil, fmt.Errorf("failed to hash resource allocation: %w", err)
		}
	}

	return &StateIntegrityProof{
		StateHash:        stateHash,
		ResourceHash:     resourceHash,
		TransitionHash:   hash.Chain(previousStateHash, stateHash, logicalTimestamp),
		LogicalTimestamp: logicalTimestamp,
		ProofGenerator:   c.node,
		GeneratedAt:      time.Now(),
	}, nil
}

// VerifyStateProof recomputes the state and resource hashes independently and
// reports whether both match the proof exactly.
func (c *Calculator) VerifyStateProof(proof *StateIntegrityProof, state interface{}, resources *ResourceAllocation) (bool, error) {
	stateHash, err := hash.Calculate(state)
	if err != nil {
		return false, fmt.Errorf("failed to hash state: %w", err)
	}
	if stateHash != proof.StateHash {
		return false, nil
	}

	resourceHash := hash.Zero
	if resources != nil {
		resourceHash, err = hash.Calculate(resources)
		if err != nil {
			return false, fmt.Errorf("failed to hash resource allocation: %w", err)
		}
	}
	return resourceHash == proof.ResourceHash, nil
}
