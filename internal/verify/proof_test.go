package verify

import (
	"testing"

	"github.com/hypermesh-online/hypermesh/internal/hash"
)

func testContainerState(status string) *ContainerState {
	return &ContainerState{
		ID:     "container-1",
		Status: status,
		Node:   "node-1",
		Image:  "registry.local/app:1.2",
	}
}

func TestProofRoundTrip(t *testing.T) {
	calc := NewCalculator("node-1")
	state := testContainerState("running")
	resources := &ResourceAllocation{CPUMillis: 500, MemoryBytes: 1 << 28}

	proof, err := calc.CalculateStateProof(state, resources, nil)
	if err != nil {
		t.Fatalf("CalculateStateProof failed: %v", err)
	}

	ok, err := calc.VerifyStateProof(proof, state, resources)
	if err != nil {
		t.Fatalf("VerifyStateProof errored: %v", err)
	}
	if !ok {
		t.Error("freshly calculated proof failed verification")
	}
}

func TestProofDetectsTamperedState(t *testing.T) {
	calc := NewCalculator("node-1")
	state := testContainerState("running")

	proof, err := calc.CalculateStateProof(state, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	state.Status = "stopped"
	ok, err := calc.VerifyStateProof(proof, state, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("proof verified against a mutated state")
	}
}

func TestProofDetectsTamperedResources(t *testing.T) {
	calc := NewCalculator("node-1")
	state := testContainerState("running")
	resources := &ResourceAllocation{CPUMillis: 500}

	proof, err := calc.CalculateStateProof(state, resources, nil)
	if err != nil {
		t.Fatal(err)
	}

	resources.CPUMillis = 4000
	ok, err := calc.VerifyStateProof(proof, state, resources)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("proof verified against mutated resources")
	}
}

func TestNilResourcesHashToZero(t *testing.T) {
	calc := NewCalculator("node-1")

	proof, err := calc.CalculateStateProof(testContainerState("running"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !proof.ResourceHash.IsZero() {
		t.Error("missing resource allocation did not produce the zero digest")
	}
}

func TestLogicalTimestampStrictlyIncreases(t *testing.T) {
	calc := NewCalculator("node-1")
	state := testContainerState("running")

	var last uint64
	for i := 0; i < 10; i++ {
		proof, err := calc.CalculateStateProof(state, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if proof.LogicalTimestamp <= last {
			t.Fatalf("logical timestamp %d not after %d", proof.LogicalTimestamp, last)
		}
		last = proof.LogicalTimestamp
	}
}

func TestTransitionHashChainsToPredecessor(t *testing.T) {
	calc := NewCalculator("node-1")
	state := testContainerState("running")

	first, err := calc.CalculateStateProof(state, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	chained, err := calc.CalculateStateProof(state, nil, &first.StateHash)
	if err != nil {
		t.Fatal(err)
	}

	// Recompute what the transition would be without a predecessor at the
	// same logical timestamp; chaining must change it.
	unchained := hash.Chain(nil, chained.StateHash, chained.LogicalTimestamp)
	if chained.TransitionHash == unchained {
		t.Error("transition hash ignored the previous state hash")
	}
}

func TestProofStampsGenerator(t *testing.T) {
	calc := NewCalculator("node-7")

	proof, err := calc.CalculateStateProof(testContainerState("running"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if proof.ProofGenerator != "node-7" {
		t.Errorf("ProofGenerator = %s, want node-7", proof.ProofGenerator)
	}
	if proof.GeneratedAt.IsZero() {
		t.Error("GeneratedAt not stamped")
	}
}
