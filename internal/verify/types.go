package verify

import (
	"time"

	"github.com/hypermesh-online/hypermesh/internal/hash"
	"github.com/hypermesh-online/hypermesh/internal/identity"
)

// ContainerState is the workload state being fingerprinted and validated.
type ContainerState struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Node      identity.NodeID   `json:"node"`
	Image     string            `json:"image,omitempty"`
	StartedAt time.Time         `json:"started_at,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// ResourceAllocation is the resource envelope granted to a container.
type ResourceAllocation struct {
	CPUMillis   uint64 `json:"cpu_millis"`
	MemoryBytes uint64 `json:"memory_bytes"`
	DiskBytes   uint64 `json:"disk_bytes"`
}

// OperationResult names the container lifecycle operation that produced a
// state change.
type OperationResult string

const (
	ContainerCreated  OperationResult = "container_created"
	ContainerStarted  OperationResult = "container_started"
	ContainerStopped  OperationResult = "container_stopped"
	ContainerRemoved  OperationResult = "container_removed"
	ContainerMigrated OperationResult = "container_migrated"
	ResourcesUpdated  OperationResult = "resources_updated"
)

// RequiresCrossNodeVerification reports whether an operation's consequences
// are cluster-wide and therefore need peer verification. Start/stop are local
// transitions and do not.
func RequiresCrossNodeVerification(op OperationResult) bool {
	switch op {
	case ContainerCreated, ContainerRemoved, ContainerMigrated, ResourcesUpdated:
		return true
	default:
		return false
	}
}

// StateIntegrityProof cryptographically fingerprints a state and its
// transition from the previous state.
type StateIntegrityProof struct {
	StateHash        hash.Digest     `json:"state_hash"`
	ResourceHash     hash.Digest     `json:"resource_hash"`
	TransitionHash   hash.Digest     `json:"transition_hash"`
	LogicalTimestamp uint64          `json:"logical_timestamp"`
	ProofGenerator   identity.NodeID `json:"proof_generator"`
	GeneratedAt      time.Time       `json:"generated_at"`
}

// DiscrepancyType classifies a disagreement found during verification.
type DiscrepancyType string

const (
	StatusMismatch        DiscrepancyType = "status_mismatch"
	ResourceMismatch      DiscrepancyType = "resource_mismatch"
	HashMismatch          DiscrepancyType = "hash_mismatch"
	TemporalInconsistency DiscrepancyType = "temporal_inconsistency"
	MissingStateComponent DiscrepancyType = "missing_state_component"
)

type StateDiscrepancy struct {
	Type    DiscrepancyType `json:"type"`
	Details string          `json:"details"`
}

// VerificationResult is one node's verdict on a container state.
type VerificationResult struct {
	VerifierNode         identity.NodeID    `json:"verifier_node"`
	Verified             bool               `json:"verified"`
	VerifiedAt           time.Time          `json:"verified_at"`
	Discrepancies        []StateDiscrepancy `json:"discrepancies,omitempty"`
	VerificationDuration time.Duration      `json:"verification_duration"`
}

// StateValidationInfo records how thoroughly a state was validated.
type StateValidationInfo struct {
	ValidatorsCount    int               `json:"validators_count"`
	RequiredValidators int               `json:"required_validators"`
	ConsensusAchieved  bool              `json:"consensus_achieved"`
	ValidatedAt        time.Time         `json:"validated_at"`
	ByzantineFaults    []identity.NodeID `json:"byzantine_faults,omitempty"`
}

// ValidatedContainerState bundles a container state with its proof and
// validation record. Entries are replaced whole on revalidation, never
// merged.
type ValidatedContainerState struct {
	ContainerState      *ContainerState                         `json:"container_state"`
	Resources           *ResourceAllocation                     `json:"resources,omitempty"`
	StateProof          *StateIntegrityProof                    `json:"state_proof"`
	ValidationInfo      StateValidationInfo                     `json:"validation_info"`
	VerificationResults map[identity.NodeID]*VerificationResult `json:"verification_results,omitempty"`
}

// ValidationMetrics aggregates validator activity. AverageLatency is an
// exponentially smoothed rolling average.
type ValidationMetrics struct {
	TotalValidations      uint64        `json:"total_validations"`
	SuccessfulValidations uint64        `json:"successful_validations"`
	FailedValidations     uint64        `json:"failed_validations"`
	AverageLatency        time.Duration `json:"average_latency"`
	LastValidation        time.Time     `json:"last_validation"`
	CachedStates          int           `json:"cached_states"`
}
