// Package verify implements cryptographic state validation: proof
// calculation, cross-node verification and discrepancy detection for
// container states coordinated through consensus.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hypermesh-online/hypermesh/internal/alert"
	"github.com/hypermesh-online/hypermesh/internal/hash"
	"github.com/hypermesh-online/hypermesh/internal/identity"
	"github.com/hypermesh-online/hypermesh/internal/metrics"
	"github.com/hypermesh-online/hypermesh/internal/storage"
)

// latencySmoothing weights for the rolling average latency.
const (
	latencyKeep = 0.9
	latencyNew  = 0.1
)

// StateValidator orchestrates validation of container state changes and
// escalates cluster-wide operations to multi-node verification. The cache
// mutex guards short synchronous sections only; it is never held across a
// peer request or disk write.
type StateValidator struct {
	node            identity.NodeID
	calc            *Calculator
	guard           ByzantineGuard
	logger          hclog.Logger
	toleratedFaults int

	peers     PeerVerifier
	verifiers []identity.NodeID

	store  *storage.Store
	alerts *alert.Manager
	prom   *metrics.Metrics

	mu          sync.Mutex
	states      map[string]*ValidatedContainerState
	metricsData ValidationMetrics
}

func NewStateValidator(node identity.NodeID, guard ByzantineGuard, toleratedFaults int, logger hclog.Logger) *StateValidator {
	if guard == nil {
		guard = NopGuard{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &StateValidator{
		node:            node,
		calc:            NewCalculator(node),
		guard:           guard,
		logger:          logger.Named("verify").With("node", string(node)),
		toleratedFaults: toleratedFaults,
		states:          make(map[string]*ValidatedContainerState),
	}
}

// SetPeerVerifier wires the remote verification mechanism and the set of
// peer verifiers to consult for cluster-wide operations.
func (v *StateValidator) SetPeerVerifier(peers PeerVerifier, verifiers []identity.NodeID) {
	v.peers = peers
	v.verifiers = verifiers
}

// AttachStore enables persistence of validated states across restarts.
func (v *StateValidator) AttachStore(store *storage.Store) {
	v.store = store
}

// AttachAlerts enables discrepancy alerting.
func (v *StateValidator) AttachAlerts(alerts *alert.Manager) {
	v.alerts = alerts
}

// AttachMetrics enables Prometheus instrumentation.
func (v *StateValidator) AttachMetrics(m *metrics.Metrics) {
	v.prom = m
}

// requiredValidators returns the minimum number of agreeing validators for
// cluster-wide consensus: max(3, 2f+1).
func (v *StateValidator) requiredValidators() int {
	required := 2*v.toleratedFaults + 1
	if required < 3 {
		required = 3
	}
	return required
}

// ValidateContainerState computes and self-verifies an integrity proof for
// the new state, escalates to cross-node verification when the operation is
// cluster-wide, and replaces the container's validated-state entry.
func (v *StateValidator) ValidateContainerState(ctx context.Context, containerID string, state *ContainerState, resources *ResourceAllocation, op OperationResult) (*ValidatedContainerState, error) {
	started := time.Now()

	var prevDigest *hash.Digest
	v.mu.Lock()
	if existing, ok := v.states[containerID]; ok {
		d := existing.StateProof.StateHash
		prevDigest = &d
	}
	v.mu.Unlock()

	proof, err := v.calc.CalculateStateProof(state, resources, prevDigest)
	if err != nil {
		v.recordValidation(false, time.Since(started))
		return nil, NewStateError(containerID, fmt.Sprintf("proof calculation failed: %v", err))
	}

	ok, err := v.calc.VerifyStateProof(proof, state, resources)
	if err != nil {
		v.recordValidation(false, time.Since(started))
		return nil, NewStateError(containerID, fmt.Sprintf("proof verification errored: %v", err))
	}
	if !ok {
		v.recordValidation(false, time.Since(started))
		return nil, NewStateError(containerID, "computed proof failed self-verification")
	}

	validated := &ValidatedContainerState{
		ContainerState: state,
		Resources:      resources,
		StateProof:     proof,
		ValidationInfo: StateValidationInfo{
			ValidatorsCount:    1,
			RequiredValidators: v.requiredValidators(),
			ConsensusAchieved:  false,
			ValidatedAt:        time.Now(),
			ByzantineFaults:    v.guard.Suspected(),
		},
		VerificationResults: make(map[identity.NodeID]*VerificationResult),
	}

	if RequiresCrossNodeVerification(op) {
		v.crossNodeVerify(ctx, containerID, validated)
	} else {
		// Local lifecycle transition; single-node validation suffices.
		validated.ValidationInfo.ConsensusAchieved = true
	}

	v.mu.Lock()
	v.states[containerID] = validated
	cached := len(v.states)
	v.mu.Unlock()

	v.persistState(containerID, validated)
	v.recordValidation(true, time.Since(started))
	if v.prom != nil {
		v.prom.ValidatedStates.Set(float64(cached))
	}

	v.logger.Debug("validated container state",
		"container", containerID, "operation", string(op),
		"consensus", validated.ValidationInfo.ConsensusAchieved,
		"logical_timestamp", proof.LogicalTimestamp)
	return validated, nil
}

// crossNodeVerify consults peer verifiers, excluding nodes the Byzantine
// guard currently suspects. Peer failures are logged, never fatal.
func (v *StateValidator) crossNodeVerify(ctx context.Context, containerID string, validated *ValidatedContainerState) {
	if v.peers == nil || len(v.verifiers) == 0 {
		v.logger.Debug("no peer verifiers configured", "container", containerID)
		return
	}

	suspected := make(map[identity.NodeID]struct{})
	for _, node := range v.guard.Suspected() {
		suspected[node] = struct{}{}
	}

	for _, peer := range v.verifiers {
		if peer == v.node {
			continue
		}
		if _, bad := suspected[peer]; bad {
			v.logger.Warn("skipping suspected verifier", "peer", peer)
			continue
		}

		result, err := v.peers.RequestVerification(ctx, peer, containerID, validated)
		if err != nil {
			v.logger.Warn("peer verification failed", "peer", peer, "error", err)
			continue
		}
		validated.VerificationResults[peer] = result
		if result.Verified {
			validated.ValidationInfo.ValidatorsCount++
		} else {
			v.reportDiscrepancies(containerID, result)
		}
	}

	validated.ValidationInfo.ConsensusAchieved =
		validated.ValidationInfo.ValidatorsCount >= validated.ValidationInfo.RequiredValidators
}

// GetValidatedState returns the stored validated state for a container.
func (v *StateValidator) GetValidatedState(containerID string) (*ValidatedContainerState, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	state, ok := v.states[containerID]
	return state, ok
}

// VerifyExternalStateProof validates a state received from another node by
// recomputing its hashes and checking temporal ordering against the locally
// stored state for the same container.
func (v *StateValidator) VerifyExternalStateProof(containerID string, incoming *ValidatedContainerState, verifier identity.NodeID) *VerificationResult {
	started := time.Now()
	var discrepancies []StateDiscrepancy

	if incoming == nil || incoming.ContainerState == nil || incoming.StateProof == nil {
		discrepancies = append(discrepancies, StateDiscrepancy{
			Type:    MissingStateComponent,
			Details: "incoming state is missing its container state or proof",
		})
		return v.finishVerification(containerID, verifier, started, discrepancies)
	}

	ok, err := v.calc.VerifyStateProof(incoming.StateProof, incoming.ContainerState, incoming.Resources)
	if err != nil || !ok {
		detail := "recomputed state hash disagrees with proof"
		if err != nil {
			detail = fmt.Sprintf("recomputation failed: %v", err)
		}
		discrepancies = append(discrepancies, StateDiscrepancy{Type: HashMismatch, Details: detail})
	}

	v.mu.Lock()
	local, exists := v.states[containerID]
	v.mu.Unlock()
	if exists {
		localTS := local.StateProof.LogicalTimestamp
		incomingTS := incoming.StateProof.LogicalTimestamp
		if incomingTS <= localTS {
			discrepancies = append(discrepancies, StateDiscrepancy{
				Type: TemporalInconsistency,
				Details: fmt.Sprintf("incoming logical timestamp %d is not after local %d",
					incomingTS, localTS),
			})
		}
		if incomingTS == localTS && local.ContainerState.Status != incoming.ContainerState.Status {
			discrepancies = append(discrepancies, StateDiscrepancy{
				Type: StatusMismatch,
				Details: fmt.Sprintf("status %q disagrees with local %q at the same logical timestamp",
					incoming.ContainerState.Status, local.ContainerState.Status),
			})
		}
	}

	return v.finishVerification(containerID, verifier, started, discrepancies)
}

func (v *StateValidator) finishVerification(containerID string, verifier identity.NodeID, started time.Time, discrepancies []StateDiscrepancy) *VerificationResult {
	result := &VerificationResult{
		VerifierNode:         verifier,
		Verified:             len(discrepancies) == 0,
		VerifiedAt:           time.Now(),
		Discrepancies:        discrepancies,
		VerificationDuration: time.Since(started),
	}
	if !result.Verified {
		v.reportDiscrepancies(containerID, result)
	}
	return result
}

func (v *StateValidator) reportDiscrepancies(containerID string, result *VerificationResult) {
	details := make([]string, 0, len(result.Discrepancies))
	for _, d := range result.Discrepancies {
		details = append(details, string(d.Type))
		v.logger.Warn("state discrepancy detected",
			"container", containerID, "type", string(d.Type), "details", d.Details)
	}
	v.guard.ReportFault(result.VerifierNode, fmt.Sprintf("discrepancies on container %s", containerID))
	if v.alerts != nil {
		if err := v.alerts.SendDiscrepancyAlert(containerID, string(result.VerifierNode), details); err != nil {
			v.logger.Error("failed to send discrepancy alert", "error", err)
		}
	}
}

// CleanupOldStates evicts every validated state whose proof is older than
// maxAge. Maintenance only; has no caller-visible failure mode.
func (v *StateValidator) CleanupOldStates(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	v.mu.Lock()
	var evicted []string
	for id, state := range v.states {
		if state.StateProof.GeneratedAt.Before(cutoff) {
			delete(v.states, id)
			evicted = append(evicted, id)
		}
	}
	cached := len(v.states)
	v.mu.Unlock()

	for _, id := range evicted {
		if v.store != nil {
			if err := v.store.DeleteState(id); err != nil {
				v.logger.Warn("failed to delete persisted state", "container", id, "error", err)
			}
		}
	}
	if v.prom != nil {
		v.prom.ValidatedStates.Set(float64(cached))
	}
	if len(evicted) > 0 {
		v.logger.Info("cleaned up old validated states", "evicted", len(evicted))
	}
}

// Metrics returns a snapshot of aggregate validation metrics.
func (v *StateValidator) Metrics() ValidationMetrics {
	v.mu.Lock()
	defer v.mu.Unlock()
	m := v.metricsData
	m.CachedStates = len(v.states)
	return m
}

func (v *StateValidator) recordValidation(success bool, latency time.Duration) {
	v.mu.Lock()
	v.metricsData.TotalValidations++
	if success {
		v.metricsData.SuccessfulValidations++
	} else {
		v.metricsData.FailedValidations++
	}
	if v.metricsData.AverageLatency == 0 {
		v.metricsData.AverageLatency = latency
	} else {
		v.metricsData.AverageLatency = time.Duration(
			float64(v.metricsData.AverageLatency)*latencyKeep + float64(latency)*latencyNew)
	}
	v.metricsData.LastValidation = time.Now()
	v.mu.Unlock()

	if v.prom != nil {
		v.prom.RecordValidation(success, latency)
	}
}

func (v *StateValidator) persistState(containerID string, state *ValidatedContainerState) {
	if v.store == nil {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		v.logger.Error("failed to encode validated state", "container", containerID, "error", err)
		return
	}
	if err := v.store.PutState(containerID, data); err != nil {
		v.logger.Error("failed to persist validated state", "container", containerID, "error", err)
	}
}

// RestoreStates reloads persisted validated states, typically at startup.
func (v *StateValidator) RestoreStates() error {
	if v.store == nil {
		return nil
	}
	persisted, err := v.store.States()
	if err != nil {
		return fmt.Errorf("failed to load persisted states: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for id, data := range persisted {
		var state ValidatedContainerState
		if err := json.Unmarshal(data, &state); err != nil {
			v.logger.Warn("skipping undecodable persisted state", "container", id, "error", err)
			continue
		}
		v.states[id] = &state
	}
	return nil
}
