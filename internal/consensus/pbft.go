package consensus

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/hashicorp/go-hclog"

	"github.com/hypermesh-online/hypermesh/internal/hash"
	"github.com/hypermesh-online/hypermesh/internal/identity"
)

const (
	phasePrePrepare = "pre-prepare"
	phasePrepare    = "prepare"
	phaseCommit     = "commit"
)

// phaseVotePayload is the byte string a phase vote signs: phase name, view,
// sequence and the proposal digest.
func phaseVotePayload(phase string, view, sequence uint64, digest []byte) []byte {
	payload := make([]byte, 0, len(phase)+16+len(digest))
	payload = append(payload, []byte(phase)...)
	nums := make([]byte, 16)
	binary.BigEndian.PutUint64(nums[:8], view)
	binary.BigEndian.PutUint64(nums[8:], sequence)
	payload = append(payload, nums...)
	payload = append(payload, digest...)
	return payload
}

func phaseForType(msgType MessageType) string {
	switch msgType {
	case MsgPrePrepare:
		return phasePrePrepare
	case MsgPrepare:
		return phasePrepare
	case MsgCommit:
		return phaseCommit
	default:
		return ""
	}
}

// pbftCoordinator drives the pre-prepare/prepare/commit rounds for one
// proposal. Each phase broadcasts a signed vote carrying the proposal digest
// and counts matching, signature-verified votes (own vote included) until the
// 2f+1 quorum is reached or the phase times out.
type pbftCoordinator struct {
	node      identity.NodeID
	keypair   *identity.Keypair
	registry  *identity.Registry
	transport Transport
	logger    hclog.Logger
}

func newPBFTCoordinator(keypair *identity.Keypair, registry *identity.Registry, transport Transport, logger hclog.Logger) *pbftCoordinator {
	return &pbftCoordinator{
		node:      keypair.Node,
		keypair:   keypair,
		registry:  registry,
		transport: transport,
		logger:    logger,
	}
}

// execute runs the three phases in order. A failed phase aborts the whole
// sequence with a PhaseError naming the phase; nothing is applied.
func (p *pbftCoordinator) execute(ctx context.Context, view, sequence uint64, digest hash.Digest, peers []identity.NodeID, quorum int) error {
	for _, msgType := range []MessageType{MsgPrePrepare, MsgPrepare, MsgCommit} {
		if err := p.runPhase(ctx, msgType, view, sequence, digest, peers, quorum); err != nil {
			return err
		}
	}
	return nil
}

func (p *pbftCoordinator) runPhase(ctx context.Context, msgType MessageType, view, sequence uint64, digest hash.Digest, peers []identity.NodeID, quorum int) error {
	phase := phaseForType(msgType)
	payload := phaseVotePayload(phase, view, sequence, digest[:])

	msg := Message{
		Type:      msgType,
		From:      p.node,
		View:      view,
		Sequence:  sequence,
		Digest:    digest[:],
		Signature: p.keypair.Sign(payload),
	}

	votes := 1 // own vote
	if votes >= quorum {
		return nil
	}

	for reply := range broadcast(ctx, p.transport, peers, msg) {
		if reply.Type != msgType || !bytes.Equal(reply.Digest, digest[:]) {
			continue
		}
		if !p.registry.Verify(reply.From, payload, reply.Signature) {
			p.logger.Warn("rejected phase vote with bad signature",
				"phase", phase, "from", reply.From, "sequence", sequence)
			continue
		}
		votes++
		if votes >= quorum {
			return nil
		}
	}

	return &PhaseError{Phase: phase, Sequence: sequence, Votes: votes, Quorum: quorum}
}
