package consensus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hypermesh-online/hypermesh/internal/hash"
	"github.com/hypermesh-online/hypermesh/internal/identity"
)

// Role is the node's position in the consensus protocol.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Proposal is a state mutation submitted to the cluster. The set of kinds is
// closed; applying a proposal switches exhaustively over them.
type Proposal interface {
	proposal()
	Kind() string
}

type SetProposal struct {
	Key   string
	Value []byte
}

func (SetProposal) proposal()    {}
func (SetProposal) Kind() string { return "set" }

type DeleteProposal struct {
	Key string
}

func (DeleteProposal) proposal()    {}
func (DeleteProposal) Kind() string { return "delete" }

type MembershipAction string

const (
	AddNode    MembershipAction = "add"
	RemoveNode MembershipAction = "remove"
)

type MembershipChange struct {
	Action MembershipAction
	Node   identity.NodeID
}

func (MembershipChange) proposal()    {}
func (MembershipChange) Kind() string { return "membership" }

// proposalEnvelope is the wire/storage form of a Proposal.
type proposalEnvelope struct {
	Kind   string           `json:"kind"`
	Key    string           `json:"key,omitempty"`
	Value  []byte           `json:"value,omitempty"`
	Action MembershipAction `json:"action,omitempty"`
	Node   identity.NodeID  `json:"node,omitempty"`
}

func encodeProposal(p Proposal) proposalEnvelope {
	switch v := p.(type) {
	case SetProposal:
		return proposalEnvelope{Kind: v.Kind(), Key: v.Key, Value: v.Value}
	case DeleteProposal:
		return proposalEnvelope{Kind: v.Kind(), Key: v.Key}
	case MembershipChange:
		return proposalEnvelope{Kind: v.Kind(), Action: v.Action, Node: v.Node}
	default:
		return proposalEnvelope{Kind: "unknown"}
	}
}

func decodeProposal(env proposalEnvelope) (Proposal, error) {
	switch env.Kind {
	case "set":
		return SetProposal{Key: env.Key, Value: env.Value}, nil
	case "delete":
		return DeleteProposal{Key: env.Key}, nil
	case "membership":
		return MembershipChange{Action: env.Action, Node: env.Node}, nil
	default:
		return nil, fmt.Errorf("unknown proposal kind: %s", env.Kind)
	}
}

// Attestation is one node's signature over a log entry digest. Once attached
// to an entry it is never mutated.
type Attestation struct {
	Node      identity.NodeID `json:"node"`
	Signature []byte          `json:"signature"`
	Timestamp time.Time       `json:"timestamp"`
}

// LogEntry is one slot in the append-only proposal log.
type LogEntry struct {
	Term         uint64
	Index        uint64
	Proposal     Proposal
	Timestamp    time.Time
	Attestations []Attestation
}

type logEntryWire struct {
	Term         uint64           `json:"term"`
	Index        uint64           `json:"index"`
	Proposal     proposalEnvelope `json:"proposal"`
	Timestamp    time.Time        `json:"timestamp"`
	Attestations []Attestation    `json:"attestations,omitempty"`
}

func (e *LogEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(logEntryWire{
		Term:         e.Term,
		Index:        e.Index,
		Proposal:     encodeProposal(e.Proposal),
		Timestamp:    e.Timestamp,
		Attestations: e.Attestations,
	})
}

func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var wire logEntryWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	proposal, err := decodeProposal(wire.Proposal)
	if err != nil {
		return err
	}
	e.Term = wire.Term
	e.Index = wire.Index
	e.Proposal = proposal
	e.Timestamp = wire.Timestamp
	e.Attestations = wire.Attestations
	return nil
}

// Digest fingerprints the entry's identity: term, index and proposal.
// Attestations are excluded so signing and verification see the same bytes.
func (e *LogEntry) Digest() (hash.Digest, error) {
	return hash.Calculate(struct {
		Term     uint64           `json:"term"`
		Index    uint64           `json:"index"`
		Proposal proposalEnvelope `json:"proposal"`
	}{e.Term, e.Index, encodeProposal(e.Proposal)})
}

// MessageType discriminates consensus wire messages.
type MessageType string

const (
	MsgHeartbeat          MessageType = "heartbeat"
	MsgHeartbeatAck       MessageType = "heartbeat_ack"
	MsgVoteRequest        MessageType = "vote_request"
	MsgVoteReply          MessageType = "vote_reply"
	MsgPrePrepare         MessageType = "pre_prepare"
	MsgPrepare            MessageType = "prepare"
	MsgCommit             MessageType = "commit"
	MsgAttestationRequest MessageType = "attestation_request"
	MsgAttestationReply   MessageType = "attestation_reply"
)

// Message is the single wire envelope exchanged between nodes. Unused fields
// stay at their zero values for a given type.
type Message struct {
	Type         MessageType     `json:"type"`
	From         identity.NodeID `json:"from"`
	Term         uint64          `json:"term"`
	View         uint64          `json:"view,omitempty"`
	Sequence     uint64          `json:"sequence,omitempty"`
	Digest       []byte          `json:"digest,omitempty"`
	Granted      bool            `json:"granted,omitempty"`
	Signature    []byte          `json:"signature,omitempty"`
	CommittedLen uint64          `json:"committed_len,omitempty"`
	Attestation  *Attestation    `json:"attestation,omitempty"`
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	State              Role
	Term               uint64
	Members            int
	LogLength          uint64
	ProposalsSubmitted uint64
	ProposalsCommitted uint64
	ProposalsFailed    uint64
}

// ByzantineStatus summarizes the cluster's fault-tolerance envelope.
type ByzantineStatus struct {
	Enabled               bool
	TotalNodes            int
	MaxByzantineFailures  int
	CanTolerateFaults     bool
	RequiredConfirmations int
}

// maxByzantineFailures returns the number of Byzantine nodes a cluster of the
// given size can tolerate: (n-1)/3 for n >= 4, otherwise none.
func maxByzantineFailures(totalNodes int) int {
	if totalNodes < 4 {
		return 0
	}
	return (totalNodes - 1) / 3
}
