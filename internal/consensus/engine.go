// Package consensus implements the cluster agreement core: a Raft-style
// election and log-replication engine layered with PBFT three-phase commit
// and per-entry Byzantine attestations.
package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hypermesh-online/hypermesh/internal/config"
	"github.com/hypermesh-online/hypermesh/internal/hash"
	"github.com/hypermesh-online/hypermesh/internal/identity"
	"github.com/hypermesh-online/hypermesh/internal/metrics"
	"github.com/hypermesh-online/hypermesh/internal/storage"
)

var (
	metaTermKey = []byte("current_term")
	metaVoteKey = []byte("voted_for")
)

type proposalRequest struct {
	proposal Proposal
	resp     chan error
}

// Engine coordinates ordered state mutation across the cluster. One run
// goroutine owns the timers and the proposal intake; shared fields are
// guarded by a mutex held only for the duration of a mutation, never across
// a network or disk operation.
type Engine struct {
	cfg       config.ConsensusConfig
	node      identity.NodeID
	keypair   *identity.Keypair
	registry  *identity.Registry
	transport Transport
	logger    hclog.Logger

	collector *signatureCollector
	pbft      *pbftCoordinator

	store *storage.Store
	prom  *metrics.Metrics

	mu       sync.RWMutex
	running  bool
	role     Role
	term     uint64
	votedFor identity.NodeID
	members  map[identity.NodeID]struct{}
	log      *replicator
	leader   *leaderState
	kv       map[string][]byte
	accepted map[uint64][]byte // pre-prepare digests by sequence
	pending  map[uint64]chan error
	stats    Stats

	proposeCh chan *proposalRequest
	resetCh   chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
}

func New(cfg config.ConsensusConfig, keypair *identity.Keypair, registry *identity.Registry, transport Transport, logger hclog.Logger) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("consensus").With("node", string(keypair.Node))

	e := &Engine{
		cfg:       cfg,
		node:      keypair.Node,
		keypair:   keypair,
		registry:  registry,
		transport: transport,
		logger:    logger,
		collector: newSignatureCollector(keypair, registry, cfg.ByzantineConfirmations),
		pbft:      newPBFTCoordinator(keypair, registry, transport, logger),
		role:      Follower,
		members:   map[identity.NodeID]struct{}{keypair.Node: {}},
		log:       newReplicator(),
		kv:        make(map[string][]byte),
		accepted:  make(map[uint64][]byte),
		pending:   make(map[uint64]chan error),
		proposeCh: make(chan *proposalRequest),
		resetCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	registry.Register(keypair.Node, keypair.Public)
	return e
}

// AttachStore enables persistence of the committed log and stable metadata.
// Must be called before Start.
func (e *Engine) AttachStore(store *storage.Store) {
	e.store = store
}

// AttachMetrics enables Prometheus instrumentation. Must be called before
// Start.
func (e *Engine) AttachMetrics(m *metrics.Metrics) {
	e.prom = m
}

func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	if err := e.restoreLocked(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to restore persisted state: %w", err)
	}
	e.running = true
	e.mu.Unlock()

	e.transport.Handle(e.handleMessage)
	go e.run()

	e.logger.Info("engine started",
		"byzantine_fault_tolerance", e.cfg.ByzantineFaultTolerance,
		"byzantine_confirmations", e.cfg.ByzantineConfirmations)
	return nil
}

// restoreLocked reloads term, vote and the committed log from the store.
func (e *Engine) restoreLocked() error {
	if e.store == nil {
		return nil
	}
	term, err := e.store.GetUint64(metaTermKey)
	if err != nil {
		return err
	}
	e.term = term
	vote, err := e.store.GetMeta(metaVoteKey)
	if err != nil {
		return err
	}
	e.votedFor = identity.NodeID(vote)

	raw, err := e.store.LogEntries()
	if err != nil {
		return err
	}
	for _, data := range raw {
		var entry LogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("failed to decode persisted log entry: %w", err)
		}
		if !e.log.restore(&entry) {
			return fmt.Errorf("persisted log entry %d out of order", entry.Index)
		}
		e.applyLocked(&entry)
	}
	return nil
}

// Stop shuts the engine down and fails every pending proposal immediately
// rather than leaving callers blocked.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopCh)
	<-e.done
	e.logger.Info("engine stopped")
}

// JoinCluster replaces the membership, resets the role to Follower and
// discards any leader state.
func (e *Engine) JoinCluster(members []identity.NodeID) {
	e.mu.Lock()
	e.members = make(map[identity.NodeID]struct{}, len(members)+1)
	e.members[e.node] = struct{}{}
	for _, m := range members {
		e.members[m] = struct{}{}
	}
	e.role = Follower
	e.leader = nil
	size := len(e.members)
	e.mu.Unlock()

	e.pokeTimer()
	if e.prom != nil {
		e.prom.ClusterSize.Set(float64(size))
		e.prom.Role.Set(float64(Follower))
	}
	e.logger.Info("joined cluster", "members", size)
}

// Propose submits a proposal and blocks until it commits, fails, or ctx ends.
// Only the leader accepts proposals.
func (e *Engine) Propose(ctx context.Context, proposal Proposal) error {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	req := &proposalRequest{proposal: proposal, resp: make(chan error, 1)}
	select {
	case e.proposeCh <- req:
	case <-e.stopCh:
		return ErrStopping
	case <-ctx.Done():
		return fmt.Errorf("proposal cancelled: %w", ctx.Err())
	}

	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return fmt.Errorf("proposal cancelled: %w", ctx.Err())
	}
}

// State returns the current role.
func (e *Engine) State() Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.role
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.stats
	s.State = e.role
	s.Term = e.term
	s.Members = len(e.members)
	s.LogLength = e.log.length()
	return s
}

// Value reads a key from the replicated state.
func (e *Engine) Value(key string) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.kv[key]
	return v, ok
}

// ByzantineStatus summarizes the fault-tolerance envelope for the current
// membership.
func (e *Engine) ByzantineStatus() ByzantineStatus {
	e.mu.RLock()
	total := len(e.members)
	e.mu.RUnlock()

	f := maxByzantineFailures(total)
	return ByzantineStatus{
		Enabled:               e.cfg.ByzantineFaultTolerance,
		TotalNodes:            total,
		MaxByzantineFailures:  f,
		CanTolerateFaults:     total >= 3*f+1 && f > 0,
		RequiredConfirmations: e.cfg.ByzantineConfirmations,
	}
}

// run is the engine's event loop: election timer, heartbeat ticker and
// proposal intake.
func (e *Engine) run() {
	defer close(e.done)

	timer := time.NewTimer(e.randomElectionTimeout())
	defer timer.Stop()
	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-e.stopCh:
			e.failPending(ErrStopping)
			return

		case req := <-e.proposeCh:
			e.startProposal(req)

		case <-e.resetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.randomElectionTimeout())

		case <-timer.C:
			e.onElectionTimeout()
			timer.Reset(e.randomElectionTimeout())

		case <-heartbeat.C:
			if e.State() == Leader {
				e.sendHeartbeats()
			}
		}
	}
}

func (e *Engine) randomElectionTimeout() time.Duration {
	min := e.cfg.ElectionTimeoutMin()
	max := e.cfg.ElectionTimeoutMax()
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func (e *Engine) pokeTimer() {
	select {
	case e.resetCh <- struct{}{}:
	default:
	}
}

// onElectionTimeout starts an election, or re-asserts leadership with
// heartbeats if this node already leads.
func (e *Engine) onElectionTimeout() {
	e.mu.Lock()
	if e.role == Leader {
		e.mu.Unlock()
		e.sendHeartbeats()
		return
	}

	e.term++
	e.role = Candidate
	e.votedFor = e.node
	term := e.term
	logLength := e.log.length()
	peers := e.peersLocked()
	memberCount := len(e.members)
	e.mu.Unlock()

	e.persistTermAndVote(term, e.node)
	e.logger.Debug("election started", "term", term)
	if e.prom != nil {
		e.prom.CurrentTerm.Set(float64(term))
		e.prom.Role.Set(float64(Candidate))
	}

	// Single-node bootstrap: no one else to solicit.
	if memberCount <= 1 {
		e.becomeLeader(term)
		return
	}

	go e.solicitVotes(term, logLength, peers, memberCount)
}

// solicitVotes broadcasts RequestVote and promotes to leader on a majority.
func (e *Engine) solicitVotes(term, logLength uint64, peers []identity.NodeID, memberCount int) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ElectionTimeoutMin())
	defer cancel()

	msg := Message{
		Type:         MsgVoteRequest,
		From:         e.node,
		Term:         term,
		CommittedLen: logLength,
	}

	votes := 1 // own vote
	majority := memberCount/2 + 1

	for reply := range broadcast(ctx, e.transport, peers, msg) {
		if reply.Type != MsgVoteReply {
			continue
		}
		if reply.Term > term {
			e.stepDown(reply.Term)
			return
		}
		if !reply.Granted {
			continue
		}
		votes++
		if votes >= majority {
			e.becomeLeader(term)
			return
		}
	}
	e.logger.Debug("election lost", "term", term, "votes", votes, "needed", majority)
}

func (e *Engine) becomeLeader(term uint64) {
	e.mu.Lock()
	if e.term != term || e.role == Leader {
		e.mu.Unlock()
		return
	}
	e.role = Leader
	e.leader = newLeaderState(e.peersLocked(), e.log.length())
	e.mu.Unlock()

	e.logger.Info("became leader", "term", term)
	if e.prom != nil {
		e.prom.Role.Set(float64(Leader))
	}
	e.sendHeartbeats()
}

// stepDown abandons leadership or candidacy after observing a newer term.
func (e *Engine) stepDown(term uint64) {
	e.mu.Lock()
	if term <= e.term && e.role == Follower {
		e.mu.Unlock()
		return
	}
	if term > e.term {
		e.term = term
		e.votedFor = ""
	}
	e.role = Follower
	e.leader = nil
	newTerm := e.term
	e.mu.Unlock()

	e.persistTermAndVote(newTerm, "")
	e.pokeTimer()
	if e.prom != nil {
		e.prom.CurrentTerm.Set(float64(newTerm))
		e.prom.Role.Set(float64(Follower))
	}
}

// sendHeartbeats fans out to every peer. Failed sends are retried once after
// a short backoff; persistent failures are logged, not surfaced.
func (e *Engine) sendHeartbeats() {
	e.mu.RLock()
	term := e.term
	logLength := e.log.length()
	peers := e.peersLocked()
	e.mu.RUnlock()

	msg := Message{
		Type:         MsgHeartbeat,
		From:         e.node,
		Term:         term,
		CommittedLen: logLength,
	}

	for _, peer := range peers {
		go func(peer identity.NodeID) {
			reply, err := e.sendOnce(peer, msg)
			if err != nil {
				time.Sleep(e.cfg.HeartbeatInterval() / 4)
				reply, err = e.sendOnce(peer, msg)
			}
			if err != nil {
				e.logger.Debug("heartbeat failed", "peer", peer, "error", err)
				return
			}
			if reply != nil && reply.Term > term {
				e.stepDown(reply.Term)
			}
		}(peer)
	}
}

func (e *Engine) sendOnce(peer identity.NodeID, msg Message) (*Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HeartbeatInterval())
	defer cancel()
	return e.transport.Send(ctx, peer, msg)
}

func (e *Engine) peersLocked() []identity.NodeID {
	peers := make([]identity.NodeID, 0, len(e.members)-1)
	for m := range e.members {
		if m != e.node {
			peers = append(peers, m)
		}
	}
	return peers
}

// startProposal appends the entry under the intake loop so indices stay
// ordered, then completes attestation, agreement and apply off-loop.
func (e *Engine) startProposal(req *proposalRequest) {
	e.mu.Lock()
	if e.role != Leader {
		role := e.role
		e.mu.Unlock()
		req.resp <- &NotLeaderError{Node: e.node, Role: role}
		return
	}

	entry := e.log.append(e.term, req.proposal)
	e.stats.ProposalsSubmitted++
	e.pending[entry.Index] = req.resp
	peers := e.peersLocked()
	memberCount := len(e.members)
	e.mu.Unlock()

	go e.finishProposal(entry, peers, memberCount, req.resp)
}

func (e *Engine) finishProposal(entry *LogEntry, peers []identity.NodeID, memberCount int, resp chan error) {
	started := time.Now()
	err := e.commitEntry(entry, peers, memberCount)

	e.mu.Lock()
	delete(e.pending, entry.Index)
	if err != nil {
		e.stats.ProposalsFailed++
	} else {
		e.applyLocked(entry)
		e.stats.ProposalsCommitted++
	}
	e.mu.Unlock()

	if err == nil {
		e.persistEntry(entry)
	}
	if e.prom != nil {
		e.prom.RecordProposal(err == nil, time.Since(started))
	}

	select {
	case resp <- err:
	default:
	}
}

func (e *Engine) commitEntry(entry *LogEntry, peers []identity.NodeID, memberCount int) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PhaseTimeout())
	defer cancel()

	if err := e.collector.collect(ctx, entry, peers, e.transport); err != nil {
		return fmt.Errorf("attestation collection failed: %w", err)
	}

	if !e.cfg.ByzantineFaultTolerance {
		return nil
	}

	if !e.collector.validate(entry) {
		return fmt.Errorf("entry %d has insufficient verified attestations: %d < %d",
			entry.Index, len(entry.Attestations), e.cfg.ByzantineConfirmations)
	}

	digest, err := entry.Digest()
	if err != nil {
		return fmt.Errorf("failed to digest entry: %w", err)
	}
	quorum := 2*maxByzantineFailures(memberCount) + 1
	return e.pbft.execute(ctx, entry.Term, entry.Index, digest, peers, quorum)
}

// applyLocked applies a committed entry to the replicated state. The caller
// holds e.mu. The switch is exhaustive over proposal kinds.
func (e *Engine) applyLocked(entry *LogEntry) {
	switch p := entry.Proposal.(type) {
	case SetProposal:
		e.kv[p.Key] = p.Value
	case DeleteProposal:
		delete(e.kv, p.Key)
	case MembershipChange:
		switch p.Action {
		case AddNode:
			e.members[p.Node] = struct{}{}
		case RemoveNode:
			delete(e.members, p.Node)
		}
		if e.prom != nil {
			e.prom.ClusterSize.Set(float64(len(e.members)))
		}
	default:
		e.logger.Error("unknown proposal kind applied", "kind", entry.Proposal.Kind())
	}
}

func (e *Engine) persistEntry(entry *LogEntry) {
	if e.store == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		e.logger.Error("failed to encode log entry", "index", entry.Index, "error", err)
		return
	}
	if err := e.store.PutLogEntry(entry.Index, data); err != nil {
		e.logger.Error("failed to persist log entry", "index", entry.Index, "error", err)
	}
}

func (e *Engine) persistTermAndVote(term uint64, vote identity.NodeID) {
	if e.store == nil {
		return
	}
	if err := e.store.SetUint64(metaTermKey, term); err != nil {
		e.logger.Error("failed to persist term", "error", err)
	}
	if err := e.store.SetMeta(metaVoteKey, []byte(vote)); err != nil {
		e.logger.Error("failed to persist vote", "error", err)
	}
}

func (e *Engine) failPending(err error) {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[uint64]chan error)
	e.mu.Unlock()

	for _, resp := range pending {
		select {
		case resp <- err:
		default:
		}
	}
}

// handleMessage is the inbound side of the protocol, invoked by the
// transport. Critical sections stay short; no lock is held across a send.
func (e *Engine) handleMessage(msg Message) *Message {
	switch msg.Type {
	case MsgHeartbeat:
		return e.handleHeartbeat(msg)
	case MsgVoteRequest:
		return e.handleVoteRequest(msg)
	case MsgPrePrepare, MsgPrepare, MsgCommit:
		return e.handlePhaseVote(msg)
	case MsgAttestationRequest:
		return e.handleAttestationRequest(msg)
	default:
		return nil
	}
}

func (e *Engine) handleHeartbeat(msg Message) *Message {
	e.mu.Lock()
	if msg.Term < e.term {
		term := e.term
		e.mu.Unlock()
		return &Message{Type: MsgHeartbeatAck, From: e.node, Term: term}
	}

	if msg.Term > e.term {
		e.term = msg.Term
		e.votedFor = ""
	}
	e.role = Follower
	e.leader = nil

	// A newer leader advertising a shorter log means our suffix was never
	// committed; discard it.
	if msg.CommittedLen < e.log.length() {
		e.log.truncateFrom(msg.CommittedLen)
		if e.store != nil {
			if err := e.store.TruncateLogFrom(msg.CommittedLen); err != nil {
				e.logger.Error("failed to truncate persisted log", "error", err)
			}
		}
	}
	term := e.term
	e.mu.Unlock()

	e.pokeTimer()
	return &Message{Type: MsgHeartbeatAck, From: e.node, Term: term}
}

func (e *Engine) handleVoteRequest(msg Message) *Message {
	e.mu.Lock()
	if msg.Term > e.term {
		e.term = msg.Term
		e.votedFor = ""
		e.role = Follower
		e.leader = nil
	}

	granted := msg.Term == e.term &&
		(e.votedFor == "" || e.votedFor == msg.From) &&
		msg.CommittedLen >= e.log.length()
	if granted {
		e.votedFor = msg.From
	}
	term := e.term
	vote := e.votedFor
	e.mu.Unlock()

	e.persistTermAndVote(term, vote)
	if granted {
		e.pokeTimer()
	}
	return &Message{Type: MsgVoteReply, From: e.node, Term: term, Granted: granted}
}

// handlePhaseVote answers a PBFT round with this replica's signed vote.
// Prepare and commit votes are only cast for a sequence whose pre-prepare
// was accepted with the same digest.
func (e *Engine) handlePhaseVote(msg Message) *Message {
	phase := phaseForType(msg.Type)
	if !e.registry.Verify(msg.From, phaseVotePayload(phase, msg.View, msg.Sequence, msg.Digest), msg.Signature) {
		e.logger.Warn("rejected phase message with bad signature", "phase", phase, "from", msg.From)
		return nil
	}

	e.mu.Lock()
	switch msg.Type {
	case MsgPrePrepare:
		e.accepted[msg.Sequence] = msg.Digest
	case MsgPrepare, MsgCommit:
		known, ok := e.accepted[msg.Sequence]
		if !ok || !bytes.Equal(known, msg.Digest) {
			e.mu.Unlock()
			return nil
		}
	}
	e.mu.Unlock()

	payload := phaseVotePayload(phase, msg.View, msg.Sequence, msg.Digest)
	return &Message{
		Type:      msg.Type,
		From:      e.node,
		View:      msg.View,
		Sequence:  msg.Sequence,
		Digest:    msg.Digest,
		Signature: e.keypair.Sign(payload),
	}
}

func (e *Engine) handleAttestationRequest(msg Message) *Message {
	if len(msg.Digest) != hash.Size {
		return nil
	}
	var digest hash.Digest
	copy(digest[:], msg.Digest)

	att := e.collector.attest(digest)
	return &Message{
		Type:        MsgAttestationReply,
		From:        e.node,
		Term:        msg.Term,
		Sequence:    msg.Sequence,
		Attestation: &att,
	}
}
