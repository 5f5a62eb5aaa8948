package consensus

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hypermesh-online/hypermesh/internal/config"
	"github.com/hypermesh-online/hypermesh/internal/identity"
	"github.com/hypermesh-online/hypermesh/internal/storage"
)

func testConsensusConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		ElectionTimeoutMinMs:   50,
		ElectionTimeoutMaxMs:   150,
		HeartbeatIntervalMs:    15,
		MaxEntriesPerRequest:   64,
		ByzantineConfirmations: 3,
		PhaseTimeoutMs:         2000,
	}
}

func newTestEngine(t *testing.T, node identity.NodeID, network *LocalNetwork, registry *identity.Registry, cfg config.ConsensusConfig) *Engine {
	t.Helper()
	kp, err := identity.Generate(node)
	if err != nil {
		t.Fatal(err)
	}
	transport := network.Join(node)
	return New(cfg, kp, registry, transport, hclog.NewNullLogger())
}

func (e *Engine) logEntryForTest(index uint64) (*LogEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.log.entry(index)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitForLeader(t *testing.T, engines []*Engine) *Engine {
	t.Helper()
	var leader *Engine
	waitFor(t, 5*time.Second, func() bool {
		for _, e := range engines {
			if e.State() == Leader {
				leader = e
				return true
			}
		}
		return false
	}, "no leader elected")
	return leader
}

func TestSingleNodeBootstrapCommits(t *testing.T) {
	cfg := testConsensusConfig()
	cfg.ByzantineFaultTolerance = true

	registry := identity.NewRegistry()
	network := NewLocalNetwork()
	engine := newTestEngine(t, "node-1", network, registry, cfg)

	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()
	engine.JoinCluster([]identity.NodeID{"node-1"})

	waitFor(t, 5*time.Second, func() bool { return engine.State() == Leader },
		"single node never became leader")

	err := engine.Propose(context.Background(), SetProposal{Key: "k", Value: []byte("v")})
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	stats := engine.Stats()
	if stats.ProposalsCommitted != 1 {
		t.Errorf("ProposalsCommitted = %d, want 1", stats.ProposalsCommitted)
	}
	if stats.LogLength != 1 {
		t.Errorf("LogLength = %d, want 1", stats.LogLength)
	}

	value, ok := engine.Value("k")
	if !ok || string(value) != "v" {
		t.Errorf("Value(k) = %q, %v", value, ok)
	}
}

func TestProposeRejectedWhenNotLeader(t *testing.T) {
	cfg := testConsensusConfig()
	// Keep the node a follower for the duration of the test.
	cfg.ElectionTimeoutMinMs = 10000
	cfg.ElectionTimeoutMaxMs = 20000

	registry := identity.NewRegistry()
	network := NewLocalNetwork()
	engine := newTestEngine(t, "node-1", network, registry, cfg)

	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()
	engine.JoinCluster([]identity.NodeID{"node-1", "node-2", "node-3"})

	err := engine.Propose(context.Background(), SetProposal{Key: "k", Value: []byte("v")})
	if !IsNotLeader(err) {
		t.Fatalf("expected NotLeaderError, got %v", err)
	}
}

func TestProposeAfterStop(t *testing.T) {
	registry := identity.NewRegistry()
	network := NewLocalNetwork()
	engine := newTestEngine(t, "node-1", network, registry, testConsensusConfig())

	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	engine.Stop()

	err := engine.Propose(context.Background(), DeleteProposal{Key: "k"})
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestByzantineStatusFourNodes(t *testing.T) {
	cfg := testConsensusConfig()
	cfg.ByzantineFaultTolerance = true

	registry := identity.NewRegistry()
	network := NewLocalNetwork()
	engine := newTestEngine(t, "node-1", network, registry, cfg)
	engine.JoinCluster([]identity.NodeID{"node-1", "node-2", "node-3", "node-4"})

	status := engine.ByzantineStatus()
	if status.TotalNodes != 4 {
		t.Errorf("TotalNodes = %d, want 4", status.TotalNodes)
	}
	if status.MaxByzantineFailures != 1 {
		t.Errorf("MaxByzantineFailures = %d, want 1", status.MaxByzantineFailures)
	}
	if !status.CanTolerateFaults {
		t.Error("CanTolerateFaults = false, want true")
	}
	if !status.Enabled {
		t.Error("Enabled = false, want true")
	}
}

func TestByzantineStatusSingleNode(t *testing.T) {
	registry := identity.NewRegistry()
	network := NewLocalNetwork()
	engine := newTestEngine(t, "node-1", network, registry, testConsensusConfig())

	status := engine.ByzantineStatus()
	if status.MaxByzantineFailures != 0 {
		t.Errorf("MaxByzantineFailures = %d, want 0", status.MaxByzantineFailures)
	}
	if status.CanTolerateFaults {
		t.Error("single node cannot tolerate Byzantine faults")
	}
}

func TestThreeNodeClusterElectsOneLeader(t *testing.T) {
	registry := identity.NewRegistry()
	network := NewLocalNetwork()
	members := []identity.NodeID{"node-1", "node-2", "node-3"}

	var engines []*Engine
	for _, node := range members {
		engines = append(engines, newTestEngine(t, node, network, registry, testConsensusConfig()))
	}
	for _, e := range engines {
		if err := e.Start(); err != nil {
			t.Fatal(err)
		}
		defer e.Stop()
	}
	for _, e := range engines {
		e.JoinCluster(members)
	}

	leader := waitForLeader(t, engines)

	// A healthy leader's heartbeats keep the others followers.
	time.Sleep(500 * time.Millisecond)
	leaders := 0
	for _, e := range engines {
		if e.State() == Leader {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("expected exactly 1 leader, got %d", leaders)
	}

	if err := leader.Propose(context.Background(), SetProposal{Key: "color", Value: []byte("blue")}); err != nil {
		t.Fatalf("Propose on leader failed: %v", err)
	}
	if leader.Stats().ProposalsCommitted != 1 {
		t.Errorf("ProposalsCommitted = %d, want 1", leader.Stats().ProposalsCommitted)
	}
}

func TestFourNodeByzantineCommit(t *testing.T) {
	cfg := testConsensusConfig()
	cfg.ByzantineFaultTolerance = true

	registry := identity.NewRegistry()
	network := NewLocalNetwork()
	members := []identity.NodeID{"node-1", "node-2", "node-3", "node-4"}

	var engines []*Engine
	for _, node := range members {
		engines = append(engines, newTestEngine(t, node, network, registry, cfg))
	}
	for _, e := range engines {
		if err := e.Start(); err != nil {
			t.Fatal(err)
		}
		defer e.Stop()
	}
	for _, e := range engines {
		e.JoinCluster(members)
	}

	leader := waitForLeader(t, engines)

	err := leader.Propose(context.Background(), SetProposal{Key: "k", Value: []byte("v")})
	if err != nil {
		t.Fatalf("Byzantine commit failed: %v", err)
	}

	entry, ok := leader.logEntryForTest(0)
	if !ok {
		t.Fatal("committed entry missing from log")
	}
	if len(entry.Attestations) < cfg.ByzantineConfirmations {
		t.Errorf("committed entry has %d attestations, want >= %d",
			len(entry.Attestations), cfg.ByzantineConfirmations)
	}
}

func TestMembershipChangeCommit(t *testing.T) {
	registry := identity.NewRegistry()
	network := NewLocalNetwork()
	engine := newTestEngine(t, "node-1", network, registry, testConsensusConfig())

	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()
	engine.JoinCluster([]identity.NodeID{"node-1"})

	waitFor(t, 5*time.Second, func() bool { return engine.State() == Leader },
		"single node never became leader")

	if err := engine.Propose(context.Background(), MembershipChange{Action: AddNode, Node: "node-2"}); err != nil {
		t.Fatalf("membership proposal failed: %v", err)
	}
	if engine.Stats().Members != 2 {
		t.Errorf("Members = %d, want 2", engine.Stats().Members)
	}

	if err := engine.Propose(context.Background(), MembershipChange{Action: RemoveNode, Node: "node-2"}); err != nil {
		t.Fatalf("membership removal failed: %v", err)
	}
	if engine.Stats().Members != 1 {
		t.Errorf("Members = %d, want 1", engine.Stats().Members)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "hypermesh-engine-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	defer os.Remove(tmpfile.Name())

	store, err := storage.New(tmpfile.Name())
	if err != nil {
		t.Fatal(err)
	}

	registry := identity.NewRegistry()
	network := NewLocalNetwork()
	engine := newTestEngine(t, "node-1", network, registry, testConsensusConfig())
	engine.AttachStore(store)

	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	engine.JoinCluster([]identity.NodeID{"node-1"})
	waitFor(t, 5*time.Second, func() bool { return engine.State() == Leader },
		"single node never became leader")

	if err := engine.Propose(context.Background(), SetProposal{Key: "k1", Value: []byte("v1")}); err != nil {
		t.Fatal(err)
	}
	if err := engine.Propose(context.Background(), SetProposal{Key: "k2", Value: []byte("v2")}); err != nil {
		t.Fatal(err)
	}
	engine.Stop()
	store.Close()

	store, err = storage.New(tmpfile.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	network2 := NewLocalNetwork()
	restarted := newTestEngine(t, "node-1", network2, identity.NewRegistry(), testConsensusConfig())
	restarted.AttachStore(store)
	if err := restarted.Start(); err != nil {
		t.Fatal(err)
	}
	defer restarted.Stop()

	if restarted.Stats().LogLength != 2 {
		t.Errorf("restored LogLength = %d, want 2", restarted.Stats().LogLength)
	}
	value, ok := restarted.Value("k2")
	if !ok || string(value) != "v2" {
		t.Errorf("restored Value(k2) = %q, %v", value, ok)
	}
}
