package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hypermesh.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-1
  data_dir: /tmp/hypermesh
  peers:
    - node-2
    - node-3
consensus:
  election_timeout_min_ms: 200
  election_timeout_max_ms: 400
  heartbeat_interval_ms: 60
  byzantine_fault_tolerance: true
  byzantine_confirmations: 3
validation:
  tolerated_faults: 1
  state_max_age: 30m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.ID != "node-1" {
		t.Errorf("node.id = %q", cfg.Node.ID)
	}
	if len(cfg.Node.Peers) != 2 {
		t.Errorf("expected 2 peers, got %d", len(cfg.Node.Peers))
	}
	if !cfg.Consensus.ByzantineFaultTolerance {
		t.Error("byzantine_fault_tolerance not set")
	}
	if cfg.Validation.MaxAge().Minutes() != 30 {
		t.Errorf("state_max_age = %v", cfg.Validation.MaxAge())
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-1
  data_dir: /tmp/hypermesh
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Consensus.ElectionTimeoutMinMs != 150 {
		t.Errorf("default election_timeout_min_ms = %d", cfg.Consensus.ElectionTimeoutMinMs)
	}
	if cfg.Consensus.HeartbeatIntervalMs != 50 {
		t.Errorf("default heartbeat_interval_ms = %d", cfg.Consensus.HeartbeatIntervalMs)
	}
	if cfg.Consensus.ByzantineConfirmations != 3 {
		t.Errorf("default byzantine_confirmations = %d", cfg.Consensus.ByzantineConfirmations)
	}
	if cfg.Consensus.PhaseTimeoutMs != 5000 {
		t.Errorf("default pbft_phase_timeout_ms = %d", cfg.Consensus.PhaseTimeoutMs)
	}
	if cfg.Validation.StateMaxAge != "1h" {
		t.Errorf("default state_max_age = %q", cfg.Validation.StateMaxAge)
	}
}

func TestValidateRequiresNodeID(t *testing.T) {
	path := writeConfig(t, `
node:
  data_dir: /tmp/hypermesh
`)

	if _, err := Load(path); err == nil {
		t.Error("expected error for missing node.id")
	}
}

func TestValidateRejectsSlowHeartbeat(t *testing.T) {
	// A heartbeat interval at or above the election timeout floor would make
	// healthy followers start spurious elections.
	path := writeConfig(t, `
node:
  id: node-1
  data_dir: /tmp/hypermesh
consensus:
  election_timeout_min_ms: 100
  election_timeout_max_ms: 200
  heartbeat_interval_ms: 100
`)

	if _, err := Load(path); err == nil {
		t.Error("expected error for heartbeat_interval_ms >= election_timeout_min_ms")
	}
}

func TestValidateRejectsLowConfirmations(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-1
  data_dir: /tmp/hypermesh
consensus:
  byzantine_fault_tolerance: true
  byzantine_confirmations: 2
`)

	if _, err := Load(path); err == nil {
		t.Error("expected error for byzantine_confirmations < 3 with BFT enabled")
	}
}

func TestValidateRejectsBadMaxAge(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-1
  data_dir: /tmp/hypermesh
validation:
  state_max_age: soon
`)

	if _, err := Load(path); err == nil {
		t.Error("expected error for unparsable state_max_age")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := ConsensusConfig{
		ElectionTimeoutMinMs: 150,
		ElectionTimeoutMaxMs: 300,
		HeartbeatIntervalMs:  50,
		PhaseTimeoutMs:       5000,
	}

	if cfg.ElectionTimeoutMin().Milliseconds() != 150 {
		t.Error("ElectionTimeoutMin mismatch")
	}
	if cfg.ElectionTimeoutMax().Milliseconds() != 300 {
		t.Error("ElectionTimeoutMax mismatch")
	}
	if cfg.HeartbeatInterval().Milliseconds() != 50 {
		t.Error("HeartbeatInterval mismatch")
	}
	if cfg.PhaseTimeout().Seconds() != 5 {
		t.Error("PhaseTimeout mismatch")
	}
}
