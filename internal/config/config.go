package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node       NodeConfig       `mapstructure:"node"`
	Consensus  ConsensusConfig  `mapstructure:"consensus"`
	Validation ValidationConfig `mapstructure:"validation"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type NodeConfig struct {
	ID      string   `mapstructure:"id"`
	DataDir string   `mapstructure:"data_dir"`
	Peers   []string `mapstructure:"peers"`
}

type ConsensusConfig struct {
	ElectionTimeoutMinMs    int  `mapstructure:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs    int  `mapstructure:"election_timeout_max_ms"`
	HeartbeatIntervalMs     int  `mapstructure:"heartbeat_interval_ms"`
	MaxEntriesPerRequest    int  `mapstructure:"max_entries_per_request"`
	ByzantineFaultTolerance bool `mapstructure:"byzantine_fault_tolerance"`
	ByzantineConfirmations  int  `mapstructure:"byzantine_confirmations"`
	PhaseTimeoutMs          int  `mapstructure:"pbft_phase_timeout_ms"`
}

type ValidationConfig struct {
	ToleratedFaults int    `mapstructure:"tolerated_faults"`
	StateMaxAge     string `mapstructure:"state_max_age"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	if c.Consensus.ElectionTimeoutMinMs == 0 {
		c.Consensus.ElectionTimeoutMinMs = 150
	}
	if c.Consensus.ElectionTimeoutMaxMs == 0 {
		c.Consensus.ElectionTimeoutMaxMs = 300
	}
	if c.Consensus.HeartbeatIntervalMs == 0 {
		c.Consensus.HeartbeatIntervalMs = 50
	}
	if c.Consensus.MaxEntriesPerRequest == 0 {
		c.Consensus.MaxEntriesPerRequest = 64
	}
	if c.Consensus.PhaseTimeoutMs == 0 {
		c.Consensus.PhaseTimeoutMs = 5000
	}
	if c.Consensus.ByzantineConfirmations == 0 {
		c.Consensus.ByzantineConfirmations = 3
	}

	if c.Consensus.ElectionTimeoutMaxMs <= c.Consensus.ElectionTimeoutMinMs {
		return fmt.Errorf("consensus.election_timeout_max_ms must be greater than election_timeout_min_ms")
	}
	// A healthy leader must heartbeat faster than any follower can time out.
	if c.Consensus.HeartbeatIntervalMs >= c.Consensus.ElectionTimeoutMinMs {
		return fmt.Errorf("consensus.heartbeat_interval_ms (%d) must be less than election_timeout_min_ms (%d)",
			c.Consensus.HeartbeatIntervalMs, c.Consensus.ElectionTimeoutMinMs)
	}
	if c.Consensus.ByzantineFaultTolerance && c.Consensus.ByzantineConfirmations < 3 {
		return fmt.Errorf("consensus.byzantine_confirmations must be at least 3 when byzantine_fault_tolerance is enabled")
	}

	if c.Validation.StateMaxAge == "" {
		c.Validation.StateMaxAge = "1h"
	}
	if _, err := time.ParseDuration(c.Validation.StateMaxAge); err != nil {
		return fmt.Errorf("invalid validation.state_max_age: %w", err)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}

	return nil
}

func (c *ConsensusConfig) ElectionTimeoutMin() time.Duration {
	return time.Duration(c.ElectionTimeoutMinMs) * time.Millisecond
}

func (c *ConsensusConfig) ElectionTimeoutMax() time.Duration {
	return time.Duration(c.ElectionTimeoutMaxMs) * time.Millisecond
}

func (c *ConsensusConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c *ConsensusConfig) PhaseTimeout() time.Duration {
	return time.Duration(c.PhaseTimeoutMs) * time.Millisecond
}

func (c *ValidationConfig) MaxAge() time.Duration {
	d, err := time.ParseDuration(c.StateMaxAge)
	if err != nil {
		return time.Hour
	}
	return d
}
