package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/hypermesh-online/hypermesh/internal/alert"
	"github.com/hypermesh-online/hypermesh/internal/config"
	"github.com/hypermesh-online/hypermesh/internal/consensus"
	"github.com/hypermesh-online/hypermesh/internal/identity"
	"github.com/hypermesh-online/hypermesh/internal/metrics"
	"github.com/hypermesh-online/hypermesh/internal/storage"
	"github.com/hypermesh-online/hypermesh/internal/verify"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hypermesh",
	Short: "Hypermesh - distributed state coordination substrate",
	Long:  `A Byzantine fault tolerant consensus and state validation node for container clusters`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "hypermesh.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("hypermesh v0.1.0-alpha")
		fmt.Println("Distributed State Coordination Substrate")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize hypermesh node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := storage.New(filepath.Join(cfg.Node.DataDir, "hypermesh.db"))
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		keypair, err := identity.Generate(identity.NodeID(cfg.Node.ID))
		if err != nil {
			return fmt.Errorf("failed to generate node keypair: %w", err)
		}
		keyPath := filepath.Join(cfg.Node.DataDir, "node.key")
		if err := keypair.Save(keyPath); err != nil {
			return fmt.Errorf("failed to save node keypair: %w", err)
		}

		fmt.Printf("Initialized hypermesh node: %s\n", cfg.Node.ID)
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Node key: %s\n", keyPath)

		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start hypermesh node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger := hclog.New(&hclog.LoggerOptions{
			Name:  "hypermesh",
			Level: hclog.Info,
		})

		store, err := storage.New(filepath.Join(cfg.Node.DataDir, "hypermesh.db"))
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		keypair, err := identity.Load(identity.NodeID(cfg.Node.ID), filepath.Join(cfg.Node.DataDir, "node.key"))
		if err != nil {
			return fmt.Errorf("failed to load node keypair (run 'hypermesh init' first): %w", err)
		}

		registry := identity.NewRegistry()
		network := consensus.NewLocalNetwork()
		transport := network.Join(keypair.Node)

		engine := consensus.New(cfg.Consensus, keypair, registry, transport, logger)
		engine.AttachStore(store)

		var prom *metrics.Metrics
		if cfg.Metrics.Enabled {
			prom = metrics.New("hypermesh")
			engine.AttachMetrics(prom)
			server := metrics.NewServer(cfg.Metrics.Addr, prom)
			server.StartAsync()
			defer server.Stop()
			logger.Info("metrics server listening", "addr", cfg.Metrics.Addr)
		}

		if err := engine.Start(); err != nil {
			return fmt.Errorf("failed to start consensus engine: %w", err)
		}
		defer engine.Stop()

		members := []identity.NodeID{keypair.Node}
		for _, peer := range cfg.Node.Peers {
			members = append(members, identity.NodeID(peer))
		}
		engine.JoinCluster(members)

		validator := verify.NewStateValidator(keypair.Node, verify.NopGuard{}, cfg.Validation.ToleratedFaults, logger)
		validator.AttachStore(store)
		if cfg.Alerts.Enabled {
			validator.AttachAlerts(alert.NewManager(true, cfg.Alerts.SlackWebhook))
		}
		if prom != nil {
			validator.AttachMetrics(prom)
		}
		if err := validator.RestoreStates(); err != nil {
			return fmt.Errorf("failed to restore validated states: %w", err)
		}

		cleanupTicker := time.NewTicker(cfg.Validation.MaxAge() / 4)
		defer cleanupTicker.Stop()
		go func() {
			for range cleanupTicker.C {
				validator.CleanupOldStates(cfg.Validation.MaxAge())
			}
		}()

		status := engine.ByzantineStatus()
		logger.Info("node running",
			"id", cfg.Node.ID,
			"members", status.TotalNodes,
			"byzantine_fault_tolerance", status.Enabled,
			"max_byzantine_failures", status.MaxByzantineFailures)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")

		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status from the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := storage.New(filepath.Join(cfg.Node.DataDir, "hypermesh.db"))
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		term, err := store.GetUint64([]byte("current_term"))
		if err != nil {
			return fmt.Errorf("failed to read term: %w", err)
		}

		lastIndex, hasLog, err := store.LastLogIndex()
		if err != nil {
			return fmt.Errorf("failed to read log: %w", err)
		}

		states, err := store.States()
		if err != nil {
			return fmt.Errorf("failed to read validated states: %w", err)
		}

		fmt.Printf("Node: %s\n", cfg.Node.ID)
		fmt.Printf("Current term: %d\n", term)
		if hasLog {
			fmt.Printf("Last log index: %d\n", lastIndex)
		} else {
			fmt.Println("Log: empty")
		}
		fmt.Printf("Validated states: %d\n", len(states))

		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
