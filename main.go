package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/luoyjx/crdt-swarm/config"
)

var version = "dev"

var (
	configFile string
	overrides  config.Config
)

var rootCmd = &cobra.Command{
	Use:   "crdt-swarm",
	Short: "Coordinator-free shared state for a swarm of bots",
	Long: `crdt-swarm runs one replica of the state a swarm of bots shares:
explored tiles, visited cells, hazards, target claims, positions, the
leased leader and task parties. Replicas converge by exchanging container
snapshots over gossip, an optional Redis relay, and optional HTTP
anti-entropy.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a replica until interrupted",
	Long: `Runs a replica. Settings come from the defaults, then the config
file, then CRDT_* environment variables, then flags.

Examples:
  crdt-swarm serve --config node.yaml
  crdt-swarm serve --bot-id scout-2 --peer-addr :7947 --seeds 10.0.0.1:7946`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "crdt-swarm", version)
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "JSON or YAML config file")
	flags.StringVar(&overrides.BotID, "bot-id", "", "bot identifier")
	flags.StringVar(&overrides.DataDir, "data-dir", "", "directory for the snapshot database")
	flags.StringVar(&overrides.PeerAddr, "peer-addr", "", "gossip listen address")
	flags.StringSliceVar(&overrides.Seeds, "seeds", nil, "gossip addresses to dial at start-up")
	flags.StringVar(&overrides.AdminAddr, "admin-addr", "", "RESP admin listen address")
	flags.StringVar(&overrides.MetricsAddr, "metrics-addr", "", "Prometheus metrics listen address")
	flags.StringVar(&overrides.RelayAddr, "relay-addr", "", "Redis address for the pub/sub relay")
	flags.StringVar(&overrides.SyncAddr, "sync-addr", "", "HTTP anti-entropy listen address")
	flags.StringSliceVar(&overrides.SyncPeers, "sync-peers", nil, "HTTP anti-entropy peer URLs")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(serveCmd, versionCmd)
}

// loadConfig layers defaults, the config file, the environment and flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return nil, err
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	apply := func(name string, dst *string, val string) {
		if flags.Changed(name) {
			*dst = val
		}
	}
	apply("bot-id", &cfg.BotID, overrides.BotID)
	apply("data-dir", &cfg.DataDir, overrides.DataDir)
	apply("peer-addr", &cfg.PeerAddr, overrides.PeerAddr)
	apply("admin-addr", &cfg.AdminAddr, overrides.AdminAddr)
	apply("metrics-addr", &cfg.MetricsAddr, overrides.MetricsAddr)
	apply("relay-addr", &cfg.RelayAddr, overrides.RelayAddr)
	apply("sync-addr", &cfg.SyncAddr, overrides.SyncAddr)
	apply("log-level", &cfg.LogLevel, overrides.LogLevel)
	if flags.Changed("seeds") {
		cfg.Seeds = overrides.Seeds
	}
	if flags.Changed("sync-peers") {
		cfg.SyncPeers = overrides.SyncPeers
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer n.close()

	if err := n.start(); err != nil {
		return err
	}
	err = n.run(ctx)
	logger.Info("shutting down")
	return err
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
