// nexus-agent runs on every managed host. It keeps one session open to the
// control plane, streams telemetry, and executes pushed commands, monitor
// assignments, and config updates.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nodenexus/nodenexus/pkg/agent"
	"github.com/nodenexus/nodenexus/pkg/config"
)

// version is stamped by the build.
var version = "dev"

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:           "nexus-agent",
		Short:         "NodeNexus host agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runAgent,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "/etc/nexus/agent.yaml", "path to the agent config file")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		slog.Error("Agent failed", "error", err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, _ []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	// Bad or missing config is fatal: without it there is no server to reach.
	cfg, err := config.LoadAgentFile(configPath)
	if err != nil {
		return err
	}
	log.Info("Starting nexus-agent",
		"version", version, "server", cfg.ServerAddress, "vps_id", cfg.VPSID)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Run blocks, reconnecting forever, until the context is canceled or the
	// server rejects our credentials. Rejection means retrying is pointless.
	if err := agent.NewController(log, cfg, version).Run(ctx); err != nil {
		if errors.Is(err, agent.ErrAuthRejected) {
			return fmt.Errorf("server rejected agent credentials for vps_id %d", cfg.VPSID)
		}
		return err
	}

	log.Info("nexus-agent stopped")
	return nil
}
