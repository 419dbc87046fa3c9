// nexus-server is the NodeNexus control plane: it terminates agent sessions
// over gRPC and WebSocket, persists telemetry, serves the operator REST API,
// and fans live updates out to dashboard clients.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nodenexus/nodenexus/pkg/api"
	"github.com/nodenexus/nodenexus/pkg/config"
	"github.com/nodenexus/nodenexus/pkg/metrics"
	"github.com/nodenexus/nodenexus/pkg/registry"
	"github.com/nodenexus/nodenexus/pkg/secrets"
	"github.com/nodenexus/nodenexus/pkg/server/batch"
	"github.com/nodenexus/nodenexus/pkg/server/confsvc"
	"github.com/nodenexus/nodenexus/pkg/server/ingest"
	"github.com/nodenexus/nodenexus/pkg/server/live"
	"github.com/nodenexus/nodenexus/pkg/server/scheduler"
	"github.com/nodenexus/nodenexus/pkg/server/session"
	"github.com/nodenexus/nodenexus/pkg/store"
	"github.com/nodenexus/nodenexus/pkg/transport"
)

const shutdownTimeout = 10 * time.Second

var (
	envFile  string
	logLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "nexus-server",
		Short:         "NodeNexus fleet control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServer,
	}
	root.Flags().StringVar(&envFile, "env-file", ".env", "environment file to preload (missing is fine)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	// 1. Environment and logging
	if err := godotenv.Load(envFile); err != nil {
		slog.Debug("No env file loaded", "path", envFile, "error", err)
	}
	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	log.Info("Starting nexus-server", "http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr)

	// 2. Persistence: secrets box, database pool, migrations
	var box *secrets.Box
	if len(cfg.SecretKey) > 0 {
		if box, err = secrets.New(cfg.SecretKey); err != nil {
			return fmt.Errorf("initializing secret box: %w", err)
		}
	} else {
		log.Warn("NEXUS_SECRET_KEY not set, agent secrets are stored in plaintext")
	}

	st, err := store.New(ctx, cfg.DatabaseURL, store.Options{SecretBox: box})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer st.Close()
	log.Info("Connected to PostgreSQL")

	// Nothing is connected after a restart; stale "online" rows are lies.
	if n, err := st.MarkAllOffline(ctx); err != nil {
		return fmt.Errorf("resetting host statuses: %w", err)
	} else if n > 0 {
		log.Info("Marked stale hosts offline", "count", n)
	}

	// 3. Telemetry fan-out: prometheus, live hub, metrics writer
	m := metrics.NewServer()

	hub := live.NewHub(log, m, cfg.WSWriteTimeout)
	hub.Start()
	defer hub.Stop()

	publisher := live.NewPublisher(log, st, hub)

	writer := ingest.NewWriter(log, st, m)
	writer.Start()
	defer writer.Stop()

	// 4. Session machinery: registry, config push, batch orchestrator
	reg := registry.New()
	conf := confsvc.NewService(log, st, reg)
	orch := batch.NewOrchestrator(log, st, reg, hub, m)
	orch.Start()
	defer orch.Stop()

	deps := session.Deps{
		Store:        st,
		Registry:     reg,
		Config:       conf,
		Batches:      orch,
		Live:         hub,
		Writer:       writer,
		Metrics:      m,
		FleetChanged: publisher.Refresh,
	}
	handler := session.NewHandler(log, deps)

	sweeper := session.NewSweeper(log, deps, session.DefaultSweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	sched := scheduler.New(log, st)
	sched.FleetChanged = publisher.Refresh
	sched.Start()
	defer sched.Stop()

	// 5. Agent gRPC transport
	grpcCfg := transport.GRPCServerConfig{Insecure: cfg.GRPCInsecure}
	if !cfg.GRPCInsecure {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS keypair: %w", err)
		}
		grpcCfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	} else {
		log.Warn("Agent gRPC transport running without TLS")
	}

	grpcServer, err := transport.NewGRPCServer(grpcCfg, handler.Handle)
	if err != nil {
		return fmt.Errorf("building gRPC server: %w", err)
	}
	grpcLn, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.GRPCAddr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("Agent gRPC transport listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	// 6. HTTP: REST API, dashboard WebSocket, agent WebSocket, /metrics
	apiServer := api.NewServer(api.Options{
		Log:           log,
		Store:         st,
		Batches:       orch,
		Config:        conf,
		Hub:           hub,
		Metrics:       m,
		Tokens:        &api.StaticTokenVerifier{Token: cfg.APIToken, UserID: 1},
		Fleet:         publisher,
		AgentSessions: handler.Handle,
	})
	if cfg.APIToken == "" {
		log.Warn("NEXUS_API_TOKEN not set, authenticated API endpoints reject all requests")
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	// Seed the dashboard with the fleet as it stands.
	publisher.Refresh(ctx)
	log.Info("nexus-server started")

	// 7. Wait for a shutdown signal or a listener failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		log.Error("Listener failed, shutting down", "error", err)
	case <-ctx.Done():
	}

	// 8. Graceful shutdown: stop accepting, then drain
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown incomplete", "error", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}

	log.Info("nexus-server stopped")
	return nil
}
