package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/provisor/pkg/config"
	"github.com/cuemby/provisor/pkg/manager"
	"github.com/cuemby/provisor/pkg/metrics"
	"github.com/cuemby/provisor/pkg/transport/inproc"
	"github.com/cuemby/provisor/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a coordinator",
	Long: `Run a provisor coordinator in this process.

Agents and sibling coordinators are reached through the in-process
transport, so --local-agents starts simulated agents next to the
coordinator. Deployment files given with -f are applied once the
coordinator has recovered its persisted state.

Examples:
  # Start with defaults
  provisor run

  # Three simulated agents and a deployment
  provisor run --local-agents 3 -f shop.yaml`,
	RunE: runCoordinator,
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Configuration file")
	runCmd.Flags().String("node-id", "", "Coordinator id (generated when empty)")
	runCmd.Flags().String("address", "", "Address announced to sibling coordinators")
	runCmd.Flags().String("data-dir", "", "Data directory for the journal")
	runCmd.Flags().Bool("in-memory", false, "Keep state in memory only")
	runCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	runCmd.Flags().Bool("log-json", false, "Log in JSON")
	runCmd.Flags().String("metrics-addr", "", "Address for /metrics and health probes")
	runCmd.Flags().Int("local-agents", 0, "Number of simulated agents to register")
	runCmd.Flags().Int("agent-limit", 10, "Instance limit of each simulated agent")
	runCmd.Flags().StringArrayP("file", "f", nil, "Deployment file to apply (repeatable)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("node-id") {
		cfg.NodeID, _ = flags.GetString("node-id")
	}
	if flags.Changed("address") {
		cfg.Address, _ = flags.GetString("address")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if inMemory, _ := flags.GetBool("in-memory"); inMemory {
		cfg.DataDir = ""
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Address, _ = flags.GetString("metrics-addr")
		cfg.Metrics.Enabled = cfg.Metrics.Address != ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.Logger()

	var deployments []*types.DeploymentSpec
	files, _ := cmd.Flags().GetStringArray("file")
	for _, path := range files {
		spec, err := loadDeployment(path)
		if err != nil {
			return err
		}
		deployments = append(deployments, spec)
	}

	mcfg := cfg.Manager(logger)
	mcfg.Discovery = inproc.NewNetwork()
	mcfg.Health = metrics.NewHealthChecker(Version,
		manager.ComponentRegistry, manager.ComponentDispatcher, manager.ComponentPeers)

	mgr, err := manager.NewManager(mcfg)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	var server *http.Server
	errCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		server = metricsServer(cfg.Metrics.Address, mgr.Health())
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	if err := mgr.Start(); err != nil {
		_ = mgr.Shutdown()
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	limit, _ := cmd.Flags().GetInt("agent-limit")
	count, _ := cmd.Flags().GetInt("local-agents")
	for i := 1; i <= count; i++ {
		id := fmt.Sprintf("local-%d", i)
		agent := inproc.NewAgent(id)
		if _, err := mgr.RegisterAgent(agent, &types.Capacity{Hostname: id}, limit, nil, 0); err != nil {
			return fmt.Errorf("failed to register agent %s: %w", id, err)
		}
		go renew(mgr, id, cfg.DefaultLease, logger)
	}

	for _, spec := range deployments {
		results, err := mgr.Deploy(spec, nil)
		if err != nil {
			logger.Error().Err(err).Str("deployment", spec.Name).Msg("Failed to apply deployment")
			continue
		}
		for key, err := range results {
			if err != nil {
				logger.Warn().Err(err).Str("service", key).Msg("Service not provisioned")
			}
		}
	}

	logger.Info().
		Str("node_id", mgr.NodeID()).
		Str("address", cfg.Address).
		Str("data_dir", cfg.DataDir).
		Int("agents", count).
		Int("deployments", len(deployments)).
		Msg("Coordinator is running. Press Ctrl+C to stop.")

	// Wait for interrupt signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("Shutting down...")
	case err := <-errCh:
		logger.Error().Err(err).Msg("Shutting down after error")
	}

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

func metricsServer(addr string, health *metrics.HealthChecker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", health.HealthHandler())
	mux.HandleFunc("/ready", health.ReadyHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// renew keeps a simulated agent's lease alive until its record is gone
func renew(mgr *manager.Manager, agentID string, lease time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(lease / 3)
	defer ticker.Stop()
	for range ticker.C {
		if err := mgr.Registry().Renew(agentID, lease); err != nil {
			logger.Debug().Err(err).Str("agent_id", agentID).Msg("Stopped renewing agent lease")
			return
		}
	}
}
