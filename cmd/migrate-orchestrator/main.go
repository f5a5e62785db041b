/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/xcpmigrate/orchestrator/internal/collaborator"
	"github.com/xcpmigrate/orchestrator/internal/config"
	"github.com/xcpmigrate/orchestrator/internal/migrate"
	"github.com/xcpmigrate/orchestrator/internal/obs/health"
	"github.com/xcpmigrate/orchestrator/internal/obs/logging"
	"github.com/xcpmigrate/orchestrator/internal/obs/metrics"
	"github.com/xcpmigrate/orchestrator/internal/obs/tracing"
	"github.com/xcpmigrate/orchestrator/internal/rpc"
	"github.com/xcpmigrate/orchestrator/internal/version"
)

var (
	configPath string
	listenAddr string
	healthAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "migrate-orchestrator",
		Short: "VM live/storage migration orchestrator",
		Long:  "Serves the cluster-facing VM migration RPCs (VM.migrate_send, VM.assert_can_migrate, VM.pool_migrate, VM.pool_migrate_complete, VDI.pool_migrate).",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (optional; env vars and defaults otherwise)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator's RPC and observability servers",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8095", "Address for the cluster-facing RPC server")
	serveCmd.Flags().StringVar(&healthAddr, "health-listen", ":8096", "Address for health and metrics endpoints")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the orchestrator version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.String())
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	mgr, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer mgr.Close()
	cfg := mgr.Get()

	if err := logging.Setup(&logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Sampling:    cfg.Log.Sampling,
		Development: cfg.Log.Development,
	}); err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	log := logging.FromContext(context.Background())
	metrics.SetupMetrics(version.Version, version.GitSHA, metrics.ComponentOrchestrator)

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(context.Background(), &tracing.Config{
			Enabled:           cfg.Tracing.Enabled,
			Endpoint:          cfg.Tracing.Endpoint,
			ServiceName:       tracing.ServiceOrchestrator,
			ServiceVersion:    version.Version,
			SamplingRatio:     cfg.Tracing.SamplingRatio,
			InsecureTransport: cfg.Tracing.InsecureTransport,
		})
		if err != nil {
			log.Error(err, "failed to set up tracing")
		} else {
			defer shutdown()
		}
	}

	smapi, err := collaborator.NewSMAPIClient(cfg.Collaborators.SMAPIURL, cfg.Collaborators.SessionToken, cfg.Collaborators.InsecureSkipVerify)
	if err != nil {
		return fmt.Errorf("construct SMAPI client: %w", err)
	}
	xenops := collaborator.NewXenopsClient(cfg.Collaborators.XenopsURL)
	dest, err := collaborator.NewDestinationPeerClient(cfg.Collaborators.DestinationURL, cfg.Collaborators.SessionToken, cfg.Collaborators.InsecureSkipVerify)
	if err != nil {
		return fmt.Errorf("construct destination client: %w", err)
	}
	db, err := collaborator.NewPoolDatabaseClient(cfg.Collaborators.DatabaseURL, cfg.Collaborators.SessionToken, cfg.Collaborators.InsecureSkipVerify)
	if err != nil {
		return fmt.Errorf("construct pool database client: %w", err)
	}

	orch := migrate.NewOrchestrator(migrate.OrchestratorConfig{
		DB:                       db,
		Destination:              dest,
		StorageAgent:             smapi,
		HypervisorAgent:          xenops,
		PGPUs:                    db,
		MaxConcurrentMigrations:  cfg.Gate.MaxConcurrentMigrations,
		MemoryMigrateMaxAttempts: cfg.MemoryMigrate.MaxAttempts,
		StorageMotionLicensed:    cfg.StorageMotionLicensed,
		SharedSRGate:             cfg.IsFeatureEnabled("shared_sr_cross_cluster_migration"),
		Log:                      log,
	})

	server := rpc.NewServer(orch, log)

	checker := health.NewHealthChecker()
	checker.RegisterCheck("smapi", health.HTTPCheck(cfg.Collaborators.SMAPIURL))
	checker.RegisterCheck("database", health.HTTPCheck(cfg.Collaborators.DatabaseURL))
	checker.RegisterCheck("destination", health.HTTPCheck(cfg.Collaborators.DestinationURL))

	errCh := make(chan error, 2)
	go func() {
		log.Info("starting RPC server", "addr", listenAddr, "version", version.String())
		errCh <- server.ListenAndServe(listenAddr)
	}()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
		mux.Handle("/healthz", checker.LivenessHandler())
		mux.Handle("/readyz", checker.ReadinessHandler())
		mux.Handle("/health", checker.HTTPHandler())
		log.Info("starting health/metrics server", "addr", healthAddr)
		errCh <- http.ListenAndServe(healthAddr, mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
		return nil
	}
}
