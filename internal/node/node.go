// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/blinklabs-io/medgate"
	"github.com/blinklabs-io/medgate/internal/config"
	"github.com/blinklabs-io/medgate/ledger"
	"github.com/blinklabs-io/medgate/proposal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NodeConfig translates the file/env config into node options
func NodeConfig(
	cfg *config.Config,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (medgate.Config, error) {
	admins, err := cfg.AdminIdentities()
	if err != nil {
		return medgate.Config{}, fmt.Errorf("invalid admins: %w", err)
	}
	opts := []medgate.ConfigOptionFunc{
		medgate.WithLogger(logger),
		medgate.WithPrometheusRegistry(promRegistry),
		medgate.WithDatabasePath(cfg.DatabasePath),
		medgate.WithMetadataDriver(
			string(cfg.MetadataDriver),
			cfg.MetadataDsn,
		),
		medgate.WithLedgerRetry(
			config.Duration(cfg.LedgerTimeout, ledger.DefaultAttemptTimeout),
			cfg.LedgerMaxAttempts,
		),
		medgate.WithAdmins(admins...),
		medgate.WithProposalTTL(
			config.Duration(cfg.ProposalTtl, proposal.DefaultProposalTTL),
		),
		medgate.WithRejectionQuorum(cfg.RejectionQuorum),
		medgate.WithAllowApprovedExpiry(cfg.AllowApprovedExpiry),
		medgate.WithConsentRequired(cfg.ConsentRequired),
		medgate.WithBindAddr(cfg.BindAddr),
		medgate.WithRpcPort(cfg.RpcPort),
		medgate.WithTlsCertFilePath(cfg.TlsCertFilePath),
		medgate.WithTlsKeyFilePath(cfg.TlsKeyFilePath),
		medgate.WithTracing(cfg.Tracing),
		medgate.WithTracingStdout(cfg.TracingStdout),
		medgate.WithShutdownTimeout(
			config.Duration(cfg.ShutdownTimeout, 30*time.Second),
		),
	}
	if cfg.LedgerMode == config.LedgerModeRemote {
		opts = append(opts, medgate.WithLedgerRemote(cfg.LedgerUrl))
	}
	if cfg.Requirements != nil {
		opts = append(opts, medgate.WithRequirements(*cfg.Requirements))
	}
	if cfg.Archive.Target != "" {
		opts = append(opts, medgate.WithArchive(medgate.ArchiveConfig{
			Target:             cfg.Archive.Target,
			Interval:           config.Duration(cfg.Archive.Interval, 15*time.Minute),
			GcsCredentialsFile: cfg.Archive.GcsCredentialsFile,
			AwsRegion:          cfg.Archive.AwsRegion,
			GcpKmsResourceID:   cfg.Archive.GcpKmsResourceId,
			AwsKmsKeyArns:      strings.Join(cfg.Archive.AwsKmsKeyArns, ","),
			AwsKmsProfile:      cfg.Archive.AwsKmsProfile,
			Seal:               cfg.Archive.Seal,
		}))
	}
	return medgate.NewConfig(opts...), nil
}

func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "node")
	shutdownTimeout := config.Duration(cfg.ShutdownTimeout, 30*time.Second)

	nodeCfg, err := NodeConfig(
		cfg,
		logger,
		// Enable metrics with default prometheus registry
		prometheus.DefaultRegisterer,
	)
	if err != nil {
		return err
	}
	n, err := medgate.New(nodeCfg)
	if err != nil {
		return err
	}
	// Metrics and debug listener
	http.Handle("/metrics", promhttp.Handler())
	logger.Info(
		"serving prometheus metrics on "+fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		"component",
		"node",
	)
	metricsServer := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			logger.Error(
				fmt.Sprintf("failed to start metrics listener: %s", err),
				"component", "node",
			)
			os.Exit(1)
		}
	}()
	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Run node in goroutine
	errChan := make(chan error, 1)
	go func() {
		//nolint:contextcheck
		err := n.Run(signalCtx)
		select {
		case errChan <- err:
		case <-signalCtx.Done():
		}
	}()

	shutdownMetrics := func() {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Wait for signal or error
	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")
		shutdownMetrics()
		if err := n.Stop(); err != nil {
			logger.Error("shutdown errors occurred", "error", err)
			return err
		}
		logger.Info("shutdown complete")
		return nil

	case err := <-errChan:
		if err == nil {
			logger.Info("node stopped")
			shutdownMetrics()
			if err := n.Stop(); err != nil {
				logger.Error("shutdown errors occurred", "error", err)
				return err
			}
			return nil
		}
		logger.Error("node error", "error", err)
		signalCtxStop()

		// Shutdown node resources
		if stopErr := n.Stop(); stopErr != nil {
			logger.Error(
				"shutdown errors occurred during error cleanup",
				"error",
				stopErr,
			)
		}
		shutdownMetrics()
		return err
	}
}
