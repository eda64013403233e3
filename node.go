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

package medgate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/blinklabs-io/medgate/archive"
	"github.com/blinklabs-io/medgate/database"
	"github.com/blinklabs-io/medgate/event"
	"github.com/blinklabs-io/medgate/ledger"
	"github.com/blinklabs-io/medgate/ledger/journal"
	"github.com/blinklabs-io/medgate/proposal"
	"github.com/blinklabs-io/medgate/rpc"
)

type Node struct {
	eventBus      *event.EventBus
	db            *database.Database
	ledger        ledger.Chain
	manager       *proposal.Manager
	rpc           *rpc.Server
	archiveSink   archive.Sink
	archiveCancel context.CancelFunc
	shutdownFuncs []func(context.Context) error
	config        Config
	archiveWg     sync.WaitGroup
	done          chan struct{}
	ready         chan struct{}
	shutdownOnce  sync.Once
}

func New(cfg Config) (*Node, error) {
	eventBus := event.NewEventBus(cfg.promRegistry, cfg.logger)
	n := &Node{
		config:   cfg,
		eventBus: eventBus,
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}
	if err := n.configValidate(); err != nil {
		eventBus.Stop()
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return n, nil
}

// Run starts every component and blocks until Stop is called or ctx is done
func (n *Node) Run(ctx context.Context) error {
	// Configure tracing
	if n.config.tracing {
		if err := n.setupTracing(); err != nil {
			return err
		}
	}
	// Load database
	db, err := database.New(database.Config{
		Logger:         n.config.logger,
		PromRegistry:   n.config.promRegistry,
		DataDir:        n.config.dataDir,
		MetadataDriver: n.config.metadataDriver,
		MetadataDsn:    n.config.metadataDsn,
		BlobGc:         n.config.dataDir != "",
	})
	if db == nil {
		if err == nil {
			err = errors.New("empty database returned")
		}
		return fmt.Errorf("failed to open database: %w", err)
	}
	n.db = db
	if err != nil {
		var dbErr database.CommitTimestampError
		if !errors.As(err, &dbErr) {
			return fmt.Errorf("failed to open database: %w", err)
		}
		// The persisted view is rebuilt from the ledger past its cursor
		n.config.logger.Warn(
			"database commit timestamps differ, relying on ledger replay",
			"error", err,
		)
	}
	// Configure ledger
	if err := n.setupLedger(ctx); err != nil {
		return err
	}
	retrier := ledger.NewRetrier(
		n.ledger,
		ledger.RetrierConfig{
			Logger:         n.config.logger,
			PromRegistry:   n.config.promRegistry,
			AttemptTimeout: n.config.ledgerTimeout,
			MaxAttempts:    n.config.ledgerMaxAttempts,
		},
	)
	// Load proposal state
	mgr, err := proposal.NewManager(proposal.ManagerConfig{
		Logger:              n.config.logger,
		PromRegistry:        n.config.promRegistry,
		EventBus:            n.eventBus,
		Ledger:              retrier,
		Replayer:            n.ledger,
		Persister:           n.db,
		Consent:             n.config.consent,
		Requirements:        n.config.requirements,
		Clock:               n.config.clock,
		Admins:              n.config.admins,
		ProposalTTL:         n.config.proposalTtl,
		RejectionQuorum:     n.config.rejectionQuorum,
		AllowApprovedExpiry: n.config.allowApprovedExpiry,
		ConsentRequired:     n.config.consentRequired,
	})
	if err != nil {
		return fmt.Errorf("failed to create proposal manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("failed to load proposal state: %w", err)
	}
	n.manager = mgr
	// Configure RPC
	serverCfg := rpc.ServerConfig{
		Logger:          n.config.logger,
		Manager:         n.manager,
		EventBus:        n.eventBus,
		Host:            n.config.bindAddr,
		TlsCertFilePath: n.config.tlsCertFilePath,
		TlsKeyFilePath:  n.config.tlsKeyFilePath,
		Port:            n.config.rpcPort,
		ReuseAddress:    true,
	}
	// Only the node that owns the journal serves it to others
	if n.config.ledgerMode == LedgerModeJournal {
		serverCfg.Ledger = n.ledger
	}
	n.rpc = rpc.NewServer(serverCfg)
	if err := n.rpc.Start(ctx); err != nil {
		return err
	}
	// Configure archive
	if n.config.archive.Target != "" {
		if err := n.startArchive(ctx); err != nil {
			return err
		}
	}
	close(n.ready)

	// Wait for shutdown signal
	select {
	case <-n.done:
	case <-ctx.Done():
	}
	return nil
}

func (n *Node) setupLedger(ctx context.Context) error {
	switch n.config.ledgerMode {
	case LedgerModeRemote:
		httpClient := http.DefaultClient
		if strings.HasPrefix(n.config.ledgerUrl, "http://") {
			httpClient = rpc.NewH2CClient()
		}
		n.ledger = rpc.NewLedgerClient(rpc.ClientConfig{
			HTTPClient: httpClient,
			BaseURL:    n.config.ledgerUrl,
		})
		n.config.logger.Info(
			"confirming changes against remote ledger "+n.config.ledgerUrl,
			"component", "node",
		)
	default:
		j, err := journal.New(journal.Config{
			Logger:       n.config.logger,
			PromRegistry: n.config.promRegistry,
			DB:           n.db.Blob().DB(),
		})
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		count, err := j.Verify(ctx)
		if err != nil {
			return fmt.Errorf("journal verification failed: %w", err)
		}
		n.config.logger.Info(
			fmt.Sprintf("verified %d journal record(s)", count),
			"component", "node",
		)
		n.ledger = j
	}
	return nil
}

func (n *Node) startArchive(ctx context.Context) error {
	sink, err := archive.OpenSink(ctx, archive.SinkConfig{
		Logger:             n.config.logger,
		Target:             n.config.archive.Target,
		GcsCredentialsFile: n.config.archive.GcsCredentialsFile,
		AwsRegion:          n.config.archive.AwsRegion,
	})
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	n.archiveSink = sink
	var sealer *archive.Sealer
	if n.config.archive.Seal {
		sealer, err = archive.NewSealer(archive.SealConfig{
			GcpKmsResourceID: n.config.archive.GcpKmsResourceID,
			AwsKmsKeyArns:    n.config.archive.AwsKmsKeyArns,
			AwsKmsProfile:    n.config.archive.AwsKmsProfile,
		})
		if err != nil {
			return fmt.Errorf("failed to configure archive sealing: %w", err)
		}
	}
	exporter, err := archive.NewExporter(archive.ExporterConfig{
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
		Sink:         sink,
		Source:       n.ledger,
		Sealer:       sealer,
		Clock:        n.config.clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create archive exporter: %w", err)
	}
	archiveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.archiveCancel = cancel
	n.archiveWg.Add(1)
	go func() {
		defer n.archiveWg.Done()
		exporter.Run(archiveCtx, n.config.archive.Interval)
	}()
	n.config.logger.Info(
		"archiving ledger to "+n.config.archive.Target,
		"component", "node",
		"interval", n.config.archive.Interval.String(),
	)
	return nil
}

// Ready is closed once every component has started
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// Manager returns the proposal manager, or nil before Run has loaded it
func (n *Node) Manager() *proposal.Manager {
	return n.manager
}

// RpcAddr returns the bound RPC address, or nil before the listener starts
func (n *Node) RpcAddr() net.Addr {
	if n.rpc == nil {
		return nil
	}
	return n.rpc.Addr()
}

func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	return err
}

func (n *Node) shutdown() error {
	// Create shutdown context with timeout (default 30s if not configured)
	shutdownTimeout := 30 * time.Second
	if n.config.shutdownTimeout > 0 {
		shutdownTimeout = n.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error

	n.config.logger.Debug("starting graceful shutdown")

	// Phase 1: Stop accepting new work
	n.config.logger.Debug("shutdown phase 1: stopping new work")

	if n.rpc != nil {
		if stopErr := n.rpc.Stop(ctx); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("rpc shutdown: %w", stopErr))
		}
	}

	// Phase 2: Drain background work
	n.config.logger.Debug("shutdown phase 2: draining background work")

	if n.archiveCancel != nil {
		n.archiveCancel()
		n.archiveWg.Wait()
	}
	if n.archiveSink != nil {
		if closeErr := n.archiveSink.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("archive close: %w", closeErr))
		}
	}

	// Phase 3: Close database
	n.config.logger.Debug("shutdown phase 3: closing database")

	if n.db != nil {
		if closeErr := n.db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("database close: %w", closeErr))
		}
	}

	// Phase 4: Cleanup resources
	n.config.logger.Debug("shutdown phase 4: cleanup resources")

	// Call registered shutdown functions
	for _, fn := range n.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	n.shutdownFuncs = nil

	if n.eventBus != nil {
		n.eventBus.Stop()
	}

	n.config.logger.Debug("graceful shutdown complete")
	close(n.done)
	return err
}
