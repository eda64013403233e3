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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/blinklabs-io/medgate/archive"
	"github.com/blinklabs-io/medgate/database"
	"github.com/blinklabs-io/medgate/internal/config"
	"github.com/blinklabs-io/medgate/ledger"
	"github.com/blinklabs-io/medgate/ledger/journal"
	"github.com/blinklabs-io/medgate/rpc"
)

// localState is the database and ledger as seen by offline commands
type localState struct {
	db      *database.Database
	ledger  ledger.Chain
	journal *journal.Journal
}

func openLocalState(cfg *config.Config, logger *slog.Logger) (*localState, error) {
	db, err := database.New(database.Config{
		Logger:         logger,
		DataDir:        cfg.DatabasePath,
		MetadataDriver: string(cfg.MetadataDriver),
		MetadataDsn:    cfg.MetadataDsn,
	})
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, fmt.Errorf("opening database: %w", err)
	}
	ret := &localState{db: db}
	if cfg.LedgerMode == config.LedgerModeRemote {
		httpClient := http.DefaultClient
		if strings.HasPrefix(cfg.LedgerUrl, "http://") {
			httpClient = rpc.NewH2CClient()
		}
		ret.ledger = rpc.NewLedgerClient(rpc.ClientConfig{
			HTTPClient: httpClient,
			BaseURL:    cfg.LedgerUrl,
		})
		return ret, nil
	}
	j, err := journal.New(journal.Config{
		Logger: logger,
		DB:     db.Blob().DB(),
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	ret.journal = j
	ret.ledger = j
	return ret, nil
}

func (s *localState) Close() error {
	return s.db.Close()
}

// verifyLedger checks the full hash chain and returns the number of records
func (s *localState) verifyLedger(ctx context.Context) (uint64, error) {
	if s.journal != nil {
		return s.journal.Verify(ctx)
	}
	records, err := s.ledger.Entries(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if err := ledger.VerifyChain("", records); err != nil {
		return 0, err
	}
	return uint64(len(records)), nil
}

func openArchive(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
) (archive.Sink, *archive.Sealer, error) {
	if cfg.Archive.Target == "" {
		return nil, nil, errors.New("no archive target configured")
	}
	sink, err := archive.OpenSink(ctx, archive.SinkConfig{
		Logger:             logger,
		Target:             cfg.Archive.Target,
		GcsCredentialsFile: cfg.Archive.GcsCredentialsFile,
		AwsRegion:          cfg.Archive.AwsRegion,
	})
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Archive.Seal {
		return sink, nil, nil
	}
	sealer, err := archive.NewSealer(archive.SealConfig{
		GcpKmsResourceID: cfg.Archive.GcpKmsResourceId,
		AwsKmsKeyArns:    strings.Join(cfg.Archive.AwsKmsKeyArns, ","),
		AwsKmsProfile:    cfg.Archive.AwsKmsProfile,
	})
	if err != nil {
		_ = sink.Close()
		return nil, nil, err
	}
	return sink, sealer, nil
}
