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
	"fmt"
	"log/slog"
	"os"

	"github.com/blinklabs-io/medgate/archive"
	"github.com/blinklabs-io/medgate/internal/config"
	"github.com/blinklabs-io/medgate/proposal"
	"github.com/spf13/cobra"
)

func verifyRun(ctx context.Context, cfg *config.Config, checkArchive bool) error {
	logger := commonRun()
	state, err := openLocalState(cfg, logger)
	if err != nil {
		return err
	}
	defer state.Close()

	count, err := state.verifyLedger(ctx)
	if err != nil {
		return fmt.Errorf("ledger verification failed: %w", err)
	}
	logger.Info(
		fmt.Sprintf("verified %d ledger record(s)", count),
		"component", programName,
	)

	counts, err := state.db.StatusCounts(ctx)
	if err != nil {
		return fmt.Errorf("reading proposal counts: %w", err)
	}
	for _, status := range proposal.Statuses() {
		logger.Info(
			"persisted proposals",
			"component", programName,
			"status", status.String(),
			"count", counts[status],
		)
	}

	if !checkArchive {
		return nil
	}
	sink, _, err := openArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sink.Close()
	records, err := archive.Restore(ctx, sink)
	if err != nil {
		return fmt.Errorf("archive verification failed: %w", err)
	}
	if len(records) == 0 {
		logger.Info("archive is empty", "component", programName)
		return nil
	}
	last := records[len(records)-1].Confirmation
	// The archive must be a prefix of the live ledger
	live, err := state.ledger.Entries(ctx, last.Sequence-1, 1)
	if err != nil {
		return fmt.Errorf("reading ledger: %w", err)
	}
	if len(live) != 1 || live[0].Confirmation.Ref != last.Ref {
		return fmt.Errorf(
			"archive diverges from ledger at sequence %d",
			last.Sequence,
		)
	}
	logger.Info(
		fmt.Sprintf("verified %d archived record(s)", len(records)),
		"component", programName,
		"sequence", last.Sequence,
	)
	return nil
}

func verifyCommand() *cobra.Command {
	var checkArchive bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the ledger hash chain, persisted view and archive",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := configFromCommand(cmd)
			if err := verifyRun(cmd.Context(), cfg, checkArchive); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
		},
	}
	cmd.Flags().
		BoolVar(&checkArchive, "archive", false, "also verify the configured archive against the ledger")
	return cmd
}
