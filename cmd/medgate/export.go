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
	"github.com/spf13/cobra"
)

func exportRun(ctx context.Context, cfg *config.Config) error {
	logger := commonRun()
	state, err := openLocalState(cfg, logger)
	if err != nil {
		return err
	}
	defer state.Close()
	sink, sealer, err := openArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sink.Close()
	exporter, err := archive.NewExporter(archive.ExporterConfig{
		Logger: logger,
		Sink:   sink,
		Source: state.ledger,
		Sealer: sealer,
	})
	if err != nil {
		return err
	}
	manifest, exported, err := exporter.Export(ctx)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	logger.Info(
		fmt.Sprintf("exported %d ledger record(s)", exported),
		"component", programName,
		"sequence", manifest.Sequence,
		"segments", len(manifest.Segments),
	)
	return nil
}

func exportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export new ledger records to the configured archive",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := configFromCommand(cmd)
			if err := exportRun(cmd.Context(), cfg); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
		},
	}
	return cmd
}
