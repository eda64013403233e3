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
	"io"
	"log/slog"
	"testing"

	"github.com/blinklabs-io/medgate"
	"github.com/blinklabs-io/medgate/internal/config"
	"github.com/blinklabs-io/medgate/proposal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestNodeConfigBuildsValidNode(t *testing.T) {
	cfg := &config.Config{
		BindAddr:          "127.0.0.1",
		LedgerMode:        config.LedgerModeJournal,
		LedgerTimeout:     "2s",
		LedgerMaxAttempts: 2,
		ProposalTtl:       "24h",
		RejectionQuorum:   1,
		Admins:            []string{"0xADMIN"},
		Requirements: &proposal.Requirements{
			Standard:  2,
			Emergency: 1,
			Research:  3,
			Legal:     2,
			Insurance: 2,
		},
	}
	nodeCfg, err := NodeConfig(cfg, discardLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	n, err := medgate.New(nodeCfg)
	require.NoError(t, err)
	require.NoError(t, n.Stop())
}

func TestNodeConfigRemoteWithoutUrl(t *testing.T) {
	cfg := &config.Config{LedgerMode: config.LedgerModeRemote}
	nodeCfg, err := NodeConfig(cfg, discardLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	_, err = medgate.New(nodeCfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger URL")
}

func TestNodeConfigRejectsEmptyAdmin(t *testing.T) {
	cfg := &config.Config{Admins: []string{" "}}
	_, err := NodeConfig(cfg, discardLogger(), prometheus.NewRegistry())
	require.ErrorIs(t, err, proposal.ErrInvalidArgument)
}
