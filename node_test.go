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
	"testing"
	"time"

	"github.com/blinklabs-io/medgate/archive"
	"github.com/blinklabs-io/medgate/ledger"
	"github.com/blinklabs-io/medgate/proposal"
	"github.com/blinklabs-io/medgate/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdmin = "0xadmin"

func startNode(t *testing.T, opts ...ConfigOptionFunc) *Node {
	t.Helper()
	base := []ConfigOptionFunc{
		WithBindAddr("127.0.0.1"),
		WithRpcPort(0),
		WithPrometheusRegistry(prometheus.NewRegistry()),
		WithAdmins(testAdmin),
		WithRejectionQuorum(1),
		WithRequirements(proposal.Requirements{
			Standard:  1,
			Emergency: 1,
			Research:  2,
			Legal:     1,
			Insurance: 1,
		}),
		WithShutdownTimeout(5 * time.Second),
	}
	n, err := New(NewConfig(append(base, opts...)...))
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() {
		errCh <- n.Run(context.Background())
	}()
	select {
	case <-n.Ready():
	case err := <-errCh:
		_ = n.Stop()
		t.Fatalf("node failed to start: %v", err)
	case <-time.After(10 * time.Second):
		_ = n.Stop()
		t.Fatal("timed out waiting for node to start")
	}
	t.Cleanup(func() {
		_ = n.Stop()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("timed out waiting for node to stop")
		}
	})
	return n
}

func nodeClient(n *Node, identity string) *rpc.Client {
	return rpc.NewClient(rpc.ClientConfig{
		HTTPClient: rpc.NewH2CClient(),
		BaseURL:    "http://" + n.RpcAddr().String(),
		Identity:   identity,
	})
}

func approvedAndExecuted(t *testing.T, n *Node) proposal.ID {
	t.Helper()
	ctx := t.Context()
	_, err := nodeClient(n, testAdmin).AddApprover(ctx, "0xa1", "Doctor")
	require.NoError(t, err)
	rcpt, err := nodeClient(n, "0xd0c").CreateProposal(ctx, rpc.CreateProposalRequest{
		Patient:    "patient-1",
		DataType:   "labs",
		Reason:     "follow up",
		AccessType: "READ",
	})
	require.NoError(t, err)
	rcpt, err = nodeClient(n, "0xa1").ApproveProposal(ctx, rcpt.Subject)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusApproved, rcpt.Status)
	rcpt, err = nodeClient(n, "0xd0c").ExecuteProposal(ctx, rcpt.Subject)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, rcpt.Status)
	return rcpt.ProposalID
}

func TestNodeServesProposals(t *testing.T) {
	n := startNode(t)
	id := approvedAndExecuted(t, n)

	p, ok := n.Manager().Store().Get(id)
	require.True(t, ok)
	assert.True(t, p.Executed)

	// admin bootstrap, add approver, create, approve, execute
	head, err := n.ledger.Head(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), head.Sequence)
}

func TestNodeRestoresStateFromDisk(t *testing.T) {
	dataDir := t.TempDir()
	first, err := New(NewConfig(
		WithDatabasePath(dataDir),
		WithBindAddr("127.0.0.1"),
		WithAdmins(testAdmin),
		WithRequirements(proposal.Requirements{
			Standard:  1,
			Emergency: 1,
			Research:  1,
			Legal:     1,
			Insurance: 1,
		}),
	))
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() {
		errCh <- first.Run(context.Background())
	}()
	select {
	case <-first.Ready():
	case err := <-errCh:
		t.Fatalf("node failed to start: %v", err)
	}
	id := approvedAndExecuted(t, first)
	require.NoError(t, first.Stop())
	require.NoError(t, <-errCh)

	second := startNode(t, WithDatabasePath(dataDir))
	p, ok := second.Manager().Store().Get(id)
	require.True(t, ok)
	assert.Equal(t, proposal.StatusExecuted, p.Status)
	info, ok := second.Manager().Registry().Get("0xa1")
	require.True(t, ok)
	assert.Equal(t, "Doctor", info.Role)
	// Restarting must not register the administrator a second time
	head, err := second.ledger.Head(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), head.Sequence)
}

func TestNodeRemoteLedger(t *testing.T) {
	owner := startNode(t)
	remote := startNode(
		t,
		WithLedgerRemote("http://"+owner.RpcAddr().String()),
		WithLedgerRetry(2*time.Second, 2),
	)
	approvedAndExecuted(t, remote)

	// Every change made on the remote node is confirmed in the owner's journal
	lc := rpc.NewLedgerClient(rpc.ClientConfig{
		HTTPClient: rpc.NewH2CClient(),
		BaseURL:    "http://" + owner.RpcAddr().String(),
	})
	records, err := lc.Entries(t.Context(), 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 5)
	require.NoError(t, ledger.VerifyChain("", records))
	assert.Equal(t, ledger.ActionExecute, records[4].Entry.Action)
}

func TestNodeArchivesLedger(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, WithArchive(ArchiveConfig{
		Target:   "file://" + dir,
		Interval: 20 * time.Millisecond,
	}))
	approvedAndExecuted(t, n)

	sink, err := archive.NewFileSink(dir)
	require.NoError(t, err)
	defer sink.Close()
	require.Eventually(t, func() bool {
		m, err := archive.ReadManifest(t.Context(), sink)
		return err == nil && m.Sequence == 5
	}, 5*time.Second, 20*time.Millisecond)
	records, err := archive.Restore(t.Context(), sink)
	require.NoError(t, err)
	assert.Len(t, records, 5)
}
