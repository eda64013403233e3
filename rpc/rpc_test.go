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

package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/blinklabs-io/medgate/event"
	"github.com/blinklabs-io/medgate/ledger"
	"github.com/blinklabs-io/medgate/proposal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testAdmin    = "0xadmin"
	testProposer = "0xd0c"
	testPatient  = "patient-7"
)

type testEnv struct {
	ledger  *ledger.Memory
	bus     *event.EventBus
	manager *proposal.Manager
	server  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	bus := event.NewEventBus(reg, nil)
	mem := ledger.NewMemory()
	mgr, err := proposal.NewManager(proposal.ManagerConfig{
		PromRegistry: reg,
		EventBus:     bus,
		Ledger:       mem,
		Replayer:     mem,
		Admins:       []proposal.Identity{testAdmin},
		Requirements: &proposal.Requirements{
			Standard:  2,
			Emergency: 1,
			Research:  3,
			Legal:     1,
			Insurance: 2,
		},
		RejectionQuorum:     1,
		AllowApprovedExpiry: true,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Load(t.Context()))
	srv := NewServer(ServerConfig{
		Manager:  mgr,
		EventBus: bus,
		Ledger:   mem,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		bus.Stop()
	})
	return &testEnv{
		ledger:  mem,
		bus:     bus,
		manager: mgr,
		server:  ts,
	}
}

func (e *testEnv) client(identity string) *Client {
	return NewClient(ClientConfig{
		HTTPClient: e.server.Client(),
		BaseURL:    e.server.URL,
		Identity:   identity,
	})
}

func (e *testEnv) addApprovers(t *testing.T, identities ...string) {
	t.Helper()
	admin := e.client(testAdmin)
	for _, identity := range identities {
		_, err := admin.AddApprover(t.Context(), identity, "Physician")
		require.NoError(t, err)
	}
}

func TestProposalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.addApprovers(t, "0xa1", "0xa2")

	// Identities are canonicalized at the boundary
	proposer := env.client("0xD0C")
	r, err := proposer.CreateProposal(ctx, CreateProposalRequest{
		Patient:       testPatient,
		DataType:      "imaging",
		Reason:        "second opinion",
		AccessType:    "write",
		ContentHashes: []string{"QmScan1"},
	})
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusPending, r.Status)
	assert.NotEmpty(t, r.Confirmation.Ref)
	id := r.ProposalID.String()

	p, err := proposer.GetProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, proposal.Identity(testProposer), p.Proposer)
	assert.Equal(t, 2, p.RequiredSignatures)

	r, err = env.client("0xA1").ApproveProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusPending, r.Status)
	r, err = env.client("0xa2").ApproveProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusApproved, r.Status)

	approved, err := proposer.HasApproved(ctx, id, "0XA1")
	require.NoError(t, err)
	assert.True(t, approved)
	approvers, err := proposer.ListApprovers(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []proposal.Identity{"0xa1", "0xa2"}, approvers)

	r, err = env.client("applier").ExecuteProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, r.Status)

	executed, err := proposer.IsExecuted(ctx, id)
	require.NoError(t, err)
	assert.True(t, executed)
	refs, err := proposer.ListContentRefs(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"QmScan1"}, refs)
	ids, err := proposer.ListProposalsByStatus(ctx, "executed")
	require.NoError(t, err)
	assert.Equal(t, []proposal.ID{r.ProposalID}, ids)
	ids, err = proposer.ListProposalsByProposer(ctx, "0xD0C")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	ids, err = proposer.ListProposalsByApprover(ctx, "0xa2")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	total, err := proposer.TotalProposals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	// 2 approvers added, create, 2 approvals, execute, plus the admin bootstrap
	assert.Equal(t, 7, env.ledger.Len())
}

func TestPolicyAndRegistryQueries(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	admin := env.client(testAdmin)

	req, err := admin.GetSignatureRequirements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, req.Standard)

	req.Research = 5
	_, err = admin.UpdateSignatureRequirements(ctx, req)
	require.NoError(t, err)
	n, err := admin.GetRequiredSignatures(ctx, "RESEARCH")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	env.addApprovers(t, "0xa1")
	_, err = admin.RemoveApprover(ctx, "0xa1")
	require.NoError(t, err)
	info, err := admin.GetApproverInfo(ctx, "0xa1")
	require.NoError(t, err)
	assert.False(t, info.Authorized)
	assert.Equal(t, "Physician", info.Role)

	unknown, err := admin.GetApproverInfo(ctx, "0xnobody")
	require.NoError(t, err)
	assert.False(t, unknown.Authorized)
	assert.Empty(t, unknown.Role)

	all, err := admin.ListAllApprovers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestErrorsCrossTheWire(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.addApprovers(t, "0xa1")
	proposer := env.client(testProposer)

	r, err := proposer.CreateProposal(ctx, CreateProposalRequest{
		Patient:    testPatient,
		DataType:   "labs",
		Reason:     "review",
		AccessType: "READ",
	})
	require.NoError(t, err)
	id := r.ProposalID.String()

	testDefs := []struct {
		name string
		call func() error
		want error
		code connect.Code
	}{
		{
			name: "unknown proposal",
			call: func() error {
				_, err := env.client("0xa1").ApproveProposal(ctx, "0xffff")
				return err
			},
			want: proposal.ErrNotFound,
			code: connect.CodeNotFound,
		},
		{
			name: "unauthorized approver",
			call: func() error {
				_, err := env.client("0xstranger").ApproveProposal(ctx, id)
				return err
			},
			want: proposal.ErrUnauthorized,
			code: connect.CodePermissionDenied,
		},
		{
			name: "missing identity",
			call: func() error {
				_, err := env.client("").ApproveProposal(ctx, id)
				return err
			},
			want: proposal.ErrUnauthorized,
			code: connect.CodePermissionDenied,
		},
		{
			name: "invalid access type",
			call: func() error {
				_, err := proposer.CreateProposal(ctx, CreateProposalRequest{
					Patient:    testPatient,
					DataType:   "labs",
					Reason:     "review",
					AccessType: "BORROW",
				})
				return err
			},
			want: proposal.ErrInvalidAccessType,
			code: connect.CodeInvalidArgument,
		},
		{
			name: "not approved",
			call: func() error {
				_, err := proposer.ExecuteProposal(ctx, id)
				return err
			},
			want: proposal.ErrNotApproved,
			code: connect.CodeFailedPrecondition,
		},
		{
			name: "not yet expired",
			call: func() error {
				_, err := proposer.MarkProposalExpired(ctx, id)
				return err
			},
			want: proposal.ErrNotYetExpired,
			code: connect.CodeFailedPrecondition,
		},
		{
			name: "non-admin policy change",
			call: func() error {
				_, err := proposer.UpdateSignatureRequirements(ctx, proposal.DefaultRequirements())
				return err
			},
			want: proposal.ErrUnauthorized,
			code: connect.CodePermissionDenied,
		},
		{
			name: "invalid policy value",
			call: func() error {
				_, err := env.client(testAdmin).UpdateSignatureRequirements(ctx, proposal.Requirements{})
				return err
			},
			want: proposal.ErrInvalidPolicyValue,
			code: connect.CodeInvalidArgument,
		},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			err := testDef.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, testDef.want)
			assert.Equal(t, proposal.KindOf(testDef.want), proposal.KindOf(err))
			assert.False(t, proposal.IsRetryable(err))
			assert.Equal(t, testDef.code, kindCodes[proposal.KindOf(err)])
		})
	}

	// A repeated vote is reported as AlreadyVoted
	_, err = env.client("0xa1").ApproveProposal(ctx, id)
	require.NoError(t, err)
	_, err = env.client("0xa1").ApproveProposal(ctx, id)
	require.ErrorIs(t, err, proposal.ErrAlreadyVoted)
}

func TestConsentOverTheWire(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	patient := env.client(testPatient)

	r, err := patient.GrantConsent(ctx, GrantConsentRequest{
		Grantee:   "0xD0C",
		DataType:  "labs",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, testPatient+"/"+testProposer+"/labs", r.Subject)
	_, err = patient.GrantConsent(ctx, GrantConsentRequest{Grantee: testPatient, DataType: "labs"})
	require.ErrorIs(t, err, proposal.ErrInvalidArgument)

	// Anyone may check a grant, but only the patient lists their own by default
	ok, err := env.client("0xa1").CheckConsent(ctx, ConsentRequest{
		Patient:  testPatient,
		Grantee:  testProposer,
		DataType: "labs",
	})
	require.NoError(t, err)
	assert.True(t, ok)
	consents, err := patient.ListConsents(ctx, "")
	require.NoError(t, err)
	require.Len(t, consents, 1)
	assert.Equal(t, proposal.Identity(testProposer), consents[0].Grantee)
	assert.True(t, consents[0].Active)

	_, err = env.client(testProposer).RevokeConsent(ctx, testProposer, "labs")
	require.ErrorIs(t, err, proposal.ErrNotFound)
	_, err = patient.RevokeConsent(ctx, testProposer, "labs")
	require.NoError(t, err)
	ok, err = patient.CheckConsent(ctx, ConsentRequest{Grantee: testProposer, DataType: "labs"})
	require.NoError(t, err)
	assert.False(t, ok)
	consents, err = env.client("0xa1").ListConsents(ctx, testPatient)
	require.NoError(t, err)
	require.Len(t, consents, 1)
	assert.False(t, consents[0].Active)
}

func TestConfirmationHeader(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"patient":"p1","dataType":"labs","reason":"r","accessType":"READ"}`)
	req, err := http.NewRequestWithContext(
		t.Context(),
		http.MethodPost,
		env.server.URL+CreateProposalProcedure,
		bytes.NewReader(body),
	)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdentityHeader, testProposer)
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	head, err := env.ledger.Head(t.Context())
	require.NoError(t, err)
	assert.Equal(t, head.Ref, resp.Header.Get(ConfirmationHeader))
	assert.Equal(t, strconv.FormatUint(head.Sequence, 10), resp.Header.Get("Medgate-Sequence"))

	// Errors carry the kind name
	req, err = http.NewRequestWithContext(
		t.Context(),
		http.MethodPost,
		env.server.URL+GetProposalProcedure,
		bytes.NewReader([]byte(`{"proposalId":"0x01"}`)),
	)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp2, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	_, _ = io.Copy(io.Discard, resp2.Body)
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
	assert.Equal(t, "NotFound", resp2.Header.Get(ErrorKindHeader))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	req, err := http.NewRequestWithContext(
		t.Context(),
		http.MethodPost,
		env.server.URL+"/grpc.health.v1.Health/Check",
		bytes.NewReader([]byte(`{"service":"`+AccessServiceName+`"}`)),
	)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "SERVING")
}

func TestWatchExecutions(t *testing.T) {
	env := newTestEnv(t)
	env.addApprovers(t, "0xa1", "0xa2")
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	watcher := env.client("applier")
	stream, err := watcher.WatchExecutions(ctx, testPatient)
	require.NoError(t, err)
	defer stream.Close()

	received := make(chan proposal.ExecutedEvent, 1)
	go func() {
		defer close(received)
		if stream.Receive() {
			received <- stream.Msg()
		}
	}()
	require.Eventually(t, func() bool {
		return env.bus.SubscriberCount(proposal.ExecutedEventType) == 1
	}, 2*time.Second, 5*time.Millisecond)

	proposer := env.client(testProposer)
	// Executions for other patients are filtered out
	for _, patient := range []string{"someone-else", testPatient} {
		r, err := proposer.CreateProposal(ctx, CreateProposalRequest{
			Patient:       patient,
			DataType:      "notes",
			Reason:        "update",
			AccessType:    "UPDATE",
			ContentHashes: []string{"QmNotes-" + patient},
		})
		require.NoError(t, err)
		id := r.ProposalID.String()
		for _, a := range []string{"0xa1", "0xa2"} {
			_, err := env.client(a).ApproveProposal(ctx, id)
			require.NoError(t, err)
		}
		_, err = watcher.ExecuteProposal(ctx, id)
		require.NoError(t, err)
	}

	select {
	case evt, ok := <-received:
		require.True(t, ok, "stream ended: %v", stream.Err())
		assert.Equal(t, proposal.Identity(testPatient), evt.Patient)
		assert.Equal(t, proposal.AccessUpdate, evt.AccessType)
		assert.Equal(t, []string{"QmNotes-" + testPatient}, evt.ContentHashes)
		assert.Equal(t, proposal.Identity("applier"), evt.Executor)
	case <-time.After(5 * time.Second):
		t.Fatal("no execution event received")
	}
	cancel()
	require.Eventually(t, func() bool {
		return env.bus.SubscriberCount(proposal.ExecutedEventType) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLedgerClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	lc := NewLedgerClient(ClientConfig{
		HTTPClient: env.server.Client(),
		BaseURL:    env.server.URL,
	})
	base := env.ledger.Len()
	for i := range 5 {
		e := ledger.NewEntry(ledger.ActionCreate, fmt.Sprintf("subject-%d", i), "0xremote", []byte{byte(i)})
		conf, err := lc.Submit(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, uint64(base+i+1), conf.Sequence)
		// Resubmission returns the original confirmation
		again, err := lc.Submit(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, conf.Ref, again.Ref)
	}
	head, err := lc.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(base+5), head.Sequence)

	all, err := lc.Entries(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, base+5)
	require.NoError(t, ledger.VerifyChain("", all))

	some, err := lc.Entries(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, uint64(2), some[0].Confirmation.Sequence)

	_, err = lc.Submit(ctx, ledger.Entry{})
	require.Error(t, err)
	assert.False(t, ledger.Retryable(err))
}

func TestLedgerClientUnavailable(t *testing.T) {
	// Reserve a port and release it so nothing is listening there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	httpClient := &http.Client{Transport: &http.Transport{}}
	defer httpClient.CloseIdleConnections()
	lc := NewLedgerClient(ClientConfig{
		HTTPClient: httpClient,
		BaseURL:    "http://" + addr,
	})
	_, err = lc.Submit(t.Context(), ledger.NewEntry(ledger.ActionCreate, "s", "a", nil))
	require.Error(t, err)
	assert.True(t, ledger.Retryable(err))
	assert.True(t, errors.Is(err, ledger.ErrUnavailable))
}

func TestServerStartStop(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	mem := ledger.NewMemory()
	srv := NewServer(ServerConfig{
		Ledger:       mem,
		Host:         "127.0.0.1",
		Port:         uint(port), // #nosec G115
		ReuseAddress: true,
	})
	require.NoError(t, srv.Start(t.Context()))
	require.NotNil(t, srv.Addr())
	require.Error(t, srv.Start(t.Context()))

	httpClient := NewH2CClient()
	lc := NewLedgerClient(ClientConfig{
		HTTPClient: httpClient,
		BaseURL:    "http://" + srv.Addr().String(),
	})
	_, err = lc.Submit(t.Context(), ledger.NewEntry(ledger.ActionCreate, "s", "a", nil))
	require.NoError(t, err)
	httpClient.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.Nil(t, srv.Addr())
	require.NoError(t, srv.Stop(ctx))
}
