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

package proposal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func pendingProposal(required int) Proposal {
	return Proposal{
		ID:                 ID{0x01},
		Proposer:           "0xd0c",
		Patient:            "patient-1",
		DataType:           "labs",
		Reason:             "follow up",
		AccessType:         AccessRead,
		Approvals:          []Identity{},
		Rejections:         []Identity{},
		CreatedAt:          testEpoch,
		Deadline:           testEpoch.Add(time.Hour),
		RequiredSignatures: required,
		Status:             StatusPending,
	}
}

func TestEngineEvaluate(t *testing.T) {
	e := Engine{}
	testDefs := []struct {
		name       string
		status     Status
		approvals  int
		rejections int
		expected   Status
	}{
		{"no votes", StatusPending, 0, 0, StatusPending},
		{"below threshold", StatusPending, 1, 0, StatusPending},
		{"at threshold", StatusPending, 2, 0, StatusApproved},
		{"single veto", StatusPending, 1, 1, StatusRejected},
		{"executed is sticky", StatusExecuted, 0, 3, StatusExecuted},
		{"expired is sticky", StatusExpired, 5, 0, StatusExpired},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			p := pendingProposal(2)
			p.Status = testDef.status
			for i := range testDef.approvals {
				p.Approvals = append(p.Approvals, Identity(string(rune('a'+i))))
			}
			for i := range testDef.rejections {
				p.Rejections = append(p.Rejections, Identity(string(rune('m'+i))))
			}
			assert.Equal(t, testDef.expected, e.Evaluate(p))
		})
	}
}

func TestEngineRejectionQuorum(t *testing.T) {
	e := Engine{RejectionQuorum: 2}
	p := pendingProposal(3)
	p, err := e.Reject(p, "a1", "no", testEpoch)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	p, err = e.Reject(p, "a2", "also no", testEpoch)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, p.Status)
	assert.Equal(t, "also no", p.RejectionReason)
}

func TestEngineLegal(t *testing.T) {
	e := Engine{}
	assert.True(t, e.Legal(StatusPending, StatusPending))
	assert.True(t, e.Legal(StatusPending, StatusApproved))
	assert.True(t, e.Legal(StatusPending, StatusRejected))
	assert.True(t, e.Legal(StatusPending, StatusExpired))
	assert.False(t, e.Legal(StatusPending, StatusExecuted))
	assert.True(t, e.Legal(StatusApproved, StatusExecuted))
	assert.False(t, e.Legal(StatusApproved, StatusApproved))
	assert.False(t, e.Legal(StatusApproved, StatusExpired))
	assert.True(t, Engine{AllowApprovedExpiry: true}.Legal(StatusApproved, StatusExpired))
	for _, terminal := range []Status{StatusExecuted, StatusRejected, StatusExpired} {
		for _, to := range Statuses() {
			assert.False(t, e.Legal(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestEngineApprove(t *testing.T) {
	e := Engine{}
	orig := pendingProposal(2)
	p, err := e.Approve(orig, "a1", testEpoch)
	require.NoError(t, err)
	assert.Empty(t, orig.Approvals, "input must not be modified")
	assert.Equal(t, []Identity{"a1"}, p.Approvals)
	assert.Equal(t, StatusPending, p.Status)

	_, err = e.Approve(p, "a1", testEpoch)
	require.ErrorIs(t, err, ErrAlreadyVoted)

	p, err = e.Approve(p, "a2", testEpoch)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, p.Status)

	_, err = e.Approve(p, "a3", testEpoch)
	require.ErrorIs(t, err, ErrNotPending)

	late := pendingProposal(2)
	_, err = e.Approve(late, "a1", late.Deadline.Add(time.Second))
	require.ErrorIs(t, err, ErrExpired)
	// The deadline instant itself is still open for votes
	_, err = e.Approve(late, "a1", late.Deadline)
	require.NoError(t, err)
}

func TestEngineVoteChange(t *testing.T) {
	e := Engine{RejectionQuorum: 2}
	p := pendingProposal(3)
	p, err := e.Approve(p, "a1", testEpoch)
	require.NoError(t, err)
	p, err = e.Reject(p, "a1", "changed my mind", testEpoch)
	require.NoError(t, err)
	assert.Empty(t, p.Approvals)
	assert.Equal(t, []Identity{"a1"}, p.Rejections)
	p, err = e.Approve(p, "a1", testEpoch)
	require.NoError(t, err)
	assert.Equal(t, []Identity{"a1"}, p.Approvals)
	assert.Empty(t, p.Rejections)
}

func TestEngineRejectRequiresReason(t *testing.T) {
	_, err := Engine{}.Reject(pendingProposal(1), "a1", "", testEpoch)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEngineExecute(t *testing.T) {
	e := Engine{}
	p := pendingProposal(1)
	_, err := e.Execute(p, "x", testEpoch)
	require.ErrorIs(t, err, ErrNotApproved)

	p, err = e.Approve(p, "a1", testEpoch)
	require.NoError(t, err)
	_, err = e.Execute(p, "x", p.Deadline.Add(time.Minute))
	require.ErrorIs(t, err, ErrExpired)

	p, err = e.Execute(p, "x", testEpoch)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, p.Status)
	assert.True(t, p.Executed)
	assert.Equal(t, Identity("x"), p.ExecutedBy)

	_, err = e.Execute(p, "x", testEpoch)
	require.ErrorIs(t, err, ErrAlreadyExecuted)
}

func TestEngineExpire(t *testing.T) {
	e := Engine{}
	p := pendingProposal(2)
	_, err := e.Expire(p, p.Deadline)
	require.ErrorIs(t, err, ErrNotYetExpired)
	expired, err := e.Expire(p, p.Deadline.Add(time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, expired.Status)

	approved := pendingProposal(1)
	approved, err = e.Approve(approved, "a1", testEpoch)
	require.NoError(t, err)
	after := approved.Deadline.Add(time.Second)
	_, err = e.Expire(approved, after)
	require.ErrorIs(t, err, ErrNotPending)
	expired, err = Engine{AllowApprovedExpiry: true}.Expire(approved, after)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, expired.Status)

	_, err = e.Expire(expired, after)
	require.ErrorIs(t, err, ErrNotPending)
}
