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
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalID(t *testing.T) {
	full := "0x" + strings.Repeat("ab", IDSize)
	id, err := CanonicalID(full)
	require.NoError(t, err)
	assert.Equal(t, full, id.String())

	upper, err := CanonicalID(strings.ToUpper(full[2:]))
	require.NoError(t, err)
	assert.Equal(t, id, upper)

	short, err := CanonicalID("0x1")
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), short[IDSize-1])
	assert.Equal(t, "0x"+strings.Repeat("0", 63)+"1", short.String())

	// Non-hex text is hashed deterministically
	a, err := CanonicalID("referral-42")
	require.NoError(t, err)
	b, err := CanonicalID("  referral-42 ")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())

	_, err = CanonicalID("   ")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestIDText(t *testing.T) {
	id := ID{0xde, 0xad}
	data, err := json.Marshal(id)
	require.NoError(t, err)
	var out ID
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, id, out)
}

func TestCanonicalIdentity(t *testing.T) {
	testDefs := []struct {
		input    string
		expected Identity
	}{
		{"0xABCdef", "0xabcdef"},
		{"0XABC", "0xabc"},
		{" dr-house ", "dr-house"},
		{"Dr-House", "Dr-House"},
		{"0xnothex", "0xnothex"},
	}
	for _, testDef := range testDefs {
		got, err := CanonicalIdentity(testDef.input)
		require.NoError(t, err)
		assert.Equal(t, testDef.expected, got, "input %q", testDef.input)
	}
	_, err := CanonicalIdentity("")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestParseAccessType(t *testing.T) {
	for _, a := range AccessTypes() {
		parsed, err := ParseAccessType(strings.ToLower(a.String()))
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	}
	_, err := ParseAccessType("BORROW")
	require.ErrorIs(t, err, ErrInvalidAccessType)
	assert.False(t, AccessType(42).Valid())
	_, err = AccessType(42).MarshalText()
	require.ErrorIs(t, err, ErrInvalidAccessType)
}

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses() {
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStatus("LIMBO")
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.True(t, StatusExecuted.Terminal())
	assert.False(t, StatusApproved.Terminal())
}

func TestErrorKinds(t *testing.T) {
	for _, k := range kinds {
		wrapped := fmt.Errorf("outer: %w", newError(k.err, ID{0x02}, "0xabc", "detail"))
		assert.Equal(t, k.name, KindOf(wrapped))
		assert.Equal(t, k.err, KindError(k.name))
	}
	assert.Empty(t, KindOf(fmt.Errorf("plain")))
	assert.Nil(t, KindError("Bogus"))

	extErr := NewExternalError("ledger", fmt.Errorf("timeout"), true)
	assert.ErrorIs(t, extErr, ErrExternal)
	assert.True(t, IsRetryable(fmt.Errorf("submit: %w", extErr)))
	assert.False(t, IsRetryable(newError(ErrNotFound, ID{}, "", "")))

	msg := newError(ErrAlreadyVoted, ID{0x03}, "0xa1", "").Error()
	assert.Contains(t, msg, "already voted")
	assert.Contains(t, msg, "identity 0xa1")
}

func TestRequirements(t *testing.T) {
	req := DefaultRequirements()
	require.NoError(t, req.Validate())
	testDefs := []struct {
		accessType AccessType
		expected   int
	}{
		{AccessRead, req.Standard},
		{AccessWrite, req.Standard},
		{AccessUpdate, req.Standard},
		{AccessDelete, req.Standard},
		{AccessEmergency, req.Emergency},
		{AccessResearch, req.Research},
		{AccessLegal, req.Legal},
		{AccessInsurance, req.Insurance},
	}
	for _, testDef := range testDefs {
		n, err := req.For(testDef.accessType)
		require.NoError(t, err)
		assert.Equal(t, testDef.expected, n, testDef.accessType.String())
	}
	_, err := req.For(AccessType(99))
	require.ErrorIs(t, err, ErrInvalidAccessType)

	bad := req
	bad.Legal = 0
	require.ErrorIs(t, bad.Validate(), ErrInvalidPolicyValue)

	p, err := NewPolicy(req)
	require.NoError(t, err)
	require.ErrorIs(t, p.Set(bad), ErrInvalidPolicyValue)
	assert.Equal(t, req, p.Requirements(), "invalid table must not change the policy")
	_, err = NewPolicy(Requirements{})
	require.ErrorIs(t, err, ErrInvalidPolicyValue)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry("0xb", "0xa")
	assert.Equal(t, []Identity{"0xa", "0xb"}, r.Admins())
	assert.True(t, r.IsAdmin("0xa"))
	assert.False(t, r.IsAuthorized("0xa"), "admins are not approvers until registered")

	r.Put(Approver{Identity: "0xc", Role: "Nurse", Authorized: true})
	r.Put(Approver{Identity: "0xa", Role: AdministratorRole, Authorized: true})
	assert.True(t, r.IsAuthorized("0xc"))
	assert.Equal(t, "Nurse", r.RoleOf("0xc"))
	assert.Empty(t, r.RoleOf("0xz"))

	r.Put(Approver{Identity: "0xc", Role: "Nurse", Authorized: false})
	assert.False(t, r.IsAuthorized("0xc"))
	assert.Equal(t, 2, r.Len())
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, Identity("0xa"), list[0].Identity)
}

func TestStoreIndex(t *testing.T) {
	s := NewStore()
	id1, seq1 := s.allocate("p1", "pat", "labs", testEpoch)
	id2, seq2 := s.allocate("p1", "pat", "labs", testEpoch)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, seq1+1, seq2)

	p1 := pendingProposal(1)
	p1.ID = id1
	p1.Proposer = "p1"
	p2 := pendingProposal(1)
	p2.ID = id2
	p2.Proposer = "p1"
	s.insert(p1)
	s.insert(p2)
	assert.Equal(t, []ID{id1, id2}, s.IDs())
	assert.Equal(t, []ID{id1, id2}, s.Index().ByStatus(StatusPending))
	assert.Equal(t, []ID{id1, id2}, s.Index().ByProposer("p1"))
	assert.Empty(t, s.Index().ByApprover("a1"))

	e, ok := s.lookup(id1)
	require.True(t, ok)
	next, err := Engine{}.Approve(e.snapshot(), "a1", testEpoch)
	require.NoError(t, err)
	s.commit(e, next)
	assert.Equal(t, []ID{id2}, s.Index().ByStatus(StatusPending))
	assert.Equal(t, []ID{id1}, s.Index().ByStatus(StatusApproved))
	assert.Equal(t, []ID{id1}, s.Index().ByApprover("a1"))

	counts := s.Index().StatusCounts()
	assert.Equal(t, 1, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusApproved])
	assert.Equal(t, 0, counts[StatusExpired])

	// Returned copies are independent of the store
	got, ok := s.Get(id1)
	require.True(t, ok)
	got.Approvals[0] = "mallory"
	again, _ := s.Get(id1)
	assert.Equal(t, Identity("a1"), again.Approvals[0])
}
