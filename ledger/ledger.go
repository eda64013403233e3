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

// Package ledger defines the boundary to the durable record ledger that
// confirms every state change before it is applied.
package ledger

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
)

// Actions recorded in ledger entries
const (
	ActionCreate          = "proposal.create"
	ActionApprove         = "proposal.approve"
	ActionReject          = "proposal.reject"
	ActionExecute         = "proposal.execute"
	ActionExpire          = "proposal.expire"
	ActionAuthorize       = "approver.authorize"
	ActionDeauthorize     = "approver.deauthorize"
	ActionSetRequirements = "policy.set"
	ActionGrantConsent    = "consent.grant"
	ActionRevokeConsent   = "consent.revoke"
)

var (
	// ErrUnavailable marks transient failures that may succeed when retried
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrChainBroken is returned when a journal entry does not match its hash
	ErrChainBroken = errors.New("ledger hash chain broken")
)

// Entry is a state change submitted for confirmation. Payload holds the
// encoded post-change state of the subject.
type Entry struct {
	Time          time.Time `cbor:"1,keyasint"           json:"time"`
	Action        string    `cbor:"2,keyasint"           json:"action"`
	Subject       string    `cbor:"3,keyasint"           json:"subject"`
	Actor         string    `cbor:"4,keyasint"           json:"actor"`
	ContentHashes []string  `cbor:"5,keyasint,omitempty" json:"contentHashes,omitempty"`
	Payload       []byte    `cbor:"6,keyasint"           json:"payload"`
	SubmissionID  uuid.UUID `cbor:"7,keyasint"           json:"submissionId"`
}

// NewEntry builds an entry with a fresh submission ID. The ID stays the same
// across retries so a ledger can drop duplicates.
func NewEntry(action, subject, actor string, payload []byte) Entry {
	return Entry{
		SubmissionID: uuid.New(),
		Time:         time.Now().UTC(),
		Action:       action,
		Subject:      subject,
		Actor:        actor,
		Payload:      payload,
	}
}

// Confirmation is the ledger's acknowledgement of an entry
type Confirmation struct {
	Time     time.Time `cbor:"1,keyasint" json:"time"`
	Ref      string    `cbor:"2,keyasint" json:"ref"`
	Sequence uint64    `cbor:"3,keyasint" json:"sequence"`
}

// Record is a confirmed entry as stored by a ledger
type Record struct {
	Entry        Entry        `cbor:"1,keyasint" json:"entry"`
	Confirmation Confirmation `cbor:"2,keyasint" json:"confirmation"`
	PrevRef      string       `cbor:"3,keyasint" json:"prevRef"`
}

// Submitter confirms entries
type Submitter interface {
	Submit(context.Context, Entry) (Confirmation, error)
}

// Replayer lists confirmed records with a sequence greater than after, in
// sequence order. A limit of zero means no limit.
type Replayer interface {
	Entries(ctx context.Context, after uint64, limit int) ([]Record, error)
}

// Ledger is a Submitter that can also replay its history
type Ledger interface {
	Submitter
	Replayer
}

// Chain is a Ledger that reports its newest confirmation
type Chain interface {
	Ledger
	Head(ctx context.Context) (Confirmation, error)
}

// Retryable reports whether a submission failure may succeed on a later attempt
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
