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
	"fmt"
	"slices"
	"time"
)

// Engine holds the pure state transition rules. Every method takes a
// proposal by value and returns the next state without touching the input.
type Engine struct {
	// RejectionQuorum is the number of rejections that end a proposal.
	// Values below 1 are treated as 1 (single rejection veto).
	RejectionQuorum int
	// AllowApprovedExpiry lets an approved but unexecuted proposal expire
	AllowApprovedExpiry bool
}

func (e Engine) rejectionQuorum() int {
	return max(e.RejectionQuorum, 1)
}

// Evaluate computes the status implied by the vote counts. Executed,
// rejected and expired proposals keep their status.
func (e Engine) Evaluate(p Proposal) Status {
	switch p.Status {
	case StatusExecuted, StatusRejected, StatusExpired:
		return p.Status
	}
	if len(p.Rejections) >= e.rejectionQuorum() {
		return StatusRejected
	}
	if len(p.Approvals) >= p.RequiredSignatures {
		return StatusApproved
	}
	return StatusPending
}

// Legal reports whether from -> to is an edge of the lifecycle graph.
// Staying in the same status is legal for PENDING only.
func (e Engine) Legal(from, to Status) bool {
	switch from {
	case StatusPending:
		switch to {
		case StatusPending, StatusApproved, StatusRejected, StatusExpired:
			return true
		}
	case StatusApproved:
		switch to {
		case StatusExecuted:
			return true
		case StatusExpired:
			return e.AllowApprovedExpiry
		}
	}
	return false
}

func (e Engine) checkVotable(p Proposal, now time.Time) error {
	if p.Status != StatusPending {
		return newError(ErrNotPending, p.ID, "", "status "+p.Status.String())
	}
	if now.After(p.Deadline) {
		return newError(ErrExpired, p.ID, "", "deadline "+p.Deadline.UTC().Format(time.RFC3339))
	}
	return nil
}

// Approve records an approval and moves the proposal to APPROVED once the
// approval count reaches the signature snapshot. An earlier rejection by the
// same approver is withdrawn.
func (e Engine) Approve(p Proposal, approver Identity, now time.Time) (Proposal, error) {
	if err := e.checkVotable(p, now); err != nil {
		return p, err
	}
	if p.HasApproved(approver) {
		return p, newError(ErrAlreadyVoted, p.ID, approver, "")
	}
	next := p.Clone()
	next.Rejections = slices.DeleteFunc(next.Rejections, func(i Identity) bool {
		return i == approver
	})
	next.Approvals = append(next.Approvals, approver)
	next.Status = e.Evaluate(next)
	return next, nil
}

// Reject records a rejection with its reason. With the default quorum of one
// the proposal is rejected immediately regardless of existing approvals.
func (e Engine) Reject(p Proposal, approver Identity, reason string, now time.Time) (Proposal, error) {
	if reason == "" {
		return p, newError(ErrInvalidArgument, p.ID, approver, "rejection reason required")
	}
	if err := e.checkVotable(p, now); err != nil {
		return p, err
	}
	if p.HasRejected(approver) {
		return p, newError(ErrAlreadyVoted, p.ID, approver, "")
	}
	next := p.Clone()
	next.Approvals = slices.DeleteFunc(next.Approvals, func(i Identity) bool {
		return i == approver
	})
	next.Rejections = append(next.Rejections, approver)
	next.RejectionReason = reason
	next.Status = e.Evaluate(next)
	return next, nil
}

// Execute moves an approved proposal to EXECUTED
func (e Engine) Execute(p Proposal, executor Identity, now time.Time) (Proposal, error) {
	if p.Executed || p.Status == StatusExecuted {
		return p, newError(ErrAlreadyExecuted, p.ID, executor, "")
	}
	if p.Status != StatusApproved {
		return p, newError(ErrNotApproved, p.ID, executor, "status "+p.Status.String())
	}
	if now.After(p.Deadline) {
		return p, newError(ErrExpired, p.ID, executor, "deadline "+p.Deadline.UTC().Format(time.RFC3339))
	}
	next := p.Clone()
	next.Status = StatusExecuted
	next.Executed = true
	next.ExecutedBy = executor
	return next, nil
}

// Expire moves a proposal past its deadline to EXPIRED
func (e Engine) Expire(p Proposal, now time.Time) (Proposal, error) {
	switch {
	case p.Status == StatusPending:
	case p.Status == StatusApproved && e.AllowApprovedExpiry && !p.Executed:
	default:
		return p, newError(ErrNotPending, p.ID, "", "status "+p.Status.String())
	}
	if !now.After(p.Deadline) {
		return p, newError(
			ErrNotYetExpired,
			p.ID,
			"",
			fmt.Sprintf("deadline %s", p.Deadline.UTC().Format(time.RFC3339)),
		)
	}
	next := p.Clone()
	next.Status = StatusExpired
	return next, nil
}
