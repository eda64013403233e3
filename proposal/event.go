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
	"github.com/blinklabs-io/medgate/event"
	"github.com/blinklabs-io/medgate/ledger"
)

const (
	CreatedEventType  event.EventType = "proposal.created"
	VoteEventType     event.EventType = "proposal.vote"
	StatusEventType   event.EventType = "proposal.status"
	ExecutedEventType event.EventType = "proposal.executed"
	ApproverEventType event.EventType = "approver.updated"
	PolicyEventType   event.EventType = "policy.updated"
	ConsentEventType  event.EventType = "consent.updated"
)

type CreatedEvent struct {
	Proposal     Proposal
	Confirmation ledger.Confirmation
}

type VoteEvent struct {
	Reason       string
	Approver     Identity
	Confirmation ledger.Confirmation
	Approvals    int
	Rejections   int
	ProposalID   ID
	Approve      bool
}

type StatusEvent struct {
	Confirmation ledger.Confirmation
	ProposalID   ID
	From         Status
	To           Status
}

// ExecutedEvent tells record ledger appliers which content to apply for an
// executed proposal
type ExecutedEvent struct {
	Patient       Identity            `json:"patient"`
	DataType      string              `json:"dataType"`
	Executor      Identity            `json:"executor"`
	ContentHashes []string            `json:"contentHashes"`
	Confirmation  ledger.Confirmation `json:"confirmation"`
	ProposalID    ID                  `json:"proposalId"`
	AccessType    AccessType          `json:"accessType"`
}

type ApproverEvent struct {
	Approver     Approver
	Confirmation ledger.Confirmation
}

type PolicyEvent struct {
	Requirements Requirements
	Confirmation ledger.Confirmation
}

type ConsentEvent struct {
	Consent      Consent
	Confirmation ledger.Confirmation
}
