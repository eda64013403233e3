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

package models

import "time"

// Vote constants
const (
	VoteReject  = 0
	VoteApprove = 1
)

type Proposal struct {
	CreatedAt          time.Time `gorm:"not null"`
	Deadline           time.Time `gorm:"index;not null"`
	ProposalID         []byte    `gorm:"uniqueIndex;size:32;not null"`
	Proposer           string    `gorm:"index;size:128;not null"`
	Patient            string    `gorm:"index;size:128;not null"`
	DataType           string    `gorm:"size:128;not null"`
	Reason             string    `gorm:"not null"`
	RejectionReason    string
	ExecutedBy         string         `gorm:"size:128"`
	LedgerRef          string         `gorm:"size:64"`
	Votes              []ProposalVote `gorm:"foreignKey:ProposalID;references:ID;constraint:OnDelete:CASCADE"`
	ContentRefs        []ContentRef   `gorm:"foreignKey:ProposalID;references:ID;constraint:OnDelete:CASCADE"`
	ID                 uint           `gorm:"primarykey"`
	Sequence           uint64         `gorm:"index;not null"`
	LedgerSequence     uint64         `gorm:"not null"`
	RequiredSignatures int            `gorm:"not null"`
	AccessType         uint8          `gorm:"not null"`
	Status             uint8          `gorm:"index;not null"`
	Executed           bool           `gorm:"not null"`
}

func (Proposal) TableName() string {
	return "proposal"
}

// ProposalVote is one approval or rejection. Position keeps the order in
// which votes were cast.
type ProposalVote struct {
	Approver   string `gorm:"index;uniqueIndex:idx_vote_unique,priority:2;size:128;not null"`
	ID         uint   `gorm:"primarykey"`
	ProposalID uint   `gorm:"index;uniqueIndex:idx_vote_unique,priority:1;not null"`
	Position   int    `gorm:"not null"`
	Vote       uint8  `gorm:"not null"`
}

func (ProposalVote) TableName() string {
	return "proposal_vote"
}

// ContentRef is an external content hash referenced by a proposal
type ContentRef struct {
	Hash       string `gorm:"index;size:256;not null"`
	ID         uint   `gorm:"primarykey"`
	ProposalID uint   `gorm:"uniqueIndex:idx_content_ref_position,priority:1;not null"`
	Position   int    `gorm:"uniqueIndex:idx_content_ref_position,priority:2;not null"`
}

func (ContentRef) TableName() string {
	return "content_ref"
}
