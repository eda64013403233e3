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

// MigrateModels contains a list of model objects that should have DB migrations applied
var MigrateModels = []any{
	&Approver{},
	&CommitTimestamp{},
	&Consent{},
	&ContentRef{},
	&LedgerCursor{},
	&LedgerPending{},
	&Proposal{},
	&ProposalVote{},
	&SignatureRequirements{},
}

const singletonRowId = 1

// CommitTimestamp tracks the last commit shared with the blob store
type CommitTimestamp struct {
	ID        uint `gorm:"primarykey"`
	Timestamp int64
}

func (CommitTimestamp) TableName() string {
	return "commit_timestamp"
}

func NewCommitTimestamp(ts int64) *CommitTimestamp {
	return &CommitTimestamp{ID: singletonRowId, Timestamp: ts}
}

// LedgerCursor records the ledger sequence through which every record is
// reflected in the tables
type LedgerCursor struct {
	Ref      string `gorm:"size:64"`
	ID       uint   `gorm:"primarykey"`
	Sequence uint64 `gorm:"not null"`
}

func (LedgerCursor) TableName() string {
	return "ledger_cursor"
}

func NewLedgerCursor(seq uint64, ref string) *LedgerCursor {
	return &LedgerCursor{ID: singletonRowId, Sequence: seq, Ref: ref}
}

// LedgerPending holds a saved ledger sequence above the cursor. The cursor
// absorbs these rows once the gap below them is filled.
type LedgerPending struct {
	Ref      string `gorm:"size:64"`
	Sequence uint64 `gorm:"primarykey;autoIncrement:false"`
}

func (LedgerPending) TableName() string {
	return "ledger_pending"
}
