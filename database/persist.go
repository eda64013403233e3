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

package database

import (
	"context"
	"fmt"

	"github.com/blinklabs-io/medgate/database/models"
	"github.com/blinklabs-io/medgate/ledger"
	"github.com/blinklabs-io/medgate/proposal"
)

var _ proposal.Persister = (*Database)(nil)

// SaveProposal writes the confirmed state of a proposal and advances the
// ledger cursor in the same transaction
func (d *Database) SaveProposal(
	ctx context.Context,
	p proposal.Proposal,
	conf ledger.Confirmation,
) error {
	row := proposalToModel(p, conf)
	txn := d.Transaction(true)
	return txn.Do(func(txn *Txn) error {
		db := txn.Metadata().WithContext(ctx)
		if err := d.metadata.SetProposal(row, db); err != nil {
			return err
		}
		return d.metadata.AdvanceLedgerCursor(conf.Sequence, conf.Ref, db)
	})
}

func (d *Database) SaveApprover(
	ctx context.Context,
	a proposal.Approver,
	conf ledger.Confirmation,
) error {
	row := &models.Approver{
		UpdatedAt:      a.UpdatedAt.UTC(),
		Identity:       string(a.Identity),
		Role:           a.Role,
		Authorized:     a.Authorized,
		LedgerSequence: conf.Sequence,
	}
	txn := d.Transaction(true)
	return txn.Do(func(txn *Txn) error {
		db := txn.Metadata().WithContext(ctx)
		if err := d.metadata.SetApprover(row, db); err != nil {
			return fmt.Errorf("save approver: %w", err)
		}
		return d.metadata.AdvanceLedgerCursor(conf.Sequence, conf.Ref, db)
	})
}

func (d *Database) SaveRequirements(
	ctx context.Context,
	req proposal.Requirements,
	conf ledger.Confirmation,
) error {
	row := models.NewSignatureRequirements()
	row.Standard = req.Standard
	row.Emergency = req.Emergency
	row.Research = req.Research
	row.Legal = req.Legal
	row.Insurance = req.Insurance
	row.LedgerSequence = conf.Sequence
	txn := d.Transaction(true)
	return txn.Do(func(txn *Txn) error {
		db := txn.Metadata().WithContext(ctx)
		if err := d.metadata.SetSignatureRequirements(row, db); err != nil {
			return fmt.Errorf("save signature requirements: %w", err)
		}
		return d.metadata.AdvanceLedgerCursor(conf.Sequence, conf.Ref, db)
	})
}

func (d *Database) SaveConsent(
	ctx context.Context,
	c proposal.Consent,
	conf ledger.Confirmation,
) error {
	row := &models.Consent{
		GrantedAt:      c.GrantedAt.UTC(),
		UpdatedAt:      c.UpdatedAt.UTC(),
		Patient:        string(c.Patient),
		Grantee:        string(c.Grantee),
		DataType:       c.DataType,
		Active:         c.Active,
		LedgerSequence: conf.Sequence,
	}
	if !c.ExpiresAt.IsZero() {
		expiresAt := c.ExpiresAt.UTC()
		row.ExpiresAt = &expiresAt
	}
	txn := d.Transaction(true)
	return txn.Do(func(txn *Txn) error {
		db := txn.Metadata().WithContext(ctx)
		if err := d.metadata.SetConsent(row, db); err != nil {
			return fmt.Errorf("save consent: %w", err)
		}
		return d.metadata.AdvanceLedgerCursor(conf.Sequence, conf.Ref, db)
	})
}

// LoadState reads everything back in a single read transaction
func (d *Database) LoadState(ctx context.Context) (proposal.State, error) {
	var ret proposal.State
	txn := d.Transaction(false)
	defer txn.Release()
	db := txn.Metadata().WithContext(ctx)
	cursor, err := d.metadata.GetLedgerCursor(db)
	if err != nil {
		return ret, fmt.Errorf("get ledger cursor: %w", err)
	}
	ret.Cursor = cursor.Sequence
	reqRow, err := d.metadata.GetSignatureRequirements(db)
	if err != nil {
		return ret, fmt.Errorf("get signature requirements: %w", err)
	}
	if reqRow != nil {
		ret.Requirements = &proposal.Requirements{
			Standard:  reqRow.Standard,
			Emergency: reqRow.Emergency,
			Research:  reqRow.Research,
			Legal:     reqRow.Legal,
			Insurance: reqRow.Insurance,
		}
	}
	approverRows, err := d.metadata.GetApprovers(db)
	if err != nil {
		return ret, fmt.Errorf("get approvers: %w", err)
	}
	ret.Approvers = make([]proposal.Approver, 0, len(approverRows))
	for _, a := range approverRows {
		ret.Approvers = append(ret.Approvers, proposal.Approver{
			UpdatedAt:  a.UpdatedAt.UTC(),
			Identity:   proposal.Identity(a.Identity),
			Role:       a.Role,
			Authorized: a.Authorized,
		})
	}
	consentRows, err := d.metadata.GetConsents(db)
	if err != nil {
		return ret, fmt.Errorf("get consents: %w", err)
	}
	ret.Consents = make([]proposal.Consent, 0, len(consentRows))
	for _, c := range consentRows {
		consent := proposal.Consent{
			GrantedAt: c.GrantedAt.UTC(),
			UpdatedAt: c.UpdatedAt.UTC(),
			Patient:   proposal.Identity(c.Patient),
			Grantee:   proposal.Identity(c.Grantee),
			DataType:  c.DataType,
			Active:    c.Active,
		}
		if c.ExpiresAt != nil {
			consent.ExpiresAt = c.ExpiresAt.UTC()
		}
		ret.Consents = append(ret.Consents, consent)
	}
	proposalRows, err := d.metadata.GetProposals(db)
	if err != nil {
		return ret, fmt.Errorf("get proposals: %w", err)
	}
	ret.Proposals = make([]proposal.Proposal, 0, len(proposalRows))
	for i := range proposalRows {
		p, err := modelToProposal(&proposalRows[i])
		if err != nil {
			return ret, err
		}
		ret.Proposals = append(ret.Proposals, p)
	}
	return ret, nil
}

// StatusCounts returns the persisted number of proposals in each status
func (d *Database) StatusCounts(ctx context.Context) (map[proposal.Status]int64, error) {
	txn := d.Transaction(false)
	defer txn.Release()
	counts, err := d.metadata.CountProposalsByStatus(txn.Metadata().WithContext(ctx))
	if err != nil {
		return nil, err
	}
	ret := make(map[proposal.Status]int64, len(counts))
	for k, v := range counts {
		ret[proposal.Status(k)] = v
	}
	return ret, nil
}

func proposalToModel(p proposal.Proposal, conf ledger.Confirmation) *models.Proposal {
	row := &models.Proposal{
		CreatedAt:          p.CreatedAt.UTC(),
		Deadline:           p.Deadline.UTC(),
		ProposalID:         p.ID[:],
		Proposer:           string(p.Proposer),
		Patient:            string(p.Patient),
		DataType:           p.DataType,
		Reason:             p.Reason,
		RejectionReason:    p.RejectionReason,
		ExecutedBy:         string(p.ExecutedBy),
		LedgerRef:          conf.Ref,
		Sequence:           p.Sequence,
		LedgerSequence:     conf.Sequence,
		RequiredSignatures: p.RequiredSignatures,
		AccessType:         uint8(p.AccessType),
		Status:             uint8(p.Status),
		Executed:           p.Executed,
	}
	for i, a := range p.Approvals {
		row.Votes = append(row.Votes, models.ProposalVote{
			Approver: string(a),
			Position: i,
			Vote:     models.VoteApprove,
		})
	}
	for i, r := range p.Rejections {
		row.Votes = append(row.Votes, models.ProposalVote{
			Approver: string(r),
			Position: i,
			Vote:     models.VoteReject,
		})
	}
	for i, h := range p.ContentHashes {
		row.ContentRefs = append(row.ContentRefs, models.ContentRef{
			Hash:     h,
			Position: i,
		})
	}
	return row
}

func modelToProposal(row *models.Proposal) (proposal.Proposal, error) {
	var ret proposal.Proposal
	if len(row.ProposalID) != proposal.IDSize {
		return ret, fmt.Errorf(
			"invalid proposal id length %d on row %d",
			len(row.ProposalID),
			row.ID,
		)
	}
	copy(ret.ID[:], row.ProposalID)
	ret.CreatedAt = row.CreatedAt.UTC()
	ret.Deadline = row.Deadline.UTC()
	ret.Proposer = proposal.Identity(row.Proposer)
	ret.Patient = proposal.Identity(row.Patient)
	ret.DataType = row.DataType
	ret.Reason = row.Reason
	ret.RejectionReason = row.RejectionReason
	ret.ExecutedBy = proposal.Identity(row.ExecutedBy)
	ret.Sequence = row.Sequence
	ret.RequiredSignatures = row.RequiredSignatures
	ret.AccessType = proposal.AccessType(row.AccessType)
	ret.Status = proposal.Status(row.Status)
	ret.Executed = row.Executed
	if !ret.AccessType.Valid() || !ret.Status.Valid() {
		return ret, fmt.Errorf(
			"proposal %s: invalid access type %d or status %d",
			ret.ID,
			row.AccessType,
			row.Status,
		)
	}
	// Match the empty lists a freshly created proposal carries
	ret.ContentHashes = make([]string, 0, len(row.ContentRefs))
	ret.Approvals = []proposal.Identity{}
	ret.Rejections = []proposal.Identity{}
	// Votes are preloaded in position order, so appending keeps vote order
	for _, v := range row.Votes {
		switch v.Vote {
		case models.VoteApprove:
			ret.Approvals = append(ret.Approvals, proposal.Identity(v.Approver))
		case models.VoteReject:
			ret.Rejections = append(ret.Rejections, proposal.Identity(v.Approver))
		}
	}
	for _, c := range row.ContentRefs {
		ret.ContentHashes = append(ret.ContentHashes, c.Hash)
	}
	return ret, nil
}
