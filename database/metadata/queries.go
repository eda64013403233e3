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

package metadata

import (
	"fmt"

	"github.com/blinklabs-io/medgate/database/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SetProposal upserts a proposal row and replaces its votes. Content refs
// are written once since they never change after creation.
func (s *Store) SetProposal(p *models.Proposal, txn *gorm.DB) error {
	db := s.resolve(txn)
	row := *p
	row.ID = 0
	row.Votes = nil
	row.ContentRefs = nil
	result := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "proposal_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"executed",
			"executed_by",
			"rejection_reason",
			"ledger_ref",
			"ledger_sequence",
		}),
	}).Omit(clause.Associations).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("upsert proposal: %w", result.Error)
	}
	var stored models.Proposal
	if result := db.Select("id").Where("proposal_id = ?", p.ProposalID).First(&stored); result.Error != nil {
		return fmt.Errorf("lookup proposal row: %w", result.Error)
	}
	if result := db.Where("proposal_id = ?", stored.ID).Delete(&models.ProposalVote{}); result.Error != nil {
		return fmt.Errorf("clear votes: %w", result.Error)
	}
	if len(p.Votes) > 0 {
		votes := make([]models.ProposalVote, len(p.Votes))
		for i, v := range p.Votes {
			v.ID = 0
			v.ProposalID = stored.ID
			votes[i] = v
		}
		if result := db.Create(&votes); result.Error != nil {
			return fmt.Errorf("insert votes: %w", result.Error)
		}
	}
	if len(p.ContentRefs) > 0 {
		refs := make([]models.ContentRef, len(p.ContentRefs))
		for i, r := range p.ContentRefs {
			r.ID = 0
			r.ProposalID = stored.ID
			refs[i] = r
		}
		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&refs)
		if result.Error != nil {
			return fmt.Errorf("insert content refs: %w", result.Error)
		}
	}
	return nil
}

// GetProposals returns every proposal in allocation order with its votes
// and content refs
func (s *Store) GetProposals(txn *gorm.DB) ([]models.Proposal, error) {
	var ret []models.Proposal
	result := s.resolve(txn).
		Preload("Votes", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Preload("ContentRefs", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Order("sequence ASC").
		Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// GetProposal returns a single proposal by its 32-byte identifier, or nil
func (s *Store) GetProposal(proposalId []byte, txn *gorm.DB) (*models.Proposal, error) {
	var ret models.Proposal
	result := s.resolve(txn).
		Preload("Votes", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Preload("ContentRefs", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("proposal_id = ?", proposalId).
		First(&ret)
	if result.Error != nil {
		if notFound(result.Error) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &ret, nil
}

// CountProposalsByStatus returns row counts keyed by status value
func (s *Store) CountProposalsByStatus(txn *gorm.DB) (map[uint8]int64, error) {
	var rows []struct {
		Status uint8
		Count  int64
	}
	result := s.resolve(txn).
		Model(&models.Proposal{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows)
	if result.Error != nil {
		return nil, result.Error
	}
	ret := make(map[uint8]int64, len(rows))
	for _, r := range rows {
		ret[r.Status] = r.Count
	}
	return ret, nil
}

func (s *Store) SetApprover(a *models.Approver, txn *gorm.DB) error {
	row := *a
	row.ID = 0
	result := s.resolve(txn).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "identity"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"role",
			"authorized",
			"updated_at",
			"ledger_sequence",
		}),
	}).Create(&row)
	return result.Error
}

func (s *Store) GetApprovers(txn *gorm.DB) ([]models.Approver, error) {
	var ret []models.Approver
	if result := s.resolve(txn).Order("identity ASC").Find(&ret); result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

func (s *Store) SetConsent(c *models.Consent, txn *gorm.DB) error {
	row := *c
	row.ID = 0
	result := s.resolve(txn).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "patient"},
			{Name: "grantee"},
			{Name: "data_type"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"granted_at",
			"updated_at",
			"expires_at",
			"active",
			"ledger_sequence",
		}),
	}).Create(&row)
	return result.Error
}

func (s *Store) GetConsents(txn *gorm.DB) ([]models.Consent, error) {
	var ret []models.Consent
	result := s.resolve(txn).
		Order("patient ASC").
		Order("grantee ASC").
		Order("data_type ASC").
		Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

func (s *Store) SetSignatureRequirements(r *models.SignatureRequirements, txn *gorm.DB) error {
	row := *r
	row.ID = models.NewSignatureRequirements().ID
	result := s.resolve(txn).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"standard",
			"emergency",
			"research",
			"legal",
			"insurance",
			"ledger_sequence",
		}),
	}).Create(&row)
	return result.Error
}

// GetSignatureRequirements returns the stored policy table, or nil when none
// has been saved
func (s *Store) GetSignatureRequirements(txn *gorm.DB) (*models.SignatureRequirements, error) {
	var ret models.SignatureRequirements
	if result := s.resolve(txn).First(&ret); result.Error != nil {
		if notFound(result.Error) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &ret, nil
}

// AdvanceLedgerCursor records seq as saved. The cursor only moves across a
// contiguous run of saved sequences, so a record that failed to save is
// replayed on the next load even when later records were saved.
func (s *Store) AdvanceLedgerCursor(seq uint64, ref string, txn *gorm.DB) error {
	db := s.resolve(txn)
	cursor := models.NewLedgerCursor(0, "")
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(cursor).Error; err != nil {
		return err
	}
	if err := db.First(cursor).Error; err != nil {
		return err
	}
	if seq <= cursor.Sequence {
		return nil
	}
	if seq > cursor.Sequence+1 {
		pending := &models.LedgerPending{Sequence: seq, Ref: ref}
		return db.Clauses(clause.OnConflict{DoNothing: true}).Create(pending).Error
	}
	next, nextRef := seq, ref
	var pending []models.LedgerPending
	if result := db.Where("sequence > ?", seq).Order("sequence ASC").Find(&pending); result.Error != nil {
		return result.Error
	}
	for _, p := range pending {
		if p.Sequence != next+1 {
			break
		}
		next, nextRef = p.Sequence, p.Ref
	}
	if err := db.Where("sequence <= ?", next).Delete(&models.LedgerPending{}).Error; err != nil {
		return err
	}
	return db.Model(cursor).
		Updates(map[string]any{"sequence": next, "ref": nextRef}).
		Error
}

func (s *Store) GetLedgerCursor(txn *gorm.DB) (*models.LedgerCursor, error) {
	var ret models.LedgerCursor
	if result := s.resolve(txn).First(&ret); result.Error != nil {
		if notFound(result.Error) {
			return models.NewLedgerCursor(0, ""), nil
		}
		return nil, result.Error
	}
	return &ret, nil
}

func (s *Store) GetCommitTimestamp() (int64, error) {
	var ret models.CommitTimestamp
	if result := s.db.First(&ret); result.Error != nil {
		// It's not an error if there's no records found
		if notFound(result.Error) {
			return 0, nil
		}
		return 0, result.Error
	}
	return ret.Timestamp, nil
}

func (s *Store) SetCommitTimestamp(timestamp int64, txn *gorm.DB) error {
	result := s.resolve(txn).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"timestamp"}),
	}).Create(models.NewCommitTimestamp(timestamp))
	return result.Error
}
