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

// Approver rows are never deleted, only deauthorized
type Approver struct {
	UpdatedAt      time.Time `gorm:"not null"`
	Identity       string    `gorm:"uniqueIndex;size:128;not null"`
	Role           string    `gorm:"size:128;not null"`
	ID             uint      `gorm:"primarykey"`
	LedgerSequence uint64    `gorm:"not null"`
	Authorized     bool      `gorm:"index;not null"`
}

func (Approver) TableName() string {
	return "approver"
}

// SignatureRequirements is a single row holding the current policy table
type SignatureRequirements struct {
	ID             uint   `gorm:"primarykey"`
	LedgerSequence uint64 `gorm:"not null"`
	Standard       int    `gorm:"not null"`
	Emergency      int    `gorm:"not null"`
	Research       int    `gorm:"not null"`
	Legal          int    `gorm:"not null"`
	Insurance      int    `gorm:"not null"`
}

func (SignatureRequirements) TableName() string {
	return "signature_requirements"
}

func NewSignatureRequirements() *SignatureRequirements {
	return &SignatureRequirements{ID: singletonRowId}
}
