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

// Consent holds the latest grant for a patient, grantee and data type.
// Revoked grants keep their row with Active unset.
type Consent struct {
	GrantedAt      time.Time  `gorm:"not null"`
	UpdatedAt      time.Time  `gorm:"not null"`
	ExpiresAt      *time.Time `gorm:"index"`
	Patient        string     `gorm:"uniqueIndex:idx_consent_grant;size:128;not null"`
	Grantee        string     `gorm:"uniqueIndex:idx_consent_grant;size:128;not null"`
	DataType       string     `gorm:"uniqueIndex:idx_consent_grant;size:128;not null"`
	ID             uint       `gorm:"primarykey"`
	LedgerSequence uint64     `gorm:"not null"`
	Active         bool       `gorm:"not null"`
}

func (Consent) TableName() string {
	return "consent"
}
