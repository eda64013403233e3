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
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"
)

// Consent is a patient's grant of access to one type of record. Revoked
// grants are kept with Active unset.
type Consent struct {
	GrantedAt time.Time `json:"grantedAt"`
	// ExpiresAt is zero for a grant without expiry
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt"`
	Patient   Identity  `json:"patient"`
	Grantee   Identity  `json:"grantee"`
	DataType  string    `json:"dataType"`
	Active    bool      `json:"active"`
}

// In reports whether the grant is active and unexpired at now
func (c Consent) In(now time.Time) bool {
	return c.Active && (c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt))
}

type consentKey struct {
	patient  Identity
	grantee  Identity
	dataType string
}

// ConsentBook holds every consent grant by patient, grantee and data type
type ConsentBook struct {
	grants map[consentKey]Consent
	mu     sync.RWMutex
}

func NewConsentBook() *ConsentBook {
	return &ConsentBook{
		grants: make(map[consentKey]Consent),
	}
}

func (b *ConsentBook) Get(patient, grantee Identity, dataType string) (Consent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.grants[consentKey{patient, grantee, dataType}]
	return c, ok
}

// Put stores a grant. Grants are replaced, never deleted.
func (b *ConsentBook) Put(c Consent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.grants[consentKey{c.Patient, c.Grantee, c.DataType}] = c
}

// Check reports whether patient has an active, unexpired grant for grantee
func (b *ConsentBook) Check(patient, grantee Identity, dataType string, now time.Time) bool {
	c, ok := b.Get(patient, grantee, dataType)
	return ok && c.In(now)
}

// ByPatient returns every grant made by patient, ordered by grantee then data type
func (b *ConsentBook) ByPatient(patient Identity) []Consent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ret []Consent
	for k, c := range b.grants {
		if k.patient == patient {
			ret = append(ret, c)
		}
	}
	slices.SortFunc(ret, func(a, b Consent) int {
		return cmp.Or(
			strings.Compare(string(a.Grantee), string(b.Grantee)),
			strings.Compare(a.DataType, b.DataType),
		)
	})
	return ret
}

// Active counts grants that are active and unexpired at now
func (b *ConsentBook) Active(now time.Time) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ret := 0
	for _, c := range b.grants {
		if c.In(now) {
			ret++
		}
	}
	return ret
}

func (b *ConsentBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.grants)
}
