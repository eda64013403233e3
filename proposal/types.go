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
	"strings"
	"time"
)

// AccessType is the kind of access a proposal requests on a patient record
type AccessType uint8

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessUpdate
	AccessDelete
	AccessEmergency
	AccessResearch
	AccessInsurance
	AccessLegal
)

var accessTypeNames = [...]string{
	AccessRead:      "READ",
	AccessWrite:     "WRITE",
	AccessUpdate:    "UPDATE",
	AccessDelete:    "DELETE",
	AccessEmergency: "EMERGENCY",
	AccessResearch:  "RESEARCH",
	AccessInsurance: "INSURANCE",
	AccessLegal:     "LEGAL",
}

// AccessTypes returns every recognized access type in declaration order
func AccessTypes() []AccessType {
	ret := make([]AccessType, 0, len(accessTypeNames))
	for i := range accessTypeNames {
		ret = append(ret, AccessType(i)) // #nosec G115
	}
	return ret
}

func (a AccessType) Valid() bool {
	return int(a) < len(accessTypeNames)
}

func (a AccessType) String() string {
	if !a.Valid() {
		return fmt.Sprintf("AccessType(%d)", a)
	}
	return accessTypeNames[a]
}

// RequiresContent reports whether proposals of this type must reference at
// least one content hash. WRITE and UPDATE carry the record payload.
func (a AccessType) RequiresContent() bool {
	return a == AccessWrite || a == AccessUpdate
}

// ParseAccessType accepts the upper or lower case name of an access type
func ParseAccessType(s string) (AccessType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range accessTypeNames {
		if n == name {
			return AccessType(i), nil // #nosec G115
		}
	}
	return 0, &Error{Err: ErrInvalidAccessType, Detail: s}
}

func (a AccessType) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, &Error{Err: ErrInvalidAccessType, Detail: a.String()}
	}
	return []byte(a.String()), nil
}

func (a *AccessType) UnmarshalText(data []byte) error {
	tmp, err := ParseAccessType(string(data))
	if err != nil {
		return err
	}
	*a = tmp
	return nil
}

// Status is the lifecycle state of a proposal
type Status uint8

const (
	StatusPending Status = iota
	StatusApproved
	StatusExecuted
	StatusRejected
	StatusExpired
)

var statusNames = [...]string{
	StatusPending:  "PENDING",
	StatusApproved: "APPROVED",
	StatusExecuted: "EXECUTED",
	StatusRejected: "REJECTED",
	StatusExpired:  "EXPIRED",
}

// Statuses returns every status in declaration order
func Statuses() []Status {
	return []Status{
		StatusPending,
		StatusApproved,
		StatusExecuted,
		StatusRejected,
		StatusExpired,
	}
}

func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Status(%d)", s)
	}
	return statusNames[s]
}

// Terminal reports whether no further transition can leave this status
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

func ParseStatus(s string) (Status, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil // #nosec G115
		}
	}
	return 0, &Error{Err: ErrInvalidArgument, Detail: "unknown status: " + s}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(data []byte) error {
	tmp, err := ParseStatus(string(data))
	if err != nil {
		return err
	}
	*s = tmp
	return nil
}

// Proposal is the full state of a single access proposal
type Proposal struct {
	CreatedAt          time.Time  `json:"createdAt"`
	Deadline           time.Time  `json:"deadline"`
	Proposer           Identity   `json:"proposer"`
	Patient            Identity   `json:"patient"`
	DataType           string     `json:"dataType"`
	Reason             string     `json:"reason"`
	RejectionReason    string     `json:"rejectionReason,omitempty"`
	ExecutedBy         Identity   `json:"executedBy,omitempty"`
	ContentHashes      []string   `json:"contentHashes"`
	Approvals          []Identity `json:"approvals"`
	Rejections         []Identity `json:"rejections"`
	Sequence           uint64     `json:"sequence"`
	RequiredSignatures int        `json:"requiredSignatures"`
	ID                 ID         `json:"id"`
	AccessType         AccessType `json:"accessType"`
	Status             Status     `json:"status"`
	Executed           bool       `json:"executed"`
}

// Clone returns a deep copy that shares no slices with p
func (p Proposal) Clone() Proposal {
	ret := p
	ret.ContentHashes = slices.Clone(p.ContentHashes)
	ret.Approvals = slices.Clone(p.Approvals)
	ret.Rejections = slices.Clone(p.Rejections)
	return ret
}

func (p Proposal) HasApproved(identity Identity) bool {
	return slices.Contains(p.Approvals, identity)
}

func (p Proposal) HasRejected(identity Identity) bool {
	return slices.Contains(p.Rejections, identity)
}

// Approver is an entry in the approver registry. Approvers are never removed,
// only deauthorized.
type Approver struct {
	UpdatedAt  time.Time `json:"updatedAt"`
	Identity   Identity  `json:"identity"`
	Role       string    `json:"role"`
	Authorized bool      `json:"authorized"`
}

// Requirements holds the signature threshold for each policy category
type Requirements struct {
	Standard  int `json:"standard"  yaml:"standard"`
	Emergency int `json:"emergency" yaml:"emergency"`
	Research  int `json:"research"  yaml:"research"`
	Legal     int `json:"legal"     yaml:"legal"`
	Insurance int `json:"insurance" yaml:"insurance"`
}

// DefaultRequirements returns the thresholds used until an administrator
// changes them
func DefaultRequirements() Requirements {
	return Requirements{
		Standard:  3,
		Emergency: 2,
		Research:  4,
		Legal:     2,
		Insurance: 3,
	}
}
