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
	"sync"
)

// Validate checks that every category has a threshold of at least one
func (r Requirements) Validate() error {
	for _, v := range []struct {
		name  string
		value int
	}{
		{"standard", r.Standard},
		{"emergency", r.Emergency},
		{"research", r.Research},
		{"legal", r.Legal},
		{"insurance", r.Insurance},
	} {
		if v.value < 1 {
			return &Error{
				Err:    ErrInvalidPolicyValue,
				Detail: fmt.Sprintf("%s must be at least 1, got %d", v.name, v.value),
			}
		}
	}
	return nil
}

// For returns the threshold that applies to accessType
func (r Requirements) For(accessType AccessType) (int, error) {
	switch accessType {
	case AccessRead, AccessWrite, AccessUpdate, AccessDelete:
		return r.Standard, nil
	case AccessEmergency:
		return r.Emergency, nil
	case AccessResearch:
		return r.Research, nil
	case AccessLegal:
		return r.Legal, nil
	case AccessInsurance:
		return r.Insurance, nil
	default:
		return 0, &Error{Err: ErrInvalidAccessType, Detail: accessType.String()}
	}
}

// Policy is the mutable signature policy table
type Policy struct {
	req Requirements
	mu  sync.RWMutex
}

func NewPolicy(req Requirements) (*Policy, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &Policy{req: req}, nil
}

func (p *Policy) Requirements() Requirements {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.req
}

func (p *Policy) RequirementFor(accessType AccessType) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.req.For(accessType)
}

// Set replaces all thresholds at once. Invalid tables leave the policy unchanged.
func (p *Policy) Set(req Requirements) error {
	if err := req.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.req = req
	return nil
}
