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
	"slices"
	"sync"
)

// idSet is an insertion ordered set of proposal IDs
type idSet struct {
	members map[ID]struct{}
	ids     []ID
}

func newIDSet() *idSet {
	return &idSet{members: make(map[ID]struct{})}
}

func (s *idSet) add(id ID) {
	if _, ok := s.members[id]; ok {
		return
	}
	s.members[id] = struct{}{}
	s.ids = append(s.ids, id)
}

func (s *idSet) remove(id ID) {
	if _, ok := s.members[id]; !ok {
		return
	}
	delete(s.members, id)
	s.ids = slices.DeleteFunc(s.ids, func(i ID) bool { return i == id })
}

// Index keeps the derived lookups by status, proposer and approver. The
// approver index is historical: entries are never removed.
type Index struct {
	byStatus   map[Status]*idSet
	byProposer map[Identity]*idSet
	byApprover map[Identity]*idSet
	mu         sync.RWMutex
}

func NewIndex() *Index {
	return &Index{
		byStatus:   make(map[Status]*idSet),
		byProposer: make(map[Identity]*idSet),
		byApprover: make(map[Identity]*idSet),
	}
}

// apply records the change from prev to next. prev is nil for a new
// proposal. The caller must hold mu.
func (x *Index) apply(prev *Proposal, next *Proposal) {
	if prev == nil || prev.Status != next.Status {
		if prev != nil {
			if set, ok := x.byStatus[prev.Status]; ok {
				set.remove(prev.ID)
			}
		}
		addTo(x.byStatus, next.Status, next.ID)
	}
	if prev == nil {
		addTo(x.byProposer, next.Proposer, next.ID)
	}
	for _, approver := range next.Approvals {
		addTo(x.byApprover, approver, next.ID)
	}
}

func addTo[K comparable](m map[K]*idSet, key K, id ID) {
	set, ok := m[key]
	if !ok {
		set = newIDSet()
		m[key] = set
	}
	set.add(id)
}

func listFrom[K comparable](m map[K]*idSet, key K) []ID {
	set, ok := m[key]
	if !ok {
		return []ID{}
	}
	return slices.Clone(set.ids)
}

func (x *Index) ByStatus(status Status) []ID {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return listFrom(x.byStatus, status)
}

func (x *Index) ByProposer(identity Identity) []ID {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return listFrom(x.byProposer, identity)
}

func (x *Index) ByApprover(identity Identity) []ID {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return listFrom(x.byApprover, identity)
}

// StatusCounts returns the number of proposals currently in each status
func (x *Index) StatusCounts() map[Status]int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ret := make(map[Status]int, len(x.byStatus))
	for _, s := range Statuses() {
		if set, ok := x.byStatus[s]; ok {
			ret[s] = len(set.ids)
		} else {
			ret[s] = 0
		}
	}
	return ret
}
