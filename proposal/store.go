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
	"time"
)

// entry holds one proposal. writeMu serializes mutations of the proposal and
// is held across ledger submission. mu only guards the swap of p, so readers
// never wait on an external call.
type entry struct {
	p       Proposal
	writeMu sync.Mutex
	mu      sync.RWMutex
}

func (e *entry) snapshot() Proposal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.p.Clone()
}

// Store owns every proposal and its derived index
type Store struct {
	entries map[ID]*entry
	index   *Index
	order   []ID
	seq     uint64
	mu      sync.RWMutex
	allocMu sync.Mutex
}

func NewStore() *Store {
	return &Store{
		entries: make(map[ID]*entry),
		index:   NewIndex(),
	}
}

func (s *Store) Index() *Index {
	return s.index
}

// allocate reserves a sequence number and derives a fresh ID from it. This
// is the single serialization point for identifier allocation.
func (s *Store) allocate(
	proposer, patient Identity,
	dataType string,
	createdAt time.Time,
) (ID, uint64) {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	for {
		s.seq++
		id := deriveID(s.seq, proposer, patient, dataType, createdAt)
		s.mu.RLock()
		_, exists := s.entries[id]
		s.mu.RUnlock()
		if !exists {
			return id, s.seq
		}
	}
}

func (s *Store) lookup(id ID) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Get returns a consistent copy of a proposal
func (s *Store) Get(id ID) (Proposal, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return Proposal{}, false
	}
	return e.snapshot(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// IDs returns every proposal ID in creation order
func (s *Store) IDs() []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

// insert adds a new proposal. Existing IDs are replaced, which only happens
// when state is restored.
func (s *Store) insert(p Proposal) {
	s.allocMu.Lock()
	s.seq = max(s.seq, p.Sequence)
	s.allocMu.Unlock()
	s.index.mu.Lock()
	defer s.index.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[p.ID]; ok {
		e.mu.Lock()
		prev := e.p
		e.p = p.Clone()
		e.mu.Unlock()
		s.index.apply(&prev, &p)
		return
	}
	s.entries[p.ID] = &entry{p: p.Clone()}
	s.order = append(s.order, p.ID)
	s.index.apply(nil, &p)
}

// commit swaps in the next state of a proposal and updates the index in one
// step, so index queries never disagree with the stored status
func (s *Store) commit(e *entry, next Proposal) {
	s.index.mu.Lock()
	defer s.index.mu.Unlock()
	e.mu.Lock()
	prev := e.p
	e.p = next.Clone()
	e.mu.Unlock()
	s.index.apply(&prev, &next)
}
