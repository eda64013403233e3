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

package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local hash-chained ledger. It is used by tests and
// when medgate is embedded without a durable journal.
type Memory struct {
	seen    map[uuid.UUID]Confirmation
	records []Record
	mu      sync.RWMutex
}

func NewMemory() *Memory {
	return &Memory{
		seen: make(map[uuid.UUID]Confirmation),
	}
}

// Submit appends an entry. Resubmitting an entry with a known submission ID
// returns the original confirmation.
func (m *Memory) Submit(ctx context.Context, e Entry) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if conf, ok := m.seen[e.SubmissionID]; ok {
		return conf, nil
	}
	prevRef := ""
	if len(m.records) > 0 {
		prevRef = m.records[len(m.records)-1].Confirmation.Ref
	}
	seq := uint64(len(m.records)) + 1
	ref, err := ChainRef(prevRef, seq, e)
	if err != nil {
		return Confirmation{}, err
	}
	conf := Confirmation{
		Time:     time.Now().UTC(),
		Ref:      ref,
		Sequence: seq,
	}
	m.records = append(m.records, Record{
		Entry:        e,
		Confirmation: conf,
		PrevRef:      prevRef,
	})
	m.seen[e.SubmissionID] = conf
	return conf, nil
}

func (m *Memory) Entries(ctx context.Context, after uint64, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if after >= uint64(len(m.records)) {
		return []Record{}, nil
	}
	recs := m.records[after:]
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	ret := make([]Record, len(recs))
	copy(ret, recs)
	return ret, nil
}

// Head returns the newest confirmation, or a zero value when empty
func (m *Memory) Head(ctx context.Context) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return Confirmation{}, nil
	}
	return m.records[len(m.records)-1].Confirmation, nil
}

// Len returns the number of confirmed entries
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
