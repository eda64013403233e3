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
	"strings"
	"sync"
)

// Registry is the source of truth for who may vote. Writes are visible to
// every subsequent read.
type Registry struct {
	approvers map[Identity]Approver
	admins    map[Identity]struct{}
	mu        sync.RWMutex
}

func NewRegistry(admins ...Identity) *Registry {
	r := &Registry{
		approvers: make(map[Identity]Approver),
		admins:    make(map[Identity]struct{}),
	}
	for _, a := range admins {
		r.admins[a] = struct{}{}
	}
	return r
}

// IsAdmin reports whether identity holds the administrative capability
func (r *Registry) IsAdmin(identity Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.admins[identity]
	return ok
}

// Admins returns the administrator identities in sorted order
func (r *Registry) Admins() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]Identity, 0, len(r.admins))
	for a := range r.admins {
		ret = append(ret, a)
	}
	slices.Sort(ret)
	return ret
}

func (r *Registry) IsAuthorized(identity Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.approvers[identity].Authorized
}

// RoleOf returns the role label of identity, or an empty string for unknown identities
func (r *Registry) RoleOf(identity Identity) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.approvers[identity].Role
}

func (r *Registry) Get(identity Identity) (Approver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.approvers[identity]
	return a, ok
}

// Put stores a registry entry. Entries are replaced, never deleted.
func (r *Registry) Put(a Approver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvers[a.Identity] = a
}

// List returns every known approver, authorized or not, ordered by identity
func (r *Registry) List() []Approver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]Approver, 0, len(r.approvers))
	for _, a := range r.approvers {
		ret = append(ret, a)
	}
	slices.SortFunc(ret, func(a, b Approver) int {
		return strings.Compare(string(a.Identity), string(b.Identity))
	})
	return ret
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.approvers)
}
