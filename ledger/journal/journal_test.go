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

package journal_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/blinklabs-io/medgate/database/blob"
	"github.com/blinklabs-io/medgate/ledger"
	"github.com/blinklabs-io/medgate/ledger/journal"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBlobStore(t *testing.T, dataDir string) *blob.Store {
	t.Helper()
	store, err := blob.New(blob.WithDataDir(dataDir), blob.WithGc(false, 0))
	require.NoError(t, err)
	return store
}

func submitN(t *testing.T, j *journal.Journal, n int) []ledger.Confirmation {
	t.Helper()
	ret := make([]ledger.Confirmation, 0, n)
	for i := range n {
		conf, err := j.Submit(
			t.Context(),
			ledger.NewEntry(ledger.ActionCreate, fmt.Sprintf("subject-%d", i), "0xa", []byte{byte(i)}),
		)
		require.NoError(t, err)
		ret = append(ret, conf)
	}
	return ret
}

func TestJournalSubmitAndEntries(t *testing.T) {
	store := newBlobStore(t, "")
	defer store.Close()
	j, err := journal.New(journal.Config{DB: store.DB()})
	require.NoError(t, err)

	confs := submitN(t, j, 25)
	for i, conf := range confs {
		assert.Equal(t, uint64(i+1), conf.Sequence)
		assert.Len(t, conf.Ref, 64)
	}
	head, err := j.Head(t.Context())
	require.NoError(t, err)
	assert.Equal(t, confs[24].Ref, head.Ref)

	recs, err := j.Entries(t.Context(), 10, 5)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	assert.Equal(t, uint64(11), recs[0].Confirmation.Sequence)
	assert.Equal(t, confs[9].Ref, recs[0].PrevRef)
	assert.Equal(t, "subject-10", recs[0].Entry.Subject)

	all, err := j.Entries(t.Context(), 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 25)

	n, err := j.Verify(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(25), n)
}

func TestJournalDuplicateSubmission(t *testing.T) {
	store := newBlobStore(t, "")
	defer store.Close()
	j, err := journal.New(journal.Config{DB: store.DB()})
	require.NoError(t, err)
	e := ledger.NewEntry(ledger.ActionApprove, "s", "0xa", nil)
	first, err := j.Submit(t.Context(), e)
	require.NoError(t, err)
	second, err := j.Submit(t.Context(), e)
	require.NoError(t, err)
	assert.Equal(t, first.Ref, second.Ref)
	assert.Equal(t, first.Sequence, second.Sequence)
	all, err := j.Entries(t.Context(), 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestJournalConcurrentSubmit(t *testing.T) {
	store := newBlobStore(t, "")
	defer store.Close()
	j, err := journal.New(journal.Config{DB: store.DB()})
	require.NoError(t, err)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 10 {
				_, err := j.Submit(
					t.Context(),
					ledger.NewEntry(ledger.ActionCreate, fmt.Sprintf("%d-%d", w, i), "0xa", nil),
				)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	n, err := j.Verify(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(80), n)
}

func TestJournalReopen(t *testing.T) {
	dataDir := t.TempDir()
	store := newBlobStore(t, dataDir)
	j, err := journal.New(journal.Config{DB: store.DB()})
	require.NoError(t, err)
	confs := submitN(t, j, 3)
	require.NoError(t, store.Close())

	store = newBlobStore(t, dataDir)
	defer store.Close()
	j, err = journal.New(journal.Config{DB: store.DB()})
	require.NoError(t, err)
	head, err := j.Head(t.Context())
	require.NoError(t, err)
	assert.Equal(t, confs[2].Ref, head.Ref)
	assert.Equal(t, confs[2].Sequence, head.Sequence)
	assert.True(t, confs[2].Time.Equal(head.Time))
	conf, err := j.Submit(t.Context(), ledger.NewEntry(ledger.ActionExpire, "x", "0xa", nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), conf.Sequence)
	_, err = j.Verify(t.Context())
	require.NoError(t, err)
}

func TestJournalVerifyDetectsTampering(t *testing.T) {
	store := newBlobStore(t, "")
	defer store.Close()
	j, err := journal.New(journal.Config{DB: store.DB()})
	require.NoError(t, err)
	submitN(t, j, 5)

	recs, err := j.Entries(t.Context(), 2, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	rec.Entry.Payload = []byte("forged")
	data, err := ledger.Marshal(rec)
	require.NoError(t, err)
	err = store.DB().Update(func(txn *badger.Txn) error {
		// Record keys are "jr" followed by the big-endian sequence
		key := []byte{'j', 'r', 0, 0, 0, 0, 0, 0, 0, 3}
		return txn.Set(key, data)
	})
	require.NoError(t, err)

	_, err = j.Verify(t.Context())
	require.ErrorIs(t, err, ledger.ErrChainBroken)
}
