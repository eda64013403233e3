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

// Package journal is a tamper-evident ledger kept in the badger blob store.
// Every record links to the reference of the record before it.
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/medgate/ledger"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordPrefix     = []byte("jr")
	headKey          = []byte("jh")
	submissionPrefix = []byte("js")
)

type Config struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	DB           *badger.DB
	// Clock stamps confirmations; defaults to time.Now
	Clock func() time.Time
}

// Journal implements ledger.Chain on top of badger
type Journal struct {
	config  Config
	head    ledger.Confirmation
	records prometheus.Gauge
	mu      sync.Mutex
}

func New(cfg Config) (*Journal, error) {
	if cfg.DB == nil {
		return nil, errors.New("journal: no database configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	j := &Journal{config: cfg}
	err := cfg.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(headKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return ledger.Unmarshal(val, &j.head)
	})
	if err != nil {
		return nil, fmt.Errorf("journal: read head: %w", err)
	}
	if cfg.PromRegistry != nil {
		j.records = promauto.With(cfg.PromRegistry).NewGauge(
			prometheus.GaugeOpts{
				Name: "medgate_journal_records",
				Help: "records in the local ledger journal",
			},
		)
		j.records.Set(float64(j.head.Sequence))
	}
	cfg.Logger.Debug(
		"journal opened",
		"component", "ledger",
		"sequence", j.head.Sequence,
		"ref", j.head.Ref,
	)
	return j, nil
}

func recordKey(seq uint64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], seq)
	return key
}

func submissionKey(e ledger.Entry) []byte {
	return append(append([]byte{}, submissionPrefix...), e.SubmissionID[:]...)
}

// Submit appends an entry. A resubmitted entry returns its original
// confirmation. Write conflicts are reported as ledger.ErrUnavailable so the
// caller may retry.
func (j *Journal) Submit(ctx context.Context, e ledger.Entry) (ledger.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Confirmation{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var conf ledger.Confirmation
	err := j.config.DB.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(submissionKey(e))
		if err == nil {
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			return ledger.Unmarshal(val, &conf)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		seq := j.head.Sequence + 1
		ref, err := ledger.ChainRef(j.head.Ref, seq, e)
		if err != nil {
			return err
		}
		conf = ledger.Confirmation{
			Time:     j.config.Clock().UTC(),
			Ref:      ref,
			Sequence: seq,
		}
		recData, err := ledger.Marshal(ledger.Record{
			Entry:        e,
			Confirmation: conf,
			PrevRef:      j.head.Ref,
		})
		if err != nil {
			return err
		}
		confData, err := ledger.Marshal(conf)
		if err != nil {
			return err
		}
		if err := txn.Set(recordKey(seq), recData); err != nil {
			return err
		}
		if err := txn.Set(submissionKey(e), confData); err != nil {
			return err
		}
		return txn.Set(headKey, confData)
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			err = fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
		}
		return ledger.Confirmation{}, fmt.Errorf("journal submit: %w", err)
	}
	if conf.Sequence > j.head.Sequence {
		j.head = conf
		if j.records != nil {
			j.records.Set(float64(conf.Sequence))
		}
	}
	return conf, nil
}

// Entries returns records with a sequence greater than after
func (j *Journal) Entries(ctx context.Context, after uint64, limit int) ([]ledger.Record, error) {
	ret := []ledger.Record{}
	err := j.config.DB.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         recordPrefix,
			PrefetchValues: true,
			PrefetchSize:   100,
		})
		defer it.Close()
		for it.Seek(recordKey(after + 1)); it.ValidForPrefix(recordPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec ledger.Record
			if err := ledger.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decode record %x: %w", key, err)
			}
			ret = append(ret, rec)
			if limit > 0 && len(ret) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal entries: %w", err)
	}
	return ret, nil
}

func (j *Journal) Head(ctx context.Context) (ledger.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Confirmation{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head, nil
}

// Verify walks the whole journal in pages and checks the hash chain. It
// returns the number of records checked.
func (j *Journal) Verify(ctx context.Context) (uint64, error) {
	const pageSize = 1000
	var after uint64
	prevRef := ""
	for {
		recs, err := j.Entries(ctx, after, pageSize)
		if err != nil {
			return after, err
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			if rec.Confirmation.Sequence != after+1 {
				return after, fmt.Errorf(
					"%w: expected sequence %d, found %d",
					ledger.ErrChainBroken,
					after+1,
					rec.Confirmation.Sequence,
				)
			}
			after++
		}
		if err := ledger.VerifyChain(prevRef, recs); err != nil {
			return after, err
		}
		prevRef = recs[len(recs)-1].Confirmation.Ref
	}
	head, err := j.Head(ctx)
	if err != nil {
		return after, err
	}
	if head.Sequence != after || head.Ref != prevRef {
		return after, fmt.Errorf(
			"%w: head %d/%s does not match last record %d/%s",
			ledger.ErrChainBroken,
			head.Sequence,
			head.Ref,
			after,
			prevRef,
		)
	}
	return after, nil
}
