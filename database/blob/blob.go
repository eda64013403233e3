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

// Package blob is the badger key/value store that holds the ledger journal
// and the commit timestamp shared with the metadata store.
package blob

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultBlockCacheSize   uint64 = 256 << 20
	DefaultIndexCacheSize   uint64 = 64 << 20
	DefaultValueLogFileSize int64  = 256 << 20
	DefaultMemTableSize     int64  = 64 << 20
	DefaultValueThreshold   int64  = 1 << 10
	DefaultGcInterval              = 5 * time.Minute

	commitTimestampKey = "metadata_commit_timestamp"
)

// ErrKeyNotFound is returned by Get when a key is missing
var ErrKeyNotFound = errors.New("blob key not found")

// Store wraps a badger database. Data is kept in memory when no data
// directory is configured.
type Store struct {
	promRegistry     prometheus.Registerer
	db               *badger.DB
	logger           *slog.Logger
	gcStopCh         chan struct{}
	dataDir          string
	gcWg             sync.WaitGroup
	blockCacheSize   uint64
	indexCacheSize   uint64
	valueLogFileSize int64
	memTableSize     int64
	valueThreshold   int64
	gcInterval       time.Duration
	gcEnabled        bool
	closeOnce        sync.Once
}

// New opens the blob store
func New(opts ...StoreOptionFunc) (*Store, error) {
	s := &Store{
		gcEnabled:        true,
		gcInterval:       DefaultGcInterval,
		blockCacheSize:   DefaultBlockCacheSize,
		indexCacheSize:   DefaultIndexCacheSize,
		valueLogFileSize: DefaultValueLogFileSize,
		memTableSize:     DefaultMemTableSize,
		valueThreshold:   DefaultValueThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var badgerOpts badger.Options
	if s.dataDir == "" {
		badgerOpts = badger.DefaultOptions("").
			WithInMemory(true)
		// Value log GC does not apply to in-memory stores
		s.gcEnabled = false
	} else {
		if _, err := os.Stat(s.dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		badgerOpts = badger.DefaultOptions(filepath.Join(s.dataDir, "blob")).
			WithBlockCacheSize(int64(s.blockCacheSize)). //nolint:gosec // bounded by configuration
			WithIndexCacheSize(int64(s.indexCacheSize)). //nolint:gosec // bounded by configuration
			WithValueLogFileSize(s.valueLogFileSize).
			WithMemTableSize(s.memTableSize).
			WithCompression(options.Snappy)
	}
	badgerOpts = badgerOpts.
		WithLogger(NewBadgerLogger(s.logger)).
		// The default INFO logging is a bit verbose
		WithLoggingLevel(badger.WARNING).
		WithValueThreshold(s.valueThreshold)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	s.db = db
	if s.promRegistry != nil {
		s.registerBlobMetrics()
	}
	if s.gcEnabled {
		s.gcStopCh = make(chan struct{})
		s.gcWg.Add(1)
		go s.blobGc()
	}
	return s, nil
}

func (s *Store) blobGc() {
	defer s.gcWg.Done()
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Keep collecting while there is something to rewrite
			for {
				err := s.db.RunValueLogGC(0.5)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warn(
						fmt.Sprintf("blob DB: GC failure: %s", err),
						"component", "database",
					)
				}
				break
			}
		case <-s.gcStopCh:
			return
		}
	}
}

// Close stops value log GC and closes the database
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.gcStopCh != nil {
			close(s.gcStopCh)
			s.gcWg.Wait()
		}
		err = s.db.Close()
	})
	return err
}

// DB returns the badger handle
func (s *Store) DB() *badger.DB {
	return s.db
}

func (s *Store) NewTransaction(update bool) *badger.Txn {
	return s.db.NewTransaction(update)
}

// Get returns a copy of the value stored at key
func (s *Store) Get(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (s *Store) GetCommitTimestamp() (int64, error) {
	var ts int64
	err := s.db.View(func(txn *badger.Txn) error {
		val, err := s.Get(txn, []byte(commitTimestampKey))
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("invalid commit timestamp length %d", len(val))
		}
		ts = int64(binary.BigEndian.Uint64(val)) //nolint:gosec // stored from an int64
		return nil
	})
	return ts, err
}

func (s *Store) SetCommitTimestamp(txn *badger.Txn, timestamp int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(timestamp)) //nolint:gosec // unix millis are positive
	return txn.Set([]byte(commitTimestampKey), buf[:])
}
