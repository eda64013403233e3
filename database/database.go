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

package database

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/blinklabs-io/medgate/database/blob"
	"github.com/blinklabs-io/medgate/database/metadata"
	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	// DataDir holds the badger and sqlite files. Empty keeps everything in
	// memory.
	DataDir        string
	MetadataDriver string
	MetadataDsn    string
	// BlobGc enables periodic value log garbage collection
	BlobGc bool
}

// Database pairs the relational metadata store with the badger blob store
type Database struct {
	logger   *slog.Logger
	blob     *blob.Store
	metadata *metadata.Store
	dataDir  string
	// sqlite shared cache reports SQLITE_LOCKED instead of waiting, so
	// writers are exclusive with every other transaction
	txnMu sync.RWMutex
}

// New opens both stores. A commit timestamp mismatch is returned together
// with the open database so callers may recover.
func New(cfg Config) (*Database, error) {
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.MetadataDriver == "" {
		cfg.MetadataDriver = metadata.DriverSqlite
	}
	metadataDb, err := metadata.New(
		metadata.WithLogger(cfg.Logger),
		metadata.WithPromRegistry(cfg.PromRegistry),
		metadata.WithDriver(cfg.MetadataDriver),
		metadata.WithDataDir(cfg.DataDir),
		metadata.WithDsn(cfg.MetadataDsn),
	)
	if err != nil {
		if metadataDb != nil {
			_ = metadataDb.Close()
		}
		return nil, err
	}
	blobDb, err := blob.New(
		blob.WithLogger(cfg.Logger),
		blob.WithPromRegistry(cfg.PromRegistry),
		blob.WithDataDir(cfg.DataDir),
		blob.WithGc(cfg.BlobGc, 0),
	)
	if err != nil {
		_ = metadataDb.Close()
		return nil, err
	}
	db := &Database{
		logger:   cfg.Logger,
		blob:     blobDb,
		metadata: metadataDb,
		dataDir:  cfg.DataDir,
	}
	if err := db.checkCommitTimestamp(); err != nil {
		// Database is available for recovery, so return it with error
		return db, err
	}
	return db, nil
}

// Blob returns the underlying blob store instance
func (d *Database) Blob() *blob.Store {
	return d.blob
}

// Metadata returns the underlying metadata store instance
func (d *Database) Metadata() *metadata.Store {
	return d.metadata
}

// DataDir returns the path to the data directory used for storage
func (d *Database) DataDir() string {
	return d.dataDir
}

func (d *Database) Logger() *slog.Logger {
	return d.logger
}

// Transaction starts a new database transaction and returns a handle to it
func (d *Database) Transaction(readWrite bool) *Txn {
	return NewTxn(d, readWrite)
}

// Close cleans up the database connections
func (d *Database) Close() error {
	var errs []error
	if err := d.metadata.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close metadata: %w", err))
	}
	if err := d.blob.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close blob: %w", err))
	}
	return errors.Join(errs...)
}
