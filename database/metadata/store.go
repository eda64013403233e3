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

// Package metadata is the gorm-backed relational store for proposals,
// approvers and the signature policy.
package metadata

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/blinklabs-io/medgate/database/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// Supported drivers
const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMysql    = "mysql"
)

type StoreOptionFunc func(*Store)

func WithLogger(logger *slog.Logger) StoreOptionFunc {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithPromRegistry(registry prometheus.Registerer) StoreOptionFunc {
	return func(s *Store) {
		s.promRegistry = registry
	}
}

// WithDriver selects the database engine. The default is sqlite.
func WithDriver(driver string) StoreOptionFunc {
	return func(s *Store) {
		s.driver = driver
	}
}

// WithDataDir sets the sqlite data directory. An empty value uses a private
// in-memory database.
func WithDataDir(dataDir string) StoreOptionFunc {
	return func(s *Store) {
		s.dataDir = dataDir
	}
}

// WithDsn sets the connection string for postgres and mysql
func WithDsn(dsn string) StoreOptionFunc {
	return func(s *Store) {
		s.dsn = dsn
	}
}

// Store wraps a gorm handle for one of the supported engines
type Store struct {
	promRegistry prometheus.Registerer
	db           *gorm.DB
	logger       *slog.Logger
	driver       string
	dataDir      string
	dsn          string
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	}
}

// New opens the metadata store and applies schema migrations
func New(opts ...StoreOptionFunc) (*Store, error) {
	s := &Store{
		driver: DriverSqlite,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var err error
	switch s.driver {
	case DriverSqlite:
		s.db, err = openSqlite(s.dataDir)
	case DriverPostgres:
		s.db, err = openPostgres(s.dsn)
	case DriverMysql:
		s.db, err = openMysql(s.dsn, s.logger)
	default:
		return nil, fmt.Errorf("unsupported metadata driver: %s", s.driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s metadata store: %w", s.driver, err)
	}
	if s.driver != DriverSqlite {
		sqlDB, err := s.db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	if err := s.init(); err != nil {
		// The store is available for recovery, so return it with the error
		return s, err
	}
	return s, nil
}

func (s *Store) init() error {
	// Configure tracing for GORM
	if err := s.db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return err
	}
	if s.promRegistry != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			return err
		}
		s.promRegistry.MustRegister(
			collectors.NewDBStatsCollector(sqlDB, "medgate_metadata"),
		)
	}
	for _, model := range models.MigrateModels {
		s.logger.Debug(
			fmt.Sprintf("creating table: %T", model),
			"component", "database",
		)
		if err := s.db.AutoMigrate(model); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the underlying gorm handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Driver returns the configured engine name
func (s *Store) Driver() string {
	return s.driver
}

// Transaction begins a new transaction
func (s *Store) Transaction() *gorm.DB {
	return s.db.Begin()
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get database handle: %w", err)
	}
	return sqlDB.Close()
}

// resolve returns txn, or the base handle when txn is nil
func (s *Store) resolve(txn *gorm.DB) *gorm.DB {
	if txn != nil {
		return txn
	}
	return s.db
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
