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

package metadata

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// mysqlErrUnknownDatabase is returned by the server when the DSN names a
// database that does not exist yet
const mysqlErrUnknownDatabase = 1049

func openSqlite(dataDir string) (*gorm.DB, error) {
	if dataDir == "" {
		// Each in-memory store gets its own name so stores in one process
		// do not share tables. cache=shared lets pooled connections see
		// the same database.
		return gorm.Open(
			sqlite.Open(
				fmt.Sprintf("file:medgate-%s?mode=memory&cache=shared", uuid.NewString()),
			),
			gormConfig(),
		)
	}
	// Make sure that we can read data dir, and create if it doesn't exist
	if _, err := os.Stat(dataDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read data dir: %w", err)
		}
		if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	metadataDbPath := filepath.Join(dataDir, "metadata.sqlite")
	// WAL journal mode, increase cache size to 50MB (from 2MB)
	connOpts := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=cache_size(-50000)"
	return gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?%s", metadataDbPath, connOpts)),
		gormConfig(),
	)
}

func openPostgres(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres metadata store requires a DSN")
	}
	return gorm.Open(postgres.Open(dsn), gormConfig())
}

func openMysql(dsn string, logger *slog.Logger) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("mysql metadata store requires a DSN")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql DSN: %w", err)
	}
	// Timestamps are scanned into time.Time
	cfg.ParseTime = true
	dsn = cfg.FormatDSN()
	db, err := gorm.Open(gormmysql.Open(dsn), gormConfig())
	if err == nil {
		return db, nil
	}
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) || mysqlErr.Number != mysqlErrUnknownDatabase || cfg.DBName == "" {
		return nil, err
	}
	logger.Info(
		"creating mysql database",
		"component", "database",
		"database", cfg.DBName,
	)
	if err := createMysqlDatabase(cfg); err != nil {
		return nil, err
	}
	return gorm.Open(gormmysql.Open(dsn), gormConfig())
}

func createMysqlDatabase(cfg *mysql.Config) error {
	adminCfg := cfg.Clone()
	adminCfg.DBName = ""
	adminDb, err := gorm.Open(gormmysql.Open(adminCfg.FormatDSN()), gormConfig())
	if err != nil {
		return err
	}
	sqlAdminDb, err := adminDb.DB()
	if err != nil {
		return err
	}
	defer sqlAdminDb.Close()
	name := strings.ReplaceAll(cfg.DBName, "`", "``")
	return adminDb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)).Error
}
