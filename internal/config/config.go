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

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blinklabs-io/medgate/proposal"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "medgate.config"

const (
	DefaultShutdownTimeout = "30s"
	DefaultMetadataDriver  = MetadataDriverSqlite
	DefaultLedgerMode      = LedgerModeJournal
)

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// LedgerMode selects where changes are confirmed
type LedgerMode string

const (
	LedgerModeJournal LedgerMode = "journal" // Local hash-chained journal (default)
	LedgerModeRemote  LedgerMode = "remote"  // LedgerService of another medgate node
)

func (m LedgerMode) Valid() bool {
	switch m {
	case LedgerModeJournal, LedgerModeRemote, "":
		return true
	default:
		return false
	}
}

// MetadataDriver selects the relational store for the persisted view
type MetadataDriver string

const (
	MetadataDriverSqlite   MetadataDriver = "sqlite"
	MetadataDriverPostgres MetadataDriver = "postgres"
	MetadataDriverMysql    MetadataDriver = "mysql"
)

func (d MetadataDriver) Valid() bool {
	switch d {
	case MetadataDriverSqlite, MetadataDriverPostgres, MetadataDriverMysql, "":
		return true
	default:
		return false
	}
}

type ArchiveConfig struct {
	// Target is gs://bucket/prefix, s3://bucket/prefix or file:///dir.
	// Empty disables archiving.
	Target             string   `yaml:"target"`
	Interval           string   `yaml:"interval"`
	GcsCredentialsFile string   `yaml:"gcsCredentialsFile" split_words:"true"`
	AwsRegion          string   `yaml:"awsRegion"          split_words:"true"`
	GcpKmsResourceId   string   `yaml:"gcpKmsResourceId"   split_words:"true"`
	AwsKmsKeyArns      []string `yaml:"awsKmsKeyArns"      split_words:"true"`
	AwsKmsProfile      string   `yaml:"awsKmsProfile"      split_words:"true"`
	Seal               bool     `yaml:"seal"`
}

type Config struct {
	Archive ArchiveConfig `yaml:"archive"`
	// Requirements replaces the built-in signature thresholds on first start
	Requirements *proposal.Requirements `yaml:"requirements,omitempty" ignored:"true"`

	BindAddr            string         `yaml:"bindAddr"                                       split_words:"true"`
	DatabasePath        string         `yaml:"databasePath"                                   split_words:"true"`
	MetadataDriver      MetadataDriver `yaml:"metadataDriver"                                 split_words:"true"`
	MetadataDsn         string         `yaml:"metadataDsn"                                    split_words:"true"`
	LedgerMode          LedgerMode     `yaml:"ledgerMode"                                     split_words:"true"`
	LedgerUrl           string         `yaml:"ledgerUrl"                                      split_words:"true"`
	LedgerTimeout       string         `yaml:"ledgerTimeout"                                  split_words:"true"`
	ProposalTtl         string         `yaml:"proposalTtl"                                    split_words:"true"`
	TlsCertFilePath     string         `yaml:"tlsCertFilePath"     envconfig:"TLS_CERT_FILE_PATH"`
	TlsKeyFilePath      string         `yaml:"tlsKeyFilePath"      envconfig:"TLS_KEY_FILE_PATH"`
	ShutdownTimeout     string         `yaml:"shutdownTimeout"                                split_words:"true"`
	Admins              []string       `yaml:"admins"`
	LedgerMaxAttempts   int            `yaml:"ledgerMaxAttempts"                              split_words:"true"`
	RejectionQuorum     int            `yaml:"rejectionQuorum"                                split_words:"true"`
	RpcPort             uint           `yaml:"rpcPort"             envconfig:"port"`
	MetricsPort         uint           `yaml:"metricsPort"                                    split_words:"true"`
	AllowApprovedExpiry bool           `yaml:"allowApprovedExpiry"                            split_words:"true"`
	ConsentRequired     bool           `yaml:"consentRequired"                                split_words:"true"`
	Tracing             bool           `yaml:"tracing"`
	TracingStdout       bool           `yaml:"tracingStdout"                                  split_words:"true"`
}

var globalConfig = defaultConfig()

func defaultConfig() *Config {
	return &Config{
		BindAddr:            "0.0.0.0",
		DatabasePath:        ".medgate",
		MetadataDriver:      DefaultMetadataDriver,
		LedgerMode:          DefaultLedgerMode,
		LedgerTimeout:       "5s",
		LedgerMaxAttempts:   3,
		ProposalTtl:         "168h",
		RejectionQuorum:     1,
		AllowApprovedExpiry: true,
		RpcPort:             9090,
		MetricsPort:         12799,
		ShutdownTimeout:     DefaultShutdownTimeout,
		Archive: ArchiveConfig{
			Interval: "15m",
		},
	}
}

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.medgate/medgate.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".medgate", "medgate.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/medgate/medgate.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/medgate/medgate.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		err = yaml.Unmarshal(buf, globalConfig)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	err := envconfig.Process("medgate", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}
	if err := globalConfig.Validate(); err != nil {
		return nil, err
	}
	if globalConfig.LedgerMode == "" {
		globalConfig.LedgerMode = DefaultLedgerMode
	}
	if globalConfig.MetadataDriver == "" {
		globalConfig.MetadataDriver = DefaultMetadataDriver
	}
	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}

// Validate checks values that cannot be caught by YAML or env decoding
func (c *Config) Validate() error {
	if !c.LedgerMode.Valid() {
		return fmt.Errorf(
			"invalid ledgerMode: %q (must be 'journal' or 'remote')",
			c.LedgerMode,
		)
	}
	if c.LedgerMode == LedgerModeRemote && c.LedgerUrl == "" {
		return errors.New("ledgerUrl is required when ledgerMode is 'remote'")
	}
	if !c.MetadataDriver.Valid() {
		return fmt.Errorf(
			"invalid metadataDriver: %q (must be 'sqlite', 'postgres' or 'mysql')",
			c.MetadataDriver,
		)
	}
	if c.MetadataDriver != MetadataDriverSqlite && c.MetadataDriver != "" &&
		c.MetadataDsn == "" {
		return fmt.Errorf(
			"metadataDsn is required for metadataDriver %q",
			c.MetadataDriver,
		)
	}
	for name, value := range map[string]string{
		"ledgerTimeout":    c.LedgerTimeout,
		"proposalTtl":      c.ProposalTtl,
		"shutdownTimeout":  c.ShutdownTimeout,
		"archive.interval": c.Archive.Interval,
	} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid %s: must be positive", name)
		}
	}
	if c.RejectionQuorum < 0 {
		return fmt.Errorf("invalid rejectionQuorum: %d", c.RejectionQuorum)
	}
	if c.Requirements != nil {
		if err := c.Requirements.Validate(); err != nil {
			return fmt.Errorf("invalid requirements: %w", err)
		}
	}
	for _, admin := range c.Admins {
		if strings.TrimSpace(admin) == "" {
			return errors.New("admins must not contain empty identities")
		}
	}
	if c.Archive.Seal && c.Archive.GcpKmsResourceId == "" &&
		len(c.Archive.AwsKmsKeyArns) == 0 {
		return errors.New(
			"archive.seal requires archive.gcpKmsResourceId or archive.awsKmsKeyArns",
		)
	}
	return nil
}

// AdminIdentities returns the configured administrators in canonical form
func (c *Config) AdminIdentities() ([]proposal.Identity, error) {
	ret := make([]proposal.Identity, 0, len(c.Admins))
	for _, admin := range c.Admins {
		identity, err := proposal.CanonicalIdentity(admin)
		if err != nil {
			return nil, err
		}
		ret = append(ret, identity)
	}
	return ret, nil
}

// Duration parses a duration setting, falling back to def when unset
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
