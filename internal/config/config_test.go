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
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/blinklabs-io/medgate/proposal"
)

func resetGlobalConfig(t *testing.T) {
	t.Helper()
	globalConfig = defaultConfig()
	// Keep the lookup of ~/.medgate/medgate.yaml away from the real home
	t.Setenv("HOME", t.TempDir())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile := filepath.Join(t.TempDir(), "test-medgate.yaml")
	if err := os.WriteFile(tmpFile, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return tmpFile
}

func TestLoad_CompareFullStruct(t *testing.T) {
	resetGlobalConfig(t)
	yamlContent := `
bindAddr: "127.0.0.1"
databasePath: ".records"
metadataDriver: "postgres"
metadataDsn: "host=db user=medgate"
ledgerMode: "remote"
ledgerUrl: "https://ledger.example:9090"
ledgerTimeout: "2s"
ledgerMaxAttempts: 5
proposalTtl: "72h"
rejectionQuorum: 2
allowApprovedExpiry: false
consentRequired: true
rpcPort: 9940
metricsPort: 8088
shutdownTimeout: "10s"
tlsCertFilePath: "cert1.pem"
tlsKeyFilePath: "key1.pem"
admins:
  - "0xADMIN"
requirements:
  standard: 2
  emergency: 1
  research: 4
  legal: 2
  insurance: 2
archive:
  target: "s3://audit/medgate"
  interval: "1h"
  awsRegion: "eu-west-1"
  seal: true
  awsKmsKeyArns:
    - "arn:aws:kms:eu-west-1:000000000000:key/test"
`
	tmpFile := writeConfig(t, yamlContent)

	expected := &Config{
		BindAddr:            "127.0.0.1",
		DatabasePath:        ".records",
		MetadataDriver:      MetadataDriverPostgres,
		MetadataDsn:         "host=db user=medgate",
		LedgerMode:          LedgerModeRemote,
		LedgerUrl:           "https://ledger.example:9090",
		LedgerTimeout:       "2s",
		LedgerMaxAttempts:   5,
		ProposalTtl:         "72h",
		RejectionQuorum:     2,
		AllowApprovedExpiry: false,
		ConsentRequired:     true,
		RpcPort:             9940,
		MetricsPort:         8088,
		ShutdownTimeout:     "10s",
		TlsCertFilePath:     "cert1.pem",
		TlsKeyFilePath:      "key1.pem",
		Admins:              []string{"0xADMIN"},
		Requirements: &proposal.Requirements{
			Standard:  2,
			Emergency: 1,
			Research:  4,
			Legal:     2,
			Insurance: 2,
		},
		Archive: ArchiveConfig{
			Target:        "s3://audit/medgate",
			Interval:      "1h",
			AwsRegion:     "eu-west-1",
			Seal:          true,
			AwsKmsKeyArns: []string{"arn:aws:kms:eu-west-1:000000000000:key/test"},
		},
	}

	actual, err := LoadConfig(tmpFile)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if !reflect.DeepEqual(actual, expected) {
		t.Errorf(
			"Loaded config does not match expected.\nActual: %+v\nExpected: %+v",
			actual,
			expected,
		)
	}
}

func TestLoad_WithoutConfigFile_UsesDefaults(t *testing.T) {
	resetGlobalConfig(t)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	expected := defaultConfig()
	if !reflect.DeepEqual(cfg, expected) {
		t.Errorf(
			"config mismatch without file:\nExpected: %+v\nGot:      %+v",
			expected,
			cfg,
		)
	}
	if cfg.Requirements != nil {
		t.Errorf("expected no requirements override, got: %+v", cfg.Requirements)
	}
}

func TestLoad_HomeConfigFile(t *testing.T) {
	resetGlobalConfig(t)
	home := os.Getenv("HOME")
	if err := os.MkdirAll(filepath.Join(home, ".medgate"), 0o755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	err := os.WriteFile(
		filepath.Join(home, ".medgate", "medgate.yaml"),
		[]byte("proposalTtl: \"12h\"\n"),
		0o644,
	)
	if err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.ProposalTtl != "12h" {
		t.Errorf("expected ProposalTtl to be 12h, got: %s", cfg.ProposalTtl)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	resetGlobalConfig(t)
	tmpFile := writeConfig(t, `
rpcPort: 7000
proposalTtl: "72h"
`)
	t.Setenv("MEDGATE_PORT", "7100")
	t.Setenv("MEDGATE_PROPOSAL_TTL", "1h")
	t.Setenv("MEDGATE_ADMINS", "0xa1,0xa2")
	t.Setenv("MEDGATE_ARCHIVE_TARGET", "file:///var/lib/medgate/archive")
	t.Setenv("MEDGATE_ARCHIVE_AWS_REGION", "us-east-2")

	cfg, err := LoadConfig(tmpFile)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.RpcPort != 7100 {
		t.Errorf("expected RpcPort 7100, got: %d", cfg.RpcPort)
	}
	if cfg.ProposalTtl != "1h" {
		t.Errorf("expected ProposalTtl 1h, got: %s", cfg.ProposalTtl)
	}
	if !reflect.DeepEqual(cfg.Admins, []string{"0xa1", "0xa2"}) {
		t.Errorf("unexpected admins: %v", cfg.Admins)
	}
	if cfg.Archive.Target != "file:///var/lib/medgate/archive" {
		t.Errorf("unexpected archive target: %s", cfg.Archive.Target)
	}
	if cfg.Archive.AwsRegion != "us-east-2" {
		t.Errorf("unexpected archive region: %s", cfg.Archive.AwsRegion)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	testDefs := []struct {
		name    string
		yaml    string
		errText string
	}{
		{"ledger mode", `ledgerMode: "carrier-pigeon"`, "invalid ledgerMode"},
		{"remote without url", `ledgerMode: "remote"`, "ledgerUrl is required"},
		{"driver", `metadataDriver: "oracle"`, "invalid metadataDriver"},
		{"mysql without dsn", `metadataDriver: "mysql"`, "metadataDsn is required"},
		{"ttl", `proposalTtl: "soon"`, "invalid proposalTtl"},
		{"negative timeout", `ledgerTimeout: "-1s"`, "must be positive"},
		{"rejection quorum", `rejectionQuorum: -1`, "invalid rejectionQuorum"},
		{"requirements", "requirements:\n  standard: 0\n  emergency: 1\n  research: 1\n  legal: 1\n  insurance: 1", "invalid requirements"},
		{"empty admin", "admins:\n  - \"\"", "empty identities"},
		{"seal without key", "archive:\n  seal: true", "archive.seal requires"},
		{"yaml", "rpcPort: [", "error parsing config file"},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			resetGlobalConfig(t)
			_, err := LoadConfig(writeConfig(t, testDef.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", testDef.errText)
			}
			if !strings.Contains(err.Error(), testDef.errText) {
				t.Errorf("expected error containing %q, got: %v", testDef.errText, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	resetGlobalConfig(t)
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "error reading config file") {
		t.Fatalf("expected read error, got: %v", err)
	}
}

func TestAdminIdentities(t *testing.T) {
	cfg := &Config{Admins: []string{"0xABC", " hospital-admin "}}
	ids, err := cfg.AdminIdentities()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []proposal.Identity{"0xabc", "hospital-admin"}
	if !reflect.DeepEqual(ids, expected) {
		t.Errorf("expected %v, got: %v", expected, ids)
	}
}

func TestDuration(t *testing.T) {
	if d := Duration("", time.Minute); d != time.Minute {
		t.Errorf("expected default, got: %s", d)
	}
	if d := Duration("bogus", time.Minute); d != time.Minute {
		t.Errorf("expected default for invalid value, got: %s", d)
	}
	if d := Duration("90s", time.Minute); d != 90*time.Second {
		t.Errorf("expected 90s, got: %s", d)
	}
}

func TestContext(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Fatal("expected nil config from empty context")
	}
	cfg := defaultConfig()
	ctx := WithContext(context.Background(), cfg)
	if FromContext(ctx) != cfg {
		t.Fatal("expected config from context")
	}
}
