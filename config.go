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

package medgate

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/blinklabs-io/medgate/proposal"
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMode selects where changes are confirmed
type LedgerMode string

const (
	LedgerModeJournal LedgerMode = "journal"
	LedgerModeRemote  LedgerMode = "remote"
)

func (m LedgerMode) Valid() bool {
	return m == LedgerModeJournal || m == LedgerModeRemote
}

// ArchiveConfig configures periodic export of the ledger to object storage
type ArchiveConfig struct {
	Target             string
	GcsCredentialsFile string
	AwsRegion          string
	GcpKmsResourceID   string
	AwsKmsKeyArns      string
	AwsKmsProfile      string
	Interval           time.Duration
	Seal               bool
}

type Config struct {
	promRegistry        prometheus.Registerer
	logger              *slog.Logger
	requirements        *proposal.Requirements
	consent             proposal.ConsentChecker
	clock               func() time.Time
	dataDir             string
	metadataDriver      string
	metadataDsn         string
	ledgerMode          LedgerMode
	ledgerUrl           string
	bindAddr            string
	tlsCertFilePath     string
	tlsKeyFilePath      string
	admins              []proposal.Identity
	archive             ArchiveConfig
	ledgerTimeout       time.Duration
	ledgerMaxAttempts   int
	proposalTtl         time.Duration
	rejectionQuorum     int
	rpcPort             uint
	shutdownTimeout     time.Duration
	allowApprovedExpiry bool
	consentRequired     bool
	tracing             bool
	tracingStdout       bool
}

func (n *Node) configValidate() error {
	if n.config.ledgerMode == "" {
		n.config.ledgerMode = LedgerModeJournal
	}
	if !n.config.ledgerMode.Valid() {
		return fmt.Errorf("invalid ledger mode: %s", n.config.ledgerMode)
	}
	if n.config.ledgerMode == LedgerModeRemote && n.config.ledgerUrl == "" {
		return errors.New("remote ledger mode requires a ledger URL")
	}
	if n.config.requirements != nil {
		if err := n.config.requirements.Validate(); err != nil {
			return err
		}
	}
	if n.config.rejectionQuorum < 0 {
		return fmt.Errorf(
			"invalid rejection quorum: %d",
			n.config.rejectionQuorum,
		)
	}
	if n.config.archive.Target != "" && n.config.archive.Interval <= 0 {
		return errors.New("archive interval must be positive")
	}
	if (n.config.tlsCertFilePath == "") != (n.config.tlsKeyFilePath == "") {
		return errors.New("TLS requires both a certificate and a key")
	}
	return nil
}

// ConfigOptionFunc is a type that represents functions that modify the node config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new medgate config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger:     slog.New(slog.NewJSONHandler(io.Discard, nil)),
		ledgerMode: LedgerModeJournal,
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithDatabasePath specifies the persistent data directory to use. The default is to store everything in memory
func WithDatabasePath(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithMetadataDriver specifies the relational driver (sqlite, postgres or mysql) for the persisted view
func WithMetadataDriver(driver, dsn string) ConfigOptionFunc {
	return func(c *Config) {
		c.metadataDriver = driver
		c.metadataDsn = dsn
	}
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithLedgerJournal confirms changes in the local hash-chained journal. This is the default
func WithLedgerJournal() ConfigOptionFunc {
	return func(c *Config) {
		c.ledgerMode = LedgerModeJournal
		c.ledgerUrl = ""
	}
}

// WithLedgerRemote confirms changes against the LedgerService of another node
func WithLedgerRemote(url string) ConfigOptionFunc {
	return func(c *Config) {
		c.ledgerMode = LedgerModeRemote
		c.ledgerUrl = url
	}
}

// WithLedgerRetry specifies the per-attempt timeout and maximum attempts for ledger submissions
func WithLedgerRetry(timeout time.Duration, maxAttempts int) ConfigOptionFunc {
	return func(c *Config) {
		c.ledgerTimeout = timeout
		c.ledgerMaxAttempts = maxAttempts
	}
}

// WithAdmins specifies the administrators registered on first start
func WithAdmins(admins ...proposal.Identity) ConfigOptionFunc {
	return func(c *Config) {
		c.admins = append(c.admins, admins...)
	}
}

// WithRequirements overrides the built-in signature thresholds on first start
func WithRequirements(req proposal.Requirements) ConfigOptionFunc {
	return func(c *Config) {
		c.requirements = &req
	}
}

// WithProposalTTL specifies how long proposals accept votes. The default is 7 days
func WithProposalTTL(ttl time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.proposalTtl = ttl
	}
}

// WithRejectionQuorum specifies how many rejections reject a proposal. The default of one is a single-rejection veto
func WithRejectionQuorum(quorum int) ConfigOptionFunc {
	return func(c *Config) {
		c.rejectionQuorum = quorum
	}
}

// WithAllowApprovedExpiry allows approved but unexecuted proposals to be marked expired after their deadline
func WithAllowApprovedExpiry(allow bool) ConfigOptionFunc {
	return func(c *Config) {
		c.allowApprovedExpiry = allow
	}
}

// WithConsentRequired refuses proposals unless the patient has granted the proposer consent for the data type.
// Grants are kept in the node's own consent book unless WithConsentChecker supplies another source.
func WithConsentRequired(required bool) ConfigOptionFunc {
	return func(c *Config) {
		c.consentRequired = required
	}
}

// WithConsentChecker specifies an external patient consent check run before proposals are created
func WithConsentChecker(consent proposal.ConsentChecker) ConfigOptionFunc {
	return func(c *Config) {
		c.consent = consent
	}
}

// WithClock specifies the time source for deadlines. This is mostly useful for tests
func WithClock(clock func() time.Time) ConfigOptionFunc {
	return func(c *Config) {
		c.clock = clock
	}
}

// WithBindAddr specifies the address the RPC listener binds to
func WithBindAddr(addr string) ConfigOptionFunc {
	return func(c *Config) {
		c.bindAddr = addr
	}
}

// WithRpcPort specifies the port to use for the RPC listener. This defaults to port 9090
func WithRpcPort(port uint) ConfigOptionFunc {
	return func(c *Config) {
		c.rpcPort = port
	}
}

// WithTlsCertFilePath specifies the path to the TLS certificate for the RPC listener. This defaults to empty
func WithTlsCertFilePath(path string) ConfigOptionFunc {
	return func(c *Config) {
		c.tlsCertFilePath = path
	}
}

// WithTlsKeyFilePath specifies the path to the TLS key for the RPC listener. This defaults to empty
func WithTlsKeyFilePath(path string) ConfigOptionFunc {
	return func(c *Config) {
		c.tlsKeyFilePath = path
	}
}

// WithArchive enables periodic export of the ledger to the configured target
func WithArchive(archive ArchiveConfig) ConfigOptionFunc {
	return func(c *Config) {
		c.archive = archive
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) endpoint using OTLP. This can be configured
// using the OTEL_EXPORTER_OTLP_* env vars documented in the README for [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown. The default is 30 seconds
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}
