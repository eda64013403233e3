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

// Package archive copies confirmed ledger records to object storage so the
// audit trail survives loss of the node's data directory.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

var ErrNotFound = errors.New("archive: object not found")

// Sink stores archive objects by key
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get returns ErrNotFound for a missing key
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// SinkConfig selects and configures a sink
type SinkConfig struct {
	Logger *slog.Logger
	// Target is gs://bucket[/prefix], s3://bucket[/prefix] or file:///dir
	Target             string
	GcsCredentialsFile string
	AwsRegion          string
	Timeout            time.Duration
}

// OpenSink builds the sink named by the target URL scheme
func OpenSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	scheme, rest, ok := strings.Cut(cfg.Target, "://")
	if !ok {
		return nil, fmt.Errorf("archive: invalid target %q", cfg.Target)
	}
	switch scheme {
	case "file":
		return NewFileSink(rest)
	case "gs", "gcs":
		bucket, prefix := splitBucket(rest)
		if bucket == "" {
			return nil, errors.New("archive: gcs bucket not set (expected gs://<bucket>[/prefix])")
		}
		return NewGcsSink(ctx, GcsSinkConfig{
			Logger:          cfg.Logger,
			Bucket:          bucket,
			Prefix:          prefix,
			CredentialsFile: cfg.GcsCredentialsFile,
			Timeout:         cfg.Timeout,
		})
	case "s3":
		bucket, prefix := splitBucket(rest)
		if bucket == "" {
			return nil, errors.New("archive: s3 bucket not set (expected s3://<bucket>[/prefix])")
		}
		return NewS3Sink(ctx, S3SinkConfig{
			Logger:  cfg.Logger,
			Bucket:  bucket,
			Prefix:  prefix,
			Region:  cfg.AwsRegion,
			Timeout: cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("archive: unsupported target scheme %q", scheme)
	}
}

// splitBucket splits "bucket/some/prefix" into the bucket and a prefix that
// is either empty or ends in a slash
func splitBucket(path string) (string, string) {
	bucket, prefix, _ := strings.Cut(path, "/")
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return bucket, prefix
}
