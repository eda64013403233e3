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

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

type GcsSinkConfig struct {
	Logger          *slog.Logger
	Bucket          string
	Prefix          string
	CredentialsFile string
	Timeout         time.Duration
}

// GcsSink stores objects in a Google Cloud Storage bucket
type GcsSink struct {
	logger  *slog.Logger
	client  *storage.Client
	bucket  *storage.BucketHandle
	prefix  string
	timeout time.Duration
}

func NewGcsSink(ctx context.Context, cfg GcsSinkConfig) (*GcsSink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: gcs bucket not set")
	}
	var clientOpts []option.ClientOption
	clientOpts = append(clientOpts, storage.WithDisabledClientMetrics())
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("archive: gcs credentials file: %w", err)
		}
		clientOpts = append(
			clientOpts,
			option.WithCredentialsFile(cfg.CredentialsFile),
		)
	}
	startCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	client, err := storage.NewGRPCClient(startCtx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: failed in creating storage client: %w", err)
	}
	return &GcsSink{
		logger:  cfg.Logger,
		client:  client,
		bucket:  client.Bucket(cfg.Bucket),
		prefix:  cfg.Prefix,
		timeout: cfg.Timeout,
	}, nil
}

func (s *GcsSink) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	w := s.bucket.Object(s.prefix + key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("archive: gcs write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: gcs write %q: %w", key, err)
	}
	s.logger.Debug(
		fmt.Sprintf("gcs put %q ok (%d bytes)", key, len(data)),
		"component", "archive",
	)
	return nil
}

func (s *GcsSink) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	r, err := s.bucket.Object(s.prefix + key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archive: gcs read %q: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *GcsSink) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
