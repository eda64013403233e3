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

package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultAttemptTimeout  = 5 * time.Second
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 2 * time.Second
)

type RetrierConfig struct {
	Logger          *slog.Logger
	PromRegistry    prometheus.Registerer
	AttemptTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// Retrier wraps a Submitter with a per-attempt timeout and a bounded number
// of attempts. Only failures that satisfy Retryable are attempted again.
type Retrier struct {
	next    Submitter
	metrics *submitMetrics
	config  RetrierConfig
}

func NewRetrier(next Submitter, cfg RetrierConfig) *Retrier {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	r := &Retrier{
		next:   next,
		config: cfg,
	}
	if cfg.PromRegistry != nil {
		r.metrics = &submitMetrics{}
		r.metrics.init(cfg.PromRegistry)
	}
	return r
}

func (r *Retrier) Submit(ctx context.Context, e Entry) (Confirmation, error) {
	start := time.Now()
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.config.InitialInterval
	expBackoff.MaxInterval = r.config.MaxInterval
	expBackoff.MaxElapsedTime = 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			expBackoff,
			uint64(r.config.MaxAttempts-1), // #nosec G115
		),
		ctx,
	)
	var conf Confirmation
	attempts := 0
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
		defer cancel()
		tmpConf, err := r.next.Submit(attemptCtx, e)
		if err != nil {
			r.countAttempt("error")
			if !Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		r.countAttempt("ok")
		conf = tmpConf
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.config.Logger.Warn(
			"ledger submission failed, retrying",
			"component", "ledger",
			"action", e.Action,
			"subject", e.Subject,
			"submission", e.SubmissionID.String(),
			"wait", wait,
			"error", err,
		)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if r.metrics != nil {
			r.metrics.failures.WithLabelValues(e.Action).Inc()
		}
		return Confirmation{}, fmt.Errorf(
			"ledger submit %s after %d attempt(s): %w",
			e.Action,
			attempts,
			err,
		)
	}
	if r.metrics != nil {
		r.metrics.latency.Observe(time.Since(start).Seconds())
	}
	return conf, nil
}

func (r *Retrier) countAttempt(result string) {
	if r.metrics != nil {
		r.metrics.attempts.WithLabelValues(result).Inc()
	}
}
