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
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testEntry(subject string) Entry {
	return NewEntry(ActionCreate, subject, "0xactor", []byte(subject))
}

func TestMemoryChain(t *testing.T) {
	mem := NewMemory()
	ctx := t.Context()
	var confs []Confirmation
	for i := range 5 {
		conf, err := mem.Submit(ctx, testEntry(fmt.Sprintf("s%d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), conf.Sequence)
		confs = append(confs, conf)
	}
	head, err := mem.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, confs[4], head)

	all, err := mem.Entries(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.NoError(t, VerifyChain("", all))
	for i := 1; i < len(all); i++ {
		assert.Equal(t, all[i-1].Confirmation.Ref, all[i].PrevRef)
	}

	page, err := mem.Entries(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(3), page[0].Confirmation.Sequence)
	assert.Equal(t, uint64(4), page[1].Confirmation.Sequence)

	tail, err := mem.Entries(ctx, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestMemoryDuplicateSubmission(t *testing.T) {
	mem := NewMemory()
	e := testEntry("dup")
	first, err := mem.Submit(t.Context(), e)
	require.NoError(t, err)
	second, err := mem.Submit(t.Context(), e)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, mem.Len())
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	mem := NewMemory()
	for i := range 3 {
		_, err := mem.Submit(t.Context(), testEntry(fmt.Sprintf("s%d", i)))
		require.NoError(t, err)
	}
	recs, err := mem.Entries(t.Context(), 0, 0)
	require.NoError(t, err)
	recs[1].Entry.Actor = "0xmallory"
	err = VerifyChain("", recs)
	require.ErrorIs(t, err, ErrChainBroken)

	recs, err = mem.Entries(t.Context(), 0, 0)
	require.NoError(t, err)
	recs[2].PrevRef = recs[0].Confirmation.Ref
	require.ErrorIs(t, VerifyChain("", recs), ErrChainBroken)
}

func TestCodecDeterministic(t *testing.T) {
	e := testEntry("det")
	a, err := Marshal(e)
	require.NoError(t, err)
	b, err := Marshal(e)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	var decoded Entry
	require.NoError(t, Unmarshal(a, &decoded))
	assert.Equal(t, e.SubmissionID, decoded.SubmissionID)
	assert.True(t, e.Time.Equal(decoded.Time))
	c, err := Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, a, c, "re-encoding a decoded entry must not change its bytes")
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(ErrUnavailable))
	assert.True(t, Retryable(fmt.Errorf("wrapped: %w", ErrUnavailable)))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.True(t, Retryable(timeoutError{}))
	assert.False(t, Retryable(errors.New("rejected")))
	assert.False(t, Retryable(context.Canceled))
}

type flakySubmitter struct {
	err      error
	failures int32
	calls    atomic.Int32
	delay    time.Duration
}

func (f *flakySubmitter) Submit(ctx context.Context, e Entry) (Confirmation, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Confirmation{}, ctx.Err()
		}
	}
	if n <= f.failures {
		return Confirmation{}, f.err
	}
	return Confirmation{Sequence: uint64(n), Ref: "ref"}, nil
}

func fastRetrier(next Submitter, reg prometheus.Registerer) *Retrier {
	return NewRetrier(next, RetrierConfig{
		PromRegistry:    reg,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		AttemptTimeout:  50 * time.Millisecond,
		MaxAttempts:     3,
	})
}

func TestRetrierRecoversFromTransientFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	next := &flakySubmitter{err: ErrUnavailable, failures: 2}
	r := fastRetrier(next, reg)
	conf, err := r.Submit(t.Context(), testEntry("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), conf.Sequence)
	assert.Equal(t, int32(3), next.calls.Load())
	assert.InDelta(t, 2, testutil.ToFloat64(r.metrics.attempts.WithLabelValues("error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.metrics.attempts.WithLabelValues("ok")), 0)
}

func TestRetrierGivesUpAfterMaxAttempts(t *testing.T) {
	next := &flakySubmitter{err: ErrUnavailable, failures: 10}
	r := fastRetrier(next, nil)
	_, err := r.Submit(t.Context(), testEntry("x"))
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), next.calls.Load())
	assert.Contains(t, err.Error(), "3 attempt(s)")
}

func TestRetrierDoesNotRetryPermanentFailure(t *testing.T) {
	permanent := errors.New("entry rejected")
	next := &flakySubmitter{err: permanent, failures: 10}
	r := fastRetrier(next, nil)
	_, err := r.Submit(t.Context(), testEntry("x"))
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestRetrierAttemptTimeout(t *testing.T) {
	next := &flakySubmitter{delay: time.Second}
	r := fastRetrier(next, nil)
	start := time.Now()
	_, err := r.Submit(t.Context(), testEntry("slow"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(3), next.calls.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetrierHonoursCallerCancel(t *testing.T) {
	next := &flakySubmitter{err: ErrUnavailable, failures: 100}
	r := NewRetrier(next, RetrierConfig{
		InitialInterval: time.Hour,
		MaxInterval:     time.Hour,
		MaxAttempts:     5,
	})
	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := r.Submit(ctx, testEntry("x"))
	require.Error(t, err)
	assert.Equal(t, int32(1), next.calls.Load())
}
