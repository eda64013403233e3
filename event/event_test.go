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

package event

import (
	"errors"
	"sync"
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

const testEvtType EventType = "test.event"

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "event channel closed unexpectedly")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestEventBusSingleSubscriber(t *testing.T) {
	eb := NewEventBus(nil, nil)
	defer eb.Stop()
	_, subCh := eb.Subscribe(testEvtType)
	eb.Publish(testEvtType, NewEvent(testEvtType, 999))
	evt := receive(t, subCh)
	assert.Equal(t, testEvtType, evt.Type)
	assert.Equal(t, 999, evt.Data)
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	eb := NewEventBus(nil, nil)
	defer eb.Stop()
	_, sub1Ch := eb.Subscribe(testEvtType)
	_, sub2Ch := eb.Subscribe(testEvtType)
	_, otherCh := eb.Subscribe("other.event")
	eb.Publish(testEvtType, NewEvent(testEvtType, "x"))
	assert.Equal(t, "x", receive(t, sub1Ch).Data)
	assert.Equal(t, "x", receive(t, sub2Ch).Data)
	select {
	case evt := <-otherCh:
		t.Fatalf("unexpected event for other type: %v", evt)
	default:
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(nil, nil)
	defer eb.Stop()
	subId, subCh := eb.Subscribe(testEvtType)
	eb.Unsubscribe(testEvtType, subId)
	eb.Publish(testEvtType, NewEvent(testEvtType, 1))
	_, ok := <-subCh
	assert.False(t, ok, "channel should be closed after unsubscribe")
	// Unknown IDs are ignored
	eb.Unsubscribe(testEvtType, subId)
}

func TestEventBusSubscribeFunc(t *testing.T) {
	eb := NewEventBus(nil, nil)
	defer eb.Stop()
	var count atomic.Int32
	eb.SubscribeFunc(testEvtType, func(Event) {
		count.Add(1)
	})
	for range 3 {
		eb.Publish(testEvtType, NewEvent(testEvtType, nil))
	}
	require.Eventually(
		t,
		func() bool { return count.Load() == 3 },
		time.Second,
		10*time.Millisecond,
	)
}

func TestEventBusPublishAsync(t *testing.T) {
	eb := NewEventBus(nil, nil)
	_, subCh := eb.Subscribe(testEvtType)
	require.True(t, eb.PublishAsync(testEvtType, NewEvent(testEvtType, "async")))
	assert.Equal(t, "async", receive(t, subCh).Data)
	eb.Stop()
	assert.False(t, eb.PublishAsync(testEvtType, NewEvent(testEvtType, "late")))
	_, ok := <-subCh
	assert.False(t, ok)
	// Stop is idempotent
	eb.Stop()
}

type failingSubscriber struct {
	closed atomic.Bool
	panics bool
}

func (f *failingSubscriber) Deliver(Event) error {
	if f.panics {
		panic("boom")
	}
	return errors.New("deliver failed")
}

func (f *failingSubscriber) Close() {
	f.closed.Store(true)
}

func TestDeliverFailureUnregisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	eb := NewEventBus(reg, nil)
	defer eb.Stop()
	for _, panics := range []bool{false, true} {
		sub := &failingSubscriber{panics: panics}
		subId := eb.RegisterSubscriber(testEvtType, sub)
		require.NotZero(t, subId)
		eb.Publish(testEvtType, NewEvent(testEvtType, "x"))
		eb.mu.RLock()
		_, exists := eb.subscribers[testEvtType][subId]
		eb.mu.RUnlock()
		assert.False(t, exists, "subscriber should be removed")
		assert.True(t, sub.closed.Load(), "subscriber should be closed")
	}
	assert.InDelta(
		t,
		2,
		testutil.ToFloat64(eb.metrics.deliveryErrors.WithLabelValues(string(testEvtType), kindRemote)),
		0,
	)
	assert.InDelta(
		t,
		2,
		testutil.ToFloat64(eb.metrics.eventsTotal.WithLabelValues(string(testEvtType))),
		0,
	)
}

func TestPublishDoesNotBlockOnFullChannel(t *testing.T) {
	eb := NewEventBus(nil, nil)
	defer eb.Stop()
	_, ch := eb.Subscribe(testEvtType)
	for range EventQueueSize {
		eb.Publish(testEvtType, NewEvent(testEvtType, "fill"))
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		eb.Publish(testEvtType, NewEvent(testEvtType, "overflow"))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	for range EventQueueSize {
		assert.Equal(t, "fill", receive(t, ch).Data)
	}
	select {
	case evt := <-ch:
		t.Fatalf("overflow event should have been dropped: %v", evt)
	default:
	}
}

func TestPublishUnsubscribeRace(t *testing.T) {
	eb := NewEventBus(nil, nil)
	defer eb.Stop()
	var wg sync.WaitGroup
	for range 10 {
		subId, ch := eb.Subscribe(testEvtType)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			for range 20 {
				eb.Publish(testEvtType, NewEvent(testEvtType, nil))
			}
			eb.Unsubscribe(testEvtType, subId)
		}()
	}
	wg.Wait()
}
