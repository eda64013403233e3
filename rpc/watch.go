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

package rpc

import (
	"context"
	"errors"
	"sync"

	"connectrpc.com/connect"
	"github.com/blinklabs-io/medgate/event"
	"github.com/blinklabs-io/medgate/proposal"
)

const watchQueueSize = 100

var (
	errWatchClosed       = errors.New("watch stream closed")
	errWatchSlowConsumer = errors.New("watch stream consumer too slow")
)

// streamSubscriber feeds one WatchExecutions stream. A full queue fails
// delivery, which makes the event bus drop the subscription.
type streamSubscriber struct {
	ch        chan event.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamSubscriber() *streamSubscriber {
	return &streamSubscriber{
		ch:   make(chan event.Event, watchQueueSize),
		done: make(chan struct{}),
	}
}

func (s *streamSubscriber) Deliver(evt event.Event) error {
	select {
	case <-s.done:
		return errWatchClosed
	default:
	}
	select {
	case s.ch <- evt:
		return nil
	default:
		return errWatchSlowConsumer
	}
}

func (s *streamSubscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// WatchExecutions streams an ExecutedEvent for every executed proposal
func (s *accessServiceServer) WatchExecutions(
	ctx context.Context,
	req *connect.Request[WatchExecutionsRequest],
	stream *connect.ServerStream[proposal.ExecutedEvent],
) error {
	bus := s.rpc.config.EventBus
	if bus == nil {
		return connect.NewError(
			connect.CodeUnimplemented,
			errors.New("event bus not configured"),
		)
	}
	var patient proposal.Identity
	if req.Msg.Patient != "" {
		var err error
		patient, err = proposal.CanonicalIdentity(req.Msg.Patient)
		if err != nil {
			return err
		}
	}
	sub := newStreamSubscriber()
	subId := bus.RegisterSubscriber(proposal.ExecutedEventType, sub)
	defer bus.Unsubscribe(proposal.ExecutedEventType, subId)
	s.rpc.config.Logger.Debug(
		"execution watch started",
		"subscriber", int(subId),
		"patient", string(patient),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.done:
			// Unsubscribed by the bus, either on shutdown or because we fell behind
			return connect.NewError(
				connect.CodeUnavailable,
				errWatchClosed,
			)
		case evt := <-sub.ch:
			executed, ok := evt.Data.(proposal.ExecutedEvent)
			if !ok {
				continue
			}
			if patient != "" && executed.Patient != patient {
				continue
			}
			if err := stream.Send(&executed); err != nil {
				return err
			}
		}
	}
}
