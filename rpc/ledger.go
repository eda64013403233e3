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

	"connectrpc.com/connect"
	"github.com/blinklabs-io/medgate/ledger"
)

// maxEntriesPerCall bounds a single Entries response
const maxEntriesPerCall = 1000

// ledgerServiceServer exposes the local journal to remote medgate nodes
type ledgerServiceServer struct {
	rpc *Server
}

func (s *ledgerServiceServer) Submit(
	ctx context.Context,
	req *connect.Request[ledger.Entry],
) (*connect.Response[ledger.Confirmation], error) {
	if req.Msg.Action == "" || req.Msg.Subject == "" {
		return nil, connect.NewError(
			connect.CodeInvalidArgument,
			errors.New("entry requires an action and a subject"),
		)
	}
	conf, err := s.rpc.config.Ledger.Submit(ctx, *req.Msg)
	if err != nil {
		return nil, err
	}
	res := connect.NewResponse(&conf)
	res.Header().Set(ConfirmationHeader, conf.Ref)
	return res, nil
}

func (s *ledgerServiceServer) Entries(
	ctx context.Context,
	req *connect.Request[EntriesRequest],
) (*connect.Response[EntriesResponse], error) {
	limit := req.Msg.Limit
	if limit <= 0 || limit > maxEntriesPerCall {
		limit = maxEntriesPerCall
	}
	records, err := s.rpc.config.Ledger.Entries(ctx, req.Msg.After, limit)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&EntriesResponse{Records: records}), nil
}

func (s *ledgerServiceServer) Head(
	ctx context.Context,
	_ *connect.Request[Empty],
) (*connect.Response[ledger.Confirmation], error) {
	conf, err := s.rpc.config.Ledger.Head(ctx)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&conf), nil
}
