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

	"github.com/blinklabs-io/medgate/ledger"
	"github.com/blinklabs-io/medgate/proposal"
)

var _ ledger.Chain = (*LedgerClient)(nil)

// LedgerClient uses a remote LedgerService as the confirming ledger
type LedgerClient struct {
	client *Client
}

func NewLedgerClient(cfg ClientConfig) *LedgerClient {
	return &LedgerClient{client: NewClient(cfg)}
}

// ledgerError strips the proposal wrapping so ledger.Retryable sees the
// transport failure directly
func ledgerError(err error) error {
	var extErr *proposal.ExternalError
	if errors.As(err, &extErr) {
		return extErr.Err
	}
	return err
}

func (l *LedgerClient) Submit(ctx context.Context, e ledger.Entry) (ledger.Confirmation, error) {
	res, err := callUnary[ledger.Entry, ledger.Confirmation](ctx, l.client, LedgerSubmitProcedure, &e)
	if err != nil {
		return ledger.Confirmation{}, ledgerError(err)
	}
	return *res, nil
}

// Entries pages through the remote ledger. A limit of zero fetches every
// record after the given sequence.
func (l *LedgerClient) Entries(ctx context.Context, after uint64, limit int) ([]ledger.Record, error) {
	ret := []ledger.Record{}
	for {
		pageLimit := maxEntriesPerCall
		if limit > 0 {
			pageLimit = min(pageLimit, limit-len(ret))
		}
		res, err := callUnary[EntriesRequest, EntriesResponse](
			ctx,
			l.client,
			LedgerEntriesProcedure,
			&EntriesRequest{After: after, Limit: pageLimit},
		)
		if err != nil {
			return nil, ledgerError(err)
		}
		ret = append(ret, res.Records...)
		if len(res.Records) < pageLimit || (limit > 0 && len(ret) >= limit) {
			return ret, nil
		}
		after = res.Records[len(res.Records)-1].Confirmation.Sequence
	}
}

func (l *LedgerClient) Head(ctx context.Context) (ledger.Confirmation, error) {
	res, err := callUnary[Empty, ledger.Confirmation](ctx, l.client, LedgerHeadProcedure, &Empty{})
	if err != nil {
		return ledger.Confirmation{}, ledgerError(err)
	}
	return *res, nil
}
