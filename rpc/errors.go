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
	"fmt"
	"strconv"

	"connectrpc.com/connect"
	"github.com/blinklabs-io/medgate/ledger"
	"github.com/blinklabs-io/medgate/proposal"
)

const (
	IdentityHeader     = "Medgate-Identity"
	ConfirmationHeader = "Medgate-Confirmation"
	ErrorKindHeader    = "Medgate-Error-Kind"
	RetryableHeader    = "Medgate-Retryable"
)

// Kind names for ledger failures, alongside the proposal kinds
const (
	kindLedgerUnavailable = "LedgerUnavailable"
	kindChainBroken       = "ChainBroken"
)

var kindCodes = map[string]connect.Code{
	"NotFound":            connect.CodeNotFound,
	"Unauthorized":        connect.CodePermissionDenied,
	"NoConsent":           connect.CodePermissionDenied,
	"AlreadyVoted":        connect.CodeAlreadyExists,
	"NotPending":          connect.CodeFailedPrecondition,
	"NotApproved":         connect.CodeFailedPrecondition,
	"AlreadyExecuted":     connect.CodeFailedPrecondition,
	"Expired":             connect.CodeFailedPrecondition,
	"NotYetExpired":       connect.CodeFailedPrecondition,
	"InvalidAccessType":   connect.CodeInvalidArgument,
	"InvalidPolicyValue":  connect.CodeInvalidArgument,
	"InvalidArgument":     connect.CodeInvalidArgument,
	"External":            connect.CodeUnavailable,
	kindLedgerUnavailable: connect.CodeUnavailable,
	kindChainBroken:       connect.CodeDataLoss,
}

// RemoteError is a failure reported by a medgate server. Unwrap yields the
// matching local sentinel so errors.Is works across the wire.
type RemoteError struct {
	Kind    error
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Kind
}

// toConnectError maps a domain or ledger error onto a connect error carrying
// the kind name in metadata
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}
	kind := proposal.KindOf(err)
	if kind == "" {
		switch {
		case errors.Is(err, ledger.ErrUnavailable):
			kind = kindLedgerUnavailable
		case errors.Is(err, ledger.ErrChainBroken):
			kind = kindChainBroken
		case errors.Is(err, context.Canceled):
			return connect.NewError(connect.CodeCanceled, err)
		case errors.Is(err, context.DeadlineExceeded):
			return connect.NewError(connect.CodeDeadlineExceeded, err)
		default:
			return connect.NewError(connect.CodeInternal, err)
		}
	}
	code, ok := kindCodes[kind]
	if !ok {
		code = connect.CodeUnknown
	}
	ret := connect.NewError(code, err)
	ret.Meta().Set(ErrorKindHeader, kind)
	retryable := proposal.IsRetryable(err) || kind == kindLedgerUnavailable
	ret.Meta().Set(RetryableHeader, strconv.FormatBool(retryable))
	return ret
}

// fromConnectError restores the domain error for a connect error returned by
// a medgate server. Transport failures become retryable external errors.
func fromConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		return err
	}
	kind := connectErr.Meta().Get(ErrorKindHeader)
	retryable, _ := strconv.ParseBool(connectErr.Meta().Get(RetryableHeader))
	switch kind {
	case "":
		switch connectErr.Code() {
		case connect.CodeUnavailable:
			return proposal.NewExternalError(
				"rpc",
				fmt.Errorf("%w: %s", ledger.ErrUnavailable, connectErr.Message()),
				true,
			)
		case connect.CodeDeadlineExceeded:
			return proposal.NewExternalError(
				"rpc",
				fmt.Errorf("%w: %s", context.DeadlineExceeded, connectErr.Message()),
				true,
			)
		case connect.CodeCanceled:
			return fmt.Errorf("%w: %s", context.Canceled, connectErr.Message())
		}
		return proposal.NewExternalError("rpc", err, false)
	case "External":
		return proposal.NewExternalError(
			"rpc",
			&RemoteError{Message: connectErr.Message()},
			retryable,
		)
	case kindLedgerUnavailable:
		return &RemoteError{Kind: ledger.ErrUnavailable, Message: connectErr.Message()}
	case kindChainBroken:
		return &RemoteError{Kind: ledger.ErrChainBroken, Message: connectErr.Message()}
	}
	sentinel := proposal.KindError(kind)
	if sentinel == nil {
		return err
	}
	return &RemoteError{Kind: sentinel, Message: connectErr.Message()}
}
