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

package proposal

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrAlreadyVoted       = errors.New("already voted")
	ErrNotPending         = errors.New("proposal not pending")
	ErrNotApproved        = errors.New("proposal not approved")
	ErrAlreadyExecuted    = errors.New("proposal already executed")
	ErrExpired            = errors.New("proposal expired")
	ErrNotYetExpired      = errors.New("proposal not yet expired")
	ErrInvalidAccessType  = errors.New("invalid access type")
	ErrInvalidPolicyValue = errors.New("invalid policy value")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNoConsent          = errors.New("no valid patient consent")

	// ErrExternal matches every failure of the ledger or storage boundary
	ErrExternal = errors.New("external failure")
)

// kinds maps each domain sentinel to the name used on the wire
var kinds = []struct {
	err  error
	name string
}{
	{ErrNotFound, "NotFound"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrAlreadyVoted, "AlreadyVoted"},
	{ErrNotPending, "NotPending"},
	{ErrNotApproved, "NotApproved"},
	{ErrAlreadyExecuted, "AlreadyExecuted"},
	{ErrExpired, "Expired"},
	{ErrNotYetExpired, "NotYetExpired"},
	{ErrInvalidAccessType, "InvalidAccessType"},
	{ErrInvalidPolicyValue, "InvalidPolicyValue"},
	{ErrInvalidArgument, "InvalidArgument"},
	{ErrNoConsent, "NoConsent"},
	{ErrExternal, "External"},
}

// KindOf returns the stable kind name for err, or an empty string when err
// does not belong to the taxonomy
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// KindError returns the sentinel for a kind name produced by KindOf
func KindError(name string) error {
	for _, k := range kinds {
		if k.name == name {
			return k.err
		}
	}
	return nil
}

// Error is a domain validation failure. Err is always one of the sentinel
// errors above so callers can branch with errors.Is.
type Error struct {
	Err        error
	Identity   Identity
	Detail     string
	ProposalID ID
}

func newError(err error, id ID, identity Identity, detail string) *Error {
	return &Error{
		Err:        err,
		ProposalID: id,
		Identity:   identity,
		Detail:     detail,
	}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Err.Error())
	if !e.ProposalID.IsZero() {
		sb.WriteString(": proposal ")
		sb.WriteString(e.ProposalID.String())
	}
	if e.Identity != "" {
		sb.WriteString(": identity ")
		sb.WriteString(string(e.Identity))
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExternalError wraps a failure at the ledger or storage boundary. No state
// was changed when one of these is returned.
type ExternalError struct {
	Err       error
	Op        string
	Retryable bool
}

func NewExternalError(op string, err error, retryable bool) *ExternalError {
	return &ExternalError{Op: op, Err: err, Retryable: retryable}
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

func (e *ExternalError) Is(target error) bool {
	return target == ErrExternal
}

// IsRetryable reports whether err is an external failure that a caller may
// retry. Domain validation failures are never retryable.
func IsRetryable(err error) bool {
	var extErr *ExternalError
	if errors.As(err, &extErr) {
		return extErr.Retryable
	}
	return false
}
