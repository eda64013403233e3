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
	"crypto/tls"
	"net"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/blinklabs-io/medgate/proposal"
	"golang.org/x/net/http2"
)

type ClientConfig struct {
	// HTTPClient defaults to an h2c capable client
	HTTPClient connect.HTTPClient
	BaseURL    string
	// Identity is sent as the caller of state-changing calls
	Identity string
}

// Client calls AccessService. Errors come back as the same sentinels the
// proposal package uses, so errors.Is works on both sides.
type Client struct {
	httpClient connect.HTTPClient
	baseURL    string
	identity   string
	opts       []connect.ClientOption
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewH2CClient()
	}
	return &Client{
		httpClient: cfg.HTTPClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		identity:   cfg.Identity,
		opts: []connect.ClientOption{
			connect.WithCodec(jsonCodec{}),
		},
	}
}

// NewH2CClient returns an HTTP client that speaks HTTP/2 without TLS
func NewH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

// As returns a copy of the client that calls as identity
func (c *Client) As(identity string) *Client {
	ret := *c
	ret.identity = identity
	return &ret
}

func callUnary[Req, Res any](
	ctx context.Context,
	c *Client,
	procedure string,
	msg *Req,
) (*Res, error) {
	client := connect.NewClient[Req, Res](c.httpClient, c.baseURL+procedure, c.opts...)
	req := connect.NewRequest(msg)
	if c.identity != "" {
		req.Header().Set(IdentityHeader, c.identity)
	}
	res, err := client.CallUnary(ctx, req)
	if err != nil {
		return nil, fromConnectError(err)
	}
	return res.Msg, nil
}

func receipt[Req any](ctx context.Context, c *Client, procedure string, msg *Req) (proposal.Receipt, error) {
	res, err := callUnary[Req, proposal.Receipt](ctx, c, procedure, msg)
	if err != nil {
		return proposal.Receipt{}, err
	}
	return *res, nil
}

func (c *Client) CreateProposal(ctx context.Context, req CreateProposalRequest) (proposal.Receipt, error) {
	return receipt(ctx, c, CreateProposalProcedure, &req)
}

func (c *Client) ApproveProposal(ctx context.Context, proposalId string) (proposal.Receipt, error) {
	return receipt(ctx, c, ApproveProposalProcedure, &ProposalRequest{ProposalID: proposalId})
}

func (c *Client) RejectProposal(ctx context.Context, proposalId, reason string) (proposal.Receipt, error) {
	return receipt(ctx, c, RejectProposalProcedure, &RejectProposalRequest{ProposalID: proposalId, Reason: reason})
}

func (c *Client) ExecuteProposal(ctx context.Context, proposalId string) (proposal.Receipt, error) {
	return receipt(ctx, c, ExecuteProposalProcedure, &ProposalRequest{ProposalID: proposalId})
}

func (c *Client) MarkProposalExpired(ctx context.Context, proposalId string) (proposal.Receipt, error) {
	return receipt(ctx, c, MarkProposalExpiredProcedure, &ProposalRequest{ProposalID: proposalId})
}

func (c *Client) AddApprover(ctx context.Context, identity, role string) (proposal.Receipt, error) {
	return receipt(ctx, c, AddApproverProcedure, &AddApproverRequest{Identity: identity, Role: role})
}

func (c *Client) RemoveApprover(ctx context.Context, identity string) (proposal.Receipt, error) {
	return receipt(ctx, c, RemoveApproverProcedure, &IdentityRequest{Identity: identity})
}

func (c *Client) UpdateSignatureRequirements(ctx context.Context, req proposal.Requirements) (proposal.Receipt, error) {
	return receipt(ctx, c, UpdateSignatureRequirementsProcedure, &req)
}

func (c *Client) GetProposal(ctx context.Context, proposalId string) (proposal.Proposal, error) {
	res, err := callUnary[ProposalRequest, proposal.Proposal](ctx, c, GetProposalProcedure, &ProposalRequest{ProposalID: proposalId})
	if err != nil {
		return proposal.Proposal{}, err
	}
	return *res, nil
}

func (c *Client) ListApprovers(ctx context.Context, proposalId string) ([]proposal.Identity, error) {
	res, err := callUnary[ProposalRequest, IdentitiesResponse](ctx, c, ListApproversProcedure, &ProposalRequest{ProposalID: proposalId})
	if err != nil {
		return nil, err
	}
	return res.Identities, nil
}

func (c *Client) ListContentRefs(ctx context.Context, proposalId string) ([]string, error) {
	res, err := callUnary[ProposalRequest, ContentRefsResponse](ctx, c, ListContentRefsProcedure, &ProposalRequest{ProposalID: proposalId})
	if err != nil {
		return nil, err
	}
	return res.ContentHashes, nil
}

func (c *Client) ListProposalsByStatus(ctx context.Context, status string) ([]proposal.ID, error) {
	res, err := callUnary[StatusRequest, ProposalIDsResponse](ctx, c, ListProposalsByStatusProcedure, &StatusRequest{Status: status})
	if err != nil {
		return nil, err
	}
	return res.ProposalIDs, nil
}

func (c *Client) ListProposalsByProposer(ctx context.Context, proposer string) ([]proposal.ID, error) {
	res, err := callUnary[IdentityRequest, ProposalIDsResponse](ctx, c, ListProposalsByProposerProcedure, &IdentityRequest{Identity: proposer})
	if err != nil {
		return nil, err
	}
	return res.ProposalIDs, nil
}

func (c *Client) ListProposalsByApprover(ctx context.Context, approver string) ([]proposal.ID, error) {
	res, err := callUnary[IdentityRequest, ProposalIDsResponse](ctx, c, ListProposalsByApproverProcedure, &IdentityRequest{Identity: approver})
	if err != nil {
		return nil, err
	}
	return res.ProposalIDs, nil
}

func (c *Client) HasApproved(ctx context.Context, proposalId, approver string) (bool, error) {
	res, err := callUnary[HasApprovedRequest, BoolResponse](ctx, c, HasApprovedProcedure, &HasApprovedRequest{ProposalID: proposalId, Approver: approver})
	if err != nil {
		return false, err
	}
	return res.Value, nil
}

func (c *Client) TotalProposals(ctx context.Context) (int, error) {
	res, err := callUnary[Empty, CountResponse](ctx, c, TotalProposalsProcedure, &Empty{})
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (c *Client) GetSignatureRequirements(ctx context.Context) (proposal.Requirements, error) {
	res, err := callUnary[Empty, proposal.Requirements](ctx, c, GetSignatureRequirementsProcedure, &Empty{})
	if err != nil {
		return proposal.Requirements{}, err
	}
	return *res, nil
}

func (c *Client) GetRequiredSignatures(ctx context.Context, accessType string) (int, error) {
	res, err := callUnary[AccessTypeRequest, CountResponse](ctx, c, GetRequiredSignaturesProcedure, &AccessTypeRequest{AccessType: accessType})
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (c *Client) IsExecuted(ctx context.Context, proposalId string) (bool, error) {
	res, err := callUnary[ProposalRequest, BoolResponse](ctx, c, IsExecutedProcedure, &ProposalRequest{ProposalID: proposalId})
	if err != nil {
		return false, err
	}
	return res.Value, nil
}

func (c *Client) GetApproverInfo(ctx context.Context, identity string) (proposal.Approver, error) {
	res, err := callUnary[IdentityRequest, proposal.Approver](ctx, c, GetApproverInfoProcedure, &IdentityRequest{Identity: identity})
	if err != nil {
		return proposal.Approver{}, err
	}
	return *res, nil
}

func (c *Client) ListAllApprovers(ctx context.Context) ([]proposal.Approver, error) {
	res, err := callUnary[Empty, ApproversResponse](ctx, c, ListAllApproversProcedure, &Empty{})
	if err != nil {
		return nil, err
	}
	return res.Approvers, nil
}

// GrantConsent grants consent as the calling patient
func (c *Client) GrantConsent(ctx context.Context, req GrantConsentRequest) (proposal.Receipt, error) {
	return receipt(ctx, c, GrantConsentProcedure, &req)
}

// RevokeConsent revokes a grant made by the calling patient
func (c *Client) RevokeConsent(ctx context.Context, grantee, dataType string) (proposal.Receipt, error) {
	return receipt(ctx, c, RevokeConsentProcedure, &ConsentRequest{Grantee: grantee, DataType: dataType})
}

// ListConsents lists the grants of patient, or of the caller when patient is empty
func (c *Client) ListConsents(ctx context.Context, patient string) ([]proposal.Consent, error) {
	res, err := callUnary[IdentityRequest, ConsentsResponse](ctx, c, ListConsentsProcedure, &IdentityRequest{Identity: patient})
	if err != nil {
		return nil, err
	}
	return res.Consents, nil
}

func (c *Client) CheckConsent(ctx context.Context, req ConsentRequest) (bool, error) {
	res, err := callUnary[ConsentRequest, BoolResponse](ctx, c, CheckConsentProcedure, &req)
	if err != nil {
		return false, err
	}
	return res.Value, nil
}

// ExecutionStream receives executed proposals from WatchExecutions
type ExecutionStream struct {
	stream *connect.ServerStreamForClient[proposal.ExecutedEvent]
}

// Receive blocks until the next event arrives. It returns false when the
// stream ends; Err reports why.
func (s *ExecutionStream) Receive() bool {
	return s.stream.Receive()
}

func (s *ExecutionStream) Msg() proposal.ExecutedEvent {
	return *s.stream.Msg()
}

func (s *ExecutionStream) Err() error {
	return fromConnectError(s.stream.Err())
}

func (s *ExecutionStream) Close() error {
	return s.stream.Close()
}

// WatchExecutions opens a stream of execution events. An empty patient
// watches every patient.
func (c *Client) WatchExecutions(ctx context.Context, patient string) (*ExecutionStream, error) {
	client := connect.NewClient[WatchExecutionsRequest, proposal.ExecutedEvent](
		c.httpClient,
		c.baseURL+WatchExecutionsProcedure,
		c.opts...,
	)
	req := connect.NewRequest(&WatchExecutionsRequest{Patient: patient})
	if c.identity != "" {
		req.Header().Set(IdentityHeader, c.identity)
	}
	stream, err := client.CallServerStream(ctx, req)
	if err != nil {
		return nil, fromConnectError(err)
	}
	return &ExecutionStream{stream: stream}, nil
}
