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
	"net/http"
	"strconv"

	"connectrpc.com/connect"
	"github.com/blinklabs-io/medgate/proposal"
)

// accessServiceServer exposes the proposal manager
type accessServiceServer struct {
	rpc *Server
}

func (s *accessServiceServer) manager() *proposal.Manager {
	return s.rpc.config.Manager
}

// callerIdentity returns the canonical identity from the request header.
// The header is taken as asserted. A listener reachable by untrusted
// clients must sit behind a proxy that authenticates the caller and sets
// the header itself.
func callerIdentity(h http.Header) (proposal.Identity, error) {
	raw := h.Get(IdentityHeader)
	if raw == "" {
		return "", &proposal.Error{
			Err:    proposal.ErrUnauthorized,
			Detail: "missing " + IdentityHeader + " header",
		}
	}
	return proposal.CanonicalIdentity(raw)
}

func receiptResponse(r proposal.Receipt) *connect.Response[proposal.Receipt] {
	res := connect.NewResponse(&r)
	res.Header().Set(ConfirmationHeader, r.Confirmation.Ref)
	res.Header().Set(
		"Medgate-Sequence",
		strconv.FormatUint(r.Confirmation.Sequence, 10),
	)
	return res
}

func (s *accessServiceServer) CreateProposal(
	ctx context.Context,
	req *connect.Request[CreateProposalRequest],
) (*connect.Response[proposal.Receipt], error) {
	proposer, err := callerIdentity(req.Header())
	if err != nil {
		return nil, err
	}
	patient, err := proposal.CanonicalIdentity(req.Msg.Patient)
	if err != nil {
		return nil, err
	}
	accessType, err := proposal.ParseAccessType(req.Msg.AccessType)
	if err != nil {
		return nil, err
	}
	r, err := s.manager().CreateProposal(ctx, proposal.CreateRequest{
		Proposer:      proposer,
		Patient:       patient,
		DataType:      req.Msg.DataType,
		Reason:        req.Msg.Reason,
		ContentHashes: req.Msg.ContentHashes,
		AccessType:    accessType,
	})
	if err != nil {
		return nil, err
	}
	return receiptResponse(r), nil
}

// voteRequest resolves the caller and proposal shared by the vote procedures
func voteRequest(h http.Header, proposalId string) (proposal.ID, proposal.Identity, error) {
	caller, err := callerIdentity(h)
	if err != nil {
		return proposal.ID{}, "", err
	}
	id, err := proposal.CanonicalID(proposalId)
	if err != nil {
		return proposal.ID{}, "", err
	}
	return id, caller, nil
}

func (s *accessServiceServer) ApproveProposal(
	ctx context.Context,
	req *connect.Request[ProposalRequest],
) (*connect.Response[proposal.Receipt], error) {
	id, caller, err := voteRequest(req.Header(), req.Msg.ProposalID)
	if err != nil {
		return nil, err
	}
	r, err := s.manager().ApproveProposal(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	return receiptResponse(r), nil
}

func (s *accessServiceServer) RejectProposal(
	ctx context.Context,
	req *connect.Request[RejectProposalRequest],
) (*connect.Response[proposal.Receipt], error) {
	id, caller, err := voteRequest(req.Header(), req.Msg.ProposalID)
	if err != nil {
		return nil, err
	}
	r, err := s.manager().RejectProposal(ctx, id, caller, req.Msg.Reason)
	if err != nil {
		return nil, err
	}
	return receiptResponse(r), nil
}

func (s *accessServiceServer) ExecuteProposal(
	ctx context.Context,
	req *connect.Request[ProposalRequest],
) (*connect.Response[proposal.Receipt], error) {
	id, caller, err := voteRequest(req.Header(), req.Msg.ProposalID)
	if err != nil {
		return nil, err
	}
	r, err := s.manager().ExecuteProposal(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	return receiptResponse(r), nil
}

func (s *accessServiceServer) MarkProposalExpired(
	ctx context.Context,
	req *connect.Request[ProposalRequest],
) (*connect.Response[proposal.Receipt], error) {
	id, caller, err := voteRequest(req.Header(), req.Msg.ProposalID)
	if err != nil {
		return nil, err
	}
	r, err := s.manager().MarkProposalExpired(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	return receiptResponse(r), nil
}

func (s *accessServiceServer) GetProposal(
	_ context.Context,
	req *connect.Request[ProposalRequest],
) (*connect.Response[proposal.Proposal], error) {
	id, err := proposal.CanonicalID(req.Msg.ProposalID)
	if err != nil {
		return nil, err
	}
	p, err := s.manager().GetProposal(id)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&p), nil
}

func (s *accessServiceServer) ListApprovers(
	_ context.Context,
	req *connect.Request[ProposalRequest],
) (*connect.Response[IdentitiesResponse], error) {
	id, err := proposal.CanonicalID(req.Msg.ProposalID)
	if err != nil {
		return nil, err
	}
	approvers, err := s.manager().ListApprovers(id)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&IdentitiesResponse{Identities: approvers}), nil
}

func (s *accessServiceServer) ListContentRefs(
	_ context.Context,
	req *connect.Request[ProposalRequest],
) (*connect.Response[ContentRefsResponse], error) {
	id, err := proposal.CanonicalID(req.Msg.ProposalID)
	if err != nil {
		return nil, err
	}
	refs, err := s.manager().ListContentRefs(id)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ContentRefsResponse{ContentHashes: refs}), nil
}

func (s *accessServiceServer) ListProposalsByStatus(
	_ context.Context,
	req *connect.Request[StatusRequest],
) (*connect.Response[ProposalIDsResponse], error) {
	status, err := proposal.ParseStatus(req.Msg.Status)
	if err != nil {
		return nil, err
	}
	ids, err := s.manager().ListProposalsByStatus(status)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ProposalIDsResponse{ProposalIDs: ids}), nil
}

func (s *accessServiceServer) ListProposalsByProposer(
	_ context.Context,
	req *connect.Request[IdentityRequest],
) (*connect.Response[ProposalIDsResponse], error) {
	identity, err := proposal.CanonicalIdentity(req.Msg.Identity)
	if err != nil {
		return nil, err
	}
	ids := s.manager().ListProposalsByProposer(identity)
	return connect.NewResponse(&ProposalIDsResponse{ProposalIDs: ids}), nil
}

func (s *accessServiceServer) ListProposalsByApprover(
	_ context.Context,
	req *connect.Request[IdentityRequest],
) (*connect.Response[ProposalIDsResponse], error) {
	identity, err := proposal.CanonicalIdentity(req.Msg.Identity)
	if err != nil {
		return nil, err
	}
	ids := s.manager().ListProposalsByApprover(identity)
	return connect.NewResponse(&ProposalIDsResponse{ProposalIDs: ids}), nil
}

func (s *accessServiceServer) HasApproved(
	_ context.Context,
	req *connect.Request[HasApprovedRequest],
) (*connect.Response[BoolResponse], error) {
	id, err := proposal.CanonicalID(req.Msg.ProposalID)
	if err != nil {
		return nil, err
	}
	approver, err := proposal.CanonicalIdentity(req.Msg.Approver)
	if err != nil {
		return nil, err
	}
	ok, err := s.manager().HasApproved(id, approver)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&BoolResponse{Value: ok}), nil
}

func (s *accessServiceServer) TotalProposals(
	_ context.Context,
	_ *connect.Request[Empty],
) (*connect.Response[CountResponse], error) {
	return connect.NewResponse(&CountResponse{Count: s.manager().TotalProposals()}), nil
}

func (s *accessServiceServer) GetSignatureRequirements(
	_ context.Context,
	_ *connect.Request[Empty],
) (*connect.Response[proposal.Requirements], error) {
	req := s.manager().GetSignatureRequirements()
	return connect.NewResponse(&req), nil
}

func (s *accessServiceServer) GetRequiredSignatures(
	_ context.Context,
	req *connect.Request[AccessTypeRequest],
) (*connect.Response[CountResponse], error) {
	accessType, err := proposal.ParseAccessType(req.Msg.AccessType)
	if err != nil {
		return nil, err
	}
	n, err := s.manager().RequiredSignatures(accessType)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&CountResponse{Count: n}), nil
}

func (s *accessServiceServer) IsExecuted(
	_ context.Context,
	req *connect.Request[ProposalRequest],
) (*connect.Response[BoolResponse], error) {
	id, err := proposal.CanonicalID(req.Msg.ProposalID)
	if err != nil {
		return nil, err
	}
	ok, err := s.manager().IsExecuted(id)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&BoolResponse{Value: ok}), nil
}

func (s *accessServiceServer) GetApproverInfo(
	_ context.Context,
	req *connect.Request[IdentityRequest],
) (*connect.Response[proposal.Approver], error) {
	identity, err := proposal.CanonicalIdentity(req.Msg.Identity)
	if err != nil {
		return nil, err
	}
	a := s.manager().GetApproverInfo(identity)
	return connect.NewResponse(&a), nil
}

func (s *accessServiceServer) ListAllApprovers(
	_ context.Context,
	_ *connect.Request[Empty],
) (*connect.Response[ApproversResponse], error) {
	return connect.NewResponse(
		&ApproversResponse{Approvers: s.manager().ListAllApprovers()},
	), nil
}

func (s *accessServiceServer) AddApprover(
	ctx context.Context,
	req *connect.Request[AddApproverRequest],
) (*connect.Response[proposal.Receipt], error) {
	admin, err := callerIdentity(req.Header())
	if err != nil {
		return nil, err
	}
	identity, err := proposal.CanonicalIdentity(req.Msg.Identity)
	if err != nil {
		return nil, err
	}
	r, err := s.manager().AddApprover(ctx, admin, identity, req.Msg.Role)
	if err != nil {
		return nil, err
	}
	return receiptResponse(r), nil
}

func (s *accessServiceServer) RemoveApprover(
	ctx context.Context,
	req *connect.Request[IdentityRequest],
) (*connect.Response[proposal.Receipt], error) {
	admin, err := callerIdentity(req.Header())
	if err != nil {
		return nil, err
	}
	identity, err := proposal.CanonicalIdentity(req.Msg.Identity)
	if err != nil {
		return nil, err
	}
	r, err := s.manager().RemoveApprover(ctx, admin, identity)
	if err != nil {
		return nil, err
	}
	return receiptResponse(r), nil
}

func (s *accessServiceServer) UpdateSignatureRequirements(
	ctx context.Context,
	req *connect.Request[proposal.Requirements],
) (*connect.Response[proposal.Receipt], error) {
	admin, err := callerIdentity(req.Header())
	if err != nil {
		return nil, err
	}
	r, err := s.manager().UpdateSignatureRequirements(ctx, admin, *req.Msg)
	if err != nil {
		return nil, err
	}
	return receiptResponse(r), nil
}

// consentPatient resolves the patient a consent query is about, defaulting
// to the caller
func consentPatient(h http.Header, patient string) (proposal.Identity, error) {
	if patient == "" {
		return callerIdentity(h)
	}
	return proposal.CanonicalIdentity(patient)
}

func (s *accessServiceServer) GrantConsent(
	ctx context.Context,
	req *connect.Request[GrantConsentRequest],
) (*connect.Response[proposal.Receipt], error) {
	patient, err := callerIdentity(req.Header())
	if err != nil {
		return nil, err
	}
	grantee, err := proposal.CanonicalIdentity(req.Msg.Grantee)
	if err != nil {
		return nil, err
	}
	r, err := s.manager().GrantConsent(ctx, patient, grantee, req.Msg.DataType, req.Msg.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return receiptResponse(r), nil
}

func (s *accessServiceServer) RevokeConsent(
	ctx context.Context,
	req *connect.Request[ConsentRequest],
) (*connect.Response[proposal.Receipt], error) {
	patient, err := callerIdentity(req.Header())
	if err != nil {
		return nil, err
	}
	if req.Msg.Patient != "" {
		other, err := proposal.CanonicalIdentity(req.Msg.Patient)
		if err != nil {
			return nil, err
		}
		if other != patient {
			return nil, &proposal.Error{
				Err:      proposal.ErrUnauthorized,
				Identity: patient,
				Detail:   "only the patient can revoke consent",
			}
		}
	}
	grantee, err := proposal.CanonicalIdentity(req.Msg.Grantee)
	if err != nil {
		return nil, err
	}
	r, err := s.manager().RevokeConsent(ctx, patient, grantee, req.Msg.DataType)
	if err != nil {
		return nil, err
	}
	return receiptResponse(r), nil
}

func (s *accessServiceServer) ListConsents(
	_ context.Context,
	req *connect.Request[IdentityRequest],
) (*connect.Response[ConsentsResponse], error) {
	patient, err := consentPatient(req.Header(), req.Msg.Identity)
	if err != nil {
		return nil, err
	}
	consents := s.manager().ListConsents(patient)
	if consents == nil {
		consents = []proposal.Consent{}
	}
	return connect.NewResponse(&ConsentsResponse{Consents: consents}), nil
}

func (s *accessServiceServer) CheckConsent(
	ctx context.Context,
	req *connect.Request[ConsentRequest],
) (*connect.Response[BoolResponse], error) {
	patient, err := consentPatient(req.Header(), req.Msg.Patient)
	if err != nil {
		return nil, err
	}
	grantee, err := proposal.CanonicalIdentity(req.Msg.Grantee)
	if err != nil {
		return nil, err
	}
	ok, err := s.manager().HasConsent(ctx, patient, grantee, req.Msg.DataType)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&BoolResponse{Value: ok}), nil
}
