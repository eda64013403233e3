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
	"time"

	"github.com/blinklabs-io/medgate/ledger"
	"github.com/blinklabs-io/medgate/proposal"
)

const (
	AccessServiceName = "medgate.v1.AccessService"
	LedgerServiceName = "medgate.v1.LedgerService"
)

// AccessService procedures
const (
	CreateProposalProcedure              = "/" + AccessServiceName + "/CreateProposal"
	ApproveProposalProcedure             = "/" + AccessServiceName + "/ApproveProposal"
	RejectProposalProcedure              = "/" + AccessServiceName + "/RejectProposal"
	ExecuteProposalProcedure             = "/" + AccessServiceName + "/ExecuteProposal"
	MarkProposalExpiredProcedure         = "/" + AccessServiceName + "/MarkProposalExpired"
	GetProposalProcedure                 = "/" + AccessServiceName + "/GetProposal"
	ListApproversProcedure               = "/" + AccessServiceName + "/ListApprovers"
	ListContentRefsProcedure             = "/" + AccessServiceName + "/ListContentRefs"
	ListProposalsByStatusProcedure       = "/" + AccessServiceName + "/ListProposalsByStatus"
	ListProposalsByProposerProcedure     = "/" + AccessServiceName + "/ListProposalsByProposer"
	ListProposalsByApproverProcedure     = "/" + AccessServiceName + "/ListProposalsByApprover"
	HasApprovedProcedure                 = "/" + AccessServiceName + "/HasApproved"
	TotalProposalsProcedure              = "/" + AccessServiceName + "/TotalProposals"
	GetSignatureRequirementsProcedure    = "/" + AccessServiceName + "/GetSignatureRequirements"
	GetRequiredSignaturesProcedure       = "/" + AccessServiceName + "/GetRequiredSignatures"
	IsExecutedProcedure                  = "/" + AccessServiceName + "/IsExecuted"
	GetApproverInfoProcedure             = "/" + AccessServiceName + "/GetApproverInfo"
	ListAllApproversProcedure            = "/" + AccessServiceName + "/ListAllApprovers"
	AddApproverProcedure                 = "/" + AccessServiceName + "/AddApprover"
	RemoveApproverProcedure              = "/" + AccessServiceName + "/RemoveApprover"
	UpdateSignatureRequirementsProcedure = "/" + AccessServiceName + "/UpdateSignatureRequirements"
	GrantConsentProcedure                = "/" + AccessServiceName + "/GrantConsent"
	RevokeConsentProcedure               = "/" + AccessServiceName + "/RevokeConsent"
	ListConsentsProcedure                = "/" + AccessServiceName + "/ListConsents"
	CheckConsentProcedure                = "/" + AccessServiceName + "/CheckConsent"
	WatchExecutionsProcedure             = "/" + AccessServiceName + "/WatchExecutions"
)

// LedgerService procedures
const (
	LedgerSubmitProcedure  = "/" + LedgerServiceName + "/Submit"
	LedgerEntriesProcedure = "/" + LedgerServiceName + "/Entries"
	LedgerHeadProcedure    = "/" + LedgerServiceName + "/Head"
)

// Empty is used for requests without parameters
type Empty struct{}

type CreateProposalRequest struct {
	Patient       string   `json:"patient"`
	DataType      string   `json:"dataType"`
	Reason        string   `json:"reason"`
	AccessType    string   `json:"accessType"`
	ContentHashes []string `json:"contentHashes,omitempty"`
}

type ProposalRequest struct {
	ProposalID string `json:"proposalId"`
}

type RejectProposalRequest struct {
	ProposalID string `json:"proposalId"`
	Reason     string `json:"reason"`
}

type IdentitiesResponse struct {
	Identities []proposal.Identity `json:"identities"`
}

type ContentRefsResponse struct {
	ContentHashes []string `json:"contentHashes"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type IdentityRequest struct {
	Identity string `json:"identity"`
}

type ProposalIDsResponse struct {
	ProposalIDs []proposal.ID `json:"proposalIds"`
}

type HasApprovedRequest struct {
	ProposalID string `json:"proposalId"`
	Approver   string `json:"approver"`
}

type BoolResponse struct {
	Value bool `json:"value"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type AccessTypeRequest struct {
	AccessType string `json:"accessType"`
}

type ApproversResponse struct {
	Approvers []proposal.Approver `json:"approvers"`
}

type AddApproverRequest struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
}

// GrantConsentRequest is made by the patient. A zero ExpiresAt never expires.
type GrantConsentRequest struct {
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	Grantee   string    `json:"grantee"`
	DataType  string    `json:"dataType"`
}

// ConsentRequest names one grant. Patient defaults to the caller.
type ConsentRequest struct {
	Patient  string `json:"patient,omitempty"`
	Grantee  string `json:"grantee"`
	DataType string `json:"dataType"`
}

type ConsentsResponse struct {
	Consents []proposal.Consent `json:"consents"`
}

// WatchExecutionsRequest optionally restricts the stream to one patient
type WatchExecutionsRequest struct {
	Patient string `json:"patient,omitempty"`
}

type EntriesRequest struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit,omitempty"`
}

type EntriesResponse struct {
	Records []ledger.Record `json:"records"`
}
