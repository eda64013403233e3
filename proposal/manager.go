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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/blinklabs-io/medgate/event"
	"github.com/blinklabs-io/medgate/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultProposalTTL = 7 * 24 * time.Hour
	AdministratorRole  = "Administrator"

	tracerName = "github.com/blinklabs-io/medgate/proposal"
)

// ConsentChecker reports whether a patient has granted the grantee access
// to a category of records
type ConsentChecker interface {
	HasConsent(ctx context.Context, patient, grantee Identity, dataType string) (bool, error)
}

// State is everything a Persister restores on startup
type State struct {
	Requirements *Requirements
	Proposals    []Proposal
	Approvers    []Approver
	Consents     []Consent
	// Cursor is the ledger sequence through which every change is persisted.
	// Load replays everything after it.
	Cursor uint64
}

// Persister keeps a queryable copy of confirmed state
type Persister interface {
	SaveProposal(ctx context.Context, p Proposal, conf ledger.Confirmation) error
	SaveApprover(ctx context.Context, a Approver, conf ledger.Confirmation) error
	SaveRequirements(ctx context.Context, req Requirements, conf ledger.Confirmation) error
	SaveConsent(ctx context.Context, c Consent, conf ledger.Confirmation) error
	LoadState(ctx context.Context) (State, error)
}

type ManagerConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	EventBus     *event.EventBus
	// Ledger confirms every change before it is applied. Required.
	Ledger ledger.Submitter
	// Replayer is consulted on Load for changes newer than the persisted cursor
	Replayer  ledger.Replayer
	Persister Persister
	// Consent is consulted on create and execute. When nil and
	// ConsentRequired is set, the manager's own consent book is used.
	Consent         ConsentChecker
	ConsentRequired bool
	Requirements    *Requirements
	Clock           func() time.Time
	Admins          []Identity
	ProposalTTL     time.Duration
	// RejectionQuorum is the number of rejections that end a proposal (default 1)
	RejectionQuorum     int
	AllowApprovedExpiry bool
}

// Receipt reports the outcome of a confirmed state change
type Receipt struct {
	Subject      string              `json:"subject"`
	Confirmation ledger.Confirmation `json:"confirmation"`
	ProposalID   ID                  `json:"proposalId"`
	Status       Status              `json:"status"`
}

// CreateRequest holds the inputs of a new proposal
type CreateRequest struct {
	Proposer      Identity
	Patient       Identity
	DataType      string
	Reason        string
	ContentHashes []string
	AccessType    AccessType
}

// Manager exposes the full operation set over the store, registry and policy
type Manager struct {
	config   ManagerConfig
	store    *Store
	registry *Registry
	policy   *Policy
	consents *ConsentBook
	engine   Engine
	metrics  *managerMetrics
	tracer   trace.Tracer
	adminMu  sync.Mutex
	// consentMu serializes consent changes
	consentMu sync.Mutex
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("proposal manager: no ledger configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "proposal")
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ProposalTTL <= 0 {
		cfg.ProposalTTL = DefaultProposalTTL
	}
	req := DefaultRequirements()
	if cfg.Requirements != nil {
		req = *cfg.Requirements
	}
	policy, err := NewPolicy(req)
	if err != nil {
		return nil, fmt.Errorf("proposal manager: %w", err)
	}
	m := &Manager{
		config:   cfg,
		store:    NewStore(),
		registry: NewRegistry(cfg.Admins...),
		policy:   policy,
		consents: NewConsentBook(),
		engine: Engine{
			RejectionQuorum:     cfg.RejectionQuorum,
			AllowApprovedExpiry: cfg.AllowApprovedExpiry,
		},
		tracer: otel.Tracer(tracerName),
	}
	if cfg.Consent == nil && cfg.ConsentRequired {
		m.config.Consent = m
	}
	if cfg.PromRegistry != nil {
		m.metrics = &managerMetrics{}
		m.metrics.init(cfg.PromRegistry)
	}
	return m, nil
}

func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) Policy() *Policy {
	return m.policy
}

func (m *Manager) now() time.Time {
	return m.config.Clock().UTC()
}

// Load restores persisted state, replays newer ledger records and makes sure
// every administrator is a registered approver
func (m *Manager) Load(ctx context.Context) error {
	var cursor uint64
	if m.config.Persister != nil {
		st, err := m.config.Persister.LoadState(ctx)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		for _, a := range st.Approvers {
			m.registry.Put(a)
		}
		if st.Requirements != nil {
			if err := m.policy.Set(*st.Requirements); err != nil {
				return fmt.Errorf("load requirements: %w", err)
			}
		}
		for _, p := range st.Proposals {
			m.store.insert(p)
		}
		for _, c := range st.Consents {
			m.consents.Put(c)
		}
		cursor = st.Cursor
		m.config.Logger.Info(
			fmt.Sprintf(
				"loaded %d proposal(s) and %d approver(s)",
				len(st.Proposals),
				len(st.Approvers),
			),
			"cursor", cursor,
		)
	}
	if m.config.Replayer != nil {
		records, err := m.config.Replayer.Entries(ctx, cursor, 0)
		if err != nil {
			return fmt.Errorf("replay ledger: %w", err)
		}
		for _, rec := range records {
			if err := m.applyRecord(ctx, rec); err != nil {
				return fmt.Errorf(
					"replay ledger record %d: %w",
					rec.Confirmation.Sequence,
					err,
				)
			}
		}
		if len(records) > 0 {
			m.config.Logger.Info(
				fmt.Sprintf("replayed %d ledger record(s)", len(records)),
			)
		}
	}
	for _, admin := range m.registry.Admins() {
		if _, ok := m.registry.Get(admin); ok {
			continue
		}
		if _, err := m.AddApprover(ctx, admin, admin, AdministratorRole); err != nil {
			return fmt.Errorf("bootstrap administrator %s: %w", admin, err)
		}
	}
	m.refreshGauges()
	return nil
}

func (m *Manager) applyRecord(ctx context.Context, rec ledger.Record) error {
	switch rec.Entry.Action {
	case ledger.ActionCreate, ledger.ActionApprove, ledger.ActionReject,
		ledger.ActionExecute, ledger.ActionExpire:
		var p Proposal
		if err := ledger.Unmarshal(rec.Entry.Payload, &p); err != nil {
			return err
		}
		m.store.insert(p)
		m.persistProposal(ctx, p, rec.Confirmation)
	case ledger.ActionAuthorize, ledger.ActionDeauthorize:
		var a Approver
		if err := ledger.Unmarshal(rec.Entry.Payload, &a); err != nil {
			return err
		}
		m.registry.Put(a)
		m.persistApprover(ctx, a, rec.Confirmation)
	case ledger.ActionSetRequirements:
		var req Requirements
		if err := ledger.Unmarshal(rec.Entry.Payload, &req); err != nil {
			return err
		}
		if err := m.policy.Set(req); err != nil {
			return err
		}
		m.persistRequirements(ctx, req, rec.Confirmation)
	case ledger.ActionGrantConsent, ledger.ActionRevokeConsent:
		var c Consent
		if err := ledger.Unmarshal(rec.Entry.Payload, &c); err != nil {
			return err
		}
		m.consents.Put(c)
		m.persistConsent(ctx, c, rec.Confirmation)
	default:
		m.config.Logger.Warn(
			"skipping unknown ledger action",
			"action", rec.Entry.Action,
			"sequence", rec.Confirmation.Sequence,
		)
	}
	return nil
}

// startSpan opens a tracing span for an operation and returns a finisher
// that records the outcome
func (m *Manager) startSpan(
	ctx context.Context,
	op string,
	attrs ...attribute.KeyValue,
) (context.Context, func(error)) {
	ctx, span := m.tracer.Start(
		ctx,
		"proposal."+op,
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if m.metrics != nil {
				kind := KindOf(err)
				if kind == "" {
					kind = "Internal"
				}
				m.metrics.failures.WithLabelValues(op, kind).Inc()
			}
		}
		span.End()
	}
}

// confirm submits the post-change state to the ledger. Nothing is applied
// unless this succeeds.
func (m *Manager) confirm(
	ctx context.Context,
	action string,
	subject string,
	actor Identity,
	payload any,
	contentHashes []string,
) (ledger.Confirmation, error) {
	data, err := ledger.Marshal(payload)
	if err != nil {
		return ledger.Confirmation{}, fmt.Errorf("encode %s payload: %w", action, err)
	}
	entry := ledger.NewEntry(action, subject, string(actor), data)
	entry.ContentHashes = contentHashes
	conf, err := m.config.Ledger.Submit(ctx, entry)
	if err != nil {
		return ledger.Confirmation{}, NewExternalError(
			"ledger",
			err,
			ledger.Retryable(err),
		)
	}
	return conf, nil
}

// The persisted copy is a view of the ledger. A failed write is logged and
// repaired by replay on the next Load, since a Persister never moves its
// cursor past a sequence it has not saved.
func (m *Manager) persistProposal(ctx context.Context, p Proposal, conf ledger.Confirmation) {
	if m.config.Persister == nil {
		return
	}
	if err := m.config.Persister.SaveProposal(ctx, p, conf); err != nil {
		m.config.Logger.Error(
			"failed to persist proposal",
			"proposal", p.ID.String(),
			"sequence", conf.Sequence,
			"error", err,
		)
	}
}

func (m *Manager) persistApprover(ctx context.Context, a Approver, conf ledger.Confirmation) {
	if m.config.Persister == nil {
		return
	}
	if err := m.config.Persister.SaveApprover(ctx, a, conf); err != nil {
		m.config.Logger.Error(
			"failed to persist approver",
			"identity", string(a.Identity),
			"sequence", conf.Sequence,
			"error", err,
		)
	}
}

func (m *Manager) persistRequirements(ctx context.Context, req Requirements, conf ledger.Confirmation) {
	if m.config.Persister == nil {
		return
	}
	if err := m.config.Persister.SaveRequirements(ctx, req, conf); err != nil {
		m.config.Logger.Error(
			"failed to persist signature requirements",
			"sequence", conf.Sequence,
			"error", err,
		)
	}
}

func (m *Manager) persistConsent(ctx context.Context, c Consent, conf ledger.Confirmation) {
	if m.config.Persister == nil {
		return
	}
	if err := m.config.Persister.SaveConsent(ctx, c, conf); err != nil {
		m.config.Logger.Error(
			"failed to persist consent",
			"patient", string(c.Patient),
			"grantee", string(c.Grantee),
			"sequence", conf.Sequence,
			"error", err,
		)
	}
}

func (m *Manager) publish(eventType event.EventType, data any) {
	if m.config.EventBus == nil {
		return
	}
	m.config.EventBus.PublishAsync(eventType, event.NewEvent(eventType, data))
}

func (m *Manager) refreshGauges() {
	if m.metrics == nil {
		return
	}
	for status, count := range m.store.Index().StatusCounts() {
		m.metrics.proposals.WithLabelValues(status.String()).Set(float64(count))
	}
	authorized := 0
	for _, a := range m.registry.List() {
		if a.Authorized {
			authorized++
		}
	}
	m.metrics.approvers.Set(float64(authorized))
	m.metrics.consents.Set(float64(m.consents.Active(m.now())))
}

func validateCreate(req CreateRequest) error {
	if !req.AccessType.Valid() {
		return &Error{Err: ErrInvalidAccessType, Detail: req.AccessType.String()}
	}
	if req.Proposer == "" {
		return &Error{Err: ErrInvalidArgument, Detail: "proposer required"}
	}
	if req.Patient == "" {
		return &Error{Err: ErrInvalidArgument, Detail: "patient required"}
	}
	if strings.TrimSpace(req.DataType) == "" {
		return &Error{Err: ErrInvalidArgument, Detail: "data type required"}
	}
	if strings.TrimSpace(req.Reason) == "" {
		return &Error{Err: ErrInvalidArgument, Detail: "reason cannot be empty"}
	}
	for i, h := range req.ContentHashes {
		if strings.TrimSpace(h) == "" {
			return &Error{
				Err:    ErrInvalidArgument,
				Detail: fmt.Sprintf("content hash %d is empty", i),
			}
		}
	}
	if req.AccessType.RequiresContent() && len(req.ContentHashes) == 0 {
		return &Error{
			Err: ErrInvalidArgument,
			Detail: fmt.Sprintf(
				"%s access requires at least one content hash",
				req.AccessType,
			),
		}
	}
	return nil
}

func (m *Manager) checkConsent(
	ctx context.Context,
	id ID,
	patient, grantee Identity,
	dataType string,
) error {
	if m.config.Consent == nil {
		return nil
	}
	ok, err := m.config.Consent.HasConsent(ctx, patient, grantee, dataType)
	if err != nil {
		return NewExternalError("consent", err, true)
	}
	if !ok {
		return newError(ErrNoConsent, id, patient, "data type "+dataType)
	}
	return nil
}

// CreateProposal opens a new PENDING proposal. The signature requirement is
// fixed at creation and is not affected by later policy changes.
func (m *Manager) CreateProposal(ctx context.Context, req CreateRequest) (ret Receipt, err error) {
	ctx, finish := m.startSpan(
		ctx,
		"CreateProposal",
		attribute.String("proposal.access_type", req.AccessType.String()),
	)
	defer func() { finish(err) }()
	if err := validateCreate(req); err != nil {
		return Receipt{}, err
	}
	if err := m.checkConsent(ctx, ID{}, req.Patient, req.Proposer, req.DataType); err != nil {
		return Receipt{}, err
	}
	required, err := m.policy.RequirementFor(req.AccessType)
	if err != nil {
		return Receipt{}, err
	}
	now := m.now()
	id, seq := m.store.allocate(req.Proposer, req.Patient, req.DataType, now)
	p := Proposal{
		ID:                 id,
		Sequence:           seq,
		Proposer:           req.Proposer,
		Patient:            req.Patient,
		DataType:           req.DataType,
		AccessType:         req.AccessType,
		Reason:             req.Reason,
		ContentHashes:      append([]string{}, req.ContentHashes...),
		Approvals:          []Identity{},
		Rejections:         []Identity{},
		CreatedAt:          now,
		Deadline:           now.Add(m.config.ProposalTTL),
		RequiredSignatures: required,
		Status:             StatusPending,
	}
	conf, err := m.confirm(ctx, ledger.ActionCreate, id.String(), req.Proposer, p, p.ContentHashes)
	if err != nil {
		return Receipt{}, err
	}
	m.persistProposal(ctx, p, conf)
	m.store.insert(p)
	if m.metrics != nil {
		m.metrics.created.WithLabelValues(p.AccessType.String()).Inc()
	}
	m.refreshGauges()
	m.publish(CreatedEventType, CreatedEvent{Proposal: p.Clone(), Confirmation: conf})
	m.config.Logger.Info(
		"proposal created",
		"proposal", id.String(),
		"proposer", string(req.Proposer),
		"access_type", req.AccessType.String(),
		"required_signatures", required,
	)
	return Receipt{
		Subject:      id.String(),
		ProposalID:   id,
		Status:       p.Status,
		Confirmation: conf,
	}, nil
}

type transitionFunc func(ctx context.Context, cur Proposal, now time.Time) (Proposal, error)

// mutate runs one state change on a proposal. The proposal's write lock is
// held from validation until the confirmed state is committed, so two
// changes to the same proposal never interleave.
func (m *Manager) mutate(
	ctx context.Context,
	action string,
	id ID,
	actor Identity,
	fn transitionFunc,
) (Proposal, Proposal, ledger.Confirmation, error) {
	e, ok := m.store.lookup(id)
	if !ok {
		return Proposal{}, Proposal{}, ledger.Confirmation{}, newError(ErrNotFound, id, "", "")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	cur := e.snapshot()
	next, err := fn(ctx, cur, m.now())
	if err != nil {
		return cur, cur, ledger.Confirmation{}, err
	}
	if !m.engine.Legal(cur.Status, next.Status) {
		return cur, cur, ledger.Confirmation{}, fmt.Errorf(
			"illegal transition %s -> %s for proposal %s",
			cur.Status,
			next.Status,
			id,
		)
	}
	var contentHashes []string
	if next.Status == StatusExecuted {
		contentHashes = next.ContentHashes
	}
	conf, err := m.confirm(ctx, action, id.String(), actor, next, contentHashes)
	if err != nil {
		return cur, cur, ledger.Confirmation{}, err
	}
	m.persistProposal(ctx, next, conf)
	m.store.commit(e, next)
	if cur.Status != next.Status {
		if m.metrics != nil {
			m.metrics.transitions.WithLabelValues(
				cur.Status.String(),
				next.Status.String(),
			).Inc()
		}
		m.refreshGauges()
		m.publish(StatusEventType, StatusEvent{
			ProposalID:   id,
			From:         cur.Status,
			To:           next.Status,
			Confirmation: conf,
		})
		m.config.Logger.Info(
			"proposal status changed",
			"proposal", id.String(),
			"from", cur.Status.String(),
			"to", next.Status.String(),
			"actor", string(actor),
		)
	}
	return cur, next, conf, nil
}

func (m *Manager) checkVoter(p Proposal, voter Identity) error {
	if !m.registry.IsAuthorized(voter) {
		return newError(ErrUnauthorized, p.ID, voter, "not an authorized approver")
	}
	if voter == p.Proposer {
		return newError(ErrUnauthorized, p.ID, voter, "proposer cannot vote on own proposal")
	}
	return nil
}

// ApproveProposal records an approval from an authorized approver
func (m *Manager) ApproveProposal(ctx context.Context, id ID, approver Identity) (ret Receipt, err error) {
	ctx, finish := m.startSpan(
		ctx,
		"ApproveProposal",
		attribute.String("proposal.id", id.String()),
	)
	defer func() { finish(err) }()
	_, next, conf, err := m.mutate(
		ctx,
		ledger.ActionApprove,
		id,
		approver,
		func(_ context.Context, cur Proposal, now time.Time) (Proposal, error) {
			if err := m.checkVoter(cur, approver); err != nil {
				return cur, err
			}
			return m.engine.Approve(cur, approver, now)
		},
	)
	if err != nil {
		return Receipt{}, err
	}
	if m.metrics != nil {
		m.metrics.votes.WithLabelValues("approve").Inc()
	}
	m.publish(VoteEventType, VoteEvent{
		ProposalID:   id,
		Approver:     approver,
		Approve:      true,
		Approvals:    len(next.Approvals),
		Rejections:   len(next.Rejections),
		Confirmation: conf,
	})
	return Receipt{Subject: id.String(), ProposalID: id, Status: next.Status, Confirmation: conf}, nil
}

// RejectProposal records a rejection and its reason
func (m *Manager) RejectProposal(
	ctx context.Context,
	id ID,
	approver Identity,
	reason string,
) (ret Receipt, err error) {
	ctx, finish := m.startSpan(
		ctx,
		"RejectProposal",
		attribute.String("proposal.id", id.String()),
	)
	defer func() { finish(err) }()
	reason = strings.TrimSpace(reason)
	_, next, conf, err := m.mutate(
		ctx,
		ledger.ActionReject,
		id,
		approver,
		func(_ context.Context, cur Proposal, now time.Time) (Proposal, error) {
			if err := m.checkVoter(cur, approver); err != nil {
				return cur, err
			}
			return m.engine.Reject(cur, approver, reason, now)
		},
	)
	if err != nil {
		return Receipt{}, err
	}
	if m.metrics != nil {
		m.metrics.votes.WithLabelValues("reject").Inc()
	}
	m.publish(VoteEventType, VoteEvent{
		ProposalID:   id,
		Approver:     approver,
		Reason:       reason,
		Approvals:    len(next.Approvals),
		Rejections:   len(next.Rejections),
		Confirmation: conf,
	})
	return Receipt{Subject: id.String(), ProposalID: id, Status: next.Status, Confirmation: conf}, nil
}

// ExecuteProposal executes an approved proposal and announces the content to
// apply to the record ledger
func (m *Manager) ExecuteProposal(ctx context.Context, id ID, executor Identity) (ret Receipt, err error) {
	ctx, finish := m.startSpan(
		ctx,
		"ExecuteProposal",
		attribute.String("proposal.id", id.String()),
	)
	defer func() { finish(err) }()
	if executor == "" {
		return Receipt{}, newError(ErrInvalidArgument, id, "", "executor required")
	}
	_, next, conf, err := m.mutate(
		ctx,
		ledger.ActionExecute,
		id,
		executor,
		func(ctx context.Context, cur Proposal, now time.Time) (Proposal, error) {
			next, err := m.engine.Execute(cur, executor, now)
			if err != nil {
				return cur, err
			}
			if err := m.checkConsent(ctx, cur.ID, cur.Patient, cur.Proposer, cur.DataType); err != nil {
				return cur, err
			}
			return next, nil
		},
	)
	if err != nil {
		return Receipt{}, err
	}
	m.publish(ExecutedEventType, ExecutedEvent{
		ProposalID:    id,
		Patient:       next.Patient,
		DataType:      next.DataType,
		AccessType:    next.AccessType,
		ContentHashes: next.ContentHashes,
		Executor:      executor,
		Confirmation:  conf,
	})
	return Receipt{Subject: id.String(), ProposalID: id, Status: next.Status, Confirmation: conf}, nil
}

// MarkProposalExpired moves a proposal past its deadline to EXPIRED. There is
// no background timer: callers drive expiry.
func (m *Manager) MarkProposalExpired(ctx context.Context, id ID, caller Identity) (ret Receipt, err error) {
	ctx, finish := m.startSpan(
		ctx,
		"MarkProposalExpired",
		attribute.String("proposal.id", id.String()),
	)
	defer func() { finish(err) }()
	_, next, conf, err := m.mutate(
		ctx,
		ledger.ActionExpire,
		id,
		caller,
		func(_ context.Context, cur Proposal, now time.Time) (Proposal, error) {
			return m.engine.Expire(cur, now)
		},
	)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Subject: id.String(), ProposalID: id, Status: next.Status, Confirmation: conf}, nil
}

func (m *Manager) requireAdmin(admin Identity) error {
	if !m.registry.IsAdmin(admin) {
		return newError(ErrUnauthorized, ID{}, admin, "administrator capability required")
	}
	return nil
}

func (m *Manager) putApprover(
	ctx context.Context,
	action string,
	admin Identity,
	a Approver,
) (Receipt, error) {
	conf, err := m.confirm(ctx, action, string(a.Identity), admin, a, nil)
	if err != nil {
		return Receipt{}, err
	}
	m.persistApprover(ctx, a, conf)
	m.registry.Put(a)
	m.refreshGauges()
	m.publish(ApproverEventType, ApproverEvent{Approver: a, Confirmation: conf})
	m.config.Logger.Info(
		"approver updated",
		"identity", string(a.Identity),
		"role", a.Role,
		"authorized", a.Authorized,
		"admin", string(admin),
	)
	return Receipt{Subject: string(a.Identity), Confirmation: conf}, nil
}

// AddApprover authorizes identity with a role label, or re-authorizes a
// previously removed approver
func (m *Manager) AddApprover(
	ctx context.Context,
	admin, identity Identity,
	role string,
) (ret Receipt, err error) {
	ctx, finish := m.startSpan(ctx, "AddApprover")
	defer func() { finish(err) }()
	if err := m.requireAdmin(admin); err != nil {
		return Receipt{}, err
	}
	role = strings.TrimSpace(role)
	if identity == "" {
		return Receipt{}, newError(ErrInvalidArgument, ID{}, "", "identity required")
	}
	if role == "" {
		return Receipt{}, newError(ErrInvalidArgument, ID{}, identity, "role required")
	}
	m.adminMu.Lock()
	defer m.adminMu.Unlock()
	return m.putApprover(ctx, ledger.ActionAuthorize, admin, Approver{
		Identity:   identity,
		Role:       role,
		Authorized: true,
		UpdatedAt:  m.now(),
	})
}

// RemoveApprover deauthorizes identity. The registry entry and its role are kept.
func (m *Manager) RemoveApprover(ctx context.Context, admin, identity Identity) (ret Receipt, err error) {
	ctx, finish := m.startSpan(ctx, "RemoveApprover")
	defer func() { finish(err) }()
	if err := m.requireAdmin(admin); err != nil {
		return Receipt{}, err
	}
	m.adminMu.Lock()
	defer m.adminMu.Unlock()
	a, ok := m.registry.Get(identity)
	if !ok {
		return Receipt{}, newError(ErrNotFound, ID{}, identity, "unknown approver")
	}
	a.Authorized = false
	a.UpdatedAt = m.now()
	return m.putApprover(ctx, ledger.ActionDeauthorize, admin, a)
}

// UpdateSignatureRequirements replaces the policy table. Existing proposals
// keep their signature snapshot.
func (m *Manager) UpdateSignatureRequirements(
	ctx context.Context,
	admin Identity,
	req Requirements,
) (ret Receipt, err error) {
	ctx, finish := m.startSpan(ctx, "UpdateSignatureRequirements")
	defer func() { finish(err) }()
	if err := m.requireAdmin(admin); err != nil {
		return Receipt{}, err
	}
	if err := req.Validate(); err != nil {
		return Receipt{}, err
	}
	m.adminMu.Lock()
	defer m.adminMu.Unlock()
	conf, err := m.confirm(ctx, ledger.ActionSetRequirements, "requirements", admin, req, nil)
	if err != nil {
		return Receipt{}, err
	}
	m.persistRequirements(ctx, req, conf)
	if err := m.policy.Set(req); err != nil {
		return Receipt{}, err
	}
	m.publish(PolicyEventType, PolicyEvent{Requirements: req, Confirmation: conf})
	m.config.Logger.Info(
		"signature requirements updated",
		"standard", req.Standard,
		"emergency", req.Emergency,
		"research", req.Research,
		"legal", req.Legal,
		"insurance", req.Insurance,
		"admin", string(admin),
	)
	return Receipt{Subject: "requirements", Confirmation: conf}, nil
}

// GetProposal returns a consistent copy of a proposal
func (m *Manager) GetProposal(id ID) (Proposal, error) {
	p, ok := m.store.Get(id)
	if !ok {
		return Proposal{}, newError(ErrNotFound, id, "", "")
	}
	return p, nil
}

// ListApprovers returns the identities that approved a proposal
func (m *Manager) ListApprovers(id ID) ([]Identity, error) {
	p, err := m.GetProposal(id)
	if err != nil {
		return nil, err
	}
	return p.Approvals, nil
}

// ListContentRefs returns the content hashes referenced by a proposal
func (m *Manager) ListContentRefs(id ID) ([]string, error) {
	p, err := m.GetProposal(id)
	if err != nil {
		return nil, err
	}
	return p.ContentHashes, nil
}

func (m *Manager) ListProposalsByStatus(status Status) ([]ID, error) {
	if !status.Valid() {
		return nil, &Error{Err: ErrInvalidArgument, Detail: "unknown status: " + status.String()}
	}
	return m.store.Index().ByStatus(status), nil
}

func (m *Manager) ListProposalsByProposer(proposer Identity) []ID {
	return m.store.Index().ByProposer(proposer)
}

// ListProposalsByApprover returns every proposal the identity ever approved
func (m *Manager) ListProposalsByApprover(approver Identity) []ID {
	return m.store.Index().ByApprover(approver)
}

func (m *Manager) HasApproved(id ID, approver Identity) (bool, error) {
	p, err := m.GetProposal(id)
	if err != nil {
		return false, err
	}
	return p.HasApproved(approver), nil
}

func (m *Manager) TotalProposals() int {
	return m.store.Len()
}

func (m *Manager) GetSignatureRequirements() Requirements {
	return m.policy.Requirements()
}

func (m *Manager) RequiredSignatures(accessType AccessType) (int, error) {
	return m.policy.RequirementFor(accessType)
}

func (m *Manager) IsExecuted(id ID) (bool, error) {
	p, err := m.GetProposal(id)
	if err != nil {
		return false, err
	}
	return p.Executed, nil
}

// GetApproverInfo reports the registry entry for identity. Unknown
// identities are reported as unauthorized with an empty role.
func (m *Manager) GetApproverInfo(identity Identity) Approver {
	if a, ok := m.registry.Get(identity); ok {
		return a
	}
	return Approver{Identity: identity}
}

func (m *Manager) ListAllApprovers() []Approver {
	return m.registry.List()
}

func (m *Manager) putConsent(ctx context.Context, action string, c Consent) (Receipt, error) {
	subject := string(c.Patient) + "/" + string(c.Grantee) + "/" + c.DataType
	conf, err := m.confirm(ctx, action, subject, c.Patient, c, nil)
	if err != nil {
		return Receipt{}, err
	}
	m.persistConsent(ctx, c, conf)
	m.consents.Put(c)
	m.refreshGauges()
	m.publish(ConsentEventType, ConsentEvent{Consent: c, Confirmation: conf})
	m.config.Logger.Info(
		"consent updated",
		"patient", string(c.Patient),
		"grantee", string(c.Grantee),
		"data_type", c.DataType,
		"active", c.Active,
	)
	return Receipt{Subject: subject, Confirmation: conf}, nil
}

// GrantConsent records that patient allows grantee to request dataType
// records until expiresAt. A zero expiresAt never expires. Granting again
// replaces the previous grant.
func (m *Manager) GrantConsent(
	ctx context.Context,
	patient, grantee Identity,
	dataType string,
	expiresAt time.Time,
) (ret Receipt, err error) {
	ctx, finish := m.startSpan(ctx, "GrantConsent")
	defer func() { finish(err) }()
	dataType = strings.TrimSpace(dataType)
	switch {
	case patient == "":
		return Receipt{}, newError(ErrInvalidArgument, ID{}, "", "patient required")
	case grantee == "":
		return Receipt{}, newError(ErrInvalidArgument, ID{}, patient, "grantee required")
	case grantee == patient:
		return Receipt{}, newError(ErrInvalidArgument, ID{}, patient, "cannot grant consent to yourself")
	case dataType == "":
		return Receipt{}, newError(ErrInvalidArgument, ID{}, patient, "data type required")
	}
	now := m.now()
	if !expiresAt.IsZero() && !expiresAt.After(now) {
		return Receipt{}, newError(ErrInvalidArgument, ID{}, patient, "expiry must be in the future")
	}
	m.consentMu.Lock()
	defer m.consentMu.Unlock()
	return m.putConsent(ctx, ledger.ActionGrantConsent, Consent{
		GrantedAt: now,
		ExpiresAt: expiresAt,
		UpdatedAt: now,
		Patient:   patient,
		Grantee:   grantee,
		DataType:  dataType,
		Active:    true,
	})
}

// RevokeConsent withdraws an active grant. The revoked grant is kept.
func (m *Manager) RevokeConsent(
	ctx context.Context,
	patient, grantee Identity,
	dataType string,
) (ret Receipt, err error) {
	ctx, finish := m.startSpan(ctx, "RevokeConsent")
	defer func() { finish(err) }()
	dataType = strings.TrimSpace(dataType)
	m.consentMu.Lock()
	defer m.consentMu.Unlock()
	c, ok := m.consents.Get(patient, grantee, dataType)
	if !ok || !c.Active {
		return Receipt{}, newError(ErrNotFound, ID{}, patient, "no active consent found")
	}
	c.Active = false
	c.UpdatedAt = m.now()
	return m.putConsent(ctx, ledger.ActionRevokeConsent, c)
}

// ListConsents returns every grant made by patient, revoked ones included
func (m *Manager) ListConsents(patient Identity) []Consent {
	return m.consents.ByPatient(patient)
}

// HasConsent reports whether patient currently allows grantee to request
// dataType records. It makes the manager usable as its own ConsentChecker.
func (m *Manager) HasConsent(_ context.Context, patient, grantee Identity, dataType string) (bool, error) {
	return m.consents.Check(patient, grantee, dataType, m.now()), nil
}
