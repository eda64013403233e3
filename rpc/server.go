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
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/blinklabs-io/medgate/event"
	"github.com/blinklabs-io/medgate/ledger"
	"github.com/blinklabs-io/medgate/proposal"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type ServerConfig struct {
	Logger   *slog.Logger
	Manager  *proposal.Manager
	EventBus *event.EventBus
	// Ledger is served as LedgerService when set
	Ledger          ledger.Chain
	Host            string
	TlsCertFilePath string
	TlsKeyFilePath  string
	Port            uint
	ReuseAddress    bool
}

// Server serves AccessService, LedgerService and gRPC health over connect
type Server struct {
	config   ServerConfig
	server   *http.Server
	listener net.Listener
	mu       sync.Mutex
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "rpc")
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
	return &Server{
		config: cfg,
	}
}

// Handler returns the HTTP handler with every service mounted
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	opts := []connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithCompressMinBytes(1024),
		connect.WithInterceptors(&errorInterceptor{logger: s.config.Logger}),
	}
	services := []string{}
	if s.config.Manager != nil {
		access := &accessServiceServer{rpc: s}
		mux.Handle(CreateProposalProcedure, connect.NewUnaryHandler(CreateProposalProcedure, access.CreateProposal, opts...))
		mux.Handle(ApproveProposalProcedure, connect.NewUnaryHandler(ApproveProposalProcedure, access.ApproveProposal, opts...))
		mux.Handle(RejectProposalProcedure, connect.NewUnaryHandler(RejectProposalProcedure, access.RejectProposal, opts...))
		mux.Handle(ExecuteProposalProcedure, connect.NewUnaryHandler(ExecuteProposalProcedure, access.ExecuteProposal, opts...))
		mux.Handle(MarkProposalExpiredProcedure, connect.NewUnaryHandler(MarkProposalExpiredProcedure, access.MarkProposalExpired, opts...))
		mux.Handle(GetProposalProcedure, connect.NewUnaryHandler(GetProposalProcedure, access.GetProposal, opts...))
		mux.Handle(ListApproversProcedure, connect.NewUnaryHandler(ListApproversProcedure, access.ListApprovers, opts...))
		mux.Handle(ListContentRefsProcedure, connect.NewUnaryHandler(ListContentRefsProcedure, access.ListContentRefs, opts...))
		mux.Handle(ListProposalsByStatusProcedure, connect.NewUnaryHandler(ListProposalsByStatusProcedure, access.ListProposalsByStatus, opts...))
		mux.Handle(ListProposalsByProposerProcedure, connect.NewUnaryHandler(ListProposalsByProposerProcedure, access.ListProposalsByProposer, opts...))
		mux.Handle(ListProposalsByApproverProcedure, connect.NewUnaryHandler(ListProposalsByApproverProcedure, access.ListProposalsByApprover, opts...))
		mux.Handle(HasApprovedProcedure, connect.NewUnaryHandler(HasApprovedProcedure, access.HasApproved, opts...))
		mux.Handle(TotalProposalsProcedure, connect.NewUnaryHandler(TotalProposalsProcedure, access.TotalProposals, opts...))
		mux.Handle(GetSignatureRequirementsProcedure, connect.NewUnaryHandler(GetSignatureRequirementsProcedure, access.GetSignatureRequirements, opts...))
		mux.Handle(GetRequiredSignaturesProcedure, connect.NewUnaryHandler(GetRequiredSignaturesProcedure, access.GetRequiredSignatures, opts...))
		mux.Handle(IsExecutedProcedure, connect.NewUnaryHandler(IsExecutedProcedure, access.IsExecuted, opts...))
		mux.Handle(GetApproverInfoProcedure, connect.NewUnaryHandler(GetApproverInfoProcedure, access.GetApproverInfo, opts...))
		mux.Handle(ListAllApproversProcedure, connect.NewUnaryHandler(ListAllApproversProcedure, access.ListAllApprovers, opts...))
		mux.Handle(AddApproverProcedure, connect.NewUnaryHandler(AddApproverProcedure, access.AddApprover, opts...))
		mux.Handle(RemoveApproverProcedure, connect.NewUnaryHandler(RemoveApproverProcedure, access.RemoveApprover, opts...))
		mux.Handle(UpdateSignatureRequirementsProcedure, connect.NewUnaryHandler(UpdateSignatureRequirementsProcedure, access.UpdateSignatureRequirements, opts...))
		mux.Handle(GrantConsentProcedure, connect.NewUnaryHandler(GrantConsentProcedure, access.GrantConsent, opts...))
		mux.Handle(RevokeConsentProcedure, connect.NewUnaryHandler(RevokeConsentProcedure, access.RevokeConsent, opts...))
		mux.Handle(ListConsentsProcedure, connect.NewUnaryHandler(ListConsentsProcedure, access.ListConsents, opts...))
		mux.Handle(CheckConsentProcedure, connect.NewUnaryHandler(CheckConsentProcedure, access.CheckConsent, opts...))
		mux.Handle(WatchExecutionsProcedure, connect.NewServerStreamHandler(WatchExecutionsProcedure, access.WatchExecutions, opts...))
		services = append(services, AccessServiceName)
	}
	if s.config.Ledger != nil {
		ledgerSvc := &ledgerServiceServer{rpc: s}
		mux.Handle(LedgerSubmitProcedure, connect.NewUnaryHandler(LedgerSubmitProcedure, ledgerSvc.Submit, opts...))
		mux.Handle(LedgerEntriesProcedure, connect.NewUnaryHandler(LedgerEntriesProcedure, ledgerSvc.Entries, opts...))
		mux.Handle(LedgerHeadProcedure, connect.NewUnaryHandler(LedgerHeadProcedure, ledgerSvc.Head, opts...))
		services = append(services, LedgerServiceName)
	}
	mux.Handle(
		grpchealth.NewHandler(
			grpchealth.NewStaticChecker(services...),
			connect.WithCompressMinBytes(1024),
		),
	)
	return mux
}

// Start opens the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("rpc server already started")
	}
	listenConfig := net.ListenConfig{}
	if s.config.ReuseAddress {
		listenConfig.Control = socketControl
	}
	addr := net.JoinHostPort(
		s.config.Host,
		strconv.FormatUint(uint64(s.config.Port), 10),
	)
	listener, err := listenConfig.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to open listening socket: %w", err)
	}
	s.listener = listener
	useTls := s.config.TlsCertFilePath != "" && s.config.TlsKeyFilePath != ""
	handler := s.Handler()
	if !useTls {
		// Use h2c so we can serve HTTP/2 without TLS
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
	}
	server := s.server
	if useTls {
		s.config.Logger.Info(
			"starting RPC TLS listener on " + listener.Addr().String(),
		)
	} else {
		s.config.Logger.Info(
			"starting RPC listener on " + listener.Addr().String(),
		)
	}
	go func() {
		var err error
		if useTls {
			err = server.ServeTLS(
				listener,
				s.config.TlsCertFilePath,
				s.config.TlsKeyFilePath,
			)
		} else {
			err = server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Error(
				"RPC server failed",
				"error", err,
			)
		}
	}()
	return nil
}

// Addr returns the bound listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts the server down. Open streams are cancelled when
// ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return errors.Join(err, server.Close())
	}
	return nil
}

// errorInterceptor converts domain errors into connect errors and logs
// failed calls
type errorInterceptor struct {
	logger *slog.Logger
}

func (i *errorInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		res, err := next(ctx, req)
		if err != nil {
			return nil, i.convert(req.Spec().Procedure, err)
		}
		return res, nil
	}
}

func (i *errorInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (i *errorInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		if err := next(ctx, conn); err != nil {
			return i.convert(conn.Spec().Procedure, err)
		}
		return nil
	}
}

func (i *errorInterceptor) convert(procedure string, err error) error {
	ret := toConnectError(err)
	var connectErr *connect.Error
	if errors.As(ret, &connectErr) && connectErr.Code() == connect.CodeInternal {
		i.logger.Error(
			"RPC call failed",
			"procedure", procedure,
			"error", err,
		)
	} else {
		i.logger.Debug(
			"RPC call rejected",
			"procedure", procedure,
			"error", err,
		)
	}
	return ret
}
