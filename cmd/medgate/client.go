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

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/blinklabs-io/medgate/internal/config"
	"github.com/blinklabs-io/medgate/proposal"
	"github.com/blinklabs-io/medgate/rpc"
	"github.com/spf13/cobra"
)

var clientFlags = struct {
	url      string
	identity string
}{}

func newClient(cmd *cobra.Command) *rpc.Client {
	url := clientFlags.url
	if url == "" {
		cfg := config.FromContext(cmd.Context())
		host := "127.0.0.1"
		var port uint = 9090
		if cfg != nil {
			if cfg.BindAddr != "" && cfg.BindAddr != "0.0.0.0" {
				host = cfg.BindAddr
			}
			port = cfg.RpcPort
		}
		url = fmt.Sprintf("http://%s:%d", host, port)
	}
	httpClient := http.DefaultClient
	if strings.HasPrefix(url, "http://") {
		httpClient = rpc.NewH2CClient()
	}
	return rpc.NewClient(rpc.ClientConfig{
		HTTPClient: httpClient,
		BaseURL:    url,
		Identity:   clientFlags.identity,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func clientCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "client",
		Short:        "Call a running node",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().
		StringVar(&clientFlags.url, "url", "", "base URL of the node (defaults to the configured RPC port)")
	cmd.PersistentFlags().
		StringVarP(&clientFlags.identity, "identity", "i", "", "identity to call as")
	cmd.AddCommand(
		clientCreateCommand(),
		clientReceiptCommand("approve", "Approve a proposal", func(cmd *cobra.Command, c *rpc.Client, id string) (proposal.Receipt, error) {
			return c.ApproveProposal(cmd.Context(), id)
		}),
		clientRejectCommand(),
		clientReceiptCommand("execute", "Execute an approved proposal", func(cmd *cobra.Command, c *rpc.Client, id string) (proposal.Receipt, error) {
			return c.ExecuteProposal(cmd.Context(), id)
		}),
		clientReceiptCommand("expire", "Mark a proposal past its deadline as expired", func(cmd *cobra.Command, c *rpc.Client, id string) (proposal.Receipt, error) {
			return c.MarkProposalExpired(cmd.Context(), id)
		}),
		clientGetCommand(),
		clientListCommand(),
		clientApproverCommand(),
		clientRequirementsCommand(),
		clientConsentCommand(),
		clientWatchCommand(),
	)
	return cmd
}

func clientCreateCommand() *cobra.Command {
	var req rpc.CreateProposalRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Propose access to a patient's records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rcpt, err := newClient(cmd).CreateProposal(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(rcpt)
		},
	}
	cmd.Flags().StringVar(&req.Patient, "patient", "", "patient identity")
	cmd.Flags().StringVar(&req.DataType, "data-type", "", "category of data requested")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason for access")
	cmd.Flags().StringVar(&req.AccessType, "access-type", "READ", "access type")
	cmd.Flags().StringSliceVar(&req.ContentHashes, "content", nil, "content reference (repeatable)")
	return cmd
}

func clientReceiptCommand(
	use, short string,
	call func(*cobra.Command, *rpc.Client, string) (proposal.Receipt, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <proposal-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rcpt, err := call(cmd, newClient(cmd), args[0])
			if err != nil {
				return err
			}
			return printJSON(rcpt)
		},
	}
}

func clientRejectCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <proposal-id>",
		Short: "Reject a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rcpt, err := newClient(cmd).RejectProposal(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(rcpt)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the rejection")
	return cmd
}

func clientGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <proposal-id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newClient(cmd).GetProposal(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
}

func clientListCommand() *cobra.Command {
	var status, proposer, approver string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposal IDs by status, proposer or approver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)
			var ids []proposal.ID
			var err error
			switch {
			case status != "":
				ids, err = c.ListProposalsByStatus(cmd.Context(), status)
			case proposer != "":
				ids, err = c.ListProposalsByProposer(cmd.Context(), proposer)
			case approver != "":
				ids, err = c.ListProposalsByApprover(cmd.Context(), approver)
			default:
				var total int
				total, err = c.TotalProposals(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(map[string]int{"total": total})
			}
			if err != nil {
				return err
			}
			return printJSON(ids)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&proposer, "proposer", "", "filter by proposer")
	cmd.Flags().StringVar(&approver, "approver", "", "filter by approver")
	cmd.MarkFlagsMutuallyExclusive("status", "proposer", "approver")
	return cmd
}

func clientApproverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approver",
		Short: "Manage approvers",
	}
	var role string
	add := &cobra.Command{
		Use:   "add <identity>",
		Short: "Authorize an approver (administrators only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rcpt, err := newClient(cmd).AddApprover(cmd.Context(), args[0], role)
			if err != nil {
				return err
			}
			return printJSON(rcpt)
		},
	}
	add.Flags().StringVar(&role, "role", "", "role of the approver")
	remove := &cobra.Command{
		Use:   "remove <identity>",
		Short: "Deauthorize an approver (administrators only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rcpt, err := newClient(cmd).RemoveApprover(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(rcpt)
		},
	}
	info := &cobra.Command{
		Use:   "info [identity]",
		Short: "Show one approver, or all approvers without an argument",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)
			if len(args) == 0 {
				list, err := c.ListAllApprovers(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(list)
			}
			a, err := c.GetApproverInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(a)
		},
	}
	cmd.AddCommand(add, remove, info)
	return cmd
}

func clientRequirementsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requirements",
		Short: "Show or change signature requirements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := newClient(cmd).GetSignatureRequirements(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(req)
		},
	}
	var req proposal.Requirements
	set := &cobra.Command{
		Use:   "set",
		Short: "Replace the signature requirements (administrators only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req == (proposal.Requirements{}) {
				return errors.New("no requirements given")
			}
			rcpt, err := newClient(cmd).UpdateSignatureRequirements(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(rcpt)
		},
	}
	set.Flags().IntVar(&req.Standard, "standard", 0, "signatures for READ, WRITE, UPDATE and DELETE")
	set.Flags().IntVar(&req.Emergency, "emergency", 0, "signatures for EMERGENCY")
	set.Flags().IntVar(&req.Research, "research", 0, "signatures for RESEARCH")
	set.Flags().IntVar(&req.Legal, "legal", 0, "signatures for LEGAL")
	set.Flags().IntVar(&req.Insurance, "insurance", 0, "signatures for INSURANCE")
	for _, name := range []string{"standard", "emergency", "research", "legal", "insurance"} {
		_ = set.MarkFlagRequired(name)
	}
	cmd.AddCommand(set)
	return cmd
}

func clientConsentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Manage patient consent grants",
	}
	var ttl time.Duration
	grant := &cobra.Command{
		Use:   "grant <grantee> <data-type>",
		Short: "Allow grantee to request a type of your records",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := rpc.GrantConsentRequest{Grantee: args[0], DataType: args[1]}
			if ttl > 0 {
				req.ExpiresAt = time.Now().Add(ttl)
			}
			rcpt, err := newClient(cmd).GrantConsent(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(rcpt)
		},
	}
	grant.Flags().DurationVar(&ttl, "ttl", 0, "how long the grant lasts (0 never expires)")
	revoke := &cobra.Command{
		Use:   "revoke <grantee> <data-type>",
		Short: "Withdraw a grant you made",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rcpt, err := newClient(cmd).RevokeConsent(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(rcpt)
		},
	}
	list := &cobra.Command{
		Use:   "list [patient]",
		Short: "List the grants of a patient, or your own without an argument",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patient string
			if len(args) > 0 {
				patient = args[0]
			}
			consents, err := newClient(cmd).ListConsents(cmd.Context(), patient)
			if err != nil {
				return err
			}
			return printJSON(consents)
		},
	}
	check := &cobra.Command{
		Use:   "check <patient> <grantee> <data-type>",
		Short: "Report whether a grant is currently in force",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := newClient(cmd).CheckConsent(cmd.Context(), rpc.ConsentRequest{
				Patient:  args[0],
				Grantee:  args[1],
				DataType: args[2],
			})
			if err != nil {
				return err
			}
			return printJSON(ok)
		},
	}
	cmd.AddCommand(grant, revoke, list, check)
	return cmd
}

func clientWatchCommand() *cobra.Command {
	var patient string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream executed proposals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := newClient(cmd).WatchExecutions(cmd.Context(), patient)
			if err != nil {
				return err
			}
			defer stream.Close()
			for stream.Receive() {
				if err := printJSON(stream.Msg()); err != nil {
					return err
				}
			}
			return stream.Err()
		},
	}
	cmd.Flags().StringVar(&patient, "patient", "", "only show executions for this patient")
	return cmd
}
