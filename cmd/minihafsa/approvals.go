package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/syedahafsa12/minihafsa/approval"
	"github.com/syedahafsa12/minihafsa/logging"
	"github.com/syedahafsa12/minihafsa/vault"
)

func approveCmd(opts *rootOptions) *cobra.Command {
	var by, notes string

	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := buildLogger(opts.logLevel)
			wf, cleanup, err := openWorkflow(opts, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			req, err := wf.Approve(cmd.Context(), args[0], decidedBy(by), notes)
			if err != nil {
				return err
			}
			fmt.Printf("approved %s (%s: %s)\n", req.ID, req.ActionType, req.Summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "Approver id (defaults to $USER)")
	cmd.Flags().StringVar(&notes, "notes", "", "Approval notes")
	return cmd
}

func rejectCmd(opts *rootOptions) *cobra.Command {
	var by, reason string

	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := buildLogger(opts.logLevel)
			wf, cleanup, err := openWorkflow(opts, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			req, err := wf.Reject(cmd.Context(), args[0], decidedBy(by), reason)
			if err != nil {
				return err
			}
			fmt.Printf("rejected %s (%s: %s)\n", req.ID, req.ActionType, req.Summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "Rejector id (defaults to $USER)")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the request is rejected")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func approvalsCmd(opts *rootOptions) *cobra.Command {
	var status, user string
	var limit int

	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := approval.Status(status)
			if !st.IsValid() {
				return fmt.Errorf("unknown status %q (want pending, approved or rejected)", status)
			}

			logger := buildLogger(opts.logLevel)
			wf, cleanup, err := openWorkflow(opts, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			reqs, err := wf.List(cmd.Context(), approval.ListQuery{
				Status: st,
				UserID: user,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if len(reqs) == 0 {
				fmt.Printf("no %s approvals\n", status)
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tRISK\tACTION\tAGENT\tCREATED\tSUMMARY")
			for _, r := range reqs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.RiskLevel, r.ActionType, r.AgentName,
					r.CreatedAt.Format(time.RFC3339), r.Summary)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "pending", "Status to list (pending, approved, rejected)")
	cmd.Flags().StringVar(&user, "user", "", "Filter by user id")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum results (0 = default)")
	return cmd
}

// openWorkflow wires the minimum needed to operate approvals from a
// separate process: the vault plus the activity log for the audit trail.
// The running daemon picks decisions up from the vault on its next scan,
// so no bus is involved.
func openWorkflow(opts *rootOptions, logger *slog.Logger) (*approval.Workflow, func(), error) {
	cfg, err := loadConfig(opts, logger)
	if err != nil {
		return nil, nil, err
	}

	v, err := vault.New(cfg.Loop.VaultPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open vault: %w", err)
	}

	logPath := cfg.Loop.LogPath
	if logPath == "" {
		logPath = v.LogsPath()
	}
	activity, err := logging.New(logging.Config{Path: logPath, Console: false}, nil, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open activity log: %w", err)
	}

	wf, err := approval.New(approval.Deps{Vault: v, Activity: activity, Logger: logger})
	if err != nil {
		_ = activity.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := activity.Close(); err != nil {
			logger.Warn("Activity log close failed", "error", err)
		}
	}
	return wf, cleanup, nil
}

func decidedBy(by string) string {
	if by != "" {
		return by
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "operator"
}
