package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/barclamp/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show resolved display statuses",
		Long: `Show the display status of every proposal, or of one proposal.

The display status combines the persisted status with the active deployment
registry: a ready proposal without an active role is shown as hold.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter string
			if len(args) == 1 {
				filter = args[0]
			}

			return withRuntime(cmd.Context(), func(rt *runtime) error {
				report, err := rt.lifecycle.ListStatuses(cmd.Context(), filter)
				if jsonOutput {
					if perr := printJSON(out(cmd), report); perr != nil {
						return perr
					}
					return err
				}
				if err != nil {
					return err
				}

				tw := newTable(out(cmd), "ID", "STATUS")
				for _, id := range sortedStatusIDs(report.Statuses) {
					row(tw, id, report.Statuses[id])
				}
				return tw.Flush()
			})
		},
	}
}

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain the commit queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued and in-flight commits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				entries, err := rt.lifecycle.QueueEntries(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), entries)
				}

				tw := newTable(out(cmd), "PROPOSAL", "STATE", "SUBMITTED", "REASON")
				for _, e := range entries {
					row(tw, e.ProposalID, e.State, e.SubmittedAt.Format("2006-01-02 15:04:05"), e.Reason)
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Resubmit every queued commit once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				n, err := rt.lifecycle.Drain(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "✓ %d queued commits accepted\n", n)
				return nil
			})
		},
	})

	return cmd
}

func newActiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active",
		Short: "Manage active role bindings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show the active binding of a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				b, err := rt.lifecycle.ShowActive(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(out(cmd), b)
			})
		},
	})

	var target string
	activate := &cobra.Command{
		Use:   "set <id>",
		Short: "Mark a proposal as deployed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if err := rt.lifecycle.Activate(cmd.Context(), args[0], target); err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "✓ %s is active\n", args[0])
				return nil
			})
		},
	}
	activate.Flags().StringVar(&target, "target", "", "provisioner or run identifier")
	cmd.AddCommand(activate)

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <id>",
		Short: "Remove the active binding of a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if err := rt.lifecycle.Deactivate(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "✓ %s is no longer active\n", args[0])
				return nil
			})
		},
	})

	return cmd
}

func newAuditCommand() *cobra.Command {
	var (
		action, proposal string
		limit            int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the lifecycle audit trail",
		Example: `  barclamp audit --proposal nova_default
  barclamp audit --action commit --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				entries, err := rt.store.ListAuditEntries(cmd.Context(), stores.AuditFilter{
					Action:     action,
					ProposalID: proposal,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), entries)
				}

				tw := newTable(out(cmd), "TIME", "ACTION", "PROPOSAL", "OUTCOME")
				for _, e := range entries {
					row(tw, e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.ProposalID, e.Outcome)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "filter by action")
	cmd.Flags().StringVar(&proposal, "proposal", "", "filter by proposal id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")

	return cmd
}
