package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/barclamp/pkg/engine"
)

func newProposalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "proposal",
		Aliases: []string{"proposals", "p"},
		Short:   "Create, edit and commit proposals",
		Long: `Manage barclamp proposals.

A proposal is identified by "<barclamp>_<name>". Attribute and deployment
subtrees are given as inline JSON or as @file (JSON or YAML) and hold the
barclamp's own subtree, e.g. {"port": 8774} for nova.`,
	}

	cmd.AddCommand(newProposalCreateCommand())
	cmd.AddCommand(newProposalEditCommand())
	cmd.AddCommand(newProposalShowCommand())
	cmd.AddCommand(newProposalListCommand())
	cmd.AddCommand(newProposalCommitCommand())
	cmd.AddCommand(newProposalDequeueCommand())
	cmd.AddCommand(newProposalDeleteCommand())

	return cmd
}

func newProposalCreateCommand() *cobra.Command {
	var description, attributes, deployment string

	cmd := &cobra.Command{
		Use:   "create <barclamp> <name>",
		Short: "Create a proposal from the barclamp template",
		Example: `  barclamp proposal create nova default
  barclamp proposal create nova edge --attributes '{"port": 9000}'
  barclamp proposal create database default --deployment @deployment.yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs, err := parseSubtree(attributes)
			if err != nil {
				return err
			}
			deploy, err := parseSubtree(deployment)
			if err != nil {
				return err
			}

			return withRuntime(cmd.Context(), func(rt *runtime) error {
				p, err := rt.lifecycle.Create(cmd.Context(), engine.CreateRequest{
					Module:      args[0],
					Name:        args[1],
					Description: description,
					Attributes:  attrs,
					Deployment:  deploy,
				})
				if err != nil {
					printFieldErrors(cmd.ErrOrStderr(), err)
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), p)
				}
				fmt.Fprintf(out(cmd), "✓ Created proposal %s (%s)\n", p.ID(), p.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "proposal description")
	cmd.Flags().StringVar(&attributes, "attributes", "", "attribute subtree (JSON or @file)")
	cmd.Flags().StringVar(&deployment, "deployment", "", "deployment subtree (JSON or @file)")

	return cmd
}

func newProposalEditCommand() *cobra.Command {
	var (
		description, attributes, deployment string
		commit                              bool
	)

	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Replace proposal subtrees, optionally committing",
		Example: `  barclamp proposal edit nova_default --attributes '{"port": 9000}'
  barclamp proposal edit nova_default --deployment @deployment.yaml --commit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req engine.EditRequest
			var err error
			if req.Attributes, err = parseSubtree(attributes); err != nil {
				return err
			}
			if req.Deployment, err = parseSubtree(deployment); err != nil {
				return err
			}
			if cmd.Flags().Changed("description") {
				req.Description = &description
			}

			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if commit {
					res, err := rt.lifecycle.SaveAndCommit(cmd.Context(), args[0], req)
					printFieldErrors(cmd.ErrOrStderr(), err)
					return printCommit(out(cmd), res, err)
				}

				p, err := rt.lifecycle.Edit(cmd.Context(), args[0], req)
				if err != nil {
					printFieldErrors(cmd.ErrOrStderr(), err)
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), p)
				}
				fmt.Fprintf(out(cmd), "✓ Saved proposal %s (revision %d)\n", p.ID(), p.Revision)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "proposal description")
	cmd.Flags().StringVar(&attributes, "attributes", "", "attribute subtree (JSON or @file)")
	cmd.Flags().StringVar(&deployment, "deployment", "", "deployment subtree (JSON or @file)")
	cmd.Flags().BoolVar(&commit, "commit", false, "commit after saving")

	return cmd
}

func newProposalShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				p, err := rt.lifecycle.Show(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(out(cmd), p)
			})
		},
	}
}

func newProposalListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <barclamp>",
		Short: "List the proposals of a barclamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				list, err := rt.lifecycle.List(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), list)
				}

				tw := newTable(out(cmd), "ID", "STATUS", "DISPLAY", "UPDATED")
				for _, p := range list.Proposals {
					row(tw, p.ID, p.Status, p.DisplayStatus, p.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "\n%d proposals, %d active\n", len(list.Proposals), list.ActiveCount)
				return nil
			})
		},
	}
}

func newProposalCommitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "commit <id>",
		Short: "Commit a proposal to the deployment backend",
		Long: `Commit validates the stored proposal and submits it to the deployment
backend. A busy or detached backend leaves the commit queued; "barclamp serve"
resubmits queued commits on its drain interval.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				res, err := rt.lifecycle.Commit(cmd.Context(), args[0])
				printFieldErrors(cmd.ErrOrStderr(), err)
				return printCommit(out(cmd), res, err)
			})
		},
	}
}

func newProposalDequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dequeue <id>",
		Short: "Cancel a queued commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				removed, err := rt.lifecycle.Dequeue(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), map[string]interface{}{"id": args[0], "dequeued": removed})
				}
				if removed {
					fmt.Fprintf(out(cmd), "✓ Dequeued %s\n", args[0])
				} else {
					fmt.Fprintf(out(cmd), "%s was not queued\n", args[0])
				}
				return nil
			})
		},
	}
}

func newProposalDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if err := rt.lifecycle.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "✓ Deleted %s\n", args[0])
				return nil
			})
		},
	}
}
