package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTransitionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transition",
		Short: "Record and query node state transitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "record <target> <node> <state>",
		Short:   "Record a node state transition",
		Example: `  barclamp transition record nova_default node1.example.com ready`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				rec, err := rt.lifecycle.RecordTransition(cmd.Context(), args[0], args[1], args[2])
				if err != nil {
					printFieldErrors(cmd.ErrOrStderr(), err)
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), rec)
				}
				fmt.Fprintf(out(cmd), "✓ Recorded %s -> %s (#%d)\n", rec.NodeName, rec.State, rec.Seq)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "query <target>",
		Short: "Show the latest state of every node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				states, err := rt.lifecycle.QueryTransitions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), states)
				}

				tw := newTable(out(cmd), "NODE", "STATE", "OBSERVED")
				for _, s := range states {
					row(tw, s.NodeName, s.State, s.ObservedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "history <target>",
		Short: "Show every recorded transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				records, err := rt.lifecycle.TransitionHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), records)
				}

				tw := newTable(out(cmd), "SEQ", "NODE", "STATE", "OBSERVED")
				for _, r := range records {
					row(tw, r.Seq, r.NodeName, r.State, r.ObservedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	})

	return cmd
}
