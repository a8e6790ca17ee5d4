package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/barclamp/pkg/catalog"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "catalog",
		Aliases: []string{"barclamps"},
		Short:   "Inspect the barclamp catalog",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List barclamps with their proposals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				listing, err := rt.lifecycle.Modules(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), listing)
				}

				tw := newTable(out(cmd), "BARCLAMP", "VERSION", "MEMBERS", "PROPOSALS", "DESCRIPTION")
				for _, m := range listing.Modules {
					row(tw, m.Name, m.Version, m.MemberCount, len(m.Proposals), m.Description)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "\n%d barclamps, %d active proposals\n", len(listing.Modules), listing.ActiveCount)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "members <barclamp>",
		Short: "List the members of a composite barclamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				members, err := rt.lifecycle.Members(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), members)
				}

				tw := newTable(out(cmd), "MEMBER", "VERSION", "DESCRIPTION")
				for _, m := range members {
					row(tw, m.Name, m.Version, m.Description)
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "versions",
		Short: "Show the version of every barclamp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				versions := rt.lifecycle.Versions(cmd.Context())
				if jsonOutput {
					return printJSON(out(cmd), versions)
				}

				names := make([]string, 0, len(versions))
				for name := range versions {
					names = append(names, name)
				}
				sort.Strings(names)

				tw := newTable(out(cmd), "BARCLAMP", "VERSION")
				for _, name := range names {
					row(tw, name, versions[name])
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a catalog file or directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				path = cfg.Catalog.Path
			}

			cat, err := catalog.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "✓ Catalog %s is valid (%d barclamps)\n", path, len(cat.Barclamps))
			return nil
		},
	})

	return cmd
}
