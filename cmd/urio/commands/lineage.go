package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLineageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lineage",
		Short: "Manage lineage graphs linking nodes to resources",
	}

	cmd.AddCommand(newLineageRegisterCommand())
	cmd.AddCommand(newLineageLinkCommand())
	cmd.AddCommand(newLineageNeighborsCommand())

	return cmd
}

func newLineageRegisterCommand() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "register <graph>",
		Short: "Register a named lineage graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, ctx, shutdown, err := setupApp(ctx, buildVersion)
			if err != nil {
				return err
			}
			defer shutdown()

			var desc *string
			if description != "" {
				desc = &description
			}
			if err := a.linker.Register(ctx, args[0], desc); err != nil {
				return err
			}
			fmt.Printf("Graph %s registered\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "graph description")
	return cmd
}

func newLineageLinkCommand() *cobra.Command {
	var nature string

	cmd := &cobra.Command{
		Use:   "link <graph> <node-id> <resource-id>",
		Short: "Link a node to a resource in a registered graph",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, ctx, shutdown, err := setupApp(ctx, buildVersion)
			if err != nil {
				return err
			}
			defer shutdown()

			inserted, err := a.linker.Link(ctx, args[0], nature, args[1], args[2])
			if err != nil {
				return err
			}
			if inserted {
				fmt.Println("Edge linked")
			} else {
				fmt.Println("Edge already present")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&nature, "nature", "derived", "edge nature")
	return cmd
}

func newLineageNeighborsCommand() *cobra.Command {
	var nature string

	cmd := &cobra.Command{
		Use:   "neighbors <graph> <node-id>",
		Short: "List resources reachable from a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, ctx, shutdown, err := setupApp(ctx, buildVersion)
			if err != nil {
				return err
			}
			defer shutdown()

			var filter *string
			if nature != "" {
				filter = &nature
			}

			ids := []string{}
			for id := range a.linker.Neighbors(ctx, args[0], args[1], filter) {
				ids = append(ids, id)
			}

			if jsonOutput {
				return printJSON(ids)
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&nature, "nature", "", "filter edges by nature")
	return cmd
}
