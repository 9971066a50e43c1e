package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDevicesCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, ctx, shutdown, err := setupApp(ctx, buildVersion)
			if err != nil {
				return err
			}
			defer shutdown()

			devices, err := a.store.ListDevices(ctx, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(devices)
			}

			w := newTable()
			fmt.Fprintln(w, "ID\tNAME\tBOUNDARY\tSTATE")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Boundary, d.State)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")

	return cmd
}
