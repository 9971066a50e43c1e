package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResourcesCommand() *cobra.Command {
	var (
		allDevices bool
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "resources [resource-id]",
		Short: "List admitted resources or inspect one resource",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, ctx, shutdown, err := setupApp(ctx, buildVersion)
			if err != nil {
				return err
			}
			defer shutdown()

			if len(args) == 1 {
				return showResource(cmd, a, args[0])
			}

			var deviceFilter *string
			if !allDevices {
				deviceFilter = &a.device.ID
			}

			resources, err := a.store.ListResources(ctx, deviceFilter, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resources)
			}

			w := newTable()
			fmt.Fprintln(w, "ID\tURI\tNATURE\tSIZE\tDIGEST")
			for _, r := range resources {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.URI, r.Nature, r.SizeBytes, shortDigest(r.Digest))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVarP(&allDevices, "all", "a", false, "list resources for all devices")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")

	return cmd
}

func showResource(cmd *cobra.Command, a *app, resourceID string) error {
	ctx := cmd.Context()

	resource, err := a.store.GetResource(ctx, resourceID)
	if err != nil {
		return err
	}
	transforms, err := a.store.ListTransforms(ctx, resourceID)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(map[string]interface{}{
			"resource":   resource,
			"transforms": transforms,
		})
	}

	fmt.Printf("Resource %s\n", resource.ID)
	fmt.Printf("  URI:    %s\n", resource.URI)
	fmt.Printf("  Nature: %s\n", resource.Nature)
	fmt.Printf("  Size:   %d bytes\n", resource.SizeBytes)
	fmt.Printf("  Digest: %s\n", resource.Digest)
	if resource.FrontMatter != nil {
		fmt.Printf("  Front matter: %s\n", *resource.FrontMatter)
	}
	if len(transforms) > 0 {
		w := newTable()
		fmt.Fprintln(w, "TRANSFORM\tNATURE\tSIZE\tDIGEST")
		for _, t := range transforms {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				t.ID, t.Nature, t.SizeBytes, shortDigest(t.Digest))
		}
		return w.Flush()
	}
	return nil
}

// shortDigest truncates a hex digest for table display.
func shortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
