package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/urio/urio/pkg/telemetry"
)

func newIngestCommand() *cobra.Command {
	var (
		watch    bool
		agent    string
		includes []string
		excludes []string
	)

	cmd := &cobra.Command{
		Use:   "ingest <root>",
		Short: "Ingest a directory tree into the resource store",
		Long: `Ingest walks a directory tree, evaluates each file against the
configured match/rewrite rules, and admits matched content into the
content-addressed resource store. Re-ingesting unchanged content is a
no-op: duplicates are collapsed onto the existing resource.

With --watch, the command keeps running and re-ingests changed files
into a fresh session per change batch until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			root, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve root path: %w", err)
			}

			a, ctx, shutdown, err := setupApp(ctx, buildVersion)
			if err != nil {
				return err
			}
			defer shutdown()

			if agent == "" {
				agent = a.cfg.Ingest.Agent
			}

			if watch {
				fmt.Printf("Watching %s (Ctrl-C to stop)\n", root)
				return a.manager.Watch(ctx, a.device.ID, agent, root)
			}

			op := telemetry.StartOperation(ctx, "ingest.once",
				telemetry.AttrDeviceID.String(a.device.ID))
			summary, runErr := a.manager.IngestOnce(op.Ctx, a.device.ID, agent, root,
				a.cfg.Ingest.Adapter, includes, excludes)
			op.End(runErr)
			if summary != nil {
				if jsonOutput {
					if err := printJSON(summary); err != nil {
						return err
					}
				} else {
					fmt.Printf("Session %s: %d admitted, %d duplicate, %d rejected, %d errored\n",
						summary.SessionID, summary.Admitted, summary.Duplicate,
						summary.Rejected, summary.Errored)
				}
			}
			return runErr
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "watch for changes and re-ingest")
	cmd.Flags().StringVar(&agent, "agent", "", "agent name recorded on the session")
	cmd.Flags().StringSliceVar(&includes, "include", nil, "include glob (repeatable)")
	cmd.Flags().StringSliceVar(&excludes, "exclude", nil, "exclude glob (repeatable)")

	return cmd
}
