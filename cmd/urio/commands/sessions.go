package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSessionsCommand() *cobra.Command {
	var (
		allDevices bool
		limit      int
		offset     int
		showItems  bool
	)

	cmd := &cobra.Command{
		Use:   "sessions [session-id]",
		Short: "List ingestion sessions or inspect one session's entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, ctx, shutdown, err := setupApp(ctx, buildVersion)
			if err != nil {
				return err
			}
			defer shutdown()

			if len(args) == 1 {
				return showSession(cmd, a, args[0], showItems)
			}

			var deviceFilter *string
			if !allDevices {
				deviceFilter = &a.device.ID
			}

			sessions, err := a.store.ListIngestSessions(ctx, deviceFilter, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(sessions)
			}

			w := newTable()
			fmt.Fprintln(w, "ID\tAGENT\tSTARTED\tFINISHED")
			for _, s := range sessions {
				finished := "-"
				if s.FinishedAt != nil {
					finished = s.FinishedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					s.ID, s.Agent, s.StartedAt.Format("2006-01-02 15:04:05"), finished)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVarP(&allDevices, "all", "a", false, "list sessions for all devices")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	cmd.Flags().BoolVar(&showItems, "entries", false, "show per-file entries")

	return cmd
}

func showSession(cmd *cobra.Command, a *app, sessionID string, showItems bool) error {
	ctx := cmd.Context()

	session, err := a.store.GetIngestSession(ctx, sessionID)
	if err != nil {
		return err
	}
	summary, err := a.store.SummarizeIngestSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if jsonOutput {
		out := map[string]interface{}{
			"session": session,
			"summary": summary,
		}
		if showItems {
			entries, err := a.store.ListIngestEntries(ctx, sessionID)
			if err != nil {
				return err
			}
			out["entries"] = entries
		}
		return printJSON(out)
	}

	fmt.Printf("Session %s (agent %s)\n", session.ID, session.Agent)
	fmt.Printf("  Started:  %s\n", session.StartedAt.Format("2006-01-02 15:04:05"))
	if session.FinishedAt != nil {
		fmt.Printf("  Finished: %s\n", session.FinishedAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("  Finished: (still open)")
	}
	fmt.Printf("  Summary:  %d admitted, %d duplicate, %d rejected, %d errored\n",
		summary.Admitted, summary.Duplicate, summary.Rejected, summary.Errored)

	if showItems {
		entries, err := a.store.ListIngestEntries(ctx, sessionID)
		if err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "PATH\tSTATUS\tRESOURCE")
		for _, e := range entries {
			resource := "-"
			if e.ResourceID != nil {
				resource = *e.ResourceID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.RelPath, e.Status, resource)
		}
		return w.Flush()
	}
	return nil
}
