package commands

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/urio/urio/pkg/telemetry"
)

func newOrchestrateCommand() *cobra.Command {
	var (
		agent    string
		includes []string
		excludes []string
	)

	cmd := &cobra.Command{
		Use:   "orchestrate <root>",
		Short: "Run an ingestion under a tracked orchestration session",
		Long: `Orchestrate wraps a one-shot ingestion in an orchestration session:
the run is recorded as an exec call tree with lifecycle transitions,
and any adapter failure becomes a structured issue on the session. The
final report shows the exec tree outcome and all recorded issues.`,
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

			argsJSON, err := json.Marshal(map[string]interface{}{
				"root":    root,
				"agent":   agent,
				"include": includes,
				"exclude": excludes,
			})
			if err != nil {
				return err
			}
			argsStr := string(argsJSON)

			session, err := a.executor.BeginSession(ctx, a.device.ID, "ingest", buildVersion, &argsStr)
			if err != nil {
				return err
			}
			entry, err := a.executor.BeginEntry(ctx, session.ID, "ingest", &root)
			if err != nil {
				return err
			}

			handle, err := a.executor.Exec(ctx, session.ID, nil, "ingest", root, &argsStr)
			if err != nil {
				return err
			}
			execCtx := telemetry.WithExecContext(ctx, handle.ID(), session.ID, "ingest")
			if err := a.executor.RecordTransition(execCtx, session.ID, handle.ID(),
				"OPEN", "RUNNING", nil, nil); err != nil {
				a.tel.Logger.WithError(err).Warn("failed to record transition")
			}

			summary, runErr := a.manager.IngestOnce(execCtx, a.device.ID, agent, root,
				a.cfg.Ingest.Adapter, includes, excludes)

			status := 0
			var errText *string
			to := "DONE"
			if runErr != nil {
				status = 1
				msg := runErr.Error()
				errText = &msg
				to = "FAILED"
				if err := a.executor.RecordIssue(execCtx, session.ID, &entry.ID,
					"adapter", msg, nil, nil); err != nil {
					a.tel.Logger.WithError(err).Warn("failed to record issue")
				}
			}
			telemetry.EndExecContext(execCtx, to, runErr)

			var output *string
			if summary != nil {
				if raw, err := json.Marshal(summary); err == nil {
					s := string(raw)
					output = &s
				}
			}
			if err := a.executor.Finish(ctx, handle, status, output, errText); err != nil {
				return err
			}
			if err := a.executor.RecordTransition(ctx, session.ID, handle.ID(),
				"RUNNING", to, nil, errText); err != nil {
				a.tel.Logger.WithError(err).Warn("failed to record transition")
			}

			report, err := a.executor.FinishSession(ctx, session.ID, output, nil)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(report)
			}

			fmt.Printf("Orchestration %s finished\n", report.Session.ID)
			fmt.Printf("  Execs: %d (%d failed)\n", len(report.Execs), report.FailedExecs)
			if summary != nil {
				fmt.Printf("  Ingest: %d admitted, %d duplicate, %d rejected, %d errored\n",
					summary.Admitted, summary.Duplicate, summary.Rejected, summary.Errored)
			}
			for _, issue := range report.Issues {
				fmt.Printf("  Issue [%s]: %s\n", issue.Type, issue.Message)
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "agent name recorded on the session")
	cmd.Flags().StringSliceVar(&includes, "include", nil, "include glob (repeatable)")
	cmd.Flags().StringSliceVar(&excludes, "exclude", nil, "exclude glob (repeatable)")

	return cmd
}
