package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/olivergale/metis-portal2-sub002/pkg/diagnostician"
	"github.com/olivergale/metis-portal2-sub002/pkg/queue"
)

func newDiagnoseCommand() *cobra.Command {
	var (
		enqueue bool
		reason  string
	)

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Run one Tier-2 diagnostician batch",
		Long: `Claim the oldest triage entries escalated to the diagnostician, ask the
reasoner for a root cause and create a remediation work order for each.

With --queue, only enqueue a diagnose task for a running "metis serve".`,
		Example: `  # Diagnose now
  metis diagnose

  # Let the service pick it up
  metis diagnose --queue --reason "after deploy"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			dispatcher := queue.NewDispatcher(a.newQueue())
			if enqueue {
				queued, err := dispatcher.Request(ctx, reason, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]bool{"queued": queued})
				}
				if queued {
					fmt.Println("✓ Diagnose task queued")
				} else {
					fmt.Println("A diagnose task is already pending")
				}
				return nil
			}

			diag, err := a.newDiagnostician(dispatcher)
			if err != nil {
				return err
			}
			report, err := diag.RunBatch(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}

			fmt.Printf("Batch %s: %d items in %s, %d escalated remaining\n",
				report.ID, len(report.Items), report.Duration, report.Remaining)
			for _, item := range report.Items {
				switch item.Outcome {
				case diagnostician.OutcomeRemediated:
					fmt.Printf("  %s %s → %s (confidence %.2f)\n", check(true), item.TriageID, item.RemediationSlug, item.Confidence)
				case diagnostician.OutcomeFallback:
					fmt.Printf("  %s %s → %s (fallback)\n", color.New(color.FgYellow).Sprint("!"), item.TriageID, item.RemediationSlug)
				default:
					fmt.Printf("  %s %s: %s\n", check(false), item.TriageID, item.Error)
				}
			}
			if report.FollowUp {
				fmt.Println("Follow-up run queued")
			}
			if n := report.Failed(); n > 0 {
				return fmt.Errorf("%d items failed", n)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&enqueue, "queue", false, "enqueue a diagnose task instead of running now")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded on the queued task")

	return cmd
}
