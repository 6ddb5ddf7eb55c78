package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/olivergale/metis-portal2-sub002/pkg/monitor"
	"github.com/olivergale/metis-portal2-sub002/pkg/queue"
)

func newSweepCommand() *cobra.Command {
	var dispatch bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one Tier-1 monitor sweep",
		Long: `Run every detector once, record new triage entries, correlate failures
and apply the escalation policy.

With --dispatch, escalations to the diagnostician queue a diagnose task
that a running "metis serve" picks up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			engine, err := a.policyEngine(ctx)
			if err != nil {
				return err
			}
			var dispatcher monitor.Dispatcher
			if dispatch {
				dispatcher = queue.NewDispatcher(a.newQueue())
			}
			mon, err := a.newMonitor(engine, dispatcher)
			if err != nil {
				return err
			}

			report, err := mon.Sweep(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}

			fmt.Printf("Sweep %s finished in %s\n", report.ID, report.Duration)
			fmt.Printf("  findings:     %d (%d new)\n", len(report.Findings), report.Created)
			fmt.Printf("  correlations: %d\n", len(report.Correlations))
			fmt.Printf("  escalated:    %d\n", len(report.Escalated))
			fmt.Printf("  dispatched:   %s\n", check(report.Dispatched))
			for _, f := range report.Findings {
				fmt.Printf("  %-8s %-14s %s\n", severityColor(f.Severity), f.Type, f.WorkOrderID)
			}
			for _, g := range report.Correlations {
				fmt.Printf("  correlation %s across %d work orders: %s\n", g.Type, len(g.WorkOrderIDs), truncate(g.RootCause, 80))
			}
			names := make([]string, 0, len(report.DetectorErrors))
			for name := range report.DetectorErrors {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  detector %s failed: %s\n", name, report.DetectorErrors[name])
			}
			if report.Failed() {
				return fmt.Errorf("sweep completed with %d detector errors", len(report.DetectorErrors))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dispatch, "dispatch", false, "queue a diagnostician run for escalated entries")

	return cmd
}
