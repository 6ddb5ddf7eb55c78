package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
)

func newTriageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Inspect the triage queue",
	}

	cmd.AddCommand(newTriageListCommand())

	return cmd
}

func newTriageListCommand() *cobra.Command {
	var (
		states   []string
		typ      string
		escalate string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List triage entries",
		Example: `  # Open and escalated entries
  metis triage list

  # Everything waiting for the diagnostician
  metis triage list --state escalated --escalate-to diagnostician`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := stores.TriageFilter{Limit: limit}
			for _, s := range states {
				filter.States = append(filter.States, triage.State(s))
			}
			if typ != "" {
				t := triage.Type(typ)
				if err := t.Validate(); err != nil {
					return err
				}
				filter.Type = &t
			}
			if escalate != "" {
				target := triage.Target(escalate)
				filter.EscalateTo = &target
			}

			entries, err := a.store.ListTriageEntries(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No triage entries")
				return nil
			}

			for _, e := range entries {
				fmt.Printf("%-8s %-16s %-10s %s  %s\n", severityColor(e.Severity), e.Type, e.State,
					e.WorkOrderID, e.CreatedAt.Format("2006-01-02 15:04"))
				fmt.Printf("         %s\n", truncate(triage.Summary(e.Context), 100))
				if e.EscalateTo != triage.TargetNone {
					fmt.Printf("         escalated to %s\n", e.EscalateTo)
				}
				if e.Correlation != "" {
					fmt.Printf("         correlation: %s\n", truncate(e.Correlation, 90))
				}
				if e.Resolution != "" {
					fmt.Printf("         resolution: %s\n", e.Resolution)
				}
				for _, n := range e.Notes {
					fmt.Printf("         note: %s\n", truncate(n, 90))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&states, "state", []string{string(triage.StateOpen), string(triage.StateEscalated)}, "states to include")
	cmd.Flags().StringVar(&typ, "type", "", "triage type (stuck, orphan, auto_unblock, mismatch, spiral, settlement_gap)")
	cmd.Flags().StringVar(&escalate, "escalate-to", "", "escalation target (ops, diagnostician)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")

	return cmd
}
