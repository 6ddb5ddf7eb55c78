package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Work order execution log",
	}

	cmd.AddCommand(newLogAppendCommand())

	return cmd
}

func newLogAppendCommand() *cobra.Command {
	var (
		phase  string
		tools  []string
		failed bool
		detail string
	)

	cmd := &cobra.Command{
		Use:   "append <work-order>",
		Short: "Append an execution step reported by an agent",
		Example: `  metis log append WO-1A2B3C4D --phase tool_call --tool read_file --detail "read config"
  metis log append WO-1A2B3C4D --phase failed --failed --detail "connection refused"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			wo, err := resolveWorkOrder(ctx, a.store, args[0])
			if err != nil {
				return err
			}
			entry := &workorder.ExecutionLogEntry{
				WorkOrderID: wo.ID,
				Phase:       phase,
				ToolNames:   tools,
				Success:     !failed,
				Detail:      detail,
				CreatedAt:   time.Now().UTC(),
			}
			if err := a.store.AppendExecutionLog(ctx, entry); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entry)
			}
			fmt.Printf("%s Logged step %d on %s\n", check(true), entry.ID, wo.Slug)
			return nil
		},
	}

	cmd.Flags().StringVar(&phase, "phase", workorder.PhaseToolCall, "execution phase")
	cmd.Flags().StringSliceVar(&tools, "tool", nil, "tool name (repeatable)")
	cmd.Flags().BoolVar(&failed, "failed", false, "mark the step as unsuccessful")
	cmd.Flags().StringVar(&detail, "detail", "", "free-form detail, e.g. the error output")

	return cmd
}
