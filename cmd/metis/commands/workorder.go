package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/olivergale/metis-portal2-sub002/pkg/lifecycle"
	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

func newWorkOrderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workorder",
		Aliases: []string{"wo"},
		Short:   "Create and inspect work orders",
	}

	cmd.AddCommand(newWorkOrderCreateCommand())
	cmd.AddCommand(newWorkOrderShowCommand())
	cmd.AddCommand(newWorkOrderTreeCommand())

	return cmd
}

func newWorkOrderCreateCommand() *cobra.Command {
	var req lifecycle.DraftRequest
	var (
		parent string
		submit bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft work order",
		Example: `  metis workorder create --name "Fix login" --objective "Users can log in again" \
    --criterion "login e2e passes" --tag auth --priority high --submit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if parent != "" {
				p, err := resolveWorkOrder(ctx, a.store, parent)
				if err != nil {
					return err
				}
				req.ParentID = &p.ID
			}
			wo, err := a.gateway.CreateDraft(ctx, req)
			if err != nil {
				return describeError(err)
			}
			if submit {
				if _, err := a.gateway.Transition(ctx, lifecycle.TransitionRequest{
					WorkOrderID: wo.ID,
					Event:       workorder.EventSubmit,
					Actor:       req.Actor,
				}); err != nil {
					return describeError(err)
				}
				if wo, err = a.store.GetWorkOrder(ctx, wo.ID); err != nil {
					return err
				}
			}
			if jsonOutput {
				return printJSON(wo)
			}
			fmt.Printf("%s Created %s (%s) %s\n", check(true), wo.Slug, wo.ID, statusColor(wo.Status))
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Name, "name", "", "short title (required)")
	cmd.Flags().StringVar(&req.Objective, "objective", "", "what the work order must achieve (required)")
	cmd.Flags().StringArrayVar(&req.AcceptanceCriteria, "criterion", nil, "acceptance criterion (repeatable)")
	cmd.Flags().StringVar((*string)(&req.Priority), "priority", string(workorder.PriorityMedium), "critical, high, medium or low")
	cmd.Flags().StringSliceVar(&req.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent work order id or slug")
	cmd.Flags().StringSliceVar(&req.DependsOn, "depends-on", nil, "work order ids that must be done first")
	cmd.Flags().StringVar(&req.Actor, "actor", "operator", "creator recorded in the audit trail")
	cmd.Flags().BoolVar(&submit, "submit", false, "submit the draft so it becomes ready")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("objective")

	return cmd
}

func newWorkOrderShowCommand() *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "show <work-order>",
		Short: "Show a work order with its audit trail and execution log",
		Args:  cobra.ExactArgs(1),
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
			audit, err := a.store.ListAudit(ctx, stores.AuditFilter{WorkOrderID: &wo.ID, Limit: tail})
			if err != nil {
				return err
			}
			steps, err := a.store.ListExecutionLog(ctx, wo.ID, tail)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"work_order": wo, "audit": audit, "execution_log": steps})
			}

			fmt.Printf("%s  %s\n", wo.Slug, wo.Name)
			fmt.Printf("  id:        %s\n", wo.ID)
			fmt.Printf("  status:    %s\n", statusColor(wo.Status))
			fmt.Printf("  priority:  %s\n", wo.Priority)
			if wo.ParentID != nil {
				fmt.Printf("  parent:    %s\n", *wo.ParentID)
			}
			if len(wo.DependsOn) > 0 {
				fmt.Printf("  depends:   %s\n", strings.Join(wo.DependsOn, ", "))
			}
			if len(wo.Tags) > 0 {
				fmt.Printf("  tags:      %s\n", strings.Join(wo.Tags, ", "))
			}
			if wo.ClaimedBy != "" {
				fmt.Printf("  claimed:   %s\n", wo.ClaimedBy)
			}
			if wo.Summary != "" {
				fmt.Printf("  summary:   %s\n", wo.Summary)
			}
			fmt.Printf("  objective: %s\n", wo.Objective)
			for _, c := range wo.AcceptanceCriteria {
				fmt.Printf("    [%s] %s\n", c.State, c.Description)
			}

			if len(audit) > 0 {
				fmt.Println("\nAudit:")
				for _, e := range audit {
					line := fmt.Sprintf("  %s %-32s %s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Actor)
					if e.FromStatus != nil && e.ToStatus != nil {
						line += fmt.Sprintf(" %s → %s", *e.FromStatus, *e.ToStatus)
					}
					fmt.Println(line)
				}
			}
			if len(steps) > 0 {
				fmt.Println("\nExecution log:")
				for _, s := range steps {
					fmt.Printf("  %s %s %-12s %-24s %s\n", s.CreatedAt.Format("15:04:05"), check(s.Success),
						s.Phase, strings.Join(s.ToolNames, ","), truncate(s.Detail, 60))
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tail, "tail", 20, "audit and log entries to show")

	return cmd
}

func newWorkOrderTreeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree [work-order]",
		Short: "Show the work order hierarchy",
		Long:  `Print a work order and its descendants, or every root work order when none is given.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var roots []*workorder.WorkOrder
			if len(args) == 1 {
				wo, err := resolveWorkOrder(ctx, a.store, args[0])
				if err != nil {
					return err
				}
				roots = []*workorder.WorkOrder{wo}
			} else {
				roots, err = a.store.ListWorkOrders(ctx, stores.WorkOrderFilter{RootsOnly: true})
				if err != nil {
					return err
				}
			}

			for _, wo := range roots {
				if err := printTree(ctx, a.store, wo, "", true, true); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return cmd
}

func printTree(ctx context.Context, store stores.Store, wo *workorder.WorkOrder, prefix string, last, root bool) error {
	branch, next := "├── ", prefix+"│   "
	if last {
		branch, next = "└── ", prefix+"    "
	}
	if root {
		branch, next = "", ""
	}
	fmt.Printf("%s%s%s %s %s\n", prefix, branch, wo.Slug, statusColor(wo.Status), wo.Name)

	children, err := store.ListChildren(ctx, wo.ID)
	if err != nil {
		return err
	}
	for i, child := range children {
		if err := printTree(ctx, store, child, next, i == len(children)-1, false); err != nil {
			return err
		}
	}
	return nil
}
