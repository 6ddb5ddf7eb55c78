package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/olivergale/metis-portal2-sub002/pkg/lifecycle"
	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

func newTransitionCommand() *cobra.Command {
	var (
		actor   string
		reason  string
		payload []string
	)

	cmd := &cobra.Command{
		Use:   "transition <work-order> <event>",
		Short: "Apply a lifecycle event to a work order",
		Long: `Apply an event through the transition gateway. The work order may be given
by id or slug.

Events: submit, start, block, unblock, request_review, reject, complete,
cancel, fail. block and fail require --reason.`,
		Example: `  metis transition WO-1A2B3C4D start --actor agent-7
  metis transition WO-1A2B3C4D fail --actor agent-7 --reason "tests red"`,
		Args: cobra.ExactArgs(2),
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
			body, err := parsePayload(payload)
			if err != nil {
				return err
			}
			if reason != "" {
				body["reason"] = reason
			}

			result, err := a.gateway.Transition(ctx, lifecycle.TransitionRequest{
				WorkOrderID: wo.ID,
				Event:       workorder.Event(args[1]),
				Payload:     body,
				Actor:       actor,
			})
			if err != nil {
				return describeError(err)
			}
			if jsonOutput {
				return printJSON(result)
			}

			fmt.Printf("%s %s: %s → %s\n", check(true), wo.Slug,
				statusColor(result.PreviousStatus), statusColor(result.NewStatus))
			printEffects(result.Effects)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "operator", "who applies the event")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the event")
	cmd.Flags().StringArrayVar(&payload, "set", nil, "extra payload field key=value (repeatable)")

	return cmd
}

func newSettleCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "settle <work-order>",
		Short: "Re-run settlement for a terminal work order",
		Long: `Resume settlement of a terminal work order: cancel leftover descendants of
a done or cancelled work order, or escalate a failure to its parent. A
settled hierarchy is left untouched.`,
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
			effects, err := a.gateway.Resettle(ctx, wo.ID, actor)
			if err != nil {
				return describeError(err)
			}
			if jsonOutput {
				return printJSON(effects)
			}
			if len(effects) == 0 {
				fmt.Printf("%s %s already settled\n", check(true), wo.Slug)
				return nil
			}
			printEffects(effects)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "operator", "who requests the settlement")

	return cmd
}

// resolveWorkOrder accepts an id or a slug.
func resolveWorkOrder(ctx context.Context, store stores.Store, ref string) (*workorder.WorkOrder, error) {
	wo, err := store.GetWorkOrder(ctx, ref)
	if errors.Is(err, stores.ErrNotFound) && strings.HasPrefix(strings.ToUpper(ref), "WO-") {
		wo, err = store.GetWorkOrderBySlug(ctx, strings.ToUpper(ref))
	}
	if errors.Is(err, stores.ErrNotFound) {
		return nil, workorder.NewNotFoundError(ref)
	}
	return wo, err
}

func parsePayload(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid payload field %q, expected key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

// describeError appends the allowed events to a rejected transition.
func describeError(err error) error {
	var werr *workorder.Error
	if !errors.As(err, &werr) {
		return err
	}
	if allowed, ok := werr.Details["allowed_events"]; ok {
		return fmt.Errorf("%w (allowed: %v)", err, allowed)
	}
	if failing, ok := werr.Details["failing_criteria"]; ok {
		return fmt.Errorf("%w: %v", err, failing)
	}
	return err
}
