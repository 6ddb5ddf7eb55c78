package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupGateway(t *testing.T) (*Gateway, *stores.SQLiteStore) {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "metis.db")})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	return NewGateway(store, nil, WithClock(func() time.Time { return testNow })), store
}

// createInStatus creates a draft and walks it to status through the gateway.
func createInStatus(t *testing.T, g *Gateway, name string, parentID *string, status workorder.Status) *workorder.WorkOrder {
	t.Helper()
	ctx := context.Background()

	wo, err := g.CreateDraft(ctx, DraftRequest{
		Name:      name,
		Objective: "objective for " + name,
		ParentID:  parentID,
		Actor:     "test",
	})
	require.NoError(t, err)

	path := map[workorder.Status][]workorder.Event{
		workorder.StatusDraft:      nil,
		workorder.StatusReady:      {workorder.EventSubmit},
		workorder.StatusInProgress: {workorder.EventSubmit, workorder.EventStart},
		workorder.StatusBlocked:    {workorder.EventSubmit, workorder.EventStart, workorder.EventBlock},
		workorder.StatusReview:     {workorder.EventSubmit, workorder.EventStart, workorder.EventRequestReview},
	}
	events, ok := path[status]
	require.True(t, ok, "unsupported starting status %s", status)

	for _, ev := range events {
		_, err := g.Transition(ctx, TransitionRequest{
			WorkOrderID: wo.ID,
			Event:       ev,
			Payload:     map[string]any{"reason": "test setup"},
			Actor:       "agent-1",
		})
		require.NoError(t, err)
	}

	wo, err = g.store.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	require.Equal(t, status, wo.Status)
	return wo
}

func transition(t *testing.T, g *Gateway, id string, ev workorder.Event, payload map[string]any) *TransitionResult {
	t.Helper()
	res, err := g.Transition(context.Background(), TransitionRequest{
		WorkOrderID: id,
		Event:       ev,
		Payload:     payload,
		Actor:       "agent-1",
	})
	require.NoError(t, err)
	return res
}

func statusOf(t *testing.T, store stores.Store, id string) workorder.Status {
	t.Helper()
	wo, err := store.GetWorkOrder(context.Background(), id)
	require.NoError(t, err)
	return wo.Status
}
