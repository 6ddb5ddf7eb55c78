package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/olivergale/metis-portal2-sub002/pkg/lifecycle"
	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

var sweepTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []int
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ string, escalated int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, escalated)
	return f.err
}

type fixture struct {
	store      *stores.SQLiteStore
	gateway    *lifecycle.Gateway
	monitor    *Monitor
	clock      *testClock
	dispatcher *fakeDispatcher
}

func setupMonitor(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "metis.db")})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })

	clock := &testClock{now: sweepTime.Add(-time.Hour)}
	gateway := lifecycle.NewGateway(store, nil, lifecycle.WithClock(clock.Now))
	dispatcher := &fakeDispatcher{}

	opts = append([]Option{WithClock(func() time.Time { return sweepTime }), WithDispatcher(dispatcher)}, opts...)
	m, err := New(store, gateway, nil, DefaultConfig(), opts...)
	require.NoError(t, err)

	return &fixture{store: store, gateway: gateway, monitor: m, clock: clock, dispatcher: dispatcher}
}

// createAt creates a work order at the given time and walks it to status.
func (f *fixture) createAt(t *testing.T, at time.Time, name string, status workorder.Status, deps ...string) *workorder.WorkOrder {
	t.Helper()
	ctx := context.Background()
	f.clock.Set(at)

	wo, err := f.gateway.CreateDraft(ctx, lifecycle.DraftRequest{
		Name:      name,
		Objective: "objective for " + name,
		DependsOn: deps,
		Actor:     "test",
	})
	require.NoError(t, err)

	path := map[workorder.Status][]workorder.Event{
		workorder.StatusDraft:      nil,
		workorder.StatusReady:      {workorder.EventSubmit},
		workorder.StatusInProgress: {workorder.EventSubmit, workorder.EventStart},
		workorder.StatusBlocked:    {workorder.EventSubmit, workorder.EventStart, workorder.EventBlock},
		workorder.StatusDone:       {workorder.EventSubmit, workorder.EventStart, workorder.EventComplete},
	}
	events, ok := path[status]
	require.True(t, ok, "unsupported status %s", status)

	for _, ev := range events {
		_, err := f.gateway.Transition(ctx, lifecycle.TransitionRequest{
			WorkOrderID: wo.ID,
			Event:       ev,
			Payload:     map[string]any{"reason": "test setup"},
			Actor:       "agent-1",
		})
		require.NoError(t, err)
	}

	wo, err = f.store.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	return wo
}

// transitionAt applies event to woID with the gateway clock set to at.
func (f *fixture) transitionAt(t *testing.T, at time.Time, woID string, event workorder.Event) {
	t.Helper()
	f.clock.Set(at)
	_, err := f.gateway.Transition(context.Background(), lifecycle.TransitionRequest{
		WorkOrderID: woID,
		Event:       event,
		Payload:     map[string]any{"reason": "test setup"},
		Actor:       "agent-2",
	})
	require.NoError(t, err)
}

func (f *fixture) log(t *testing.T, woID string, at time.Time, phase string, success bool, detail string, tools ...string) {
	t.Helper()
	require.NoError(t, f.store.AppendExecutionLog(context.Background(), &workorder.ExecutionLogEntry{
		WorkOrderID: woID,
		Phase:       phase,
		ToolNames:   tools,
		Success:     success,
		Detail:      detail,
		CreatedAt:   at,
	}))
}

func (f *fixture) entries(t *testing.T, woID string, typ triage.Type) []*triage.Entry {
	t.Helper()
	entries, err := f.store.ListTriageEntries(context.Background(), stores.TriageFilter{
		WorkOrderID: &woID,
		Type:        &typ,
	})
	require.NoError(t, err)
	return entries
}

func (f *fixture) sweep(t *testing.T) *SweepReport {
	t.Helper()
	report, err := f.monitor.Sweep(context.Background())
	require.NoError(t, err)
	return report
}

type stubDetector struct {
	name     string
	findings []triage.Finding
	err      error
	panics   bool
}

func (s *stubDetector) Name() string { return s.name }

func (s *stubDetector) Detect(context.Context, time.Time) ([]triage.Finding, error) {
	if s.panics {
		panic("boom")
	}
	return s.findings, s.err
}

var errDetector = errors.New("store unavailable")

func lifecycleDraft(name, parentID string) lifecycle.DraftRequest {
	return lifecycle.DraftRequest{
		Name:      name,
		Objective: "objective for " + name,
		ParentID:  &parentID,
		Actor:     "test",
	}
}
